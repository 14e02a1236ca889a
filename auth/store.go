// Package auth is the single source of truth for who is logged in.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"storefront/apiclient"
	"storefront/models"
	"storefront/notify"
	"storefront/tokenstore"
)

const (
	opLogin   = "auth.login"
	opSignup  = "auth.signup"
	opLogout  = "auth.logout"
	opExpire  = "auth.expire"
	opForgot  = "auth.forgot_password"
	opReset   = "auth.reset_password"
	opPasswd  = "auth.update_password"
	opResolve = "auth.initialize"
)

// Store tracks the session and keeps the persisted token in step with it.
// Its mutex is never held across a network call.
type Store struct {
	client   *apiclient.Client
	tokens   tokenstore.Store
	logger   *slog.Logger
	notifier notify.Notifier

	mu      sync.RWMutex
	session models.Session
	gen     uint64 // bumped on every transition

	listenMu  sync.Mutex
	listeners map[int]func(models.Session)
	nextID    int
	dispatch  sync.Mutex

	init      singleflight.Group
	ready     chan struct{}
	readyOnce sync.Once
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// New returns an uninitialized store. The caller binds it to client as the
// token source and 401 hook.
func New(client *apiclient.Client, tokens tokenstore.Store, opts ...Option) *Store {
	s := &Store{
		client:    client,
		tokens:    tokens,
		logger:    slog.Default(),
		notifier:  notify.Discard,
		session:   models.Session{Status: models.StatusUninitialized},
		listeners: make(map[int]func(models.Session)),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session returns a copy of the current session.
func (s *Store) Session() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.session
	if out.User != nil {
		u := *out.User
		out.User = &u
	}
	return out
}

// Token implements apiclient.TokenSource.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Token
}

// Ready is closed once the session has first resolved to authenticated or
// anonymous. Dependent stores must not query the server before that.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Subscribe registers fn for every session transition. fn runs on the
// goroutine that caused the transition and must not block.
func (s *Store) Subscribe(fn func(models.Session)) (unsubscribe func()) {
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenMu.Unlock()

	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

// Initialize resolves the persisted token exactly once. Concurrent callers
// share one resolution; later callers get the settled session.
func (s *Store) Initialize(ctx context.Context) models.Session {
	select {
	case <-s.ready:
		return s.Session()
	default:
	}

	_, _, _ = s.init.Do("initialize", func() (any, error) {
		select {
		case <-s.ready:
		default:
			s.resolve(ctx)
		}
		return nil, nil
	})
	return s.Session()
}

func (s *Store) resolve(ctx context.Context) {
	s.mu.RLock()
	gen, fresh := s.gen, s.session.Status == models.StatusUninitialized
	s.mu.RUnlock()
	if !fresh {
		// a login or logout already resolved the session
		return
	}
	gen, ok := s.swap(gen, models.Session{Status: models.StatusLoading})
	if !ok {
		return
	}

	token, err := s.tokens.Load(ctx)
	if err != nil {
		s.logger.Warn("load persisted token failed", "err", err)
	}
	if token == "" {
		s.settleAnonymous(ctx, gen, "no persisted token")
		return
	}
	if Expired(token, time.Now()) {
		s.settleAnonymous(ctx, gen, "persisted token expired")
		return
	}

	// expose the token to the adapter for the identity lookup only
	gen, ok = s.swap(gen, models.Session{Token: token, Status: models.StatusLoading})
	if !ok {
		return
	}

	env, err := s.client.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/auth/me", Op: opResolve})
	var user models.User
	if err == nil {
		user, err = apiclient.DecodeUser(env)
	}
	if err != nil {
		s.logger.Info("persisted session rejected", "kind", apiclient.KindOf(err).String(), "err", err)
		s.settleAnonymous(ctx, gen, "identity lookup failed")
		return
	}

	if _, ok := s.swap(gen, models.Session{Token: token, User: &user, Status: models.StatusAuthenticated}); ok {
		s.logger.Info("session restored", "user", user.ID)
	}
}

// Login exchanges credentials for a session.
func (s *Store) Login(ctx context.Context, email, password string) (models.Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		err := apiclient.NewError(apiclient.KindValidation, opLogin, "Email and password are required.")
		notify.Result(s.notifier, opLogin, "", err)
		return s.Session(), err
	}

	env, err := s.client.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   map[string]string{"email": strings.TrimSpace(email), "password": password},
		Op:     opLogin,
	})
	sess, err := s.establish(ctx, env, err)
	if err == nil {
		notify.Result(s.notifier, opLogin, "Welcome back, "+sess.User.FirstName+".", nil)
	} else {
		notify.Result(s.notifier, opLogin, "", err)
	}
	return sess, err
}

// Signup creates an identity and logs it in.
func (s *Store) Signup(ctx context.Context, p models.Profile) (models.Session, error) {
	if missing := p.Missing(); len(missing) > 0 {
		err := apiclient.NewError(apiclient.KindValidation, opSignup, "Please fill in: "+strings.Join(missing, ", ")+".")
		notify.Result(s.notifier, opSignup, "", err)
		return s.Session(), err
	}

	env, err := s.client.Do(ctx, apiclient.Request{Method: http.MethodPost, Path: "/auth/signup", Body: p, Op: opSignup})
	sess, err := s.establish(ctx, env, err)
	notify.Result(s.notifier, opSignup, "Your account has been created.", err)
	return sess, err
}

// establish turns a login-like response into an authenticated session and
// returns that session, even if a later transition has already replaced it.
func (s *Store) establish(ctx context.Context, env *apiclient.Envelope, err error) (models.Session, error) {
	if err != nil {
		return s.Session(), err
	}
	token, user, err := apiclient.DecodeSession(env)
	if err != nil {
		s.logger.Error("malformed session response", "err", err)
		return s.Session(), err
	}
	if err := s.tokens.Save(ctx, token); err != nil {
		// the session still works for this process
		s.logger.Warn("persist token failed", "err", err)
	}
	stored := user
	s.set(models.Session{Token: token, User: &stored, Status: models.StatusAuthenticated})
	return models.Session{Token: token, User: &user, Status: models.StatusAuthenticated}, nil
}

// Logout always ends in anonymous; the server is told on a best-effort basis.
func (s *Store) Logout(ctx context.Context) error {
	token := s.Token()
	clearErr := s.tokens.Clear(ctx)
	if clearErr != nil {
		s.logger.Warn("clear persisted token failed", "err", clearErr)
	}
	s.set(models.Session{Status: models.StatusAnonymous})

	if token != "" {
		_, err := s.client.Do(ctx, apiclient.Request{
			Method: http.MethodPost,
			Path:   "/auth/logout",
			Header: http.Header{"Authorization": {"Bearer " + token}},
			Op:     opLogout,
		})
		if err != nil {
			s.logger.Info("server logout failed", "err", err)
		}
	}
	notify.Result(s.notifier, opLogout, "You have been logged out.", nil)
	return clearErr
}

// Expire handles a rejected token: if it is still the session's token,
// discard it and fall back to anonymous. Rejections of a token that has
// since been replaced are ignored.
func (s *Store) Expire(token string) {
	s.mu.RLock()
	gen, current, wasAuthenticated := s.gen, s.session.Token, s.session.Authenticated()
	s.mu.RUnlock()
	if current == "" || current != token {
		return
	}
	if _, ok := s.swap(gen, models.Session{Status: models.StatusAnonymous}); !ok {
		return
	}
	if err := s.tokens.Clear(context.Background()); err != nil {
		s.logger.Warn("clear persisted token failed", "err", err)
	}
	s.logger.Info("session expired")
	if wasAuthenticated {
		notify.Result(s.notifier, opExpire, "", apiclient.NewError(apiclient.KindAuthentication, opExpire, ""))
	}
}

// ForgotPassword asks the server to send a reset link and returns its message.
func (s *Store) ForgotPassword(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		err := apiclient.NewError(apiclient.KindValidation, opForgot, "Email is required.")
		notify.Result(s.notifier, opForgot, "", err)
		return "", err
	}
	env, err := s.client.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/auth/forgot-password",
		Body:   map[string]string{"email": strings.TrimSpace(email)},
		Op:     opForgot,
	})
	if err != nil {
		notify.Result(s.notifier, opForgot, "", err)
		return "", err
	}
	msg := env.Message
	if msg == "" {
		msg = "Check your email for a reset link."
	}
	notify.Result(s.notifier, opForgot, msg, nil)
	return msg, nil
}

// ResetPassword completes recovery. When the server answers with a session the
// user is logged in.
func (s *Store) ResetPassword(ctx context.Context, resetToken, password string) (models.Session, error) {
	if strings.TrimSpace(resetToken) == "" || password == "" {
		err := apiclient.NewError(apiclient.KindValidation, opReset, "Reset token and new password are required.")
		notify.Result(s.notifier, opReset, "", err)
		return s.Session(), err
	}
	env, err := s.client.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/auth/reset-password/" + url.PathEscape(resetToken),
		Body:   map[string]string{"password": password},
		Op:     opReset,
	})
	if err != nil {
		notify.Result(s.notifier, opReset, "", err)
		return s.Session(), err
	}
	if apiclient.DecodeToken(env) != "" {
		if sess, err := s.establish(ctx, env, nil); err == nil {
			notify.Result(s.notifier, opReset, "Your password has been reset.", nil)
			return sess, nil
		}
	}
	notify.Result(s.notifier, opReset, "Your password has been reset. Please log in.", nil)
	return s.Session(), nil
}

// UpdatePassword changes the password of the logged-in user and keeps any
// rotated token.
func (s *Store) UpdatePassword(ctx context.Context, current, next string) error {
	if !s.Session().Authenticated() {
		err := apiclient.NewError(apiclient.KindAuthentication, opPasswd, "Please log in to change your password.")
		notify.Result(s.notifier, opPasswd, "", err)
		return err
	}
	if current == "" || next == "" {
		err := apiclient.NewError(apiclient.KindValidation, opPasswd, "Current and new password are required.")
		notify.Result(s.notifier, opPasswd, "", err)
		return err
	}

	env, err := s.client.Do(ctx, apiclient.Request{
		Method: http.MethodPatch,
		Path:   "/auth/update-password",
		Body:   map[string]string{"currentPassword": current, "newPassword": next},
		Op:     opPasswd,
	})
	if err != nil {
		notify.Result(s.notifier, opPasswd, "", err)
		return err
	}

	if rotated := apiclient.DecodeToken(env); rotated != "" {
		s.mu.Lock()
		if s.session.Authenticated() {
			s.session.Token = rotated
		}
		s.mu.Unlock()
		if err := s.tokens.Save(ctx, rotated); err != nil {
			s.logger.Warn("persist rotated token failed", "err", err)
		}
	}
	notify.Result(s.notifier, opPasswd, "Your password has been updated.", nil)
	return nil
}

// settleAnonymous drops the persisted token and resolves to anonymous,
// unless another transition happened since gen.
func (s *Store) settleAnonymous(ctx context.Context, gen uint64, reason string) {
	if _, ok := s.swap(gen, models.Session{Status: models.StatusAnonymous}); !ok {
		return
	}
	if err := s.tokens.Clear(ctx); err != nil {
		s.logger.Warn("clear persisted token failed", "err", err)
	}
	s.logger.Debug("session anonymous", "reason", reason)
}

// set replaces the session unconditionally and returns the new generation.
func (s *Store) set(sess models.Session) uint64 {
	s.mu.Lock()
	s.session = sess
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.transitioned(sess)
	return gen
}

// swap replaces the session only if no transition happened since gen.
func (s *Store) swap(gen uint64, sess models.Session) (uint64, bool) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return gen, false
	}
	s.session = sess
	s.gen++
	gen = s.gen
	s.mu.Unlock()

	s.transitioned(sess)
	return gen, true
}

func (s *Store) transitioned(sess models.Session) {
	if sess.Resolved() {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	s.publish()
}

// publish hands the latest session to every listener. Dispatch is serialized
// so listeners always finish on the newest state.
func (s *Store) publish() {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	sess := s.Session()
	s.listenMu.Lock()
	fns := make([]func(models.Session), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.Unlock()

	for _, fn := range fns {
		fn(sess)
	}
}
