// Package cart keeps the client's view of the shopping cart consistent with
// the server's. Every change goes through the API and the server's returned
// aggregate replaces the local one wholesale.
package cart

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"storefront/apiclient"
	"storefront/models"
	"storefront/notify"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusLoading  Status = "loading"
	StatusMutating Status = "mutating"
)

const (
	opRefresh      = "cart.refresh"
	opAdd          = "cart.add"
	opUpdate       = "cart.update_quantity"
	opRemove       = "cart.remove"
	opApplyCoupon  = "cart.apply_coupon"
	opRemoveCoupon = "cart.remove_coupon"
	opClear        = "cart.clear"
)

// Sessions exposes the current session. *auth.Store satisfies it.
type Sessions interface {
	Session() models.Session
}

// Store owns the cart aggregate. One request is in flight at a time; callers
// beyond the first wait their turn or give up when their context ends.
type Store struct {
	client   *apiclient.Client
	sessions Sessions
	logger   *slog.Logger
	notifier notify.Notifier

	turn chan struct{}

	mu      sync.RWMutex
	cart    models.Cart
	status  Status
	issued  uint64 // sequence of the last request sent
	applied uint64 // sequence of the last response applied or invalidated
	resets  uint64 // bumped by Reset; a queued request from before a reset is dropped
	owner   string // user the cart belongs to
	lastErr error

	listenMu  sync.Mutex
	listeners map[int]func(models.Cart)
	nextID    int
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func New(client *apiclient.Client, sessions Sessions, opts ...Option) *Store {
	s := &Store{
		client:    client,
		sessions:  sessions,
		logger:    slog.Default(),
		notifier:  notify.Discard,
		turn:      make(chan struct{}, 1),
		cart:      models.Cart{}.Recompute(),
		status:    StatusIdle,
		listeners: make(map[int]func(models.Cart)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the last authoritative cart.
func (s *Store) Snapshot() models.Cart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart.Clone()
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError is the failure of the most recent operation, or nil.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Subscribe registers fn for every applied cart change. fn must not block.
func (s *Store) Subscribe(fn func(models.Cart)) (unsubscribe func()) {
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

// Track returns an auth listener. Whenever the identity changes the cart is
// emptied and every in-flight response invalidated; a new authenticated
// session triggers a background fetch.
func (s *Store) Track(ctx context.Context) func(models.Session) {
	return func(sess models.Session) {
		owner := ""
		if sess.Authenticated() {
			owner = sess.UserID()
		}

		s.mu.Lock()
		changed := owner != s.owner
		s.owner = owner
		s.mu.Unlock()
		if !changed {
			return
		}

		s.Reset()
		if owner != "" {
			go func() {
				if _, err := s.Refresh(ctx); err != nil {
					s.logger.Warn("cart fetch on session start failed", "err", err)
				}
			}()
		}
	}
}

// Reset empties the local cart and discards every response still in flight.
func (s *Store) Reset() {
	s.mu.Lock()
	s.cart = models.Cart{}.Recompute()
	s.applied = s.issued
	s.resets++
	s.lastErr = nil
	cart := s.cart.Clone()
	s.mu.Unlock()
	s.publish(cart)
}

// Refresh fetches the cart.
func (s *Store) Refresh(ctx context.Context) (models.Cart, error) {
	return s.run(ctx, opRefresh, StatusLoading, "", func(models.Cart) (apiclient.Request, error) {
		return apiclient.Request{Method: http.MethodGet, Path: "/cart"}, nil
	})
}

// AddItem adds quantity of productID; an existing line is incremented.
func (s *Store) AddItem(ctx context.Context, productID string, quantity int) (models.Cart, error) {
	if err := checkQuantity(opAdd, quantity); err != nil {
		return s.reject(opAdd, err)
	}
	return s.run(ctx, opAdd, StatusMutating, "Added to your cart.", func(models.Cart) (apiclient.Request, error) {
		return apiclient.Request{
			Method: http.MethodPost,
			Path:   "/cart",
			Body:   map[string]any{"productId": productID, "quantity": quantity},
		}, nil
	})
}

// UpdateQuantity sets the quantity of productID's line. Quantities below one
// are rejected; removal is RemoveItem.
func (s *Store) UpdateQuantity(ctx context.Context, productID string, quantity int) (models.Cart, error) {
	if err := checkQuantity(opUpdate, quantity); err != nil {
		return s.reject(opUpdate, err)
	}
	return s.run(ctx, opUpdate, StatusMutating, "Cart updated.", func(cart models.Cart) (apiclient.Request, error) {
		line, err := lineFor(opUpdate, cart, productID)
		if err != nil {
			return apiclient.Request{}, err
		}
		return apiclient.Request{
			Method: http.MethodPatch,
			Path:   "/cart/" + url.PathEscape(line.ID),
			Body:   map[string]int{"quantity": quantity},
		}, nil
	})
}

func (s *Store) RemoveItem(ctx context.Context, productID string) (models.Cart, error) {
	return s.run(ctx, opRemove, StatusMutating, "Removed from your cart.", func(cart models.Cart) (apiclient.Request, error) {
		line, err := lineFor(opRemove, cart, productID)
		if err != nil {
			return apiclient.Request{}, err
		}
		return apiclient.Request{Method: http.MethodDelete, Path: "/cart/" + url.PathEscape(line.ID)}, nil
	})
}

func (s *Store) ApplyCoupon(ctx context.Context, code string) (models.Cart, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return s.reject(opApplyCoupon, apiclient.NewError(apiclient.KindValidation, opApplyCoupon, "Enter a coupon code."))
	}
	return s.run(ctx, opApplyCoupon, StatusMutating, "Coupon applied.", func(cart models.Cart) (apiclient.Request, error) {
		if cart.Empty() {
			return apiclient.Request{}, apiclient.NewError(apiclient.KindConflict, opApplyCoupon, "Add items to your cart before applying a coupon.")
		}
		return apiclient.Request{Method: http.MethodPut, Path: "/coupon", Body: map[string]string{"code": code}, Group: "cart"}, nil
	})
}

func (s *Store) RemoveCoupon(ctx context.Context) (models.Cart, error) {
	return s.run(ctx, opRemoveCoupon, StatusMutating, "Coupon removed.", func(models.Cart) (apiclient.Request, error) {
		return apiclient.Request{Method: http.MethodDelete, Path: "/coupon", Group: "cart"}, nil
	})
}

// Clear empties the cart on the server.
func (s *Store) Clear(ctx context.Context) (models.Cart, error) {
	return s.run(ctx, opClear, StatusMutating, "Your cart is now empty.", func(models.Cart) (apiclient.Request, error) {
		return apiclient.Request{Method: http.MethodDelete, Path: "/cart"}, nil
	})
}

var errSuperseded = errors.New("session changed")

// run performs one cart request in turn. build sees the cart as of the moment
// this request's turn begins. A request queued before a session reset is never
// sent, and a response is applied only if no reset happened while it was in
// flight.
func (s *Store) run(ctx context.Context, op string, status Status, success string, build func(models.Cart) (apiclient.Request, error)) (models.Cart, error) {
	s.mu.RLock()
	resets := s.resets
	s.mu.RUnlock()
	if !s.sessions.Session().Authenticated() {
		return s.reject(op, apiclient.NewError(apiclient.KindAuthentication, op, "Please log in to use your cart."))
	}

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return s.reject(op, &apiclient.Error{Kind: apiclient.KindNetwork, Op: op, Message: "The request was cancelled.", Err: ctx.Err()})
	}
	defer func() { <-s.turn }()

	s.mu.Lock()
	if resets != s.resets {
		s.mu.Unlock()
		return s.reject(op, superseded(op))
	}
	req, err := build(s.cart)
	if err != nil {
		s.mu.Unlock()
		return s.reject(op, err)
	}
	s.issued++
	seq := s.issued
	s.status = status
	s.mu.Unlock()

	req.Op = op
	env, err := s.client.Do(ctx, req)
	var cart models.Cart
	if err == nil {
		cart, err = apiclient.DecodeCart(env)
	}

	s.mu.Lock()
	s.status = StatusIdle
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("cart request failed", "op", op, "kind", apiclient.KindOf(err).String(), "err", err)
		notify.Result(s.notifier, op, "", err)
		return s.Snapshot(), err
	}
	if seq <= s.applied {
		current := s.cart.Clone()
		s.mu.Unlock()
		s.logger.Debug("discarding stale cart response", "op", op, "seq", seq)
		return current, superseded(op)
	}
	s.applied = seq
	s.cart = cart
	s.lastErr = nil
	out := cart.Clone()
	s.mu.Unlock()

	s.publish(out)
	if success != "" {
		notify.Result(s.notifier, op, success, nil)
	}
	return out, nil
}

func superseded(op string) error {
	return &apiclient.Error{
		Kind:    apiclient.KindConflict,
		Op:      op,
		Message: "Your session changed before the cart could be updated.",
		Err:     errSuperseded,
	}
}

// reject records a failure that never reached the network. The cart is left
// as it was.
func (s *Store) reject(op string, err error) (models.Cart, error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	notify.Result(s.notifier, op, "", err)
	return s.Snapshot(), err
}

func (s *Store) publish(cart models.Cart) {
	s.listenMu.Lock()
	fns := make([]func(models.Cart), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.Unlock()
	for _, fn := range fns {
		fn(cart)
	}
}

func checkQuantity(op string, quantity int) error {
	if quantity < 1 {
		return apiclient.NewError(apiclient.KindValidation, op, "Quantity must be at least 1.")
	}
	return nil
}

func lineFor(op string, cart models.Cart, productID string) (models.CartLine, error) {
	line, ok := cart.Line(productID)
	if !ok {
		return models.CartLine{}, apiclient.NewError(apiclient.KindNotFound, op, "That item is not in your cart.")
	}
	return line, nil
}
