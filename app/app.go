// Package app builds the storefront client: one adapter, one store of each
// kind, wired to each other and to the notification hub.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"

	"storefront/apiclient"
	"storefront/auth"
	"storefront/cart"
	"storefront/config"
	"storefront/middleware"
	"storefront/models"
	"storefront/notify"
	"storefront/orders"
	"storefront/products"
	"storefront/tokenstore"
)

// NotifyPath is where the websocket bridge listens.
const NotifyPath = "/notifications"

const tokenTTL = 30 * 24 * time.Hour

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Client  *apiclient.Client
	Tokens  tokenstore.Store
	Auth    *auth.Store
	Cart    *cart.Store
	Orders  *orders.Store
	Catalog *products.Catalog
	Hub     *notify.Hub

	notifyServer   *http.Server
	notifyListener net.Listener
	unsubscribe    []func()
	closers        []func(context.Context) error
}

type settings struct {
	logger     *slog.Logger
	httpClient *http.Client
	tokens     tokenstore.Store
}

type Option func(*settings)

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithTokenStore overrides the store named by the configuration.
func WithTokenStore(ts tokenstore.Store) Option {
	return func(s *settings) { s.tokens = ts }
}

// New wires everything and starts the notification hub. ctx bounds the
// background fetches the stores run on session changes.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	st := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&st)
	}
	a := &App{Config: cfg, Logger: st.logger}

	a.Tokens = st.tokens
	if a.Tokens == nil {
		ts, closer, err := openTokens(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Tokens = ts
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	clientOpts := []apiclient.Option{apiclient.WithLogger(st.logger)}
	if st.httpClient != nil {
		clientOpts = append(clientOpts, apiclient.WithHTTPClient(st.httpClient))
	}
	a.Client = apiclient.New(apiclient.Config{
		BaseURL:         cfg.APIURL,
		Timeout:         cfg.APITimeout,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, clientOpts...)

	a.Hub = notify.NewHub(st.logger)
	go a.Hub.Run()

	a.Auth = auth.New(a.Client, a.Tokens, auth.WithLogger(st.logger), auth.WithNotifier(a.Hub))
	a.Client.SetTokenSource(a.Auth)
	a.Client.OnUnauthorized(a.Auth.Expire)

	a.Cart = cart.New(a.Client, a.Auth, cart.WithLogger(st.logger), cart.WithNotifier(a.Hub))
	a.Orders = orders.New(a.Client, a.Auth, a.Cart, orders.WithLogger(st.logger), orders.WithNotifier(a.Hub))
	a.Catalog = products.New(a.Client, products.WithLogger(st.logger))

	for _, track := range []func(models.Session){a.Cart.Track(ctx), a.Orders.Track(ctx)} {
		a.unsubscribe = append(a.unsubscribe, a.Auth.Subscribe(track))
	}

	if cfg.NotifyAddr != "" {
		if err := a.serveNotifications(cfg.NotifyAddr); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Start resolves the persisted session. Dependent stores fetch their data
// once it is known.
func (a *App) Start(ctx context.Context) models.Session {
	sess := a.Auth.Initialize(ctx)
	a.Logger.Info("session resolved", "status", string(sess.Status), "user", sess.UserID())
	return sess
}

// NotifyAddr is the websocket bridge's listen address, or "" when disabled.
func (a *App) NotifyAddr() string {
	if a.notifyListener == nil {
		return ""
	}
	return a.notifyListener.Addr().String()
}

func (a *App) serveNotifications(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("notify listener: %w", err)
	}
	router := httprouter.New()
	router.GET(NotifyPath, notify.ServeWS(a.Hub, a.Logger))

	a.notifyListener = ln
	a.notifyServer = &http.Server{
		Handler:           middleware.Logging(a.Logger)(router),
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := a.notifyServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("notification bridge stopped", "err", err)
		}
	}()
	a.Logger.Info("notification bridge listening", "addr", ln.Addr().String())
	return nil
}

// Close detaches the stores, stops the hub and the bridge and releases the
// token store's connections.
func (a *App) Close() {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.unsubscribe = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.notifyServer != nil {
		if err := a.notifyServer.Shutdown(ctx); err != nil {
			a.Logger.Warn("notification bridge shutdown", "err", err)
		}
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	for _, c := range a.closers {
		if err := c(ctx); err != nil {
			a.Logger.Warn("close token store", "err", err)
		}
	}
	a.closers = nil
}

func openTokens(ctx context.Context, cfg config.Config) (tokenstore.Store, func(context.Context) error, error) {
	switch cfg.TokenStore {
	case config.TokenStoreMemory:
		return tokenstore.NewMemory(""), nil, nil

	case config.TokenStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return tokenstore.NewRedis(client, "storefront", tokenTTL), func(context.Context) error { return client.Close() }, nil

	case config.TokenStoreMongo:
		client, coll, err := tokenstore.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return tokenstore.NewMongo(coll, owner()), client.Disconnect, nil

	default:
		path := cfg.TokenFile
		if path == "" {
			p, err := tokenstore.DefaultPath()
			if err != nil {
				return nil, nil, err
			}
			path = p
		}
		return tokenstore.NewFile(path), nil, nil
	}
}

// owner names this machine's document in a shared token collection.
func owner() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "default"
}
