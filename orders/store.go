// Package orders turns the current cart and a shipping form into a placed
// order and keeps the signed-in user's order history.
package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"storefront/apiclient"
	"storefront/models"
	"storefront/notify"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusPlacing Status = "placing"
	StatusPlaced  Status = "placed"
	StatusFailed  Status = "failed"
)

const (
	opPlace = "orders.place"
	opFetch = "orders.fetch"
	opGet   = "orders.get"
)

// IdempotencyHeader carries the key that lets the server recognise a resent
// order.
const IdempotencyHeader = "Idempotency-Key"

type Sessions interface {
	Session() models.Session
}

// Carts is the slice of the cart store an order needs. *cart.Store
// satisfies it.
type Carts interface {
	Snapshot() models.Cart
	Clear(ctx context.Context) (models.Cart, error)
}

// attempt remembers a placement whose outcome is unknown.
type attempt struct {
	hash string
	key  string
}

type Store struct {
	client   *apiclient.Client
	sessions Sessions
	carts    Carts
	logger   *slog.Logger
	notifier notify.Notifier

	mu      sync.RWMutex
	status  Status
	orders  []models.Order
	loaded  bool
	gen     uint64 // bumped on every identity change
	placed  uint64 // bumped on every successful placement
	owner   string
	lastErr error
	unknown *attempt
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func New(client *apiclient.Client, sessions Sessions, carts Carts, opts ...Option) *Store {
	s := &Store{
		client:   client,
		sessions: sessions,
		carts:    carts,
		logger:   slog.Default(),
		notifier: notify.Discard,
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Orders returns the cached history, newest first.
func (s *Store) Orders() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.orders)
}

// Track returns an auth listener. An identity change drops the cached history
// and invalidates every read still in flight; a new authenticated session
// loads its own history in the background.
func (s *Store) Track(ctx context.Context) func(models.Session) {
	return func(sess models.Session) {
		owner := ""
		if sess.Authenticated() {
			owner = sess.UserID()
		}

		s.mu.Lock()
		if owner == s.owner {
			s.mu.Unlock()
			return
		}
		s.owner = owner
		s.gen++
		s.orders = nil
		s.loaded = false
		s.unknown = nil
		s.lastErr = nil
		if s.status != StatusPlacing {
			s.status = StatusIdle
		}
		s.mu.Unlock()

		if owner != "" {
			go func() {
				if _, err := s.RefreshOrders(ctx); err != nil {
					s.logger.Warn("order history fetch on session start failed", "err", err)
				}
			}()
		}
	}
}

// PlaceOrder submits the current cart. A call made while another placement
// is in flight is rejected outright. On success the order heads the history
// and the cart is cleared; a failed clear does not fail the placement. If the
// session changed while the order was in flight, neither happens.
func (s *Store) PlaceOrder(ctx context.Context, addr models.ShippingAddress, method models.PaymentMethod) (models.Order, error) {
	s.mu.Lock()
	if s.status == StatusPlacing {
		s.mu.Unlock()
		err := apiclient.NewError(apiclient.KindConflict, opPlace, "Your order is already being placed.")
		notify.Result(s.notifier, opPlace, "", err)
		return models.Order{}, err
	}

	sess := s.sessions.Session()
	if !sess.Authenticated() {
		return s.failLocked(apiclient.NewError(apiclient.KindAuthentication, opPlace, "Please log in to place your order."))
	}
	cart := s.carts.Snapshot()
	if cart.Empty() {
		return s.failLocked(apiclient.NewError(apiclient.KindConflict, opPlace, "Your cart is empty."))
	}
	if missing := addr.Missing(); len(missing) > 0 {
		return s.failLocked(apiclient.NewError(apiclient.KindValidation, opPlace,
			"Please complete your shipping address: "+strings.Join(missing, ", ")+"."))
	}
	if !method.Valid() {
		return s.failLocked(apiclient.NewError(apiclient.KindValidation, opPlace, "Choose cash on delivery or mobile money."))
	}

	payload := models.NewOrderRequest(sess.UserID(), cart, addr, method)
	hash, err := payloadHash(payload)
	if err != nil {
		return s.failLocked(&apiclient.Error{Kind: apiclient.KindValidation, Op: opPlace, Message: "The order could not be prepared.", Err: err})
	}
	key := uuid.NewString()
	if s.unknown != nil && s.unknown.hash == hash {
		key = s.unknown.key
	}
	s.status = StatusPlacing
	gen := s.gen
	s.mu.Unlock()

	env, err := s.client.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/orders",
		Body:   payload,
		Header: http.Header{IdempotencyHeader: {key}},
		Op:     opPlace,
	})
	var order models.Order
	if err == nil {
		order, err = apiclient.DecodeOrder(env)
	}

	s.mu.Lock()
	if err != nil {
		s.status = StatusFailed
		s.lastErr = err
		s.unknown = nil
		if apiclient.KindOf(err) == apiclient.KindNetwork && gen == s.gen {
			// the server may have stored it; resend under the same key
			s.unknown = &attempt{hash: hash, key: key}
		}
		s.mu.Unlock()
		s.logger.Warn("order placement failed", "kind", apiclient.KindOf(err).String(), "err", err)
		notify.Result(s.notifier, opPlace, "", err)
		return models.Order{}, err
	}
	s.status = StatusPlaced
	s.lastErr = nil
	s.unknown = nil
	current := gen == s.gen
	if current {
		s.orders = prepend(s.orders, order)
		s.placed++
	}
	s.mu.Unlock()

	s.logger.Info("order placed", "order", order.ID, "items", order.ItemCount(), "total", order.Total.StringFixed(2))
	notify.Result(s.notifier, opPlace, "Order placed.", nil)

	if !current {
		// the cart now belongs to someone else
		s.logger.Info("session changed during placement, cart left alone", "order", order.ID)
		return order.Clone(), nil
	}
	if _, err := s.carts.Clear(ctx); err != nil {
		s.logger.Warn("cart clear after order failed", "order", order.ID, "err", err)
	}
	return order.Clone(), nil
}

// failLocked records a precondition failure. s.mu must be held; it is
// released.
func (s *Store) failLocked(err *apiclient.Error) (models.Order, error) {
	s.status = StatusFailed
	s.lastErr = err
	s.mu.Unlock()
	notify.Result(s.notifier, err.Op, "", err)
	return models.Order{}, err
}

// FetchUserOrders returns the history, loading it on first use in a session.
func (s *Store) FetchUserOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.RLock()
	loaded, cached := s.loaded, cloneAll(s.orders)
	s.mu.RUnlock()
	if loaded && s.sessions.Session().Authenticated() {
		return cached, nil
	}
	return s.RefreshOrders(ctx)
}

// RefreshOrders replaces the cached history with the server's list.
func (s *Store) RefreshOrders(ctx context.Context) ([]models.Order, error) {
	if !s.sessions.Session().Authenticated() {
		return nil, apiclient.NewError(apiclient.KindAuthentication, opFetch, "Please log in to see your orders.")
	}
	s.mu.RLock()
	gen, placed := s.gen, s.placed
	s.mu.RUnlock()

	env, err := s.client.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/orders", Op: opFetch})
	var list []models.Order
	if err == nil {
		list, err = apiclient.DecodeOrders(env)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil, superseded(opFetch)
	}
	if err != nil {
		s.lastErr = err
		s.logger.Warn("order history fetch failed", "kind", apiclient.KindOf(err).String(), "err", err)
		return nil, err
	}
	if placed != s.placed {
		// an order placed meanwhile may be missing from the list
		list = keepNewer(s.orders, list)
	}
	s.orders = list
	s.loaded = true
	return cloneAll(list), nil
}

// GetOrder fetches one order and refreshes its cached copy, which is how a
// status change becomes visible.
func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	if !s.sessions.Session().Authenticated() {
		return models.Order{}, apiclient.NewError(apiclient.KindAuthentication, opGet, "Please log in to see your orders.")
	}
	if strings.TrimSpace(id) == "" {
		return models.Order{}, apiclient.NewError(apiclient.KindValidation, opGet, "Enter an order number.")
	}
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	env, err := s.client.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/orders/" + url.PathEscape(id), Op: opGet})
	var order models.Order
	if err == nil {
		order, err = apiclient.DecodeOrder(env)
	}
	if err != nil {
		s.logger.Warn("order fetch failed", "order", id, "kind", apiclient.KindOf(err).String(), "err", err)
		return models.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return models.Order{}, superseded(opGet)
	}
	for i := range s.orders {
		if s.orders[i].ID == order.ID {
			s.orders[i] = order
		}
	}
	return order.Clone(), nil
}

func superseded(op string) error {
	return apiclient.NewError(apiclient.KindConflict, op, "Your session changed before your orders loaded.")
}

func payloadHash(req models.OrderRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func prepend(list []models.Order, o models.Order) []models.Order {
	out := make([]models.Order, 0, len(list)+1)
	out = append(out, o)
	for _, existing := range list {
		if existing.ID != o.ID {
			out = append(out, existing)
		}
	}
	return out
}

// keepNewer puts cached orders the fetched list lacks in front of it.
func keepNewer(cached, fetched []models.Order) []models.Order {
	seen := make(map[string]bool, len(fetched))
	for _, o := range fetched {
		seen[o.ID] = true
	}
	var out []models.Order
	for _, o := range cached {
		if !seen[o.ID] {
			out = append(out, o)
		}
	}
	return append(out, fetched...)
}

func cloneAll(list []models.Order) []models.Order {
	if list == nil {
		return nil
	}
	out := make([]models.Order, len(list))
	for i, o := range list {
		out[i] = o.Clone()
	}
	return out
}
