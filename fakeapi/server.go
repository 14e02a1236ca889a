// Package fakeapi is an in-memory implementation of the storefront REST API.
// It backs the store tests and the -mock demo mode.
package fakeapi

import (
	"bytes"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"storefront/middleware"
	"storefront/models"
	"storefront/utils"
)

const tokenTTL = time.Hour

type account struct {
	user models.User
	hash []byte
}

type serverCart struct {
	lines  []models.CartLine
	coupon string
}

type failure struct {
	status  int
	message string
}

// Server holds all API state behind one mutex.
type Server struct {
	secret []byte
	logger *slog.Logger
	router *httprouter.Router

	mu          sync.Mutex
	accounts    map[string]*account // by user id
	byEmail     map[string]string
	resetTokens map[string]string // reset token -> user id
	revoked     map[string]bool
	products    map[string]*models.Product
	productIDs  []string
	categories  []models.Category
	coupons     map[string]decimal.Decimal // code -> percent
	carts       map[string]*serverCart
	orders      map[string][]models.Order // user id -> newest first
	idem        map[string]*idemRecord

	// test hooks
	counts   map[string]int
	failures map[string][]failure
	delays   map[string]chan struct{}
}

type Option func(*Server)

func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a server seeded with the demo catalog and the SAVE10 coupon.
func New(opts ...Option) *Server {
	s := &Server{
		secret:      []byte("storefront-dev-secret"),
		logger:      slog.Default(),
		accounts:    make(map[string]*account),
		byEmail:     make(map[string]string),
		resetTokens: make(map[string]string),
		revoked:     make(map[string]bool),
		products:    make(map[string]*models.Product),
		coupons:     map[string]decimal.Decimal{"SAVE10": decimal.NewFromInt(10)},
		carts:       make(map[string]*serverCart),
		orders:      make(map[string][]models.Order),
		idem:        make(map[string]*idemRecord),
		counts:      make(map[string]int),
		failures:    make(map[string][]failure),
		delays:      make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seed()
	s.router = s.routes()
	return s
}

// Handler is the full middleware chain: logging, security headers, CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Idempotency-Key"},
		AllowCredentials: false,
	})
	return middleware.Logging(s.logger)(middleware.SecurityHeaders(c.Handler(s.router)))
}

func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()
	auth := middleware.Authenticate(s.secret, s.isRevoked)

	s.handle(r, http.MethodPost, "/auth/login", s.login)
	s.handle(r, http.MethodPost, "/auth/signup", s.signup)
	s.handle(r, http.MethodPost, "/auth/logout", auth(s.logout))
	s.handle(r, http.MethodGet, "/auth/me", auth(s.me))
	s.handle(r, http.MethodPost, "/auth/forgot-password", s.forgotPassword)
	s.handle(r, http.MethodPost, "/auth/reset-password/:token", s.resetPassword)
	s.handle(r, http.MethodPatch, "/auth/update-password", auth(s.updatePassword))

	s.handle(r, http.MethodGet, "/cart", auth(s.getCart))
	s.handle(r, http.MethodPost, "/cart", auth(s.addToCart))
	s.handle(r, http.MethodPatch, "/cart/:lineId", auth(s.updateCartLine))
	s.handle(r, http.MethodDelete, "/cart/:lineId", auth(s.removeCartLine))
	s.handle(r, http.MethodDelete, "/cart", auth(s.clearCart))
	s.handle(r, http.MethodPut, "/coupon", auth(s.applyCoupon))
	s.handle(r, http.MethodDelete, "/coupon", auth(s.removeCoupon))

	s.handle(r, http.MethodGet, "/products", s.listProducts)
	s.handle(r, http.MethodGet, "/products/:id", s.getProduct)
	s.handle(r, http.MethodGet, "/categories", s.listCategories)

	s.handle(r, http.MethodPost, "/orders", auth(s.idempotent(s.placeOrder)))
	s.handle(r, http.MethodGet, "/orders", auth(s.listOrders))
	s.handle(r, http.MethodGet, "/orders/:id", auth(s.getOrder))

	r.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		utils.SendResponse(w, http.StatusOK, utils.M{"status": "ok"}, "")
	})
	return r
}

// handle registers h and applies the test hooks keyed by "METHOD pattern".
func (s *Server) handle(r *httprouter.Router, method, pattern string, h httprouter.Handle) {
	route := method + " " + pattern
	r.Handle(method, pattern, func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		s.mu.Lock()
		s.counts[route]++
		var fail *failure
		if q := s.failures[route]; len(q) > 0 {
			fail = &q[0]
			s.failures[route] = q[1:]
		}
		gate := s.delays[route]
		s.mu.Unlock()

		if fail != nil {
			utils.RespondWithError(w, fail.status, fail.message)
			return
		}
		if gate == nil {
			h(w, req, ps)
			return
		}

		// compute the response now, deliver it once released
		buf := newBufferedWriter()
		h(buf, req, ps)
		select {
		case <-gate:
		case <-req.Context().Done():
			return
		}
		buf.flush(w)
	})
}

func (s *Server) isRevoked(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[token]
}

// FailNext makes the next request to route fail with status and message.
// route is "METHOD pattern", e.g. "PATCH /cart/:lineId".
func (s *Server) FailNext(route string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], failure{status: status, message: message})
}

// Delay holds every response to route until release is called. The handler
// still runs on arrival, so a delayed response reflects the state at that
// moment.
func (s *Server) Delay(route string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.delays[route] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.delays[route] == gate {
				delete(s.delays, route)
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Count reports how many requests reached route.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// SetPrice changes a product's live price.
func (s *Server) SetPrice(productID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[productID]; ok {
		p.Price = price
	}
}

// SetOrderStatus moves an order along its server-side lifecycle.
func (s *Server) SetOrderStatus(orderID string, status models.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, list := range s.orders {
		for i := range list {
			if list[i].ID == orderID {
				s.orders[uid][i].Status = status
			}
		}
	}
}

// IssueToken signs a token for userID directly, e.g. an already expired one.
func (s *Server) IssueToken(userID string, ttl time.Duration) string {
	s.mu.Lock()
	role := string(models.RoleUser)
	if a, ok := s.accounts[userID]; ok {
		role = string(a.user.Role)
	}
	s.mu.Unlock()
	tok, err := middleware.IssueToken(s.secret, userID, role, newID(), ttl)
	if err != nil {
		s.logger.Error("issue token failed", "err", err)
	}
	return tok
}

// bufferedWriter captures a response so it can be delivered later.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header         { return b.header }
func (b *bufferedWriter) Write(p []byte) (int, error) { return b.body.Write(p) }
func (b *bufferedWriter) WriteHeader(code int)        { b.status = code }

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
