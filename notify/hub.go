// Package notify delivers the transient notifications every completed store
// mutation emits.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"storefront/apiclient"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is one user-visible message.
type Notification struct {
	Level   Level     `json:"level"`
	Op      string    `json:"op"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier is what the stores publish to.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})

// Result publishes the outcome of op: success text on nil, the error's user
// message otherwise.
func Result(n Notifier, op, success string, err error) {
	if n == nil {
		return
	}
	if err != nil {
		n.Notify(Notification{Level: LevelError, Op: op, Message: apiclient.UserMessage(err), At: time.Now()})
		return
	}
	n.Notify(Notification{Level: LevelSuccess, Op: op, Message: success, At: time.Now()})
}

// Client is one subscriber. Send is closed when the client is unregistered or
// the hub stops.
type Client struct {
	Send chan Notification
}

// Hub fans notifications out to every subscriber. Slow subscribers are
// dropped rather than blocking publishers.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Notification
	quit       chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Notification, 64),
		quit:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.Send)
			}

		case n := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.Send <- n:
				default:
					h.logger.Warn("dropping slow notification subscriber")
					close(c.Send)
					delete(h.clients, c)
				}
			}

		case <-h.quit:
			for c := range h.clients {
				close(c.Send)
				delete(h.clients, c)
			}
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Subscribe registers a client with the given buffer. After Stop the returned
// client's channel is already closed.
func (h *Hub) Subscribe(buffer int) *Client {
	c := &Client{Send: make(chan Notification, buffer)}
	select {
	case h.register <- c:
	case <-h.quit:
		close(c.Send)
	}
	return c
}

func (h *Hub) Unsubscribe(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Notify queues n for broadcast. It never blocks.
func (h *Hub) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case <-h.quit:
		return
	default:
	}
	select {
	case h.broadcast <- n:
	default:
		h.logger.Warn("notification queue full", "op", n.Op)
	}
}
