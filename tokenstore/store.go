// Package tokenstore persists the one piece of client state that survives a
// restart: the opaque bearer token.
package tokenstore

import (
	"context"
	"sync"
)

// Key is the fixed name the token is stored under in every backend.
const Key = "storefront_token"

// Store is durable token storage. Load returns "" with a nil error when no
// token is stored.
type Store interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Memory keeps the token in process memory. Used in tests and when
// persistence is disabled.
type Memory struct {
	mu    sync.RWMutex
	token string
}

func NewMemory(token string) *Memory {
	return &Memory{token: token}
}

func (m *Memory) Load(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

func (m *Memory) Save(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}
