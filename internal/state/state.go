// Package state holds the small key-value documents that make up a user's
// session: watched locations, fired alert keys and notification permission.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Keys for the persisted session documents. Values are JSON.
const (
	KeySavedLocations         = "saved-locations"
	KeyNotifiedLocations      = "notified-locations"
	KeyNotificationPermission = "notification-permission"
)

var (
	ErrNotFound = errors.New("state: key not found")
	ErrCorrupt  = errors.New("state: corrupt document")
)

// Backend is a string-keyed store of JSON documents.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes the document at key into v. It returns ErrNotFound when the
// key is absent and ErrCorrupt when the stored value does not decode.
func GetJSON(ctx context.Context, b Backend, key string, v any) error {
	raw, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func PutJSON(ctx context.Context, b Backend, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := b.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Memory is an in-process Backend. The zero value is not usable; use NewMemory.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
