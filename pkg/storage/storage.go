// Package storage holds the key-value backends a session client persists its
// credentials to.
package storage

import (
	"errors"
	"sync"
)

// ErrClosed is returned by a store used after it, or its client, was closed.
var ErrClosed = errors.New("storage closed")

// Storage is a string key-value store. Writes must be durable when they
// return. A missing key is reported with ok == false and a nil error.
type Storage interface {
	GetString(key string) (value string, ok bool, err error)
	PutString(key string, value string) error
	Remove(key string) error
}

// Memory is a process-local Storage, mostly useful in tests.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) GetString(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) PutString(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys returns a snapshot of the stored keys.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}
