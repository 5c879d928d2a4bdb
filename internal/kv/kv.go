// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kv provides named-entry local storage, the durable analog of the
// browser's localStorage: a small set of named opaque byte entries written
// synchronously on every mutation.
package kv

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrInvalidName indicates an entry name the backends cannot store safely.
var ErrInvalidName = errors.New("kv: invalid entry name")

// Store is a named-entry byte store. Implementations are safe for
// concurrent use; Set is durable before it returns.
type Store interface {
	// Get returns the entry's bytes and whether it exists.
	Get(name string) ([]byte, bool, error)
	// Set writes the entry, replacing any previous value.
	Set(name string, data []byte) error
	// Delete removes the entry; deleting a missing entry is not an error.
	Delete(name string) error
	// Close releases backend resources.
	Close() error
}

// validName restricts entry names to a filesystem- and SQL-safe charset.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory is an in-memory Store for tests and ephemeral sessions.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(name string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.entries[name]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// Set implements Store.
func (m *Memory) Set(name string, data []byte) error {
	if !validName(name) {
		return errors.Wrap(ErrInvalidName, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.entries[name] = cp
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
