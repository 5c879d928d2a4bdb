// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prefs stores user preferences: backend URL, selected model and
// theme flag. Preferences are not secret and live outside the encrypted
// vault, in their own storage entry, so they are readable before unlock.
package prefs

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jessehall/vaultchat/internal/kv"
)

// SettingsEntry is the storage entry holding the preferences JSON.
const SettingsEntry = "ollama_chat_settings"

// Prefs are the persisted user preferences.
type Prefs struct {
	URL      string `json:"ollamaUrl"`
	Model    string `json:"selectedModel"`
	DarkMode bool   `json:"darkMode"`
}

// Default returns the out-of-the-box preferences.
func Default() Prefs {
	return Prefs{
		URL:      "http://localhost:11434",
		Model:    "",
		DarkMode: true,
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager caches preferences in memory and writes through to storage on
// every update. Safe for concurrent use.
type Manager struct {
	kv  kv.Store
	log zerolog.Logger

	mu      sync.Mutex
	current Prefs
}

// NewManager loads preferences from storage. A missing entry yields
// defaults; a corrupt entry is logged and replaced with defaults rather
// than blocking startup.
func NewManager(kvStore kv.Store, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		kv:      kvStore,
		log:     log.With().Str("component", "prefs").Logger(),
		current: Default(),
	}

	data, ok, err := kvStore.Get(SettingsEntry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read preferences")
	}
	if ok {
		var p Prefs
		if err := json.Unmarshal(data, &p); err != nil {
			m.log.Warn().Err(err).Msg("corrupt preferences entry, using defaults")
		} else {
			if p.URL == "" {
				p.URL = Default().URL
			}
			m.current = p
		}
	}
	return m, nil
}

// Get returns the current preferences.
func (m *Manager) Get() Prefs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set replaces the preferences and persists them synchronously. On a
// storage failure the in-memory value is still updated.
func (m *Manager) Set(p Prefs) error {
	if p.URL == "" {
		p.URL = Default().URL
	}

	m.mu.Lock()
	m.current = p
	m.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to encode preferences")
	}
	if err := m.kv.Set(SettingsEntry, data); err != nil {
		m.log.Error().Err(err).Msg("failed to persist preferences")
		return errors.Wrap(err, "failed to persist preferences")
	}
	return nil
}
