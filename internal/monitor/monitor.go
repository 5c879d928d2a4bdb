// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package monitor tracks reachability and capability of the inference
// backend independent of any chat. A reconnect probes /api/version and,
// unless running in light mode, /api/tags; the outcome is a single
// Connected/Failed status with the underlying error preserved for
// diagnostic display.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jessehall/vaultchat/internal/ollama"
)

// =============================================================================
// STATUS AND STATE
// =============================================================================

// Status is the connection lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrorRecord captures a failed probe for diagnostic display. The record
// preserves the underlying failure; classifying the cause further is the
// caller's concern.
type ErrorRecord struct {
	Name         string    `json:"name"`
	Message      string    `json:"message"`
	Code         int       `json:"code,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	URLAttempted string    `json:"urlAttempted"`
}

// State is an immutable snapshot of the monitor.
type State struct {
	Status       Status
	Version      string
	Models       []ollama.TagModel
	CurrentModel string
	LastError    *ErrorRecord
	LastChecked  time.Time
}

// ErrThrottled is returned when manual reconnects arrive faster than the
// retry limiter allows.
var ErrThrottled = errors.New("reconnect throttled")

// =============================================================================
// MONITOR
// =============================================================================

// Monitor holds connection state for one backend client. Safe for
// concurrent use.
type Monitor struct {
	client  *ollama.Client
	log     zerolog.Logger
	limiter *rate.Limiter

	mu           sync.Mutex
	status       Status
	version      string
	models       []ollama.TagModel
	currentModel string
	lastError    *ErrorRecord
	lastChecked  time.Time

	subMu  sync.Mutex
	nextID int
	subs   map[int]func()
}

// New creates a monitor in the Idle state. Manual retries are limited to
// one per second with a burst of three.
func New(client *ollama.Client, log zerolog.Logger) *Monitor {
	return &Monitor{
		client:  client,
		log:     log.With().Str("component", "monitor").Logger(),
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		status:  StatusIdle,
		subs:    make(map[int]func()),
	}
}

// Reconnect probes the backend: version first, then, unless light, the
// model catalog. Both fetches carry independent 5-second timeouts. On any
// failure the status becomes Failed, the error is recorded, and the model
// list is cleared. This is the unthrottled entry point used at startup.
func (m *Monitor) Reconnect(ctx context.Context, light bool) error {
	m.setConnecting()

	version, err := m.client.CheckVersion(ctx)
	if err != nil {
		m.setFailed(err)
		return err
	}

	var models []ollama.TagModel
	if !light {
		models, err = m.client.CheckTags(ctx)
		if err != nil {
			m.setFailed(err)
			return err
		}
	}

	m.setConnected(version, models, light)
	return nil
}

// Retry is Reconnect behind the manual-retry rate limit.
func (m *Monitor) Retry(ctx context.Context, light bool) error {
	if !m.limiter.Allow() {
		m.log.Debug().Msg("manual reconnect throttled")
		return ErrThrottled
	}
	return m.Reconnect(ctx, light)
}

// SetCurrentModel records the local model selection. The name must be one
// of the currently known models; the empty string clears the selection.
func (m *Monitor) SetCurrentModel(name string) error {
	m.mu.Lock()
	if name != "" && !m.knownLocked(name) {
		m.mu.Unlock()
		return errors.New("unknown model: " + name)
	}
	m.currentModel = name
	m.mu.Unlock()
	m.notify()
	return nil
}

// CurrentModel returns the local model selection.
func (m *Monitor) CurrentModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentModel
}

// State returns a snapshot of the monitor.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Status:       m.status,
		Version:      m.version,
		CurrentModel: m.currentModel,
		LastChecked:  m.lastChecked,
	}
	if m.models != nil {
		s.Models = make([]ollama.TagModel, len(m.models))
		copy(s.Models, m.models)
	}
	if m.lastError != nil {
		rec := *m.lastError
		s.LastError = &rec
	}
	return s
}

// Subscribe registers fn to run after every state change. The returned
// function removes the subscription.
func (m *Monitor) Subscribe(fn func()) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// =============================================================================
// INTERNAL TRANSITIONS
// =============================================================================

func (m *Monitor) knownLocked(name string) bool {
	for i := range m.models {
		if m.models[i].Name == name || m.models[i].Model == name {
			return true
		}
	}
	return false
}

func (m *Monitor) setConnecting() {
	m.mu.Lock()
	m.status = StatusConnecting
	m.mu.Unlock()
	m.notify()
}

func (m *Monitor) setConnected(version string, models []ollama.TagModel, light bool) {
	m.mu.Lock()
	m.status = StatusConnected
	m.version = version
	m.lastError = nil
	m.lastChecked = time.Now()
	if !light {
		m.models = models
		// A vanished model cannot stay selected.
		if m.currentModel != "" && !m.knownLocked(m.currentModel) {
			m.currentModel = ""
		}
	}
	m.mu.Unlock()

	m.log.Info().Str("version", version).Int("models", len(models)).Bool("light", light).Msg("backend connected")
	m.notify()
}

func (m *Monitor) setFailed(err error) {
	rec := &ErrorRecord{
		Name:         "ConnectionError",
		Message:      err.Error(),
		Timestamp:    time.Now(),
		URLAttempted: m.client.BaseURL(),
	}
	var ce *ollama.ClientError
	if errors.As(err, &ce) {
		switch ce.Type {
		case ollama.ErrTypeTimeout:
			rec.Name = "TimeoutError"
		case ollama.ErrTypeHTTP:
			rec.Name = "HTTPError"
			rec.Code = ce.Status
		case ollama.ErrTypeValidation:
			rec.Name = "ValidationError"
		}
	}

	m.mu.Lock()
	m.status = StatusFailed
	m.version = ""
	m.models = nil
	m.lastError = rec
	m.lastChecked = rec.Timestamp
	m.mu.Unlock()

	m.log.Warn().Str("url", rec.URLAttempted).Str("error", rec.Message).Msg("backend unreachable")
	m.notify()
}

func (m *Monitor) notify() {
	m.subMu.Lock()
	fns := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
