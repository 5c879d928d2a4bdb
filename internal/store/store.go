// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the authoritative in-memory conversation map behind a
// passphrase gate, mirroring every mutation to encrypted local storage.
//
// All mutations funnel through one entry point so the in-memory update and
// the persist happen atomically from the caller's point of view; no reader
// ever observes the map mid-update. Persistence is best-effort per write:
// a failed persist is logged and surfaced but never rolls back memory.
package store

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jessehall/vaultchat/internal/kv"
	"github.com/jessehall/vaultchat/internal/model"
	"github.com/jessehall/vaultchat/internal/vault"
)

// DataEntry is the local storage entry holding the encrypted envelope.
const DataEntry = "ollama_secure_data"

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrLocked indicates an operation before a successful Unlock.
	ErrLocked = errors.New("store: locked")
	// ErrUnlockFailed indicates a wrong password or corrupted ciphertext.
	ErrUnlockFailed = errors.New("store: unlock failed")
	// ErrChatNotFound indicates a chat ID not present in the map.
	ErrChatNotFound = errors.New("store: chat not found")
)

// =============================================================================
// STORE
// =============================================================================

// Store is the persisted conversation store.
type Store struct {
	log zerolog.Logger
	kv  kv.Store

	mu             sync.Mutex
	cipher         *vault.Cipher
	conversations  model.ConversationMap
	currentID      string
	authed         bool
	lastPersistErr error

	subMu sync.Mutex
	subs  map[int]func()
	subID int
}

// New creates a locked store over the given local storage backend.
func New(kvStore kv.Store, log zerolog.Logger) *Store {
	return &Store{
		log:  log.With().Str("component", "store").Logger(),
		kv:   kvStore,
		subs: make(map[int]func()),
	}
}

// =============================================================================
// UNLOCK
// =============================================================================

// Unlock gates access to the conversation map. With no persisted ciphertext
// this is first-run: an empty map is adopted and immediately persisted under
// password, establishing it as the vault key. With ciphertext present, a
// failed decrypt returns ErrUnlockFailed and leaves prior state untouched.
// Unlocking an already-unlocked store is a no-op.
func (s *Store) Unlock(password string) error {
	s.mu.Lock()
	if s.authed {
		s.mu.Unlock()
		return nil
	}

	cipher, err := vault.NewCipher(password)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "initializing cipher")
	}

	data, ok, err := s.kv.Get(DataEntry)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "reading vault entry")
	}

	if !ok {
		// First run: adopt an empty map and persist it right away so an
		// immediate re-unlock round-trips.
		s.cipher = cipher
		s.conversations = model.ConversationMap{}
		s.authed = true
		s.persistLocked()
		s.mu.Unlock()
		s.notify()
		s.log.Info().Msg("vault initialized on first run")
		return nil
	}

	var env vault.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.mu.Unlock()
		return errors.Wrap(ErrUnlockFailed, "corrupted envelope")
	}

	var m model.ConversationMap
	if err := cipher.Open(env, &m); err != nil {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnlockFailed, "%v", err)
	}
	if m == nil {
		m = model.ConversationMap{}
	}

	s.cipher = cipher
	s.conversations = m
	s.authed = true
	s.mu.Unlock()
	s.notify()
	s.log.Info().Int("chats", len(m)).Msg("vault unlocked")
	return nil
}

// Authenticated reports whether Unlock has succeeded.
func (s *Store) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Mutate applies fn to a clone of the chat at chatID, swaps the clone into
// the map, and persists. A nil/absent chatID is a silent no-op. The clone
// keeps prior snapshots immutable while fn runs.
func (s *Store) Mutate(chatID string, fn func(*model.Chat)) error {
	if chatID == "" {
		return nil
	}

	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		return ErrLocked
	}
	chat, ok := s.conversations[chatID]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	clone := chat.Clone()
	fn(clone)
	s.conversations[chatID] = clone
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return nil
}

// CreateChat allocates a new chat, inserts it, makes it current, persists,
// and returns its ID.
func (s *Store) CreateChat() (string, error) {
	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		return "", ErrLocked
	}

	chat := model.NewChat()
	s.conversations[chat.ID] = chat
	s.currentID = chat.ID
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return chat.ID, nil
}

// DeleteChat removes the chat; if it was current, the selection is cleared.
// Deleting a missing chat is a no-op.
func (s *Store) DeleteChat(chatID string) error {
	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		return ErrLocked
	}
	if _, ok := s.conversations[chatID]; !ok {
		s.mu.Unlock()
		return nil
	}

	delete(s.conversations, chatID)
	if s.currentID == chatID {
		s.currentID = ""
	}
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return nil
}

// SetCurrentChat selects chatID as current. An empty ID clears the
// selection; a non-empty ID must key an existing chat.
func (s *Store) SetCurrentChat(chatID string) error {
	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		return ErrLocked
	}
	if chatID != "" {
		if _, ok := s.conversations[chatID]; !ok {
			s.mu.Unlock()
			return errors.Wrap(ErrChatNotFound, chatID)
		}
	}
	s.currentID = chatID
	s.mu.Unlock()

	s.notify()
	return nil
}

// =============================================================================
// READS
// =============================================================================

// CurrentChatID returns the selected chat ID, or "" when none is selected.
func (s *Store) CurrentChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Chat returns a clone of the chat at chatID.
func (s *Store) Chat(chatID string) (*model.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.conversations[chatID]
	if !ok {
		return nil, false
	}
	return chat.Clone(), true
}

// CurrentChat returns a clone of the selected chat.
func (s *Store) CurrentChat() (*model.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentID == "" {
		return nil, false
	}
	chat, ok := s.conversations[s.currentID]
	if !ok {
		return nil, false
	}
	return chat.Clone(), true
}

// Snapshot returns a deep copy of the whole conversation map.
func (s *Store) Snapshot() model.ConversationMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations == nil {
		return model.ConversationMap{}
	}
	return s.conversations.Clone()
}

// LastPersistErr returns the error from the most recent persist attempt,
// nil when it succeeded. In-memory state is current regardless.
func (s *Store) LastPersistErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPersistErr
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers a change notification callback and returns an
// unsubscribe function. Callbacks run synchronously after each mutation,
// outside the store lock, so they may read back freely.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.subID
	s.subID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persistLocked seals the current map and writes it to local storage.
// Caller holds s.mu, which serializes persists so encryption always sees a
// self-consistent snapshot. Failures are logged and retained, never
// propagated: memory is the source of truth, durability is best-effort.
func (s *Store) persistLocked() {
	env, err := s.cipher.Seal(s.conversations)
	if err != nil {
		s.lastPersistErr = errors.Wrap(err, "sealing conversation map")
		s.log.Error().Err(err).Msg("persist failed: seal")
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		s.lastPersistErr = errors.Wrap(err, "encoding envelope")
		s.log.Error().Err(err).Msg("persist failed: encode")
		return
	}

	if err := s.kv.Set(DataEntry, data); err != nil {
		s.lastPersistErr = errors.Wrap(err, "writing vault entry")
		s.log.Error().Err(err).Msg("persist failed: write")
		return
	}

	s.lastPersistErr = nil
}
