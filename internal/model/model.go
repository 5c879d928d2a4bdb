// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chats and messages.
package model

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jessehall/vaultchat/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single message in a chat. Identity is immutable once
// created; Content is mutable (edits, streaming replacement).
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Model names which model produced the content; assistant messages only.
	Model string `json:"model,omitempty"`
}

// NewMessage creates a message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates an empty assistant message, the placeholder
// appended when a stream opens.
func NewAssistantMessage() *Message {
	return NewMessage(RoleAssistant, "")
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// =============================================================================
// CHAT TYPE
// =============================================================================

// DefaultTitle is the title of a freshly created chat.
const DefaultTitle = "New Conversation"

// DefaultSystemPrompt seeds the pinned system message of a new chat.
const DefaultSystemPrompt = "You are a helpful AI assistant."

// AutoTitleLimit is how many runes of the first user message become the
// chat title. Plain slice, no word-boundary awareness.
const AutoTitleLimit = 30

// Chat is one conversation thread: an ordered sequence of messages. The
// system prompt is the pinned message with role system at index 0.
type Chat struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewChat creates a chat with a generated ID, the default title, and the
// default system prompt pinned at index 0.
func NewChat() *Chat {
	return &Chat{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Messages:  []*Message{NewSystemMessage(DefaultSystemPrompt)},
		CreatedAt: time.Now(),
	}
}

// Clone deep-copies the chat so prior snapshots stay immutable while a
// mutation is applied to the copy.
func (c *Chat) Clone() *Chat {
	clone := &Chat{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		Messages:  make([]*Message, len(c.Messages)),
	}
	for i, msg := range c.Messages {
		cp := *msg
		clone.Messages[i] = &cp
	}
	return clone
}

// LastMessage returns the trailing message, or nil for an empty chat.
func (c *Chat) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// HasDialogue reports whether the chat holds any non-system message.
// A chat with only its pinned system prompt is still "empty" for
// auto-titling purposes.
func (c *Chat) HasDialogue() bool {
	for _, msg := range c.Messages {
		if msg.Role != RoleSystem {
			return true
		}
	}
	return false
}

// SystemPrompt returns the pinned system message content, or "" if the
// chat has none.
func (c *Chat) SystemPrompt() string {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return c.Messages[0].Content
	}
	return ""
}

// SetSystemPrompt replaces the pinned system message content, inserting
// the pinned message if the chat lost it.
func (c *Chat) SetSystemPrompt(content string) {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		c.Messages[0].Content = content
		return
	}
	c.Messages = append([]*Message{NewSystemMessage(content)}, c.Messages...)
}

// AutoTitle sets the title from the first user message text if the chat
// still carries the default title.
func (c *Chat) AutoTitle(text string) {
	c.Title = util.TruncateRunes(text, AutoTitleLimit)
}

// MessageCount returns the number of messages.
func (c *Chat) MessageCount() int {
	return len(c.Messages)
}

// Preview returns a short preview from the first user message.
func (c *Chat) Preview() string {
	for _, msg := range c.Messages {
		if msg.Role == RoleUser && msg.Content != "" {
			return util.Preview(msg.Content, 80)
		}
	}
	return ""
}

// =============================================================================
// CONVERSATION MAP
// =============================================================================

// ConversationMap is the single source of truth for all chat state,
// keyed by chat ID.
type ConversationMap map[string]*Chat

// Clone deep-copies the map.
func (m ConversationMap) Clone() ConversationMap {
	out := make(ConversationMap, len(m))
	for id, chat := range m {
		out[id] = chat.Clone()
	}
	return out
}

// SortedIDs returns chat IDs ordered by creation time descending, the
// presentation order for chat lists.
func (m ConversationMap) SortedIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m[ids[i]], m[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return ids
}
