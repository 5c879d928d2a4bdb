// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator drives one request/response cycle against the
// inference backend per user action: send, regenerate, edit, stop. A
// single outstanding-cycle slot guarantees that at most one stream is
// writing to a chat's trailing assistant message at any time; starting a
// new cycle implicitly cancels the one in flight.
package orchestrator

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jessehall/vaultchat/internal/model"
	"github.com/jessehall/vaultchat/internal/ollama"
	"github.com/jessehall/vaultchat/internal/store"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// ModelSource provides the currently selected model name. The connection
// monitor implements it.
type ModelSource interface {
	CurrentModel() string
}

// Listener observes cycle lifecycle events. CycleEnded receives nil on
// normal completion and on user-initiated cancellation; only genuine
// failures carry an error.
type Listener interface {
	CycleStarted(chatID string)
	CycleEnded(chatID string, err error)
}

// noopListener keeps the hot path nil-check free.
type noopListener struct{}

func (noopListener) CycleStarted(string)      {}
func (noopListener) CycleEnded(string, error) {}

// ErrNoModel is returned by Send and Regenerate when no model is selected.
var ErrNoModel = errors.New("no model selected")

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator coordinates the store, the backend client and the model
// selection for streaming chat cycles. Safe for concurrent use.
type Orchestrator struct {
	store    *store.Store
	client   *ollama.Client
	models   ModelSource
	listener Listener
	log      zerolog.Logger
	slot     *cycleSlot
}

// New creates an orchestrator. listener may be nil.
func New(st *store.Store, client *ollama.Client, models ModelSource, listener Listener, log zerolog.Logger) *Orchestrator {
	if listener == nil {
		listener = noopListener{}
	}
	return &Orchestrator{
		store:    st,
		client:   client,
		models:   models,
		listener: listener,
		log:      log.With().Str("component", "orchestrator").Logger(),
		slot:     newCycleSlot(),
	}
}

// Generating reports whether a cycle is in flight.
func (o *Orchestrator) Generating() bool {
	return o.slot.generating()
}

// Stop cancels the in-flight cycle if any. Idempotent.
func (o *Orchestrator) Stop() {
	o.slot.cancel()
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Send appends a user message to the current chat and starts a streaming
// cycle with the full message history. An empty or whitespace-only text
// is a silent no-op. The chat is auto-titled from the first message. If
// no chat is selected, one is created.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	modelName := o.models.CurrentModel()
	if modelName == "" {
		return ErrNoModel
	}

	chatID := o.store.CurrentChatID()
	if chatID == "" {
		id, err := o.store.CreateChat()
		if err != nil {
			return err
		}
		chatID = id
	}

	if err := o.store.Mutate(chatID, func(c *model.Chat) {
		firstMessage := !c.HasDialogue()
		c.Messages = append(c.Messages, model.NewUserMessage(text))
		if firstMessage {
			c.AutoTitle(text)
		}
	}); err != nil {
		return err
	}

	o.startCycle(ctx, chatID, modelName)
	return nil
}

// Regenerate re-runs generation from the message at index. A user-message
// target keeps the message and regenerates the reply; an assistant-message
// target is dropped and regenerated. If replacement is non-nil it
// overwrites the content at index before the truncation point is computed.
// Out-of-range indices and the pinned system message are no-ops. Any
// in-flight cycle is cancelled first.
func (o *Orchestrator) Regenerate(ctx context.Context, index int, replacement *string) error {
	chatID := o.store.CurrentChatID()
	if chatID == "" {
		return nil
	}
	chat, ok := o.store.Chat(chatID)
	if !ok || index < 0 || index >= len(chat.Messages) {
		return nil
	}
	role := chat.Messages[index].Role
	if role == model.RoleSystem {
		return nil
	}

	modelName := o.models.CurrentModel()
	if modelName == "" {
		return ErrNoModel
	}

	// Cancel before truncating so a stale delta can never land on the
	// rewritten history.
	o.slot.cancel()

	if err := o.store.Mutate(chatID, func(c *model.Chat) {
		if index >= len(c.Messages) {
			return
		}
		if replacement != nil {
			c.Messages[index].Content = *replacement
		}
		if role == model.RoleUser {
			c.Messages = c.Messages[:index+1]
		} else {
			c.Messages = c.Messages[:index]
		}
	}); err != nil {
		return err
	}

	o.startCycle(ctx, chatID, modelName)
	return nil
}

// SaveEdit replaces the content of the message at index in the current
// chat. No network effect. Out-of-range indices are no-ops.
func (o *Orchestrator) SaveEdit(index int, content string) error {
	chatID := o.store.CurrentChatID()
	if chatID == "" {
		return nil
	}
	return o.store.Mutate(chatID, func(c *model.Chat) {
		if index < 0 || index >= len(c.Messages) {
			return
		}
		c.Messages[index].Content = content
	})
}

// =============================================================================
// STREAMING CYCLE
// =============================================================================

// startCycle claims the outstanding-cycle slot and runs the stream in the
// background. Lifecycle is reported through the listener.
func (o *Orchestrator) startCycle(ctx context.Context, chatID, modelName string) {
	cycleCtx, cancel := context.WithCancel(ctx)
	gen := o.slot.begin(cancel)

	o.listener.CycleStarted(chatID)

	go func() {
		err := o.runCycle(cycleCtx, gen, chatID, modelName)
		o.slot.finish(gen, cancel)
		if errors.Is(err, context.Canceled) {
			// A user-initiated stop is not a failure.
			err = nil
		}
		if err != nil {
			o.log.Error().Str("chat", chatID).Err(err).Msg("streaming cycle failed")
		}
		o.listener.CycleEnded(chatID, err)
	}()
}

func (o *Orchestrator) runCycle(ctx context.Context, gen uint64, chatID, modelName string) error {
	chat, ok := o.store.Chat(chatID)
	if !ok {
		return errors.New("chat deleted before cycle start")
	}

	req := ollama.ChatRequest{
		Model:    modelName,
		Messages: wireMessages(chat),
		Stream:   true,
	}

	stream, err := o.client.OpenChatStream(ctx, req)
	if err != nil {
		return err
	}

	// The placeholder assistant message is appended only once a readable
	// body exists, so a refused or rejected request leaves no empty slot.
	placeholder := model.NewAssistantMessage()
	if err := o.store.Mutate(chatID, func(c *model.Chat) {
		c.Messages = append(c.Messages, placeholder)
	}); err != nil {
		stream.Close()
		return err
	}

	streamErr := stream.Process(ctx, func(chunk ollama.ChatChunk) {
		if chunk.Done {
			return
		}
		accumulated := stream.Accumulated()
		o.commit(ctx, gen, chatID, placeholder.ID, func(msg *model.Message) {
			msg.Content = accumulated
		})
	})

	// Record the producing model on whatever content made it into the
	// message, even after an error left it partial.
	producedBy := stream.Model()
	if producedBy == "" {
		producedBy = modelName
	}
	o.commit(ctx, gen, chatID, placeholder.ID, func(msg *model.Message) {
		msg.Model = producedBy
	})

	return streamErr
}

// commit applies fn to the cycle's assistant message unless the cycle has
// been cancelled or lost the slot. A delta in flight at the moment of
// cancellation is discarded, not applied.
func (o *Orchestrator) commit(ctx context.Context, gen uint64, chatID, msgID string, fn func(*model.Message)) {
	if !o.slot.owns(gen) {
		return
	}
	_ = o.store.Mutate(chatID, func(c *model.Chat) {
		if ctx.Err() != nil || !o.slot.owns(gen) {
			return
		}
		for _, msg := range c.Messages {
			if msg.ID == msgID {
				fn(msg)
				return
			}
		}
	})
}

// wireMessages converts a chat's history to wire format.
func wireMessages(chat *model.Chat) []ollama.Message {
	out := make([]ollama.Message, 0, len(chat.Messages))
	for _, msg := range chat.Messages {
		out = append(out, ollama.Message{
			Role:    msg.Role.String(),
			Content: msg.Content,
		})
	}
	return out
}
