// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the inference backend's
// /api/chat, /api/version, /api/tags and /api/ps contract. Every inbound
// payload is schema-checked before use; malformed responses are rejected
// with a validation error rather than silently accepted.
package ollama

import "github.com/pkg/errors"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is a chat message in wire format.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// Options is the opaque bag of numeric generation parameters. Pass-through
// configuration: validated for type by the decoder, never interpreted.
type Options struct {
	Temperature      float64  `json:"temperature,omitempty"`
	TopK             int      `json:"top_k,omitempty"`
	TopP             float64  `json:"top_p,omitempty"`
	RepeatPenalty    float64  `json:"repeat_penalty,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty"`
	NumCtx           int      `json:"num_ctx,omitempty"`
	NumPredict       int      `json:"num_predict,omitempty"`
	Seed             int      `json:"seed,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// =============================================================================
// STREAMING RESPONSE TYPES
// =============================================================================

// ChatChunk is one JSON object parsed from one line of the streaming
// /api/chat response. Non-terminal chunks carry an incremental content
// delta; the terminal chunk (Done) carries completion metadata instead.
//
// Fields required only on the terminal chunk are pointers so a missing
// field is distinguishable from a zero value during validation.
type ChatChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`

	DoneReason         *string `json:"done_reason,omitempty"`
	TotalDuration      *int64  `json:"total_duration,omitempty"`
	LoadDuration       *int64  `json:"load_duration,omitempty"`
	PromptEvalCount    *int    `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration *int64  `json:"prompt_eval_duration,omitempty"`
	EvalCount          *int    `json:"eval_count,omitempty"`
	EvalDuration       *int64  `json:"eval_duration,omitempty"`
}

// Validate checks the chunk against the wire contract.
func (c *ChatChunk) Validate() error {
	if c.Model == "" {
		return errors.Wrap(ErrValidation, "chat chunk missing model")
	}
	if c.CreatedAt == "" {
		return errors.Wrap(ErrValidation, "chat chunk missing created_at")
	}
	if c.Message.Role != "assistant" {
		return errors.Wrapf(ErrValidation, "chat chunk role %q", c.Message.Role)
	}
	if !c.Done {
		return nil
	}
	switch {
	case c.DoneReason == nil:
		return errors.Wrap(ErrValidation, "terminal chunk missing done_reason")
	case c.TotalDuration == nil, c.LoadDuration == nil,
		c.PromptEvalCount == nil, c.PromptEvalDuration == nil,
		c.EvalCount == nil, c.EvalDuration == nil:
		return errors.Wrap(ErrValidation, "terminal chunk missing timing fields")
	}
	return nil
}

// =============================================================================
// ENDPOINT RESPONSE TYPES
// =============================================================================

// VersionResponse is the response from GET /api/version.
type VersionResponse struct {
	Version *string `json:"version"`
}

// Validate checks the version payload.
func (v *VersionResponse) Validate() error {
	if v.Version == nil {
		return errors.Wrap(ErrValidation, "version response missing version")
	}
	return nil
}

// ModelDetails describes a model's format and family.
type ModelDetails struct {
	ParentModel       string   `json:"parent_model"`
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// TagModel is one entry of the /api/tags model catalog.
type TagModel struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt string       `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

func (m *TagModel) validate() error {
	if m.Name == "" || m.Model == "" || m.Digest == "" || m.ModifiedAt == "" {
		return errors.Wrapf(ErrValidation, "invalid model entry %q", m.Name)
	}
	return nil
}

// TagsResponse is the response from GET /api/tags.
type TagsResponse struct {
	Models []TagModel `json:"models"`
}

// Validate checks the catalog payload.
func (t *TagsResponse) Validate() error {
	if t.Models == nil {
		return errors.Wrap(ErrValidation, "tags response missing models")
	}
	for i := range t.Models {
		if err := t.Models[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// PSModel is one running model from GET /api/ps.
type PSModel struct {
	Name          string       `json:"name"`
	Model         string       `json:"model"`
	Size          int64        `json:"size"`
	Digest        string       `json:"digest"`
	Details       ModelDetails `json:"details"`
	ExpiresAt     string       `json:"expires_at"`
	SizeVRAM      int64        `json:"size_vram"`
	ContextLength int          `json:"context_length"`
}

// PSResponse is the response from GET /api/ps.
type PSResponse struct {
	Models []PSModel `json:"models"`
}

// Validate checks the running-model payload.
func (p *PSResponse) Validate() error {
	if p.Models == nil {
		return errors.Wrap(ErrValidation, "ps response missing models")
	}
	for i := range p.Models {
		m := &p.Models[i]
		if m.Name == "" || m.Model == "" || m.Digest == "" {
			return errors.Wrapf(ErrValidation, "invalid running model %q", m.Name)
		}
	}
	return nil
}

// backendError is the error body the backend returns on non-2xx statuses.
type backendError struct {
	Error string `json:"error"`
}
