// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat core over a localhost HTTP facade. It
// is a thin state/event surface for a UI process: every route delegates
// to the store, the orchestrator or the connection monitor, and pushes
// change notifications out over a server-sent event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jessehall/vaultchat/internal/monitor"
	"github.com/jessehall/vaultchat/internal/ollama"
	"github.com/jessehall/vaultchat/internal/orchestrator"
	"github.com/jessehall/vaultchat/internal/prefs"
	"github.com/jessehall/vaultchat/internal/store"
)

// =============================================================================
// HANDLER
// =============================================================================

// Backend is the slice of the chat client the facade needs directly:
// retargeting on a preferences update and the running-model listing.
type Backend interface {
	SetBaseURL(url string)
	PS(ctx context.Context) ([]ollama.PSModel, error)
}

// Handler holds the facade's dependencies.
type Handler struct {
	store   *store.Store
	orch    *orchestrator.Orchestrator
	monitor *monitor.Monitor
	prefs   *prefs.Manager
	backend Backend
	hub     *Hub
	log     zerolog.Logger
}

// NewHandler creates the facade handler.
func NewHandler(st *store.Store, orch *orchestrator.Orchestrator, mon *monitor.Monitor, pm *prefs.Manager, backend Backend, hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{
		store:   st,
		orch:    orch,
		monitor: mon,
		prefs:   pm,
		backend: backend,
		hub:     hub,
		log:     log.With().Str("component", "server").Logger(),
	}
}

// New builds the echo server with all routes registered.
func New(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	h.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers the facade routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/session/unlock", h.Unlock)
	e.GET("/session", h.Session)

	e.GET("/chats", h.ListChats)
	e.POST("/chats", h.CreateChat)
	e.GET("/chats/:id", h.GetChat)
	e.DELETE("/chats/:id", h.DeleteChat)
	e.PUT("/chats/current", h.SetCurrentChat)

	e.POST("/chat/send", h.Send)
	e.POST("/chat/regenerate", h.Regenerate)
	e.POST("/chat/stop", h.Stop)
	e.PUT("/chat/messages/:index", h.SaveEdit)

	e.GET("/connection", h.Connection)
	e.POST("/connection/reconnect", h.Reconnect)
	e.PUT("/connection/model", h.SetModel)
	e.GET("/connection/ps", h.RunningModels)

	e.GET("/prefs", h.GetPrefs)
	e.PUT("/prefs", h.SetPrefs)

	e.GET("/events", h.Events)
}

// jsonError writes a uniform error body.
func jsonError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// storeStatus maps store errors to HTTP statuses.
func storeStatus(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrLocked):
		return jsonError(c, http.StatusUnauthorized, "vault is locked")
	case errors.Is(err, store.ErrChatNotFound):
		return jsonError(c, http.StatusNotFound, "chat not found")
	default:
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Unlock decrypts the vault with the supplied password.
// POST /session/unlock
func (h *Handler) Unlock(c echo.Context) error {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Password == "" {
		return jsonError(c, http.StatusBadRequest, "password is required")
	}

	if err := h.store.Unlock(req.Password); err != nil {
		if errors.Is(err, store.ErrUnlockFailed) {
			return jsonError(c, http.StatusUnauthorized, "incorrect password")
		}
		return storeStatus(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Session reports the authentication state.
// GET /session
func (h *Handler) Session(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{
		"authenticated": h.store.Authenticated(),
	})
}

// =============================================================================
// CHATS
// =============================================================================

// chatSummary is a list-view projection of a chat.
type chatSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
	Preview      string    `json:"preview"`
}

// ListChats returns all chats, newest first, plus the current selection.
// GET /chats
func (h *Handler) ListChats(c echo.Context) error {
	if !h.store.Authenticated() {
		return jsonError(c, http.StatusUnauthorized, "vault is locked")
	}

	snapshot := h.store.Snapshot()
	summaries := make([]chatSummary, 0, len(snapshot))
	for _, id := range snapshot.SortedIDs() {
		chat := snapshot[id]
		summaries = append(summaries, chatSummary{
			ID:           chat.ID,
			Title:        chat.Title,
			CreatedAt:    chat.CreatedAt,
			MessageCount: chat.MessageCount(),
			Preview:      chat.Preview(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"chats":     summaries,
		"currentId": h.store.CurrentChatID(),
	})
}

// CreateChat creates a chat and selects it.
// POST /chats
func (h *Handler) CreateChat(c echo.Context) error {
	id, err := h.store.CreateChat()
	if err != nil {
		return storeStatus(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// GetChat returns a chat with its full message history.
// GET /chats/:id
func (h *Handler) GetChat(c echo.Context) error {
	if !h.store.Authenticated() {
		return jsonError(c, http.StatusUnauthorized, "vault is locked")
	}
	chat, ok := h.store.Chat(c.Param("id"))
	if !ok {
		return jsonError(c, http.StatusNotFound, "chat not found")
	}
	return c.JSON(http.StatusOK, chat)
}

// DeleteChat removes a chat. Deleting an unknown chat is a no-op.
// DELETE /chats/:id
func (h *Handler) DeleteChat(c echo.Context) error {
	if err := h.store.DeleteChat(c.Param("id")); err != nil {
		return storeStatus(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SetCurrentChat selects a chat; an empty id clears the selection.
// PUT /chats/current
func (h *Handler) SetCurrentChat(c echo.Context) error {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if err := h.store.SetCurrentChat(req.ID); err != nil {
		return storeStatus(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// =============================================================================
// CHAT CYCLE
// =============================================================================

// Send starts a streaming cycle for the given text.
// POST /chat/send
func (h *Handler) Send(c echo.Context) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}

	if err := h.orch.Send(c.Request().Context(), req.Text); err != nil {
		if errors.Is(err, orchestrator.ErrNoModel) {
			return jsonError(c, http.StatusConflict, "no model selected")
		}
		return storeStatus(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// Regenerate re-runs generation from a message index.
// POST /chat/regenerate
func (h *Handler) Regenerate(c echo.Context) error {
	var req struct {
		Index       int     `json:"index"`
		Replacement *string `json:"replacement,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}

	if err := h.orch.Regenerate(c.Request().Context(), req.Index, req.Replacement); err != nil {
		if errors.Is(err, orchestrator.ErrNoModel) {
			return jsonError(c, http.StatusConflict, "no model selected")
		}
		return storeStatus(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// Stop cancels the in-flight cycle, if any.
// POST /chat/stop
func (h *Handler) Stop(c echo.Context) error {
	h.orch.Stop()
	return c.NoContent(http.StatusNoContent)
}

// SaveEdit replaces one message's content without any network effect.
// PUT /chat/messages/:index
func (h *Handler) SaveEdit(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid message index")
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}

	if err := h.orch.SaveEdit(index, req.Content); err != nil {
		return storeStatus(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// =============================================================================
// CONNECTION
// =============================================================================

// connectionResponse is the wire form of the monitor state.
type connectionResponse struct {
	Status       string               `json:"status"`
	Version      string               `json:"version,omitempty"`
	Models       []string             `json:"models"`
	CurrentModel string               `json:"currentModel"`
	LastError    *monitor.ErrorRecord `json:"lastError,omitempty"`
	LastChecked  *time.Time           `json:"lastChecked,omitempty"`
	Generating   bool                 `json:"generating"`
}

func (h *Handler) connectionState() connectionResponse {
	s := h.monitor.State()
	resp := connectionResponse{
		Status:       s.Status.String(),
		Version:      s.Version,
		Models:       make([]string, 0, len(s.Models)),
		CurrentModel: s.CurrentModel,
		LastError:    s.LastError,
		Generating:   h.orch.Generating(),
	}
	for _, m := range s.Models {
		resp.Models = append(resp.Models, m.Name)
	}
	if !s.LastChecked.IsZero() {
		t := s.LastChecked
		resp.LastChecked = &t
	}
	return resp
}

// Connection returns the monitor state.
// GET /connection
func (h *Handler) Connection(c echo.Context) error {
	return c.JSON(http.StatusOK, h.connectionState())
}

// Reconnect triggers a manual backend probe.
// POST /connection/reconnect
func (h *Handler) Reconnect(c echo.Context) error {
	var req struct {
		Light bool `json:"light"`
	}
	// An empty body means a full probe.
	_ = c.Bind(&req)

	if err := h.monitor.Retry(c.Request().Context(), req.Light); err != nil {
		if errors.Is(err, monitor.ErrThrottled) {
			return jsonError(c, http.StatusTooManyRequests, "reconnect throttled")
		}
		// Probe failures are regular outcomes; the state carries the record.
	}
	return c.JSON(http.StatusOK, h.connectionState())
}

// RunningModels lists the models the backend currently has loaded.
// GET /connection/ps
func (h *Handler) RunningModels(c echo.Context) error {
	models, err := h.backend.PS(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"models": models})
}

// SetModel records the local model selection.
// PUT /connection/model
func (h *Handler) SetModel(c echo.Context) error {
	var req struct {
		Model string `json:"model"`
	}
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if err := h.monitor.SetCurrentModel(req.Model); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// =============================================================================
// PREFERENCES
// =============================================================================

// GetPrefs returns the user preferences.
// GET /prefs
func (h *Handler) GetPrefs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.prefs.Get())
}

// SetPrefs replaces the user preferences and retargets the backend client.
// PUT /prefs
func (h *Handler) SetPrefs(c echo.Context) error {
	var req prefs.Prefs
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if err := h.prefs.Set(req); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	h.backend.SetBaseURL(h.prefs.Get().URL)
	return c.NoContent(http.StatusNoContent)
}

// =============================================================================
// EVENTS
// =============================================================================

// Events streams store, connection and cycle events as server-sent events.
// GET /events
func (h *Handler) Events(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	events, unsub := h.hub.Subscribe()
	defer unsub()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeSSE(w *echo.Response, ev Event) error {
	payload := []byte("{}")
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		payload = b
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
	return err
}

// WireEvents connects store and monitor change notifications to the hub.
// Returns a function that detaches them.
func WireEvents(st *store.Store, mon *monitor.Monitor, hub *Hub) func() {
	unsubStore := st.Subscribe(func() {
		hub.Publish(Event{Name: EventStoreChanged})
	})
	unsubMon := mon.Subscribe(func() {
		hub.Publish(Event{Name: EventConnectionChanged})
	})
	return func() {
		unsubStore()
		unsubMon()
	}
}
