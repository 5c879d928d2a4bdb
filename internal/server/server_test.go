// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/jessehall/vaultchat/internal/kv"
	"github.com/jessehall/vaultchat/internal/monitor"
	"github.com/jessehall/vaultchat/internal/ollama"
	"github.com/jessehall/vaultchat/internal/orchestrator"
	"github.com/jessehall/vaultchat/internal/prefs"
	"github.com/jessehall/vaultchat/internal/store"
)

// =============================================================================
// FIXTURES
// =============================================================================

type testEnv struct {
	h       *Handler
	e       *echo.Echo
	store   *store.Store
	hub     *Hub
	client  *ollama.Client
	backend *httptest.Server
}

// newTestEnv builds the full facade wiring over an in-memory store and a
// healthy fake backend.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			fmt.Fprint(w, `{"version":"0.5.7"}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest","model":"llama3.2:latest","modified_at":"2025-01-01T00:00:00Z","size":1,"digest":"abc"}]}`)
		case "/api/ps":
			fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest","model":"llama3.2:latest","size":1,"digest":"abc","expires_at":"2025-01-01T01:00:00Z","size_vram":1}]}`)
		case "/api/chat":
			fmt.Fprintln(w, `{"model":"llama3.2","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":"hello"},"done":false}`)
			fmt.Fprintln(w, `{"model":"llama3.2","created_at":"2025-01-01T00:00:01Z","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","total_duration":1,"load_duration":1,"prompt_eval_count":1,"prompt_eval_duration":1,"eval_count":1,"eval_duration":1}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(backend.Close)

	log := zerolog.Nop()
	st := store.New(kv.NewMemory(), log)
	client := ollama.NewClient(backend.URL, log)
	mon := monitor.New(client, log)
	pm, err := prefs.NewManager(kv.NewMemory(), log)
	if err != nil {
		t.Fatalf("prefs.NewManager: %v", err)
	}
	hub := NewHub()
	orch := orchestrator.New(st, client, mon, hub, log)

	h := NewHandler(st, orch, mon, pm, client, hub, log)
	env := &testEnv{h: h, e: New(h), store: st, hub: hub, client: client, backend: backend}

	detach := WireEvents(st, mon, hub)
	t.Cleanup(detach)
	return env
}

// do runs one request through the full router.
func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) unlock(t *testing.T) {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/session/unlock", `{"password":"pw"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unlock: %d %s", rec.Code, rec.Body)
	}
}

// =============================================================================
// SESSION
// =============================================================================

func TestUnlock(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/session", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"authenticated\":false}\n" {
		t.Errorf("session before unlock: %d %s", rec.Code, rec.Body)
	}

	if rec := env.do(t, http.MethodPost, "/session/unlock", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unlock without password: %d", rec.Code)
	}

	env.unlock(t)
	rec = env.do(t, http.MethodGet, "/session", "")
	if rec.Body.String() != "{\"authenticated\":true}\n" {
		t.Errorf("session after unlock: %s", rec.Body)
	}
}

func TestLockedRoutesRejected(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/chats", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("list while locked: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/chats", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("create while locked: %d", rec.Code)
	}
}

// =============================================================================
// CHATS
// =============================================================================

func TestChatLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	rec := env.do(t, http.MethodPost, "/chats", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/chats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var list struct {
		Chats []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"chats"`
		CurrentID string `json:"currentId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list.Chats) != 1 || list.Chats[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}
	if list.CurrentID != created.ID {
		t.Errorf("currentId = %q, want new chat selected", list.CurrentID)
	}
	if list.Chats[0].Title != "New Conversation" {
		t.Errorf("title = %q", list.Chats[0].Title)
	}

	rec = env.do(t, http.MethodGet, "/chats/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/chats/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get unknown: %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/chats/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: %d", rec.Code)
	}
	// Deleting again is a no-op.
	if rec := env.do(t, http.MethodDelete, "/chats/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("re-delete: %d", rec.Code)
	}
}

func TestSetCurrentChat(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	rec := env.do(t, http.MethodPost, "/chats", "")
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if rec := env.do(t, http.MethodPut, "/chats/current", `{"id":"missing"}`); rec.Code != http.StatusNotFound {
		t.Errorf("select missing: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/chats/current", `{"id":""}`); rec.Code != http.StatusNoContent {
		t.Errorf("clear selection: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/chats/current", fmt.Sprintf(`{"id":%q}`, created.ID)); rec.Code != http.StatusNoContent {
		t.Errorf("select: %d", rec.Code)
	}
}

// =============================================================================
// CYCLE ROUTES
// =============================================================================

func waitForEvent(t *testing.T, events <-chan Event, name string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func TestSendFlow(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	// A model must be selected first.
	if rec := env.do(t, http.MethodPost, "/chat/send", `{"text":"hi"}`); rec.Code != http.StatusConflict {
		t.Fatalf("send without model: %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/connection/reconnect", `{}`); rec.Code != http.StatusOK {
		t.Fatalf("reconnect: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/connection/model", `{"model":"llama3.2:latest"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("set model: %d", rec.Code)
	}

	events, unsub := env.hub.Subscribe()
	defer unsub()

	if rec := env.do(t, http.MethodPost, "/chat/send", `{"text":"hi"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("send: %d", rec.Code)
	}
	waitForEvent(t, events, EventCycleStarted)
	ev := waitForEvent(t, events, EventCycleEnded)

	data, err := json.Marshal(ev.Data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	var ended struct {
		ChatID string `json:"chatId"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &ended); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if ended.Error != "" {
		t.Fatalf("cycle error: %s", ended.Error)
	}

	chat, ok := env.store.Chat(ended.ChatID)
	if !ok {
		t.Fatal("cycle chat missing")
	}
	if chat.LastMessage().Content != "hello" {
		t.Errorf("assistant content = %q", chat.LastMessage().Content)
	}

	// Empty send is accepted and does nothing.
	if rec := env.do(t, http.MethodPost, "/chat/send", `{"text":"  "}`); rec.Code != http.StatusAccepted {
		t.Errorf("empty send: %d", rec.Code)
	}
}

func TestStopAndSaveEdit(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	if rec := env.do(t, http.MethodPost, "/chat/stop", ""); rec.Code != http.StatusNoContent {
		t.Errorf("stop without cycle: %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/chats", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPut, "/chat/messages/0", `{"content":"You are terse."}`); rec.Code != http.StatusNoContent {
		t.Errorf("edit system prompt: %d", rec.Code)
	}
	chat, _ := env.store.CurrentChat()
	if got := chat.SystemPrompt(); got != "You are terse." {
		t.Errorf("system prompt = %q", got)
	}

	if rec := env.do(t, http.MethodPut, "/chat/messages/abc", `{"content":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad index: %d", rec.Code)
	}
}

// =============================================================================
// CONNECTION AND PREFS
// =============================================================================

func TestConnectionState(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/connection", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("connection: %d", rec.Code)
	}
	var state struct {
		Status     string   `json:"status"`
		Models     []string `json:"models"`
		Generating bool     `json:"generating"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Status != "idle" {
		t.Errorf("status = %q, want idle", state.Status)
	}

	rec = env.do(t, http.MethodPost, "/connection/reconnect", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconnect: %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Status != "connected" {
		t.Errorf("status = %q, want connected", state.Status)
	}
	if len(state.Models) != 1 {
		t.Errorf("models = %v", state.Models)
	}
}

func TestRunningModels(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/connection/ps", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ps: %d", rec.Code)
	}
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].Name != "llama3.2:latest" {
		t.Errorf("models = %+v", resp.Models)
	}
}

func TestPrefsRoundTripRetargetsBackend(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/prefs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get prefs: %d", rec.Code)
	}
	var p prefs.Prefs
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.URL != "http://localhost:11434" || !p.DarkMode {
		t.Errorf("defaults = %+v", p)
	}

	body := `{"ollamaUrl":"http://10.1.1.1:11434","selectedModel":"llama3.2","darkMode":false}`
	if rec := env.do(t, http.MethodPut, "/prefs", body); rec.Code != http.StatusNoContent {
		t.Fatalf("put prefs: %d", rec.Code)
	}
	if got := env.client.BaseURL(); got != "http://10.1.1.1:11434" {
		t.Errorf("client base URL = %q, want retargeted", got)
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub()
	ch, unsub := hub.Subscribe()

	hub.Publish(Event{Name: EventStoreChanged})
	select {
	case ev := <-ch:
		if ev.Name != EventStoreChanged {
			t.Errorf("event = %q", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsub()
	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
}

func TestStoreChangePublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	events, unsub := env.hub.Subscribe()
	defer unsub()

	if rec := env.do(t, http.MethodPost, "/chats", ""); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	waitForEvent(t, events, EventStoreChanged)
}
