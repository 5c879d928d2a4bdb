// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// chunkLine builds one non-terminal NDJSON line.
func chunkLine(content string) string {
	return fmt.Sprintf(`{"model":"llama3.2","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":%q},"done":false}`, content)
}

// doneLine builds the terminal NDJSON line with full metadata.
func doneLine() string {
	return `{"model":"llama3.2","created_at":"2025-01-01T00:00:01Z","message":{"role":"assistant","content":""},"done":true,` +
		`"done_reason":"stop","total_duration":5000,"load_duration":100,"prompt_eval_count":10,"prompt_eval_duration":200,"eval_count":20,"eval_duration":4000}`
}

func ndjsonServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, zerolog.Nop())
}

func TestChatStreamOrdering(t *testing.T) {
	srv := ndjsonServer(t, chunkLine("Hel"), chunkLine("lo"), chunkLine(" world"), doneLine())
	c := testClient(srv)

	stream, err := c.OpenChatStream(context.Background(), ChatRequest{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("OpenChatStream: %v", err)
	}

	var deltas []string
	var sawDone bool
	err = stream.Process(context.Background(), func(chunk ChatChunk) {
		if chunk.Done {
			sawDone = true
			return
		}
		deltas = append(deltas, chunk.Message.Content)
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []string{"Hel", "lo", " world"}
	if len(deltas) != len(want) {
		t.Fatalf("got %d deltas, want %d", len(deltas), len(want))
	}
	for i, d := range deltas {
		if d != want[i] {
			t.Errorf("delta %d = %q, want %q", i, d, want[i])
		}
	}
	if !sawDone {
		t.Error("terminal chunk not delivered")
	}
	if got := stream.Accumulated(); got != "Hello world" {
		t.Errorf("Accumulated() = %q, want %q", got, "Hello world")
	}
	if !stream.Done() {
		t.Error("Done() = false after terminal chunk")
	}
}

func TestChatStreamCallback(t *testing.T) {
	srv := ndjsonServer(t, chunkLine("a"), chunkLine("b"), doneLine())
	c := testClient(srv)

	var got string
	err := c.ChatStream(context.Background(), ChatRequest{Model: "llama3.2"}, func(chunk ChatChunk) {
		got += chunk.Message.Content
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got != "ab" {
		t.Errorf("content = %q, want %q", got, "ab")
	}
}

func TestChatStreamSkipsMalformedLines(t *testing.T) {
	srv := ndjsonServer(t,
		chunkLine("a"),
		`{not json at all`,
		"",
		chunkLine("b"),
		`{"model":"llama3.2","created_at":"2025-01-01T00:00:00Z","message":{"role":"user","content":"x"},"done":false}`,
		doneLine(),
	)
	c := testClient(srv)

	stream, err := c.OpenChatStream(context.Background(), ChatRequest{Model: "llama3.2"})
	if err != nil {
		t.Fatalf("OpenChatStream: %v", err)
	}

	var got string
	err = stream.Process(context.Background(), func(chunk ChatChunk) {
		got += chunk.Message.Content
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got != "ab" {
		t.Errorf("content = %q, want %q", got, "ab")
	}
	if stream.ParseErrors() != 2 {
		t.Errorf("ParseErrors() = %d, want 2", stream.ParseErrors())
	}
}

func TestChatStreamRejectsIncompleteTerminalChunk(t *testing.T) {
	// Terminal chunk missing timing metadata fails validation and is
	// skipped; the stream then ends at EOF without Done.
	srv := ndjsonServer(t,
		chunkLine("partial"),
		`{"model":"llama3.2","created_at":"2025-01-01T00:00:01Z","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
	)
	c := testClient(srv)

	stream, err := c.OpenChatStream(context.Background(), ChatRequest{Model: "llama3.2"})
	if err != nil {
		t.Fatalf("OpenChatStream: %v", err)
	}
	if err := stream.Process(context.Background(), func(ChatChunk) {}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if stream.Done() {
		t.Error("Done() = true for invalid terminal chunk")
	}
	if stream.ParseErrors() != 1 {
		t.Errorf("ParseErrors() = %d, want 1", stream.ParseErrors())
	}
}

func TestChatStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	srv := ndjsonServer(t, chunkLine("before"), chunkLine("after"), doneLine())
	c := testClient(srv)

	stream, err := c.OpenChatStream(ctx, ChatRequest{Model: "llama3.2"})
	if err != nil {
		t.Fatalf("OpenChatStream: %v", err)
	}

	err = stream.Process(ctx, func(chunk ChatChunk) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Process after cancel = %v, want context.Canceled", err)
	}
}

func TestOpenChatStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'missing' not found"}`)
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.OpenChatStream(context.Background(), ChatRequest{Model: "missing"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !errors.Is(err, ErrHTTP) {
		t.Errorf("error = %v, want ErrHTTP category", err)
	}
	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("error %T is not *ClientError", err)
	}
	if ce.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", ce.Status)
	}
	if ce.Message != "model 'missing' not found" {
		t.Errorf("Message = %q, want backend error body", ce.Message)
	}
}

func TestOpenChatStreamConnectionRefused(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", zerolog.Nop())
	_, err := c.OpenChatStream(context.Background(), ChatRequest{Model: "llama3.2"})
	if !errors.Is(err, ErrConnection) {
		t.Errorf("error = %v, want ErrConnection category", err)
	}
}

func TestVersion(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		want    string
		wantErr error
	}{
		{"valid", `{"version":"0.5.7"}`, http.StatusOK, "0.5.7", nil},
		{"missing field", `{}`, http.StatusOK, "", ErrValidation},
		{"not json", `<html>`, http.StatusOK, "", ErrValidation},
		{"server error", `{"error":"boom"}`, http.StatusInternalServerError, "", ErrHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/version" {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			got, err := testClient(srv).Version(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Version() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Version(): %v", err)
			}
			if got != tt.want {
				t.Errorf("Version() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTagsValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantLen int
		wantErr bool
	}{
		{"valid", `{"models":[{"name":"llama3.2:latest","model":"llama3.2:latest","modified_at":"2025-01-01T00:00:00Z","size":1,"digest":"abc"}]}`, 1, false},
		{"empty list", `{"models":[]}`, 0, false},
		{"missing models", `{}`, 0, true},
		{"entry missing digest", `{"models":[{"name":"x","model":"x","modified_at":"2025-01-01T00:00:00Z"}]}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			models, err := testClient(srv).Tags(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Tags() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Tags(): %v", err)
			}
			if len(models) != tt.wantLen {
				t.Errorf("len(models) = %d, want %d", len(models), tt.wantLen)
			}
		})
	}
}

func TestPS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest","model":"llama3.2:latest","size":1,"digest":"abc","expires_at":"2025-01-01T01:00:00Z","size_vram":1}]}`)
	}))
	defer srv.Close()

	models, err := testClient(srv).PS(context.Background())
	if err != nil {
		t.Fatalf("PS(): %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3.2:latest" {
		t.Errorf("unexpected models: %+v", models)
	}
}

func TestCheckVersionTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-dependent")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := testClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CheckVersion(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("CheckVersion() error = %v, want ErrTimeout category", err)
	}
}

func TestSetBaseURL(t *testing.T) {
	c := NewClient("http://a:1/", zerolog.Nop())
	if got := c.BaseURL(); got != "http://a:1" {
		t.Errorf("BaseURL() = %q, want trailing slash trimmed", got)
	}
	c.SetBaseURL("http://b:2/")
	if got := c.BaseURL(); got != "http://b:2" {
		t.Errorf("BaseURL() after swap = %q", got)
	}
}

func TestNewClientDefaultURL(t *testing.T) {
	c := NewClient("", zerolog.Nop())
	if got := c.BaseURL(); got != DefaultBaseURL {
		t.Errorf("BaseURL() = %q, want %q", got, DefaultBaseURL)
	}
}
