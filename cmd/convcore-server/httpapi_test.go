package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/convcore/internal/backoff"
	"github.com/haasonsaas/convcore/internal/convexec"
	"github.com/haasonsaas/convcore/internal/convmodel"
	"github.com/haasonsaas/convcore/internal/convnotify"
	"github.com/haasonsaas/convcore/internal/convrun"
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/internal/convtools"
	"github.com/haasonsaas/convcore/internal/idgen"
	"github.com/haasonsaas/convcore/internal/observability"
	"github.com/haasonsaas/convcore/internal/subagent"
)

// newTestServer wires the same chain runServe does, against an in-memory
// store and a fake model client, for exercising the HTTP surface without
// a real database or network call.
func newTestServer(t *testing.T) *apiServer {
	t.Helper()
	storage := convstore.NewMemoryStore()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	metrics := observability.NewMetrics()

	registry := convrun.NewRegistry(convrun.Config{
		Storage:     storage,
		AttemptCap:  3,
		RetryPolicy: backoff.BackoffPolicy{InitialMs: 1, MaxMs: 10, Factor: 2, Jitter: 0},
		Jitter:      func() float64 { return 0 },
		Clock:       idgen.SystemClock{},
		Ids:         idgen.UUIDs{},
		IdleTimeout: time.Hour,
		Logger:      logger,
		Metrics:     metrics,
	})

	coordinator := subagent.NewCoordinator(registry, registry, 3, 5)
	notifier := convnotify.NewNotifier(storage, registry, logger, metrics, 64)
	tools, err := convtools.NewRegistry()
	if err != nil {
		t.Fatalf("build tool registry: %v", err)
	}
	tracer, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "convcore-server-test"})
	executor := convexec.NewExecutor(storage, &convmodel.FakeClient{}, tools, coordinator, notifier, metrics, tracer, logger, 1)
	registry.SetExecutor(executor)

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = registry.Shutdown(shutdownCtx)
	})

	return &apiServer{storage: storage, registry: registry, notifier: notifier}
}

func doRequest(t *testing.T, s *apiServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()

	mux := http.NewServeMux()
	s.routes(mux)
	mux.ServeHTTP(w, req)
	return w
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateGetAndSendMessage(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/conversations", createRequest{WorkingDir: "/tmp/work", Model: "claude-test"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created conversationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a non-empty conversation id")
	}
	if created.WorkingDir != "/tmp/work" {
		t.Fatalf("expected working_dir to round-trip, got %q", created.WorkingDir)
	}

	w = doRequest(t, s, http.MethodGet, "/v1/conversations/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got getResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if got.Conversation.ID != created.ID {
		t.Fatalf("expected conversation id %q, got %q", created.ID, got.Conversation.ID)
	}

	w = doRequest(t, s, http.MethodPost, "/v1/conversations/"+created.ID+"/messages", sendMessageRequest{Text: "hello"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("send message: expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateRejectsEmptyWorkingDir(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/v1/conversations", createRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetUnknownConversationReturns404(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/v1/conversations/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestArchiveUnarchiveAndDelete(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/v1/conversations", createRequest{WorkingDir: "/tmp/work"})
	var created conversationResponse
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	w = doRequest(t, s, http.MethodPost, "/v1/conversations/"+created.ID+"/archive", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodPost, "/v1/conversations/"+created.ID+"/unarchive", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unarchive: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodDelete, "/v1/conversations/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRename(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/v1/conversations", createRequest{WorkingDir: "/tmp/work"})
	var created conversationResponse
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	w = doRequest(t, s, http.MethodPost, "/v1/conversations/"+created.ID+"/rename", renameRequest{Title: "new title"})
	if w.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodGet, "/v1/conversations/"+created.ID, nil)
	var got getResponse
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Conversation.Title != "new title" {
		t.Fatalf("expected title to be updated, got %q", got.Conversation.Title)
	}
}

func TestSubscribeStreamsInitThenUnblocksOnCancel(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/v1/conversations", createRequest{WorkingDir: "/tmp/work"})
	var created conversationResponse
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/"+created.ID+"/subscribe", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	mux := http.NewServeMux()
	s.routes(mux)
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"kind":"init"`)) {
		t.Fatalf("expected an init event in the stream, got: %s", rec.Body.String())
	}
}
