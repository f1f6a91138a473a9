package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/convcore/internal/convnotify"
	"github.com/haasonsaas/convcore/internal/convrun"
	"github.com/haasonsaas/convcore/internal/convstate"
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/pkg/models"
)

// maxRequestBody bounds a single request body, mirroring the donor
// gateway package's own 1MB input ceiling.
const maxRequestBody = 1 << 20

// apiServer binds the notifier contract (and the storage operations
// needed to drive it) to a minimal HTTP surface: enough to create, drive,
// inspect, and stream a conversation end to end. It does not attempt to
// be a complete API — there is deliberately no listing endpoint, since
// convstore.Storage exposes no enumeration method and adding one is out
// of scope for proving the notifier contract.
type apiServer struct {
	storage  convstore.Storage
	registry *convrun.Registry
	notifier *convnotify.Notifier
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/conversations", s.handleCreate)
	mux.HandleFunc("/v1/conversations/", s.handleConversationSubroute)
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleConversationSubroute dispatches /v1/conversations/{id}/{action}
// paths: a single mux entry since net/http's ServeMux has no path
// variables prior to Go 1.22's enhanced patterns, matching the donor
// gateway package's own manual-prefix-stripping style.
func (s *apiServer) handleConversationSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation id is required"})
		return
	}
	conversationID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGet(w, r, conversationID)
	case action == "messages" && r.Method == http.MethodPost:
		s.handleSendMessage(w, r, conversationID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, conversationID)
	case action == "subscribe" && r.Method == http.MethodGet:
		s.handleSubscribe(w, r, conversationID)
	case action == "archive" && r.Method == http.MethodPost:
		s.handleMark(w, r, conversationID, convstore.MarkArchive)
	case action == "unarchive" && r.Method == http.MethodPost:
		s.handleMark(w, r, conversationID, convstore.MarkUnarchive)
	case action == "rename" && r.Method == http.MethodPost:
		s.handleRename(w, r, conversationID)
	case action == "" && r.Method == http.MethodDelete:
		s.handleMark(w, r, conversationID, convstore.MarkDelete)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such route"})
	}
}

type createRequest struct {
	WorkingDir string `json:"working_dir"`
	Model      string `json:"model"`
}

type conversationResponse struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"`
	WorkingDir string `json:"working_dir"`
	Model      string `json:"model"`
	Title      string `json:"title,omitempty"`
	Archived   bool   `json:"archived"`
}

func conversationToResponse(c convstore.Conversation) conversationResponse {
	return conversationResponse{
		ID:         c.ID,
		ParentID:   c.ParentID,
		WorkingDir: c.WorkingDir,
		Model:      c.Model,
		Title:      c.Title,
		Archived:   c.Archived,
	}
}

// handleCreate implements spec's create(cwd, model?) -> conversation
// operation. convstore.CreateChild already behaves correctly for a root
// conversation when ParentConversationID is left empty: the parent
// lookup simply misses, so WorkingDir/Model are taken as given instead
// of inherited.
func (s *apiServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.WorkingDir) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "working_dir is required"})
		return
	}

	ctx := r.Context()
	id, err := s.storage.CreateChild(ctx, convstore.CreateChildRequest{
		WorkingDir: req.WorkingDir,
		Model:      req.Model,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if _, err := s.registry.GetOrSpawn(ctx, id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	conv, err := s.storage.GetConversation(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, conversationToResponse(conv))
}

type getResponse struct {
	Conversation conversationResponse `json:"conversation"`
	State        models.ConvState     `json:"state"`
	Messages     []models.Message     `json:"messages"`
}

func (s *apiServer) handleGet(w http.ResponseWriter, r *http.Request, conversationID string) {
	ctx := r.Context()
	conv, err := s.storage.GetConversation(ctx, conversationID)
	if errors.Is(err, convstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	state, ok := s.registry.StateOf(conversationID)
	if !ok {
		state, _, err = s.storage.LoadState(ctx, conversationID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
	}

	afterSeq := uint64(0)
	if raw := r.URL.Query().Get("after_sequence"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			afterSeq = v
		}
	}
	msgs, err := s.storage.LoadMessages(ctx, conversationID, afterSeq)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, getResponse{
		Conversation: conversationToResponse(conv),
		State:        state,
		Messages:     msgs,
	})
}

type sendMessageRequest struct {
	Text   string               `json:"text"`
	Images []models.InlineImage `json:"images,omitempty"`
}

func (s *apiServer) handleSendMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "text is required"})
		return
	}

	ctx := r.Context()
	sup, err := s.registry.GetOrSpawn(ctx, conversationID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	err = sup.Enqueue(ctx, convstate.Event{
		Kind: convstate.EventUserMessage,
		UserMessage: &convstate.UserMessageEvent{
			Text:   req.Text,
			Images: req.Images,
		},
	})
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request, conversationID string) {
	ctx := r.Context()
	sup, err := s.registry.GetOrSpawn(ctx, conversationID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := sup.Enqueue(ctx, convstate.Event{Kind: convstate.EventUserCancel}); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *apiServer) handleRename(w http.ResponseWriter, r *http.Request, conversationID string) {
	var req renameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := s.storage.MarkConversation(r.Context(), conversationID, convstore.Mark{Kind: convstore.MarkRename, Title: req.Title}); err != nil {
		writeMarkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *apiServer) handleMark(w http.ResponseWriter, r *http.Request, conversationID string, kind convstore.MarkKind) {
	if err := s.storage.MarkConversation(r.Context(), conversationID, convstore.Mark{Kind: kind}); err != nil {
		writeMarkError(w, err)
		return
	}
	if kind == convstore.MarkDelete {
		s.registry.Drop(conversationID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeMarkError(w http.ResponseWriter, err error) {
	if errors.Is(err, convstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

// sseEvent is the wire shape an EventMessage/EventStateChange/
// EventAgentDone/EventDisconnected is serialized as.
type sseEvent struct {
	Kind          convnotify.EventKind `json:"kind"`
	SequenceID    uint64               `json:"sequence_id"`
	Message       *models.Message      `json:"message,omitempty"`
	State         *models.ConvState    `json:"state,omitempty"`
	MaxSequenceID uint64               `json:"max_sequence_id,omitempty"`
}

// handleSubscribe streams a conversation over Server-Sent Events,
// writing replay first, then the init snapshot, then live events — the
// exact order Notifier.Subscribe's contract requires its caller to
// honor.
func (s *apiServer) handleSubscribe(w http.ResponseWriter, r *http.Request, conversationID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	afterSeq := uint64(0)
	if raw := r.URL.Query().Get("after_sequence"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			afterSeq = v
		}
	}

	ctx := r.Context()
	replay, init, events, err := s.notifier.Subscribe(ctx, conversationID, afterSeq)
	if err != nil {
		if errors.Is(err, convstore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for i := range replay {
		m := replay[i]
		writeSSE(w, sseEvent{Kind: convnotify.EventMessage, SequenceID: m.SequenceID, Message: &m})
	}
	writeSSE(w, sseEvent{Kind: "init", State: &init.State, MaxSequenceID: init.MaxSequenceID, Message: nil})
	flusher.Flush()

	for ev := range events {
		writeSSE(w, sseEvent{Kind: ev.Kind, SequenceID: ev.SequenceID, Message: ev.Message, State: ev.State})
		flusher.Flush()
		if ev.Kind == convnotify.EventDisconnected {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sseEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
