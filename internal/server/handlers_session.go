package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conduit-ai/conduit/internal/session"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/pkg/types"
)

type createSessionRequest struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "model is required")
		return
	}

	eng, err := s.sessions.Create(r.Context(), types.SessionConfig{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, eng.Session())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	eng, err := s.sessions.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eng.Session())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

type forkSessionRequest struct {
	// UpTo truncates the copied history to the first N messages. Nil
	// copies everything.
	UpTo *int `json:"upTo,omitempty"`
}

func (s *Server) forkSession(w http.ResponseWriter, r *http.Request) {
	var req forkSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
			return
		}
	}
	upTo := -1
	if req.UpTo != nil {
		upTo = *req.UpTo
	}

	eng, err := s.sessions.Fork(r.Context(), chi.URLParam(r, "id"), upTo)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, eng.Session())
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// turnEvent is the SSE wire form of one session event.
type turnEvent struct {
	Type       session.EventType       `json:"type"`
	Message    *types.Message          `json:"message,omitempty"`
	Text       string                  `json:"text,omitempty"`
	ToolUse    *types.ToolUseBlock     `json:"toolUse,omitempty"`
	ToolResult *types.ToolResultBlock  `json:"toolResult,omitempty"`
	StopReason string                  `json:"stopReason,omitempty"`
	Usage      *types.UsageInfo        `json:"usage,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// sendMessage appends the user message and streams the resulting turn
// as SSE until the engine stops.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}

	eng, err := s.sessions.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	if err := eng.SendText(req.Text); err != nil {
		if errors.Is(err, session.ErrBusy) {
			writeError(w, http.StatusConflict, ErrCodeSessionBusy, "a turn is already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	stream, err := eng.Receive(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			writeError(w, http.StatusConflict, ErrCodeSessionBusy, "a turn is already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	defer stream.Close()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	sse.start()

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return
		}
		wire := turnEvent{
			Type:       ev.Type,
			Message:    ev.Message,
			Text:       ev.Text,
			ToolUse:    ev.ToolUse,
			ToolResult: ev.ToolResult,
			StopReason: ev.StopReason,
			Usage:      ev.Usage,
			Error:      ev.Err,
		}
		if err := sse.writeEvent(string(ev.Type), wire); err != nil {
			return
		}
	}
}
