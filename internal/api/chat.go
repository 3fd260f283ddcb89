package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/corpusd/corpusd/internal/roles"
	"github.com/corpusd/corpusd/internal/session"
)

type chatHandler struct {
	files    FileStore
	streamer Streamer
	sessions *session.Registry
	logger   *slog.Logger
}

// ChatRequest is the body of POST /api/chat. SessionID is optional; a new
// session is created when it is empty.
type ChatRequest struct {
	SessionID   string   `json:"session_id"`
	Query       string   `json:"query"`
	AllowedKeys []string `json:"allowed_keys"`
}

// sessionEvent opens every stream so the client learns its session ID before
// the first turn.
type sessionEvent struct {
	SessionID string `json:"session_id"`
}

// stream answers over SSE, one event per pipeline turn.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	owner, _ := Principal(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}

	var sess session.Session
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid session_id")
			return
		}
		sess, err = h.sessions.Get(id, owner)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	} else {
		sess = h.sessions.Create(owner)
	}

	allowed, err := h.files.AuthorizeKeys(r.Context(), owner, req.AllowedKeys)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.sessions.Append(sess.ID, owner, session.Entry{Role: "user", Content: req.Query}); err != nil {
		writeDomainError(w, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	if err := sse.writeEvent("session", sessionEvent{SessionID: sess.ID.String()}); err != nil {
		h.logger.Debug("client gone before first event", "error", err)
		return
	}

	turns := h.streamer.Run(r.Context(), roles.Request{
		Owner:       owner,
		Query:       req.Query,
		AllowedKeys: allowed,
	})

	var final string
	for turn := range turns {
		if err := sse.writeEvent("turn", turn); err != nil {
			h.logger.Debug("client disconnected mid-stream", "session_id", sess.ID, "error", err)
			// Drain so the pipeline can finish; its channel is buffered
			// and always closes.
			for range turns {
			}
			return
		}
		if turn.Final || turn.Error != "" {
			final = turn.Content
		}
	}

	if final != "" {
		if err := h.sessions.Append(sess.ID, owner, session.Entry{Role: "assistant", Content: final}); err != nil {
			h.logger.Warn("appending assistant turn", "session_id", sess.ID, "error", err)
		}
	}
	if err := sse.writeDone(); err != nil {
		h.logger.Debug("client disconnected before done event", "session_id", sess.ID, "error", err)
	}
}
