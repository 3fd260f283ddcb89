package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/corpusd/corpusd/internal/rag"
)

type queryHandler struct {
	files    FileStore
	answerer Answerer
	logger   *slog.Logger
}

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query       string   `json:"query"`
	AllowedKeys []string `json:"allowed_keys"`
}

// answer runs the one-shot retrieval-augmented flow. A model or retrieval
// failure still produces an answer body: the orchestrator folds failures
// into a marker-prefixed answer with empty sources, and this handler does
// the same for any error its Answerer still returns.
func (h *queryHandler) answer(w http.ResponseWriter, r *http.Request) {
	owner, _ := Principal(r.Context())

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}

	allowed, err := h.files.AuthorizeKeys(r.Context(), owner, req.AllowedKeys)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.answerer.Answer(r.Context(), owner, req.Query, allowed)
	if err != nil {
		h.logger.Error("answering query", "owner", owner, "error", err)
		result = rag.Result{
			Answer:  rag.ErrorMarker + " I ran into an error answering this question. Please try again.",
			Sources: []rag.Source{},
		}
	}
	if result.Sources == nil {
		result.Sources = []rag.Source{}
	}
	writeJSON(w, http.StatusOK, result)
}
