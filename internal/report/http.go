package report

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/callwatch/internal/evaluation"
)

// Handler serves the retrieval and reporting endpoints:
//
//	GET /api/calls                     list stored call ids
//	GET /api/calls/search?prefix=room  {"call_id": ...} or {"found": false}
//	GET /api/calls/{id}                merged document, 404 until written
//	GET /api/reports/compliance        compliance report over the ledger
//	GET /api/reports/costs             cost and latency summary
type Handler struct {
	store *Store
	log   *slog.Logger
}

// NewHandler returns a handler backed by store.
func NewHandler(store *Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, log: log}
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/calls", h.list)
	mux.HandleFunc("GET /api/calls/search", h.search)
	mux.HandleFunc("GET /api/calls/{id}", h.get)
	mux.HandleFunc("GET /api/reports/compliance", h.compliance)
	mux.HandleFunc("GET /api/reports/costs", h.costs)
}

// SearchResult is the body of a search response.
type SearchResult struct {
	CallID string `json:"call_id,omitempty"`
	Found  bool   `json:"found"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	id, err := h.store.Search(r.URL.Query().Get("prefix"))
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusOK, SearchResult{Found: false})
	case errors.Is(err, ErrInvalidID):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, SearchResult{CallID: id, Found: true})
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.Get(r.PathValue("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrInvalidID):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, doc)
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.List()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"call_ids": ids})
}

func (h *Handler) compliance(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.Evaluations()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluation.BuildComplianceReport(records))
}

func (h *Handler) costs(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.Sessions()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SummarizeCosts(sessions))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.log.ErrorContext(r.Context(), "report request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
