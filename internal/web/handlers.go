package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
	"birdbridge/internal/scheduler"
)

// Scheduler is the part of the scheduler the admin API drives.
type Scheduler interface {
	Status() scheduler.Status
	EnqueueBackfill(account string, limit int) (scheduler.QueuedBackfill, error)
	CancelBackfill(account string) bool
}

// HistoryStore is the read and reset side of the History Store.
type HistoryStore interface {
	ListByAccount(ctx context.Context, account string) (map[string]*models.MigrationRecord, error)
	CountByStatus(ctx context.Context, account string) (map[models.MigrationStatus]int, error)
	Clear(ctx context.Context, account string) (int64, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sched   Scheduler
	history HistoryStore
}

type backfillRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit"`
}

// HistoryView is the response of the history listing.
type HistoryView struct {
	Account string                         `json:"account"`
	Counts  map[models.MigrationStatus]int `json:"counts"`
	Records []*models.MigrationRecord      `json:"records"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewHandler creates a new Handler instance.
func NewHandler(sched Scheduler, history HistoryStore) *Handler {
	return &Handler{sched: sched, history: history}
}

// Router builds the admin API routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/backfill", h.handleBackfill).Methods(http.MethodPost)
	api.HandleFunc("/backfill/{account}", h.handleCancelBackfill).Methods(http.MethodDelete)
	api.HandleFunc("/history/{account}", h.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{account}", h.handleClearHistory).Methods(http.MethodDelete)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}

	queued, err := h.sched.EnqueueBackfill(req.Account, req.Limit)
	if errors.Is(err, scheduler.ErrUnknownAccount) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		logging.Error("Failed to queue backfill for %s: %v", req.Account, err)
		writeError(w, http.StatusInternalServerError, "failed to queue backfill")
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

func (h *Handler) handleCancelBackfill(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !h.sched.CancelBackfill(account) {
		writeError(w, http.StatusNotFound, "no pending backfill for "+account)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	ctx := r.Context()

	records, err := h.history.ListByAccount(ctx, account)
	if err != nil {
		logging.Error("Failed to list history for %s: %v", account, err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	counts, err := h.history.CountByStatus(ctx, account)
	if err != nil {
		logging.Error("Failed to count history for %s: %v", account, err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	view := HistoryView{Account: account, Counts: counts, Records: make([]*models.MigrationRecord, 0, len(records))}
	for _, rec := range records {
		view.Records = append(view.Records, rec)
	}
	sort.Slice(view.Records, func(i, j int) bool {
		a, b := view.Records[i], view.Records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ItemID < b.ItemID
	})
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	n, err := h.history.Clear(r.Context(), account)
	if err != nil {
		logging.Error("Failed to clear history for %s: %v", account, err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	logging.Warn("History for %s cleared through the admin API (%d records)", account, n)
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "cleared": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
