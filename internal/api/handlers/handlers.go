package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dvloznov/movements-ledger/internal/advice"
	"github.com/dvloznov/movements-ledger/internal/api/middleware"
	"github.com/dvloznov/movements-ledger/internal/budget"
	"github.com/dvloznov/movements-ledger/internal/classify"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/jobs"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/dvloznov/movements-ledger/internal/pipeline"
)

// Ledger is the engine surface the HTTP handlers call.
type Ledger interface {
	Sync(ctx context.Context, principalID, linkToken string) (*pipeline.SyncReport, error)
	Transactions(ctx context.Context, principalID string) ([]*domain.Transaction, error)
	Classify(ctx context.Context, principalID, transactionID string) (*domain.Transaction, error)
	ManualClassify(ctx context.Context, principalID, transactionID, category string) (*domain.Transaction, error)
	ClassifyAll(ctx context.Context, principalID string) (*classify.BatchReport, error)
	Summary(ctx context.Context, principalID string) (*budget.Summary, error)
	Recommendations(ctx context.Context, principalID string) ([]advice.Recommendation, error)
	CreateLinkIntent(ctx context.Context, principalID string) (string, error)
}

// requirePrincipal returns the caller id or writes a 400.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == "" {
		middleware.WriteError(w, http.StatusBadRequest, middleware.PrincipalHeader+" header is required")
		return "", false
	}
	return principal, true
}

// FintocHandler handles the bank-link endpoints.
type FintocHandler struct {
	ledger            Ledger
	publisher         jobs.Publisher
	classifyAfterSync bool
}

// NewFintocHandler creates a new Fintoc handler. Link callbacks are turned
// into sync jobs on publisher.
func NewFintocHandler(ledger Ledger, publisher jobs.Publisher, classifyAfterSync bool) *FintocHandler {
	return &FintocHandler{
		ledger:            ledger,
		publisher:         publisher,
		classifyAfterSync: classifyAfterSync,
	}
}

// CreateLinkIntent handles POST /api/fintoc/link-intent
func (h *FintocHandler) CreateLinkIntent(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	token, err := h.ledger.CreateLinkIntent(r.Context(), principal)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()), err, "Failed to create link intent")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"widget_token": token})
}

// Webhook handles POST /api/fintoc/webhook?principal_id=
func (h *FintocHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req struct {
		LinkToken string `json:"link_token"`
		HolderID  string `json:"holder_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.LinkToken == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Missing link_token in webhook payload")
		return
	}

	principal := strings.TrimSpace(r.URL.Query().Get("principal_id"))
	if principal == "" {
		middleware.WriteError(w, http.StatusBadRequest, "principal_id is required")
		return
	}

	job := &jobs.SyncJob{
		PrincipalID:       principal,
		LinkToken:         req.LinkToken,
		Institution:       req.HolderID,
		ClassifyAfterSync: h.classifyAfterSync,
	}
	if err := h.publisher.PublishSync(r.Context(), job); err != nil {
		log.Error().Err(err).Str("principal_id", principal).Msg("Failed to enqueue sync job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue sync job")
		return
	}

	log.Info().
		Str("job_id", job.JobID).
		Str("principal_id", principal).
		Str("holder_id", req.HolderID).
		Msg("Link received, sync job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"received": true,
		"job_id":   job.JobID,
	})
}

// LedgerHandler handles sync, transaction and summary endpoints.
type LedgerHandler struct {
	ledger Ledger
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(ledger Ledger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// Sync handles POST /api/sync
func (h *LedgerHandler) Sync(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		LinkToken string `json:"link_token"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	report, err := h.ledger.Sync(r.Context(), principal, req.LinkToken)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()), err, "Failed to sync")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, report)
}

// ListTransactions handles GET /api/transactions
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	txs, err := h.ledger.Transactions(r.Context(), principal)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()), err, "Failed to list transactions")
		return
	}

	// Return array directly for frontend compatibility
	middleware.WriteJSON(w, http.StatusOK, newTransactionViews(txs))
}

// ClassifyAll handles POST /api/transactions/classify
func (h *LedgerHandler) ClassifyAll(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	report, err := h.ledger.ClassifyAll(r.Context(), principal)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()), err, "Failed to classify transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"classified": report.Classified,
		"skipped":    report.Skipped,
		"failed":     report.FailedIDs(),
	})
}

// Classify handles POST /api/transactions/{id}/classify
func (h *LedgerHandler) Classify(w http.ResponseWriter, r *http.Request, transactionID string) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	tx, err := h.ledger.Classify(r.Context(), principal, transactionID)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()).With().Str("transaction_id", transactionID).Logger(),
			err, "Failed to classify transaction")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, newTransactionView(tx))
}

// SetCategory handles PUT /api/transactions/{id}/category
func (h *LedgerHandler) SetCategory(w http.ResponseWriter, r *http.Request, transactionID string) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.ledger.ManualClassify(r.Context(), principal, transactionID, req.Category)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()).With().Str("transaction_id", transactionID).Logger(),
			err, "Failed to set category")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, newTransactionView(tx))
}

// Summary handles GET /api/summary
func (h *LedgerHandler) Summary(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	summary, err := h.ledger.Summary(r.Context(), principal)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()), err, "Failed to compute summary")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, summary)
}

// Recommendations handles GET /api/recommendations
func (h *LedgerHandler) Recommendations(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	recs, err := h.ledger.Recommendations(r.Context(), principal)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()), err, "Failed to get recommendations")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()).With().Str("job_id", jobID).Logger(), err, "Failed to get job")
		return
	}

	if job.PrincipalID != principal {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := jobs.JobFilter{
		PrincipalID: principal,
		Status:      jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeFailure(w, logger.FromContext(r.Context()), err, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
