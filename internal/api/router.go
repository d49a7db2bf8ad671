// Package api assembles the HTTP surface of the ledger.
package api

import (
	"net/http"
	"time"

	"github.com/dvloznov/movements-ledger/internal/api/handlers"
	"github.com/dvloznov/movements-ledger/internal/api/middleware"
	"github.com/dvloznov/movements-ledger/internal/jobs"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Ledger            handlers.Ledger
	Publisher         jobs.Publisher
	Jobs              jobs.JobStore
	ClassifyAfterSync bool
	Log               zerolog.Logger
}

func methods(allowed map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h, ok := allowed[r.Method]; ok {
			h(w, r)
			return
		}
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// NewRouter registers every endpoint and wraps the mux with the middleware chain.
func NewRouter(d Deps) http.Handler {
	fintoc := handlers.NewFintocHandler(d.Ledger, d.Publisher, d.ClassifyAfterSync)
	ledger := handlers.NewLedgerHandler(d.Ledger)
	jobsHandler := handlers.NewJobsHandler(d.Jobs)

	mux := http.NewServeMux()

	// Fintoc endpoints
	mux.HandleFunc("/api/fintoc/link-intent", methods(map[string]http.HandlerFunc{
		http.MethodPost: fintoc.CreateLinkIntent,
	}))
	mux.HandleFunc("/api/fintoc/webhook", methods(map[string]http.HandlerFunc{
		http.MethodPost: fintoc.Webhook,
	}))

	// Ledger endpoints
	mux.HandleFunc("/api/sync", methods(map[string]http.HandlerFunc{
		http.MethodPost: ledger.Sync,
	}))
	mux.HandleFunc("/api/transactions", methods(map[string]http.HandlerFunc{
		http.MethodGet: ledger.ListTransactions,
	}))
	mux.HandleFunc("/api/transactions/classify", methods(map[string]http.HandlerFunc{
		http.MethodPost: ledger.ClassifyAll,
	}))
	mux.HandleFunc("/api/transactions/{id}/classify", methods(map[string]http.HandlerFunc{
		http.MethodPost: func(w http.ResponseWriter, r *http.Request) {
			ledger.Classify(w, r, r.PathValue("id"))
		},
	}))
	mux.HandleFunc("/api/transactions/{id}/category", methods(map[string]http.HandlerFunc{
		http.MethodPut: func(w http.ResponseWriter, r *http.Request) {
			ledger.SetCategory(w, r, r.PathValue("id"))
		},
	}))
	mux.HandleFunc("/api/summary", methods(map[string]http.HandlerFunc{
		http.MethodGet: ledger.Summary,
	}))
	mux.HandleFunc("/api/recommendations", methods(map[string]http.HandlerFunc{
		http.MethodGet: ledger.Recommendations,
	}))

	// Jobs endpoints
	mux.HandleFunc("/api/jobs", methods(map[string]http.HandlerFunc{
		http.MethodGet: jobsHandler.ListJobs,
	}))
	mux.HandleFunc("/api/jobs/{id}", methods(map[string]http.HandlerFunc{
		http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
			jobsHandler.GetJob(w, r, r.PathValue("id"))
		},
	}))

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Recovery(d.Log)(
		middleware.RequestID(
			middleware.Principal(
				middleware.Logger(d.Log)(
					middleware.CORS(mux),
				),
			),
		),
	)
}
