package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/movements-ledger/internal/advice"
	"github.com/dvloznov/movements-ledger/internal/api/middleware"
	"github.com/dvloznov/movements-ledger/internal/budget"
	"github.com/dvloznov/movements-ledger/internal/classify"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/jobs"
	"github.com/dvloznov/movements-ledger/internal/jobs/inmemory"
	"github.com/dvloznov/movements-ledger/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockLedger is a mock implementation of handlers.Ledger.
type MockLedger struct {
	SyncFunc             func(ctx context.Context, principalID, linkToken string) (*pipeline.SyncReport, error)
	TransactionsFunc     func(ctx context.Context, principalID string) ([]*domain.Transaction, error)
	ClassifyFunc         func(ctx context.Context, principalID, transactionID string) (*domain.Transaction, error)
	ManualClassifyFunc   func(ctx context.Context, principalID, transactionID, category string) (*domain.Transaction, error)
	ClassifyAllFunc      func(ctx context.Context, principalID string) (*classify.BatchReport, error)
	SummaryFunc          func(ctx context.Context, principalID string) (*budget.Summary, error)
	CreateLinkIntentFunc func(ctx context.Context, principalID string) (string, error)
	RecommendationsFunc  func(ctx context.Context, principalID string) ([]advice.Recommendation, error)
}

func (m *MockLedger) Sync(ctx context.Context, principalID, linkToken string) (*pipeline.SyncReport, error) {
	return m.SyncFunc(ctx, principalID, linkToken)
}

func (m *MockLedger) Transactions(ctx context.Context, principalID string) ([]*domain.Transaction, error) {
	return m.TransactionsFunc(ctx, principalID)
}

func (m *MockLedger) Classify(ctx context.Context, principalID, transactionID string) (*domain.Transaction, error) {
	return m.ClassifyFunc(ctx, principalID, transactionID)
}

func (m *MockLedger) ManualClassify(ctx context.Context, principalID, transactionID, category string) (*domain.Transaction, error) {
	return m.ManualClassifyFunc(ctx, principalID, transactionID, category)
}

func (m *MockLedger) ClassifyAll(ctx context.Context, principalID string) (*classify.BatchReport, error) {
	return m.ClassifyAllFunc(ctx, principalID)
}

func (m *MockLedger) Summary(ctx context.Context, principalID string) (*budget.Summary, error) {
	return m.SummaryFunc(ctx, principalID)
}

func (m *MockLedger) CreateLinkIntent(ctx context.Context, principalID string) (string, error) {
	return m.CreateLinkIntentFunc(ctx, principalID)
}

func (m *MockLedger) Recommendations(ctx context.Context, principalID string) ([]advice.Recommendation, error) {
	return m.RecommendationsFunc(ctx, principalID)
}

type testServer struct {
	handler http.Handler
	jobs    *inmemory.Store
	queue   *inmemory.Queue
}

func newTestServer(t *testing.T, ledger *MockLedger) *testServer {
	t.Helper()
	store := inmemory.NewStore()
	queue := inmemory.NewQueue(10, store)
	t.Cleanup(func() { _ = queue.Close() })

	return &testServer{
		handler: NewRouter(Deps{
			Ledger:            ledger,
			Publisher:         queue,
			Jobs:              store,
			ClassifyAfterSync: true,
			Log:               zerolog.Nop(),
		}),
		jobs:  store,
		queue: queue,
	}
}

func (s *testServer) do(method, path, principal string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set(middleware.PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func sampleTransaction(id string) *domain.Transaction {
	category := classify.CategorySupermarket
	rationale := "matched supermarket"
	return &domain.Transaction{
		ID:          id,
		PrincipalID: "p1",
		ExternalID:  "mv_" + id,
		Description: "Lider Express",
		Amount:      decimal.NewFromInt(50000),
		Direction:   domain.DirectionDebit,
		ValueDate:   civil.Date{Year: 2024, Month: time.October, Day: 1},
		Category:    &category,
		ReviewState: domain.ReviewConfirmed,
		Rationale:   &rationale,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &MockLedger{})
	rec := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestPrincipalRequired(t *testing.T) {
	s := newTestServer(t, &MockLedger{})

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/sync"},
		{http.MethodGet, "/api/transactions"},
		{http.MethodPost, "/api/transactions/classify"},
		{http.MethodPost, "/api/transactions/1/classify"},
		{http.MethodPut, "/api/transactions/1/category"},
		{http.MethodGet, "/api/summary"},
		{http.MethodPost, "/api/fintoc/link-intent"},
	} {
		rec := s.do(route.method, route.path, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &MockLedger{})
	rec := s.do(http.MethodGet, "/api/sync", "p1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSync(t *testing.T) {
	var gotPrincipal, gotToken string
	s := newTestServer(t, &MockLedger{
		SyncFunc: func(ctx context.Context, principalID, linkToken string) (*pipeline.SyncReport, error) {
			gotPrincipal, gotToken = principalID, linkToken
			return &pipeline.SyncReport{
				Synced:         4,
				Accounts:       2,
				FailedAccounts: []pipeline.AccountFailure{{AccountID: "acc_2", Error: "timeout"}},
			}, nil
		},
	})

	rec := s.do(http.MethodPost, "/api/sync", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p1", gotPrincipal)
	assert.Empty(t, gotToken)

	var report pipeline.SyncReport
	decodeBody(t, rec, &report)
	assert.Equal(t, 4, report.Synced)
	assert.Equal(t, 2, report.Accounts)
	require.Len(t, report.FailedAccounts, 1)
	assert.Equal(t, "acc_2", report.FailedAccounts[0].AccountID)

	rec = s.do(http.MethodPost, "/api/sync", "p1", map[string]string{"link_token": "lt_9"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lt_9", gotToken)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"config missing", fmt.Errorf("Sync: %w", domain.ErrConfigMissing), http.StatusNotFound},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"unknown category", domain.ErrUnknownCategory, http.StatusBadRequest},
		{"already confirmed", domain.ErrAlreadyConfirmed, http.StatusConflict},
		{"source unavailable", fmt.Errorf("x: %w: %w", domain.ErrSourceUnavailable, errors.New("503")), http.StatusBadGateway},
		{"classification unavailable", domain.ErrClassificationUnavailable, http.StatusBadGateway},
		{"store conflict", domain.ErrStoreConflict, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &MockLedger{
				ClassifyFunc: func(ctx context.Context, principalID, transactionID string) (*domain.Transaction, error) {
					return nil, tt.err
				},
			})
			rec := s.do(http.MethodPost, "/api/transactions/42/classify", "p1", nil)
			assert.Equal(t, tt.want, rec.Code)

			var body map[string]string
			decodeBody(t, rec, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestListTransactions(t *testing.T) {
	s := newTestServer(t, &MockLedger{
		TransactionsFunc: func(ctx context.Context, principalID string) ([]*domain.Transaction, error) {
			if principalID != "p1" {
				return nil, nil
			}
			return []*domain.Transaction{sampleTransaction("1")}, nil
		},
	})

	rec := s.do(http.MethodGet, "/api/transactions", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var txs []map[string]interface{}
	decodeBody(t, rec, &txs)
	require.Len(t, txs, 1)
	assert.Equal(t, "1", txs[0]["id"])
	assert.Equal(t, "2024-10-01", txs[0]["value_date"])
	assert.Equal(t, "50000", txs[0]["amount"])
	assert.Equal(t, "debit", txs[0]["direction"])
	assert.Equal(t, classify.CategorySupermarket, txs[0]["category"])
	assert.Equal(t, "confirmed", txs[0]["review_state"])

	rec = s.do(http.MethodGet, "/api/transactions", "p2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestClassifyRoutes(t *testing.T) {
	var gotID, gotCategory string
	s := newTestServer(t, &MockLedger{
		ClassifyFunc: func(ctx context.Context, principalID, transactionID string) (*domain.Transaction, error) {
			gotID = transactionID
			return sampleTransaction(transactionID), nil
		},
		ManualClassifyFunc: func(ctx context.Context, principalID, transactionID, category string) (*domain.Transaction, error) {
			gotID, gotCategory = transactionID, category
			if category == "Viajes" {
				return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCategory, category)
			}
			return sampleTransaction(transactionID), nil
		},
		ClassifyAllFunc: func(ctx context.Context, principalID string) (*classify.BatchReport, error) {
			return &classify.BatchReport{
				Classified: 2,
				Skipped:    1,
				Failures:   []classify.Failure{{TransactionID: "9", Err: errors.New("model down")}},
			}, nil
		},
	})

	rec := s.do(http.MethodPost, "/api/transactions/7/classify", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", gotID)

	rec = s.do(http.MethodPut, "/api/transactions/8/category", "p1", map[string]string{"category": "Arriendo"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "8", gotID)
	assert.Equal(t, "Arriendo", gotCategory)

	rec = s.do(http.MethodPut, "/api/transactions/8/category", "p1", map[string]string{"category": "Viajes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/transactions/classify", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var batch struct {
		Classified int      `json:"classified"`
		Skipped    int      `json:"skipped"`
		Failed     []string `json:"failed"`
	}
	decodeBody(t, rec, &batch)
	assert.Equal(t, 2, batch.Classified)
	assert.Equal(t, 1, batch.Skipped)
	assert.Equal(t, []string{"9"}, batch.Failed)
}

func TestSummary(t *testing.T) {
	s := newTestServer(t, &MockLedger{
		SummaryFunc: func(ctx context.Context, principalID string) (*budget.Summary, error) {
			sum := budget.Summarize([]*domain.Transaction{sampleTransaction("1")}, budget.DefaultLimits(), budget.DefaultSavingsGoal, classify.CatchAll)
			return &sum, nil
		},
	})

	rec := s.do(http.MethodGet, "/api/summary", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "50000", body["expenses"])
	assert.Contains(t, body, "budget")
	assert.Contains(t, body, "progress")
}

func TestLinkIntent(t *testing.T) {
	s := newTestServer(t, &MockLedger{
		CreateLinkIntentFunc: func(ctx context.Context, principalID string) (string, error) {
			return "widget_" + principalID, nil
		},
	})

	rec := s.do(http.MethodPost, "/api/fintoc/link-intent", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"widget_token":"widget_p1"}`, rec.Body.String())
}

func TestWebhookEnqueuesSyncJob(t *testing.T) {
	s := newTestServer(t, &MockLedger{})

	rec := s.do(http.MethodPost, "/api/fintoc/webhook?principal_id=p1", "", map[string]string{
		"link_token": "lt_1",
		"holder_id":  "12345678-9",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Received bool   `json:"received"`
		JobID    string `json:"job_id"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.Received)
	require.NotEmpty(t, body.JobID)

	job, err := s.jobs.GetJob(context.Background(), body.JobID)
	require.NoError(t, err)
	assert.Equal(t, "p1", job.PrincipalID)
	assert.Equal(t, "lt_1", job.LinkToken)
	assert.Equal(t, "12345678-9", job.Institution)
	assert.True(t, job.ClassifyAfterSync)

	rec = s.do(http.MethodGet, "/api/jobs/"+body.JobID, "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/jobs/"+body.JobID, "p2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/jobs", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs  []jobs.SyncJob `json:"jobs"`
		Count int            `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Count)
}

func TestWebhookValidation(t *testing.T) {
	s := newTestServer(t, &MockLedger{})

	rec := s.do(http.MethodPost, "/api/fintoc/webhook?principal_id=p1", "", map[string]string{"holder_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing link_token")

	rec = s.do(http.MethodPost, "/api/fintoc/webhook", "", map[string]string{"link_token": "lt_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/jobs/unknown", "p1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsRequirePrincipal(t *testing.T) {
	s := newTestServer(t, &MockLedger{})
	require.NoError(t, s.jobs.SaveJob(context.Background(), &jobs.SyncJob{
		JobID:       "job_1",
		PrincipalID: "p1",
		LinkToken:   "lt_1",
		Status:      jobs.JobStatusCompleted,
	}))

	rec := s.do(http.MethodGet, "/api/jobs", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "lt_1")

	rec = s.do(http.MethodGet, "/api/jobs/job_1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "lt_1")

	rec = s.do(http.MethodGet, "/api/jobs", "p2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 0, list.Count)
}

func TestRecommendations(t *testing.T) {
	ledger := &MockLedger{
		RecommendationsFunc: func(ctx context.Context, principalID string) ([]advice.Recommendation, error) {
			if principalID != "p1" {
				return nil, domain.ErrNotFound
			}
			return []advice.Recommendation{{Title: "Menos delivery", Description: "Cocina en casa", EstimatedSaving: "$30.000"}}, nil
		},
	}
	s := newTestServer(t, ledger)

	rec := s.do(http.MethodGet, "/api/recommendations", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Recommendations []advice.Recommendation `json:"recommendations"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Recommendations, 1)
	assert.Equal(t, "$30.000", body.Recommendations[0].EstimatedSaving)

	rec = s.do(http.MethodGet, "/api/recommendations", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ledger.RecommendationsFunc = func(ctx context.Context, principalID string) ([]advice.Recommendation, error) {
		return nil, fmt.Errorf("Recommend: %w: bad output", domain.ErrAdviceUnavailable)
	}
	rec = s.do(http.MethodGet, "/api/recommendations", "p1", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
