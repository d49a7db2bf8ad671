package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/movements-ledger/internal/jobs"
)

// DefaultRetention is the number of finished sync jobs kept by NewStore.
const DefaultRetention = 500

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention caps how many finished jobs are kept. Pending, running and
// retrying jobs are never evicted. Zero or less keeps everything.
func WithRetention(n int) StoreOption {
	return func(s *Store) {
		s.retention = n
	}
}

// Store keeps sync job state for the API process. The oldest finished jobs are
// evicted once the retention limit is exceeded; state is lost on restart.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*jobs.SyncJob
	retention int
	now       func() time.Time
}

var _ jobs.JobStore = (*Store)(nil)

// NewStore creates an empty job store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		byID:      make(map[string]*jobs.SyncJob),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveJob stores a snapshot of job; later changes by the caller are not seen.
func (s *Store) SaveJob(ctx context.Context, job *jobs.SyncJob) error {
	if job.JobID == "" {
		return fmt.Errorf("SaveJob: job ID is required")
	}

	snapshot := *job

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[job.JobID] = &snapshot
	if snapshot.Status.Finished() {
		s.evictLocked()
	}
	return nil
}

// GetJob returns a snapshot of the job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.byID[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	snapshot := *job
	return &snapshot, nil
}

// ListJobs returns matching jobs oldest first, then applies Offset and Limit.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.SyncJob, error) {
	s.mu.RLock()
	matched := make([]*jobs.SyncJob, 0, len(s.byID))
	for _, job := range s.byID {
		if filter.PrincipalID != "" && job.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		snapshot := *job
		matched = append(matched, &snapshot)
	}
	s.mu.RUnlock()

	sortByCreation(matched)

	if filter.Offset >= len(matched) && filter.Offset > 0 {
		return []*jobs.SyncJob{}, nil
	}
	if filter.Offset > 0 {
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// UpdateJobStatus sets the job's status. Finished statuses stamp CompletedAt;
// an empty errorMsg keeps the previous error text.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	if status.Finished() && job.CompletedAt == nil {
		at := s.now()
		job.CompletedAt = &at
	}
	if status.Finished() {
		s.evictLocked()
	}
	return nil
}

// evictLocked drops the oldest finished jobs beyond the retention limit.
func (s *Store) evictLocked() {
	if s.retention <= 0 {
		return
	}

	var finished []*jobs.SyncJob
	for _, job := range s.byID {
		if job.Status.Finished() {
			finished = append(finished, job)
		}
	}
	if len(finished) <= s.retention {
		return
	}

	sortByCreation(finished)
	for _, job := range finished[:len(finished)-s.retention] {
		delete(s.byID, job.JobID)
	}
}

func sortByCreation(list []*jobs.SyncJob) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].JobID < list[j].JobID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
