package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
)

var _ persistence.RetryRepo = new(retryRepo)

type retryRepo struct {
	mu      sync.Mutex
	records map[string]model.FlowRetry
}

func NewRetryRepo() *retryRepo {
	return &retryRepo{
		records: make(map[string]model.FlowRetry),
	}
}

func (r *retryRepo) Save(ctx context.Context, retries []model.FlowRetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, retry := range retries {
		retry.Version = 1
		r.records[retry.EntityId] = retry
	}
	return nil
}

func (r *retryRepo) UpdateRetryRecord(ctx context.Context, retries []model.FlowRetry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for _, retry := range retries {
		cur, ok := r.records[retry.EntityId]
		if !ok || cur.Version != retry.Version {
			continue
		}
		retry.Version = cur.Version + 1
		r.records[retry.EntityId] = retry
		updated++
	}
	return updated, nil
}

func (r *retryRepo) UpdateNextRetryTime(ctx context.Context, entityIds []string, nextRetryTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range entityIds {
		cur, ok := r.records[id]
		if !ok {
			continue
		}
		cur.NextRetryTime = nextRetryTime
		cur.Version++
		r.records[id] = cur
	}
	return nil
}

func (r *retryRepo) GetById(ctx context.Context, entityId string) (*model.FlowRetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[entityId]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &cur, nil
}

func (r *retryRepo) FilterByNextRetryTime(ctx context.Context, nextRetryTime time.Time) ([]model.FlowRetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := make([]model.FlowRetry, 0)
	for _, retry := range r.records {
		if !retry.NextRetryTime.After(nextRetryTime) {
			due = append(due, retry)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryTime.Before(due[j].NextRetryTime)
	})
	return due, nil
}

func (r *retryRepo) Delete(ctx context.Context, entityIds []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range entityIds {
		delete(r.records, id)
	}
	return nil
}
