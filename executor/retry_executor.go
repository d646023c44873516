package executor

import (
	"context"
	"sync"
	"time"

	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/util"
	"go.uber.org/zap"
)

// Retrier re-enters a failed context at the node named by its record.
type Retrier interface {
	Retry(ctx context.Context, record model.FlowRetry) error
}

type RetryExecutor struct {
	retries persistence.RetryRepo
	retrier Retrier
	lease   time.Duration
	tw      *util.TickWorker
	wg      *sync.WaitGroup
	stop    chan struct{}
}

func NewRetryExecutor(retries persistence.RetryRepo, retrier Retrier, interval time.Duration, lease time.Duration, wg *sync.WaitGroup) *RetryExecutor {
	ex := &RetryExecutor{
		retries: retries,
		retrier: retrier,
		lease:   lease,
		stop:    make(chan struct{}),
		wg:      wg,
	}
	ex.tw = util.NewTickWorker("retry-executor", interval, ex.stop, ex.handle, ex.wg)
	return ex
}

func (ex *RetryExecutor) Start() {
	if ex.IsRunning() {
		return
	}
	ex.tw.Start()
}

func (ex *RetryExecutor) IsRunning() bool {
	return ex.tw.IsRunning()
}

func (ex *RetryExecutor) Stop() {
	if !ex.IsRunning() {
		return
	}
	ex.tw.Stop()
}

func (ex *RetryExecutor) handle() {
	ex.Sweep(context.Background(), time.Now())
}

// Sweep re-injects every record due at now. Due records are leased first
// so a slow retry is not picked up again by the next sweep.
func (ex *RetryExecutor) Sweep(ctx context.Context, now time.Time) int {
	due, err := ex.retries.FilterByNextRetryTime(ctx, now)
	if err != nil {
		logger.Error("error while polling retries", zap.Error(err))
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	ids := make([]string, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.EntityId)
	}
	if err := ex.retries.UpdateNextRetryTime(ctx, ids, now.Add(ex.lease)); err != nil {
		logger.Error("error leasing retries", zap.Int("count", len(ids)), zap.Error(err))
		return 0
	}
	retried := 0
	for _, r := range due {
		if err := ex.retrier.Retry(ctx, r); err != nil {
			logger.Error("error retrying context", zap.String("context", r.EntityId), zap.String("node", r.NodeId), zap.Error(err))
			continue
		}
		retried++
	}
	logger.Debug("retry sweep done", zap.Int("due", len(due)), zap.Int("retried", retried))
	return retried
}
