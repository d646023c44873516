package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wuayee/waterflow/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

var ErrNotFound = errors.New("record not found")
var ErrVersionConflict = errors.New("record version conflict")

// ContextRepo persists FlowContext snapshots keyed by context id.
type ContextRepo interface {
	Save(ctx context.Context, flowCtx *model.DataContext) error
	Get(ctx context.Context, id string) (*model.DataContext, error)
	Delete(ctx context.Context, id string) error
}

// RetryRepo stores FlowRetry records. Updates are optimistic: a record is
// only written when its Version matches the stored one.
type RetryRepo interface {
	Save(ctx context.Context, retries []model.FlowRetry) error
	UpdateRetryRecord(ctx context.Context, retries []model.FlowRetry) (int, error)
	UpdateNextRetryTime(ctx context.Context, entityIds []string, nextRetryTime time.Time) error
	GetById(ctx context.Context, entityId string) (*model.FlowRetry, error)
	FilterByNextRetryTime(ctx context.Context, nextRetryTime time.Time) ([]model.FlowRetry, error)
	Delete(ctx context.Context, entityIds []string) error
}

// MetadataStorage keeps the raw graph documents so registries can be
// rebuilt after a restart.
type MetadataStorage interface {
	SaveFlowDefinition(ctx context.Context, id string, version string, raw []byte) error
	GetFlowDefinition(ctx context.Context, id string, version string) ([]byte, error)
	ListFlowDefinitions(ctx context.Context) ([][]byte, error)
	DeleteFlowDefinition(ctx context.Context, id string, version string) error
}
