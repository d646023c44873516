package memory

import (
	"context"
	"sync"

	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/util"
)

var _ persistence.ContextRepo = new(contextRepo)

// contextRepo stores encoded snapshots so callers never share mutable state
// with the store.
type contextRepo struct {
	mu             sync.RWMutex
	data           map[string][]byte
	encoderDecoder util.EncoderDecoder[model.DataContext]
}

func NewContextRepo(encoderDecoder util.EncoderDecoder[model.DataContext]) *contextRepo {
	return &contextRepo{
		data:           make(map[string][]byte),
		encoderDecoder: encoderDecoder,
	}
}

func (r *contextRepo) Save(ctx context.Context, flowCtx *model.DataContext) error {
	data, err := r.encoderDecoder.Encode(*flowCtx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[flowCtx.Id] = data
	return nil
}

func (r *contextRepo) Get(ctx context.Context, id string) (*model.DataContext, error) {
	r.mu.RLock()
	data, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return r.encoderDecoder.Decode(data)
}

func (r *contextRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, id)
	return nil
}
