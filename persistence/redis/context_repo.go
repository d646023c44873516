package redis

import (
	"context"
	"errors"

	rd "github.com/redis/go-redis/v9"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/util"
)

const CONTEXT_KEY string = "CONTEXT"

var _ persistence.ContextRepo = new(redisContextRepo)

type redisContextRepo struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.DataContext]
}

func NewRedisContextRepo(baseDao *baseDao, encoderDecoder util.EncoderDecoder[model.DataContext]) *redisContextRepo {
	return &redisContextRepo{
		baseDao:        baseDao,
		encoderDecoder: encoderDecoder,
	}
}

func (r *redisContextRepo) Save(ctx context.Context, flowCtx *model.DataContext) error {
	key := r.getNamespaceKey(CONTEXT_KEY)
	data, err := r.encoderDecoder.Encode(*flowCtx)
	if err != nil {
		return err
	}
	if err := r.redisClient.HSet(ctx, key, []string{flowCtx.Id, string(data)}).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisContextRepo) Get(ctx context.Context, id string) (*model.DataContext, error) {
	key := r.getNamespaceKey(CONTEXT_KEY)
	flowCtxStr, err := r.redisClient.HGet(ctx, key, id).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode([]byte(flowCtxStr))
}

func (r *redisContextRepo) Delete(ctx context.Context, id string) error {
	key := r.getNamespaceKey(CONTEXT_KEY)
	if err := r.redisClient.HDel(ctx, key, id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
