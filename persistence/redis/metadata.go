package redis

import (
	"context"
	"errors"
	"sort"

	rd "github.com/redis/go-redis/v9"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/persistence"
)

const FLOW_DEF_KEY string = "FLOW_DEF"
const FLOW_DEF_INDEX_KEY string = "FLOW_DEF_INDEX"

var _ persistence.MetadataStorage = new(redisMetadataStorage)

type redisMetadataStorage struct {
	*baseDao
}

func NewRedisMetadataStorage(baseDao *baseDao) *redisMetadataStorage {
	return &redisMetadataStorage{
		baseDao: baseDao,
	}
}

func (r *redisMetadataStorage) SaveFlowDefinition(ctx context.Context, id string, version string, raw []byte) error {
	member := flow.Key(id, version)
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.Set(ctx, r.getNamespaceKey(FLOW_DEF_KEY, member), raw, 0)
		pipe.SAdd(ctx, r.getNamespaceKey(FLOW_DEF_INDEX_KEY), member)
		return nil
	})
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisMetadataStorage) GetFlowDefinition(ctx context.Context, id string, version string) ([]byte, error) {
	raw, err := r.redisClient.Get(ctx, r.getNamespaceKey(FLOW_DEF_KEY, flow.Key(id, version))).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return raw, nil
}

func (r *redisMetadataStorage) ListFlowDefinitions(ctx context.Context) ([][]byte, error) {
	members, err := r.redisClient.SMembers(ctx, r.getNamespaceKey(FLOW_DEF_INDEX_KEY)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	sort.Strings(members)
	out := make([][]byte, 0, len(members))
	for _, member := range members {
		raw, err := r.redisClient.Get(ctx, r.getNamespaceKey(FLOW_DEF_KEY, member)).Bytes()
		if errors.Is(err, rd.Nil) {
			continue
		}
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		out = append(out, raw)
	}
	return out, nil
}

func (r *redisMetadataStorage) DeleteFlowDefinition(ctx context.Context, id string, version string) error {
	member := flow.Key(id, version)
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.Del(ctx, r.getNamespaceKey(FLOW_DEF_KEY, member))
		pipe.SRem(ctx, r.getNamespaceKey(FLOW_DEF_INDEX_KEY), member)
		return nil
	})
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
