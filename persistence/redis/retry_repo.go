package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/util"
)

const RETRY_KEY string = "RETRY"
const RETRY_QUEUE_KEY string = "RETRY_QUEUE"

var _ persistence.RetryRepo = new(redisRetryRepo)

// redisRetryRepo keeps one string key per record and a sorted set scored by
// next retry time in unix millis.
type redisRetryRepo struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.FlowRetry]
}

func NewRedisRetryRepo(baseDao *baseDao) *redisRetryRepo {
	return &redisRetryRepo{
		baseDao:        baseDao,
		encoderDecoder: util.NewJsonEncoderDecoder[model.FlowRetry](),
	}
}

func (r *redisRetryRepo) recordKey(entityId string) string {
	return r.getNamespaceKey(RETRY_KEY, entityId)
}

func (r *redisRetryRepo) write(ctx context.Context, pipe rd.Pipeliner, retry model.FlowRetry) error {
	data, err := r.encoderDecoder.Encode(retry)
	if err != nil {
		return err
	}
	pipe.Set(ctx, r.recordKey(retry.EntityId), data, 0)
	pipe.ZAdd(ctx, r.getNamespaceKey(RETRY_QUEUE_KEY), rd.Z{
		Score:  float64(retry.NextRetryTime.UnixMilli()),
		Member: retry.EntityId,
	})
	return nil
}

func (r *redisRetryRepo) Save(ctx context.Context, retries []model.FlowRetry) error {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		for _, retry := range retries {
			retry.Version = 1
			if err := r.write(ctx, pipe, retry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

// compareAndSet applies mutate to the stored record under WATCH. It reports
// false when the record is gone, mutate declines, or another writer won.
func (r *redisRetryRepo) compareAndSet(ctx context.Context, entityId string, mutate func(cur *model.FlowRetry) bool) (bool, error) {
	key := r.recordKey(entityId)
	applied := false
	err := r.redisClient.Watch(ctx, func(tx *rd.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, rd.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		cur, err := r.encoderDecoder.Decode(raw)
		if err != nil {
			return err
		}
		if !mutate(cur) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			return r.write(ctx, pipe, *cur)
		})
		if err == nil {
			applied = true
		}
		return err
	}, key)
	if errors.Is(err, rd.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, persistence.StorageLayerError{Message: pkgerrors.Wrapf(err, "retry record %s", entityId).Error()}
	}
	return applied, nil
}

func (r *redisRetryRepo) UpdateRetryRecord(ctx context.Context, retries []model.FlowRetry) (int, error) {
	updated := 0
	for _, retry := range retries {
		ok, err := r.compareAndSet(ctx, retry.EntityId, func(cur *model.FlowRetry) bool {
			if cur.Version != retry.Version {
				return false
			}
			version := cur.Version + 1
			*cur = retry
			cur.Version = version
			return true
		})
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}
	return updated, nil
}

func (r *redisRetryRepo) UpdateNextRetryTime(ctx context.Context, entityIds []string, nextRetryTime time.Time) error {
	for _, id := range entityIds {
		_, err := r.compareAndSet(ctx, id, func(cur *model.FlowRetry) bool {
			cur.NextRetryTime = nextRetryTime
			cur.Version++
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *redisRetryRepo) GetById(ctx context.Context, entityId string) (*model.FlowRetry, error) {
	raw, err := r.redisClient.Get(ctx, r.recordKey(entityId)).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode(raw)
}

func (r *redisRetryRepo) FilterByNextRetryTime(ctx context.Context, nextRetryTime time.Time) ([]model.FlowRetry, error) {
	ids, err := r.redisClient.ZRangeByScore(ctx, r.getNamespaceKey(RETRY_QUEUE_KEY), &rd.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nextRetryTime.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	due := make([]model.FlowRetry, 0, len(ids))
	if len(ids) == 0 {
		return due, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(id)
	}
	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var orphans []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		retry, err := r.encoderDecoder.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		due = append(due, *retry)
	}
	if len(orphans) > 0 {
		if err := r.removeOrphans(ctx, orphans); err != nil {
			return nil, err
		}
	}
	return due, nil
}

// removeOrphanScript drops queue members (ARGV) whose record key (KEYS[i+1])
// does not exist. KEYS[1] is the queue.
var removeOrphanScript = rd.NewScript(`
local removed = 0
for i, id in ipairs(ARGV) do
  if redis.call('EXISTS', KEYS[i + 1]) == 0 then
    removed = removed + redis.call('ZREM', KEYS[1], id)
  end
end
return removed
`)

// removeOrphans drops queue members left behind by records that no longer
// exist. A member whose record was written again in the meantime is kept.
func (r *redisRetryRepo) removeOrphans(ctx context.Context, entityIds []string) error {
	keys := make([]string, 0, len(entityIds)+1)
	keys = append(keys, r.getNamespaceKey(RETRY_QUEUE_KEY))
	args := make([]interface{}, 0, len(entityIds))
	for _, id := range entityIds {
		keys = append(keys, r.recordKey(id))
		args = append(args, id)
	}
	if err := removeOrphanScript.Run(ctx, r.redisClient, keys, args...).Err(); err != nil {
		return persistence.StorageLayerError{Message: pkgerrors.WithMessage(err, "remove orphaned retry queue members").Error()}
	}
	return nil
}

func (r *redisRetryRepo) Delete(ctx context.Context, entityIds []string) error {
	if len(entityIds) == 0 {
		return nil
	}
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		members := make([]interface{}, len(entityIds))
		for i, id := range entityIds {
			pipe.Del(ctx, r.recordKey(id))
			members[i] = id
		}
		pipe.ZRem(ctx, r.getNamespaceKey(RETRY_QUEUE_KEY), members...)
		return nil
	})
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
