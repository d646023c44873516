package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/persistence/persistencetest"
	"github.com/wuayee/waterflow/util"
)

func newTestDao(t *testing.T) *baseDao {
	addr := os.Getenv("WATERFLOW_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	dao := NewBaseDao(Config{Addrs: []string{addr}, Namespace: "waterflow-test-" + uuid.NewString()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := dao.Ping(ctx); err != nil {
		dao.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		keys, _ := dao.redisClient.Keys(context.Background(), dao.getNamespaceKey("*")).Result()
		if len(keys) > 0 {
			dao.redisClient.Del(context.Background(), keys...)
		}
		dao.Close()
	})
	return dao
}

func TestRetryRepo(t *testing.T) {
	persistencetest.RunRetryRepoSuite(t, func(t *testing.T) persistence.RetryRepo {
		return NewRedisRetryRepo(newTestDao(t))
	})
}

func TestContextRepo(t *testing.T) {
	persistencetest.RunContextRepoSuite(t, func(t *testing.T) persistence.ContextRepo {
		return NewRedisContextRepo(newTestDao(t), util.NewJsonEncoderDecoder[model.DataContext]())
	})
}

func TestMetadataStorage(t *testing.T) {
	storage := NewRedisMetadataStorage(newTestDao(t))
	ctx := context.Background()
	require.NoError(t, storage.SaveFlowDefinition(ctx, "flow", "1.0", []byte(`{"a":1}`)))
	require.NoError(t, storage.SaveFlowDefinition(ctx, "flow", "2.0", []byte(`{"a":2}`)))

	raw, err := storage.GetFlowDefinition(ctx, "flow", "1.0")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(raw))

	all, err := storage.ListFlowDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, storage.DeleteFlowDefinition(ctx, "flow", "1.0"))
	_, err = storage.GetFlowDefinition(ctx, "flow", "1.0")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestNamespaceKey(t *testing.T) {
	dao := &baseDao{namespace: "wf"}
	require.Equal(t, "wf:RETRY:r1", dao.getNamespaceKey(RETRY_KEY, "r1"))
}

func TestFilterRemovesOrphanedQueueMembers(t *testing.T) {
	dao := newTestDao(t)
	repo := NewRedisRetryRepo(dao)
	ctx := context.Background()
	due := time.Now().Add(-time.Second)
	require.NoError(t, repo.Save(ctx, []model.FlowRetry{
		{EntityId: "gone", StreamId: "s", NodeId: "n", RetryCount: 1, NextRetryTime: due},
		{EntityId: "kept", StreamId: "s", NodeId: "n", RetryCount: 1, NextRetryTime: due},
	}))
	require.NoError(t, dao.redisClient.Del(ctx, repo.recordKey("gone")).Err())

	retries, err := repo.FilterByNextRetryTime(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, retries, 1)
	require.Equal(t, "kept", retries[0].EntityId)

	members, err := dao.redisClient.ZRange(ctx, dao.getNamespaceKey(RETRY_QUEUE_KEY), 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, members)
}
