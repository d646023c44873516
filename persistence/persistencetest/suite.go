// Package persistencetest holds behaviour checks shared by every repository
// implementation.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
)

func RunRetryRepoSuite(t *testing.T, newRepo func(t *testing.T) persistence.RetryRepo) {
	for scenario, fn := range map[string]func(t *testing.T, repo persistence.RetryRepo){
		"save and get":                       testSaveGet,
		"update checks version":              testUpdateVersion,
		"filter returns due records":         testFilterDue,
		"update next retry time moves lease": testUpdateNextRetryTime,
		"delete removes records":             testDelete,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newRepo(t))
		})
	}
}

func RunContextRepoSuite(t *testing.T, newRepo func(t *testing.T) persistence.ContextRepo) {
	t.Run("save get delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		flowCtx := model.NewFlowContext[model.BusinessData]("ctx-1", "flow:1", "session-1", model.BusinessData{"name": "waterflow", "count": float64(2)})
		flowCtx.Position = "state1"
		flowCtx.SetStatus(model.WAITING_MANUAL)
		require.NoError(t, repo.Save(ctx, flowCtx))

		got, err := repo.Get(ctx, "ctx-1")
		require.NoError(t, err)
		require.Equal(t, "state1", got.Position)
		require.Equal(t, model.WAITING_MANUAL, got.Status)
		require.Equal(t, "waterflow", got.BusinessData["name"])
		require.Equal(t, float64(2), got.BusinessData["count"])

		flowCtx.SetStatus(model.COMPLETED)
		require.NoError(t, repo.Save(ctx, flowCtx))
		got, err = repo.Get(ctx, "ctx-1")
		require.NoError(t, err)
		require.Equal(t, model.COMPLETED, got.Status)

		require.NoError(t, repo.Delete(ctx, "ctx-1"))
		_, err = repo.Get(ctx, "ctx-1")
		require.ErrorIs(t, err, persistence.ErrNotFound)
	})
}

func retry(id string, next time.Time) model.FlowRetry {
	return model.FlowRetry{
		EntityId:      id,
		StreamId:      "flow:1",
		NodeId:        "state1",
		RetryCount:    1,
		NextRetryTime: next,
		LastError:     "boom",
	}
}

func testSaveGet(t *testing.T, repo persistence.RetryRepo) {
	ctx := context.Background()
	next := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, repo.Save(ctx, []model.FlowRetry{retry("r1", next)}))

	got, err := repo.GetById(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "state1", got.NodeId)
	require.Equal(t, 1, got.RetryCount)
	require.True(t, next.Equal(got.NextRetryTime))

	_, err = repo.GetById(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testUpdateVersion(t *testing.T, repo persistence.RetryRepo) {
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, []model.FlowRetry{retry("r1", time.Now())}))
	cur, err := repo.GetById(ctx, "r1")
	require.NoError(t, err)

	stale := *cur
	cur.RetryCount = 2
	n, err := repo.UpdateRetryRecord(ctx, []model.FlowRetry{*cur})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stale.RetryCount = 5
	n, err = repo.UpdateRetryRecord(ctx, []model.FlowRetry{stale})
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := repo.GetById(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount)
}

func testFilterDue(t *testing.T, repo persistence.RetryRepo) {
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, repo.Save(ctx, []model.FlowRetry{
		retry("late", now.Add(-time.Second)),
		retry("early", now.Add(-time.Minute)),
		retry("future", now.Add(time.Hour)),
	}))
	due, err := repo.FilterByNextRetryTime(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "early", due[0].EntityId)
	require.Equal(t, "late", due[1].EntityId)
}

func testUpdateNextRetryTime(t *testing.T, repo persistence.RetryRepo) {
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, repo.Save(ctx, []model.FlowRetry{retry("r1", now.Add(-time.Second)), retry("r2", now.Add(-time.Second))}))
	require.NoError(t, repo.UpdateNextRetryTime(ctx, []string{"r1", "r2"}, now.Add(time.Hour)))

	due, err := repo.FilterByNextRetryTime(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = repo.FilterByNextRetryTime(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
}

func testDelete(t *testing.T, repo persistence.RetryRepo) {
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, []model.FlowRetry{retry("r1", time.Now()), retry("r2", time.Now())}))
	require.NoError(t, repo.Delete(ctx, []string{"r1"}))

	_, err := repo.GetById(ctx, "r1")
	require.ErrorIs(t, err, persistence.ErrNotFound)
	_, err = repo.GetById(ctx, "r2")
	require.NoError(t, err)
}
