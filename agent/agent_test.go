package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wuayee/waterflow/config"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/model"
)

const graph = `{
  "metaId": "greet", "version": "1",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "s1"},
    {"metaId": "s1", "type": "state", "jober": {"name": "j", "fitables": ["greet"], "properties": {"who": "{$.name}"}}},
    {"metaId": "e2", "type": "event", "from": "s1", "to": "end"},
    {"metaId": "end", "type": "end"}
  ]
}`

func testConfig(t *testing.T, storage config.StorageType) config.Config {
	conf := config.Default()
	conf.StorageType = storage
	conf.SqliteConfig.Path = filepath.Join(t.TempDir(), "waterflow.db")
	conf.HttpPort = 0
	conf.GrpcPort = 0
	conf.RetryConfig.SweepInterval = 50 * time.Millisecond
	return conf
}

func TestAgentRunsFlow(t *testing.T) {
	for _, storage := range []config.StorageType{config.STORAGE_TYPE_INMEM, config.STORAGE_TYPE_SQLITE} {
		t.Run(string(storage), func(t *testing.T) {
			local := fitable.NewLocalInvoker()
			local.Register("greet", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
				return map[string]any{"greeting": "hello " + req.Properties["who"].(string)}, nil
			})
			a, err := New(testConfig(t, storage), local)
			require.NoError(t, err)
			require.NoError(t, a.Start())
			defer a.Shutdown()

			ctx := context.Background()
			_, err = a.MetadataService().Register(ctx, []byte(graph))
			require.NoError(t, err)

			ids, err := a.Engine().Offer(ctx, "greet", "1", "", model.BusinessData{"name": "waterflow"})
			require.NoError(t, err)
			require.Eventually(t, func() bool {
				c, err := a.Engine().GetContext(ctx, ids[0])
				return err == nil && c.Status == model.COMPLETED
			}, 5*time.Second, 10*time.Millisecond)

			c, err := a.Engine().GetContext(ctx, ids[0])
			require.NoError(t, err)
			require.Equal(t, "hello waterflow", c.BusinessData["greeting"])
		})
	}
}

func TestAgentReloadsDefinitions(t *testing.T) {
	conf := testConfig(t, config.STORAGE_TYPE_SQLITE)
	a, err := New(conf, nil)
	require.NoError(t, err)
	_, err = a.MetadataService().Register(context.Background(), []byte(graph))
	require.NoError(t, err)
	a.closeResources()

	b, err := New(conf, nil)
	require.NoError(t, err)
	defer b.closeResources()
	_, ok := b.MetadataService().GetRegistry().Get("greet", "1")
	require.True(t, ok)
}

func TestShutdownIsIdempotent(t *testing.T) {
	a, err := New(testConfig(t, config.STORAGE_TYPE_INMEM), nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.NoError(t, a.Shutdown())
	require.NoError(t, a.Shutdown())
}
