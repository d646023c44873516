package action

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/model"
)

func TestConditionEvaluator(t *testing.T) {
	evaluator := NewConditionEvaluator()
	data := map[string]any{"score": 11, "tier": "gold"}
	for scenario, tc := range map[string]struct {
		rule     string
		expected bool
	}{
		"empty rule holds":       {rule: "", expected: true},
		"blank rule holds":       {rule: "   ", expected: true},
		"business data variable": {rule: "businessData.score > 10", expected: true},
		"dollar alias":           {rule: "$.tier === 'silver'", expected: false},
		"compound":               {rule: "$.score > 10 && businessData.tier == 'gold'", expected: true},
		"missing key is falsy":   {rule: "$.absent", expected: false},
	} {
		t.Run(scenario, func(t *testing.T) {
			ok, err := evaluator.Evaluate(tc.rule, data)
			require.NoError(t, err)
			require.Equal(t, tc.expected, ok)
		})
	}

	t.Run("invalid rule", func(t *testing.T) {
		require.Error(t, evaluator.Compile("$.score >"))
		_, err := evaluator.Evaluate("$.score >", data)
		require.Error(t, err)
	})
}

func TestResolveParams(t *testing.T) {
	data := map[string]any{
		"name":   "bob",
		"nested": map[string]any{"n": 2},
	}
	params := map[string]any{
		"user":  "{$.name}",
		"greet": "hi {$.name}!",
		"n":     "{$.nested.n}",
		"list":  []any{"{$.name}", 3},
		"inner": map[string]any{"x": "{$.name}"},
		"plain": "text",
		"num":   5,
	}
	out := ResolveParams(data, params)
	require.Equal(t, map[string]any{
		"user":  "bob",
		"greet": "hi bob!",
		"n":     2,
		"list":  []any{"bob", 3},
		"inner": map[string]any{"x": "bob"},
		"plain": "text",
		"num":   5,
	}, out)
}

func TestLastNonNull(t *testing.T) {
	require.Equal(t, "b", LastNonNull([]any{nil, "b", nil}))
	require.Nil(t, LastNonNull([]any{nil, nil}))
	require.Equal(t, "c", LastNonNull([]any{"a", nil, "c"}))
	require.Nil(t, LastNonNull(nil))
}

func TestAggregateBranches(t *testing.T) {
	base := map[string]any{"input": "q", "answer": "old"}
	branches := []map[string]any{
		{"answer": "first", "a": 1},
		{"answer": "second", "b": nil},
		{"answer": nil},
	}
	require.Equal(t, map[string]any{
		"input":  "q",
		"answer": "second",
		"a":      1,
	}, AggregateBranches(base, branches))
	require.Equal(t, "old", base["answer"])
}

func TestFilterKeys(t *testing.T) {
	data := map[string]any{"answer": 1, "secret": 2, "meta": map[string]any{"id": "x"}}
	require.Equal(t, map[string]any{"answer": 1, "$.meta.id": "x"}, FilterKeys(data, []string{"answer", "$.meta.id", "missing"}))
	require.Equal(t, data, FilterKeys(data, nil))
}

func TestJoberRunner(t *testing.T) {
	local := fitable.NewLocalInvoker()
	local.Register("a", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return map[string]any{"x": 1, "user": req.Properties["user"]}, nil
	})
	local.Register("b", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return map[string]any{"y": req.BusinessData["x"].(int) + 1}, nil
	})
	node := &flow.Node{MetaId: "s1", Jober: &flow.Jober{
		Fitables:   []string{"a", "b"},
		Properties: map[string]any{"user": "{$.name}"},
	}}
	c := model.NewFlowContext[model.BusinessData]("c1", "f:1", "s", map[string]any{"name": "bob"})

	out, err := NewJoberRunner(local).Run(context.Background(), node, c)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "bob", "user": "bob", "x": 1, "y": 2}, out)
	require.Equal(t, map[string]any{"name": "bob"}, c.BusinessData)

	node.Jober.Fitables = []string{"a", "missing"}
	_, err = NewJoberRunner(local).Run(context.Background(), node, c)
	require.ErrorAs(t, err, &fitable.NotFoundError{})
	require.False(t, fitable.IsRecoverable(err))
}

func TestOperatorRegistry(t *testing.T) {
	local := fitable.NewLocalInvoker()
	var got fitable.Request
	local.Register("task_center.create", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		got = req
		return map[string]any{"taskInstanceId": "t-1"}, nil
	})
	registry := NewDefaultOperatorRegistry(local)
	c := model.NewFlowContext[model.BusinessData]("c1", "f:1", "s", map[string]any{"user": "bob"})
	c.Position = "approve"

	op, err := registry.Get("TASK_CENTER")
	require.NoError(t, err)
	id, err := op.Create(context.Background(), &flow.Task{TaskId: "approval", Type: TASK_CENTER, Properties: map[string]any{"owner": "{$.user}"}}, c)
	require.NoError(t, err)
	require.Equal(t, "t-1", id)
	require.Equal(t, "bob", got.Properties["owner"])
	require.Equal(t, "approval", got.Properties["taskId"])
	require.Equal(t, "approve", got.NodeId)

	_, err = registry.Get("email")
	require.ErrorAs(t, err, &UnsupportedOperatorError{})
	require.False(t, fitable.IsRecoverable(err))
}

func TestFilterRegistry(t *testing.T) {
	registry := NewFilterRegistry()
	op, err := registry.Build(&flow.Filter{Type: MINIMUM_SIZE_FILTER, Properties: map[string]any{"threshold": float64(2)}})
	require.NoError(t, err)
	batch := []*model.DataContext{
		model.NewFlowContext[model.BusinessData]("1", "s", "s", nil),
		model.NewFlowContext[model.BusinessData]("2", "s", "s", nil),
		model.NewFlowContext[model.BusinessData]("3", "s", "s", nil),
	}
	require.Len(t, op(batch), 2)
	require.Empty(t, op(batch[:1]))

	_, err = registry.Build(&flow.Filter{Type: "window"})
	require.Error(t, err)
	_, err = registry.Build(&flow.Filter{Type: MINIMUM_SIZE_FILTER, Properties: map[string]any{"threshold": 0}})
	require.Error(t, err)
	_, err = registry.Build(&flow.Filter{Type: MINIMUM_SIZE_FILTER, Properties: map[string]any{"threshold": 1.5}})
	require.Error(t, err)
}

func TestForwarder(t *testing.T) {
	local := fitable.NewLocalInvoker()
	var mu sync.Mutex
	var received []fitable.Request
	local.Register("notify", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, req)
		return nil, nil
	})
	node := &flow.Node{MetaId: "s1", Callback: &flow.Callback{Name: "cb", Fitables: []string{"notify"}, FilteredKeys: []string{"answer"}}}
	c1 := model.NewFlowContext[model.BusinessData]("c1", "f:1", "s", map[string]any{"answer": 42, "internal": true})
	c2 := model.NewFlowContext[model.BusinessData]("c2", "f:1", "s", map[string]any{"internal": true})

	ev := NewCallbackEvent("f:1", node, []*model.DataContext{c1, c2})
	require.NoError(t, Forwarder(local)(context.Background(), ev))
	require.Len(t, received, 2)
	require.Equal(t, "c1", received[0].ContextId)
	require.Equal(t, map[string]any{"answer": 42}, received[0].BusinessData)
	require.Equal(t, map[string]any{}, received[1].BusinessData)

	node.Callback.Fitables = []string{"gone"}
	require.Error(t, Forwarder(local)(context.Background(), NewCallbackEvent("f:1", node, []*model.DataContext{c1})))
}
