package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wuayee/waterflow/action"
	"github.com/wuayee/waterflow/cache"
	"github.com/wuayee/waterflow/event"
	"github.com/wuayee/waterflow/executor"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/metadata"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/persistence/memory"
	"github.com/wuayee/waterflow/stream"
	"github.com/wuayee/waterflow/util"
)

// countingRetryRepo counts writes of retry records.
type countingRetryRepo struct {
	persistence.RetryRepo
	saves   atomic.Int32
	updates atomic.Int32
}

func (r *countingRetryRepo) Save(ctx context.Context, retries []model.FlowRetry) error {
	r.saves.Add(1)
	return r.RetryRepo.Save(ctx, retries)
}

func (r *countingRetryRepo) UpdateRetryRecord(ctx context.Context, retries []model.FlowRetry) (int, error) {
	r.updates.Add(1)
	return r.RetryRepo.UpdateRetryRecord(ctx, retries)
}

func (r *countingRetryRepo) writes() int {
	return int(r.saves.Load() + r.updates.Load())
}

type harness struct {
	engine   *FlowEngine
	local    *fitable.LocalInvoker
	bus      *event.Bus
	retries  *countingRetryRepo
	metadata *metadata.MetadataServiceImpl
	wg       *sync.WaitGroup
}

func newHarness(t *testing.T, policy executor.RetryPolicy, maxHops int) *harness {
	wg := &sync.WaitGroup{}
	local := fitable.NewLocalInvoker()
	conditions := action.NewConditionEvaluator()
	filters := action.NewFilterRegistry()
	meta := metadata.NewMetadataService(metadata.NewParser(conditions, filters), metadata.NewRegistry(), memory.NewMetadataStorage())
	bus := event.NewBus(event.DefaultConfig(), wg)
	bus.Subscribe(event.FLOW_CALLBACK, action.Forwarder(local))
	holder := stream.NewHolderDispatcher(4, 100, wg)
	session := stream.NewSessionDispatcher(4, 100, wg)
	retries := &countingRetryRepo{RetryRepo: memory.NewRetryRepo()}

	engine := NewFlowEngine(Options{
		Metadata:   meta,
		Contexts:   memory.NewContextRepo(util.NewJsonEncoderDecoder[model.DataContext]()),
		Retries:    retries,
		Bus:        bus,
		Invoker:    local,
		Operators:  action.NewDefaultOperatorRegistry(local),
		Filters:    filters,
		Conditions: conditions,
		Holder:     holder,
		Session:    session,
		Locks:      cache.NewContextLockCache(time.Minute),
		Policy:     policy,
		MaxHops:    maxHops,
	})
	bus.Start()
	holder.Start()
	session.Start()
	t.Cleanup(func() {
		holder.Stop()
		session.Stop()
		bus.Stop()
		wg.Wait()
	})
	return &harness{engine: engine, local: local, bus: bus, retries: retries, metadata: meta, wg: wg}
}

func fastPolicy(maxAttempts int) executor.RetryPolicy {
	return executor.RetryPolicy{MaxAttempts: maxAttempts, Kind: executor.FIXED, Initial: 10 * time.Millisecond}
}

func (h *harness) register(t *testing.T, graph string) {
	_, err := h.metadata.Register(context.Background(), []byte(graph))
	require.NoError(t, err)
}

func (h *harness) startSweep(t *testing.T) {
	ex := executor.NewRetryExecutor(h.retries, h.engine, 10*time.Millisecond, time.Second, h.wg)
	ex.Start()
	t.Cleanup(ex.Stop)
}

func (h *harness) offer(t *testing.T, flowId string, data ...model.BusinessData) []string {
	ids, err := h.engine.Offer(context.Background(), flowId, "1", "", data...)
	require.NoError(t, err)
	require.Len(t, ids, len(data))
	return ids
}

func (h *harness) waitStatus(t *testing.T, id string, status model.FlowStatus) *model.DataContext {
	var found *model.DataContext
	require.Eventually(t, func() bool {
		c, err := h.engine.GetContext(context.Background(), id)
		if err != nil {
			return false
		}
		found = c
		return c.Status == status
	}, 5*time.Second, 5*time.Millisecond, "context %s never reached %s", id, status)
	return found
}

func (h *harness) requireNoRetry(t *testing.T, id string) {
	_, err := h.retries.GetById(context.Background(), id)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

const straightGraph = `{
  "metaId": "straight", "version": "1", "onComplete": "%s",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "s1"},
    {"metaId": "s1", "type": "state", "jober": {"name": "j", "fitables": ["answer"]}},
    {"metaId": "e2", "type": "event", "from": "s1", "to": "end"},
    {"metaId": "end", "type": "end"}
  ]
}`

func TestStraightFlowCompletes(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.local.Register("answer", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return map[string]any{"answer": 42}, nil
	})
	h.register(t, fmt.Sprintf(straightGraph, "NOOP"))

	ids := h.offer(t, "straight", model.BusinessData{"question": "?"})
	c := h.waitStatus(t, ids[0], model.COMPLETED)
	require.Equal(t, "end", c.Position)
	require.Equal(t, float64(42), c.BusinessData["answer"])
	require.Equal(t, "?", c.BusinessData["question"])
	require.Nil(t, c.Error)
	h.requireNoRetry(t, ids[0])
	require.Equal(t, 0, h.retries.writes())
}

func TestCompletionDeleteHandler(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	var calls atomic.Int32
	h.local.Register("answer", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})
	h.register(t, fmt.Sprintf(straightGraph, "DELETE"))

	ids := h.offer(t, "straight", model.BusinessData{})
	require.Eventually(t, func() bool {
		if calls.Load() != 1 {
			return false
		}
		_, err := h.engine.GetContext(context.Background(), ids[0])
		return errors.Is(err, persistence.ErrNotFound)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRecoverableFailureIsRetried(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	var calls atomic.Int32
	h.local.Register("answer", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("backend unavailable")
		}
		return map[string]any{"answer": "ok"}, nil
	})
	h.register(t, fmt.Sprintf(straightGraph, "NOOP"))
	h.startSweep(t)

	ids := h.offer(t, "straight", model.BusinessData{})
	c := h.waitStatus(t, ids[0], model.COMPLETED)
	require.Equal(t, "ok", c.BusinessData["answer"])
	require.Equal(t, 0, c.RetryCount)
	require.Nil(t, c.Error)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, int32(1), h.retries.saves.Load())
	require.Equal(t, int32(1), h.retries.updates.Load())
	require.Equal(t, 2, h.retries.writes())
	h.requireNoRetry(t, ids[0])
}

func TestRetryExhausted(t *testing.T) {
	h := newHarness(t, fastPolicy(2), 0)
	var calls atomic.Int32
	h.local.Register("answer", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("backend unavailable")
	})
	h.register(t, fmt.Sprintf(straightGraph, "NOOP"))
	h.startSweep(t)

	ids := h.offer(t, "straight", model.BusinessData{})
	require.Eventually(t, func() bool {
		c, err := h.engine.GetContext(context.Background(), ids[0])
		return err == nil && c.Status == model.ERROR && c.Error != nil && c.Error.Code == RETRY_EXHAUSTED
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
	h.requireNoRetry(t, ids[0])
}

func TestUnrecoverableFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.local.Register("answer", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return nil, fitable.UnrecoverableError{Target: "answer", Err: errors.New("bad input")}
	})
	h.register(t, fmt.Sprintf(straightGraph, "NOOP"))

	ids := h.offer(t, "straight", model.BusinessData{})
	c := h.waitStatus(t, ids[0], model.ERROR)
	require.Equal(t, UNRECOVERABLE_EXECUTION_ERROR, c.Error.Code)
	require.Equal(t, "s1", c.Error.NodeId)
	h.requireNoRetry(t, ids[0])
	require.Equal(t, 0, h.retries.writes())
}

const conditionGraph = `{
  "metaId": "cond", "version": "1",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "route"},
    {"metaId": "route", "type": "condition"},
    {"metaId": "explicit", "type": "event", "from": "route", "to": "a", "conditionRule": "true", "priority": 0},
    {"metaId": "unset", "type": "event", "from": "route", "to": "b", "conditionRule": "$.x > 0"},
    {"metaId": "a", "type": "state", "jober": {"fitables": ["markA"]}},
    {"metaId": "b", "type": "state", "jober": {"fitables": ["markB"]}},
    {"metaId": "e2", "type": "event", "from": "a", "to": "end"},
    {"metaId": "e3", "type": "event", "from": "b", "to": "end"},
    {"metaId": "end", "type": "end"}
  ]
}`

func TestConditionPriority(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.local.Register("markA", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return map[string]any{"path": "a"}, nil
	})
	h.local.Register("markB", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return map[string]any{"path": "b"}, nil
	})
	h.register(t, conditionGraph)

	ids := h.offer(t, "cond", model.BusinessData{"x": 1}, model.BusinessData{"x": 0})
	require.Equal(t, "b", h.waitStatus(t, ids[0], model.COMPLETED).BusinessData["path"])
	require.Equal(t, "a", h.waitStatus(t, ids[1], model.COMPLETED).BusinessData["path"])
}

func TestNoMatchingEvent(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.register(t, `{
  "metaId": "nomatch", "version": "1",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "route"},
    {"metaId": "route", "type": "condition"},
    {"metaId": "e2", "type": "event", "from": "route", "to": "end", "conditionRule": "$.x > 100"},
    {"metaId": "end", "type": "end"}
  ]
}`)
	ids := h.offer(t, "nomatch", model.BusinessData{"x": 1})
	c := h.waitStatus(t, ids[0], model.ERROR)
	require.Equal(t, NO_MATCHING_EVENT, c.Error.Code)
	require.Equal(t, "route", c.Position)
	h.requireNoRetry(t, ids[0])
}

const loopGraph = `{
  "metaId": "loop", "version": "1",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "check"},
    {"metaId": "check", "type": "condition"},
    {"metaId": "done", "type": "event", "from": "check", "to": "end", "conditionRule": "$.n >= 5", "priority": 0},
    {"metaId": "again", "type": "event", "from": "check", "to": "inc", "conditionRule": "true", "priority": 1},
    {"metaId": "inc", "type": "state", "jober": {"fitables": ["inc"]}},
    {"metaId": "back", "type": "event", "from": "inc", "to": "check"},
    {"metaId": "end", "type": "end"}
  ]
}`

func registerInc(h *harness) {
	h.local.Register("inc", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		n, _ := req.BusinessData["n"].(float64)
		return map[string]any{"n": n + 1}, nil
	})
}

func TestCyclesAreFollowed(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	registerInc(h)
	h.register(t, loopGraph)

	ids := h.offer(t, "loop", model.BusinessData{"n": float64(0)})
	require.Equal(t, float64(5), h.waitStatus(t, ids[0], model.COMPLETED).BusinessData["n"])
}

func TestHopLimit(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 6)
	registerInc(h)
	h.register(t, loopGraph)

	ids := h.offer(t, "loop", model.BusinessData{"n": float64(0)})
	c := h.waitStatus(t, ids[0], model.ERROR)
	require.Equal(t, HOP_LIMIT_EXCEEDED, c.Error.Code)
	h.requireNoRetry(t, ids[0])
}

const manualGraph = `{
  "metaId": "manual", "version": "1", "threadMode": "session",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "approve"},
    {"metaId": "approve", "type": "state", "triggerMode": "manual",
     "task": {"taskId": "approval", "type": "%s", "properties": {"owner": "{$.user}"}},
     "callback": {"name": "approved", "fitables": ["notify"], "filteredKeys": ["approved"]}},
    {"metaId": "e2", "type": "event", "from": "approve", "to": "end"},
    {"metaId": "end", "type": "end"}
  ]
}`

func TestManualTask(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.local.Register("task_center.create", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return map[string]any{"taskInstanceId": "task-" + req.Properties["owner"].(string)}, nil
	})
	notified := make(chan fitable.Request, 1)
	h.local.Register("notify", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		notified <- req
		return nil, nil
	})
	created := make(chan event.FlowTaskCreatedEvent, 1)
	h.bus.Subscribe(event.FLOW_TASK_CREATED, func(ctx context.Context, ev event.Event) error {
		created <- ev.(event.FlowTaskCreatedEvent)
		return nil
	})
	h.register(t, fmt.Sprintf(manualGraph, "task_center"))

	ids := h.offer(t, "manual", model.BusinessData{"user": "bob"})
	c := h.waitStatus(t, ids[0], model.WAITING_MANUAL)
	require.Equal(t, "task-bob", c.TaskId)
	require.Equal(t, "approve", c.Position)
	select {
	case ev := <-created:
		require.Equal(t, ids[0], ev.ContextId)
		require.Equal(t, "task-bob", ev.TaskId)
		require.Equal(t, "task_center", ev.TaskType)
	case <-time.After(5 * time.Second):
		t.Fatal("task created event not published")
	}

	// the offering job may still hold the context for a moment
	require.Eventually(t, func() bool {
		return h.engine.CompleteManualTask(context.Background(), ids[0], model.BusinessData{"approved": true, "secret": "x"}) == nil
	}, 5*time.Second, 5*time.Millisecond)
	c = h.waitStatus(t, ids[0], model.COMPLETED)
	require.Equal(t, true, c.BusinessData["approved"])
	require.Equal(t, "bob", c.BusinessData["user"])
	select {
	case req := <-notified:
		require.Equal(t, map[string]any{"approved": true}, req.BusinessData)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not forwarded")
	}

	require.Eventually(t, func() bool {
		err := h.engine.CompleteManualTask(context.Background(), ids[0], nil)
		return errors.As(err, &InvalidStateError{})
	}, 5*time.Second, 5*time.Millisecond)
}

func TestUnsupportedOperator(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.register(t, fmt.Sprintf(manualGraph, "email"))

	ids := h.offer(t, "manual", model.BusinessData{"user": "bob"})
	c := h.waitStatus(t, ids[0], model.ERROR)
	require.Equal(t, UNSUPPORTED_OPERATOR, c.Error.Code)
	h.requireNoRetry(t, ids[0])
}

func TestCancel(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.local.Register("task_center.create", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return nil, nil
	})
	h.register(t, fmt.Sprintf(manualGraph, "task_center"))

	ids := h.offer(t, "manual", model.BusinessData{"user": "bob"})
	h.waitStatus(t, ids[0], model.WAITING_MANUAL)

	require.Eventually(t, func() bool {
		return h.engine.Cancel(context.Background(), ids[0], "withdrawn") == nil
	}, 5*time.Second, 5*time.Millisecond)
	c, err := h.engine.GetContext(context.Background(), ids[0])
	require.NoError(t, err)
	require.Equal(t, model.ARCHIVED, c.Status)
	require.Equal(t, CANCELLED, c.Error.Code)
	require.Equal(t, "withdrawn", c.Error.Message)

	require.ErrorAs(t, h.engine.CompleteManualTask(context.Background(), ids[0], nil), &InvalidStateError{})
	require.ErrorAs(t, h.engine.Cancel(context.Background(), ids[0], "again"), &InvalidStateError{})
	require.ErrorIs(t, h.engine.Cancel(context.Background(), "missing", ""), persistence.ErrNotFound)
}

const parallelGraph = `{
  "metaId": "par", "version": "1",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "fork"},
    {"metaId": "fork", "type": "parallel", "joinNode": "merge"},
    {"metaId": "toLeft", "type": "event", "from": "fork", "to": "left"},
    {"metaId": "toRight", "type": "event", "from": "fork", "to": "right"},
    {"metaId": "left", "type": "state", "jober": {"fitables": ["left"]}},
    {"metaId": "right", "type": "state", "jober": {"fitables": ["right"]}},
    {"metaId": "e2", "type": "event", "from": "left", "to": "merge"},
    {"metaId": "e3", "type": "event", "from": "right", "to": "merge"},
    {"metaId": "merge", "type": "state", "jober": {"fitables": ["merge"]}},
    {"metaId": "e4", "type": "event", "from": "merge", "to": "end"},
    {"metaId": "end", "type": "end"}
  ]
}`

func TestParallelJoin(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.local.Register("left", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"answer": "left", "l": 1}, nil
	})
	h.local.Register("right", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return map[string]any{"answer": "right", "r": 2, "missing": nil}, nil
	})
	var merges atomic.Int32
	var merged map[string]any
	h.local.Register("merge", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		merges.Add(1)
		merged = req.BusinessData
		return map[string]any{"merged": true}, nil
	})
	h.register(t, parallelGraph)

	ids := h.offer(t, "par", model.BusinessData{"q": "x"})
	c := h.waitStatus(t, ids[0], model.COMPLETED)
	require.Equal(t, int32(1), merges.Load())
	require.Equal(t, "right", merged["answer"])
	require.Equal(t, "x", c.BusinessData["q"])
	require.Equal(t, "right", c.BusinessData["answer"])
	require.Equal(t, float64(1), c.BusinessData["l"])
	require.Equal(t, float64(2), c.BusinessData["r"])
	require.Equal(t, true, c.BusinessData["merged"])
	require.NotContains(t, c.BusinessData, "missing")
	require.Equal(t, 0, h.engine.barrier.pending())
}

func TestParallelWithoutJoin(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	var calls atomic.Int32
	h.local.Register("work", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})
	h.register(t, `{
  "metaId": "fanout", "version": "1",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "fork"},
    {"metaId": "fork", "type": "parallel"},
    {"metaId": "a", "type": "event", "from": "fork", "to": "w1"},
    {"metaId": "b", "type": "event", "from": "fork", "to": "w2"},
    {"metaId": "w1", "type": "state", "jober": {"fitables": ["work"]}},
    {"metaId": "w2", "type": "state", "jober": {"fitables": ["work"]}},
    {"metaId": "e2", "type": "event", "from": "w1", "to": "end"},
    {"metaId": "e3", "type": "event", "from": "w2", "to": "end"},
    {"metaId": "end", "type": "end"}
  ]
}`)
	ids := h.offer(t, "fanout", model.BusinessData{})
	h.waitStatus(t, ids[0], model.ARCHIVED)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestBatchSizeFilterOnNode(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.local.Register("answer", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return nil, nil
	})
	h.register(t, `{
  "metaId": "filtered", "version": "1",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "s1"},
    {"metaId": "s1", "type": "state", "jober": {"fitables": ["answer"]},
     "filter": {"type": "minimum_size_filter", "properties": {"threshold": 2}}},
    {"metaId": "e2", "type": "event", "from": "s1", "to": "end"},
    {"metaId": "end", "type": "end"}
  ]
}`)
	ids := h.offer(t, "filtered", model.BusinessData{"i": 1}, model.BusinessData{"i": 2}, model.BusinessData{"i": 3})
	h.waitStatus(t, ids[0], model.COMPLETED)
	h.waitStatus(t, ids[1], model.COMPLETED)
	h.waitStatus(t, ids[2], model.ARCHIVED)

	single := h.offer(t, "filtered", model.BusinessData{"i": 4})
	c := h.waitStatus(t, single[0], model.ARCHIVED)
	require.Equal(t, "s1", c.Position)
}

func TestOfferUnknownFlow(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	_, err := h.engine.Offer(context.Background(), "nope", "1", "", model.BusinessData{})
	require.ErrorIs(t, err, metadata.ErrFlowNotFound)
}

func (h *harness) waitErrorCode(t *testing.T, id string, code string) *model.DataContext {
	var found *model.DataContext
	require.Eventually(t, func() bool {
		c, err := h.engine.GetContext(context.Background(), id)
		if err != nil || c.Status != model.ERROR || c.Error == nil {
			return false
		}
		found = c
		return c.Error.Code == code
	}, 5*time.Second, 5*time.Millisecond, "context %s never failed with %s", id, code)
	return found
}

const notifiedGraph = `{
  "metaId": "notified", "version": "1",
  "nodes": [
    {"metaId": "start", "type": "start"},
    {"metaId": "e1", "type": "event", "from": "start", "to": "s1"},
    {"metaId": "s1", "type": "state", "jober": {"fitables": ["answer"]}%s},
    {"metaId": "e2", "type": "event", "from": "s1", "to": "end"},
    {"metaId": "end", "type": "end"%s}
  ]
}`

const notifyCallback = `, "callback": {"name": "notified", "fitables": ["notify"]}`

func TestRejectedEventsExhaustRetries(t *testing.T) {
	tests := map[string]struct {
		graph    string
		flowId   string
		node     string
		expected int32
	}{
		"jober callback":      {graph: fmt.Sprintf(notifiedGraph, notifyCallback, ""), flowId: "notified", node: "s1", expected: 3},
		"completion callback": {graph: fmt.Sprintf(notifiedGraph, "", notifyCallback), flowId: "notified", node: "end", expected: 1},
		"task created event":  {graph: fmt.Sprintf(manualGraph, "task_center"), flowId: "manual", node: "approve", expected: 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, fastPolicy(2), 0)
			var calls atomic.Int32
			h.local.Register("answer", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
				calls.Add(1)
				return map[string]any{"answer": 42}, nil
			})
			h.local.Register("task_center.create", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
				calls.Add(1)
				return map[string]any{"taskInstanceId": "task-1"}, nil
			})
			h.register(t, tc.graph)
			require.NoError(t, h.bus.Stop())
			h.startSweep(t)

			ids := h.offer(t, tc.flowId, model.BusinessData{"user": "bob"})
			c := h.waitErrorCode(t, ids[0], RETRY_EXHAUSTED)
			require.Equal(t, tc.node, c.Error.NodeId)
			require.Equal(t, tc.node, c.Position)
			require.Equal(t, 2, c.RetryCount)
			h.requireNoRetry(t, ids[0])
			require.Equal(t, int32(1), h.retries.saves.Load())
			require.Equal(t, int32(1), h.retries.updates.Load())
			require.Equal(t, tc.expected, calls.Load())
		})
	}
}

func TestCompletionCallbackRejected(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	h.local.Register("answer", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		return nil, nil
	})
	h.register(t, fmt.Sprintf(notifiedGraph, "", notifyCallback))
	require.NoError(t, h.bus.Stop())

	ids := h.offer(t, "notified", model.BusinessData{})
	c := h.waitErrorCode(t, ids[0], QUEUE_SATURATED)
	require.Equal(t, "end", c.Error.NodeId)
	require.Equal(t, 1, c.RetryCount)
	require.False(t, c.NextRetryTime.IsZero())
	retry, err := h.engine.GetRetry(context.Background(), ids[0])
	require.NoError(t, err)
	require.Equal(t, "end", retry.NodeId)
	require.Equal(t, 1, retry.RetryCount)
}

func TestCompletedTaskIsNotRecreated(t *testing.T) {
	h := newHarness(t, fastPolicy(2), 0)
	var creates atomic.Int32
	h.local.Register("task_center.create", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		creates.Add(1)
		return map[string]any{"taskInstanceId": "task-1"}, nil
	})
	h.register(t, fmt.Sprintf(manualGraph, "task_center"))
	h.startSweep(t)

	ids := h.offer(t, "manual", model.BusinessData{"user": "bob"})
	h.waitStatus(t, ids[0], model.WAITING_MANUAL)
	require.NoError(t, h.bus.Stop())
	require.Eventually(t, func() bool {
		return h.engine.CompleteManualTask(context.Background(), ids[0], model.BusinessData{"approved": true}) == nil
	}, 5*time.Second, 5*time.Millisecond)

	c := h.waitErrorCode(t, ids[0], RETRY_EXHAUSTED)
	require.Equal(t, "approve", c.Error.NodeId)
	require.True(t, c.TaskCompleted)
	require.Equal(t, "task-1", c.TaskId)
	require.Equal(t, true, c.BusinessData["approved"])
	require.Equal(t, int32(1), creates.Load())
	h.requireNoRetry(t, ids[0])
	require.Equal(t, 2, h.retries.writes())
}

func TestCompletedTaskLeavesAfterRetry(t *testing.T) {
	h := newHarness(t, fastPolicy(3), 0)
	var creates atomic.Int32
	h.local.Register("task_center.create", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
		creates.Add(1)
		return map[string]any{"taskInstanceId": "task-1"}, nil
	})
	h.register(t, fmt.Sprintf(manualGraph, "task_center"))

	ids := h.offer(t, "manual", model.BusinessData{"user": "bob"})
	h.waitStatus(t, ids[0], model.WAITING_MANUAL)
	require.NoError(t, h.bus.Stop())
	require.Eventually(t, func() bool {
		return h.engine.CompleteManualTask(context.Background(), ids[0], model.BusinessData{"approved": true}) == nil
	}, 5*time.Second, 5*time.Millisecond)
	h.waitErrorCode(t, ids[0], QUEUE_SATURATED)

	// a fresh bus accepts the callback on the next attempt
	h.engine.bus = event.NewBus(event.DefaultConfig(), h.wg)
	h.engine.bus.Subscribe(event.FLOW_CALLBACK, action.Forwarder(h.local))
	h.engine.bus.Start()
	t.Cleanup(func() { h.engine.bus.Stop() })
	h.startSweep(t)

	c := h.waitStatus(t, ids[0], model.COMPLETED)
	require.Nil(t, c.Error)
	require.Equal(t, 0, c.RetryCount)
	require.False(t, c.TaskCompleted)
	require.Empty(t, c.TaskId)
	require.Equal(t, int32(1), creates.Load())
	h.requireNoRetry(t, ids[0])
}

func failLeft(ctx context.Context, req fitable.Request) (map[string]any, error) {
	return nil, fitable.UnrecoverableError{Target: "left", Err: errors.New("bad input")}
}

func passLeft(ctx context.Context, req fitable.Request) (map[string]any, error) {
	return nil, nil
}

func TestParallelBranchThatNeverJoins(t *testing.T) {
	dropSingle := `"jober": {"fitables": ["left"]}, "filter": {"type": "minimum_size_filter", "properties": {"threshold": 2}}}`
	tests := map[string]struct {
		graph string
		left  fitable.Func
		code  string
	}{
		"branch fails permanently": {graph: parallelGraph, left: failLeft, code: UNRECOVERABLE_EXECUTION_ERROR},
		"branch dropped by filter": {graph: strings.Replace(parallelGraph, `"jober": {"fitables": ["left"]}}`, dropSingle, 1), left: passLeft, code: BRANCH_FILTERED},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, fastPolicy(3), 0)
			h.local.Register("left", tc.left)
			h.local.Register("right", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
				return map[string]any{"r": 2}, nil
			})
			var merges atomic.Int32
			h.local.Register("merge", func(ctx context.Context, req fitable.Request) (map[string]any, error) {
				merges.Add(1)
				return nil, nil
			})
			h.register(t, tc.graph)

			ids := h.offer(t, "par", model.BusinessData{})
			c := h.waitErrorCode(t, ids[0], tc.code)
			require.Equal(t, "left", c.Error.NodeId)
			require.Equal(t, 0, h.engine.barrier.pending())
			require.Equal(t, int32(0), merges.Load())
			h.requireNoRetry(t, ids[0])
		})
	}
}
