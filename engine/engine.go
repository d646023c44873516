package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/wuayee/waterflow/action"
	"github.com/wuayee/waterflow/analytics"
	"github.com/wuayee/waterflow/cache"
	"github.com/wuayee/waterflow/event"
	"github.com/wuayee/waterflow/executor"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/metadata"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/stream"
	"go.uber.org/zap"
)

const DefaultMaxHops = 1000

type Options struct {
	Metadata   metadata.MetadataService
	Contexts   persistence.ContextRepo
	Retries    persistence.RetryRepo
	Bus        *event.Bus
	Invoker    fitable.Invoker
	Operators  *action.OperatorRegistry
	Filters    *action.FilterRegistry
	Conditions *action.ConditionEvaluator
	Holder     stream.Dispatcher
	Session    stream.Dispatcher
	Locks      *cache.ContextLockCache
	Policy     executor.RetryPolicy
	MaxHops    int
	Collector  analytics.NodeDataCollector
}

var _ executor.Retrier = new(FlowEngine)

// FlowEngine moves contexts through registered graphs. Every entry point
// hands the work to the dispatcher of the flow's thread mode and returns.
type FlowEngine struct {
	metadata      metadata.MetadataService
	registry      *metadata.Registry
	contexts      persistence.ContextRepo
	retries       persistence.RetryRepo
	bus           *event.Bus
	operators     *action.OperatorRegistry
	filters       *action.FilterRegistry
	conditions    *action.ConditionEvaluator
	jober         *action.JoberRunner
	holder        stream.Dispatcher
	session       stream.Dispatcher
	locks         *cache.ContextLockCache
	policy        executor.RetryPolicy
	maxHops       int
	collector     analytics.NodeDataCollector
	stateHandlers *StateHandlerContainer
	barrier       *joinBarrier
	publishers    sync.Map
}

func NewFlowEngine(opts Options) *FlowEngine {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.Policy.Kind == "" {
		opts.Policy = executor.DefaultRetryPolicy()
	}
	if opts.Collector == nil {
		opts.Collector = analytics.NoopDataCollector{}
	}
	if opts.Session == nil {
		opts.Session = opts.Holder
	}
	return &FlowEngine{
		metadata:      opts.Metadata,
		registry:      opts.Metadata.GetRegistry(),
		contexts:      opts.Contexts,
		retries:       opts.Retries,
		bus:           opts.Bus,
		operators:     opts.Operators,
		filters:       opts.Filters,
		conditions:    opts.Conditions,
		jober:         action.NewJoberRunner(opts.Invoker),
		holder:        opts.Holder,
		session:       opts.Session,
		locks:         opts.Locks,
		policy:        opts.Policy,
		maxHops:       opts.MaxHops,
		collector:     opts.Collector,
		stateHandlers: NewStateHandlerContainer(opts.Contexts),
		barrier:       newJoinBarrier(),
	}
}

func (f *FlowEngine) StateHandlers() *StateHandlerContainer {
	return f.stateHandlers
}

func (f *FlowEngine) dispatcher(def *flow.Definition) stream.Dispatcher {
	if def.ThreadMode == flow.SESSION {
		return f.session
	}
	return f.holder
}

func (f *FlowEngine) publisher(def *flow.Definition) *stream.Publisher[model.BusinessData] {
	if p, ok := f.publishers.Load(def.StreamId()); ok {
		return p.(*stream.Publisher[model.BusinessData])
	}
	p := stream.NewPublisher[model.BusinessData](def.StreamId(), f.dispatcher(def))
	p.Subscribe(stream.SubscriberFunc[model.BusinessData](func(ctx context.Context, contexts []*model.DataContext) {
		f.accept(ctx, def, contexts)
	}))
	actual, _ := f.publishers.LoadOrStore(def.StreamId(), p)
	return actual.(*stream.Publisher[model.BusinessData])
}

// Offer starts one context per datum at the start node of the flow and
// returns their ids. Processing happens asynchronously.
func (f *FlowEngine) Offer(ctx context.Context, flowId string, version string, sessionId string, data ...model.BusinessData) ([]string, error) {
	def, err := f.metadata.Get(ctx, flowId, version)
	if err != nil {
		return nil, err
	}
	contexts, err := f.publisher(def).Emit(sessionId, data...)
	if err != nil {
		logger.Error("error offering data", zap.String("stream", def.StreamId()), zap.Error(err))
		return nil, err
	}
	ids := make([]string, 0, len(contexts))
	for _, c := range contexts {
		ids = append(ids, c.Id)
	}
	logger.Info("data offered", zap.String("stream", def.StreamId()), zap.Int("contexts", len(ids)))
	return ids, nil
}

func (f *FlowEngine) accept(ctx context.Context, def *flow.Definition, contexts []*model.DataContext) {
	for _, c := range contexts {
		f.locks.Lock(c.Id)
		f.save(ctx, c)
	}
	defer func() {
		for _, c := range contexts {
			f.locks.Unlock(c.Id)
		}
	}()
	f.process(ctx, def, def.StartNode(), contexts, 0, false)
}

func (f *FlowEngine) GetContext(ctx context.Context, contextId string) (*model.DataContext, error) {
	return f.contexts.Get(ctx, contextId)
}

func (f *FlowEngine) GetRetry(ctx context.Context, contextId string) (*model.FlowRetry, error) {
	return f.retries.GetById(ctx, contextId)
}

func (f *FlowEngine) lookup(c *model.DataContext, nodeId string) (*flow.Definition, *flow.Node, error) {
	def, ok := f.registry.Lookup(c.StreamId)
	if !ok {
		return nil, nil, metadata.ErrFlowNotFound
	}
	node, ok := def.Node(nodeId)
	if !ok {
		return nil, nil, RoutingError{Code: NO_MATCHING_EVENT, NodeId: nodeId}
	}
	return def, node, nil
}

// CompleteManualTask merges output into a WAITING_MANUAL context and lets
// it leave its manual node.
func (f *FlowEngine) CompleteManualTask(ctx context.Context, contextId string, output model.BusinessData) error {
	if !f.locks.Lock(contextId) {
		return ErrContextBusy
	}
	c, err := f.contexts.Get(ctx, contextId)
	if err != nil {
		f.locks.Unlock(contextId)
		return err
	}
	if c.Status != model.WAITING_MANUAL {
		f.locks.Unlock(contextId)
		return InvalidStateError{ContextId: contextId, Status: c.Status, Expected: model.WAITING_MANUAL}
	}
	def, node, err := f.lookup(c, c.Position)
	if err != nil {
		f.locks.Unlock(contextId)
		return err
	}
	if c.BusinessData == nil {
		c.BusinessData = make(model.BusinessData, len(output))
	}
	for k, v := range output {
		c.BusinessData[k] = v
	}
	c.TaskCompleted = true
	c.SetStatus(model.RUNNING)
	if err := f.contexts.Save(ctx, c); err != nil {
		f.locks.Unlock(contextId)
		return err
	}
	job := func() {
		defer f.locks.Unlock(contextId)
		f.collector.RecordNodeSuccess(def.StreamId(), c.Id, node.MetaId, c.BusinessData)
		f.leave(context.Background(), def, node, []*model.DataContext{c}, 0)
	}
	if err := f.dispatcher(def).Submit(c.SessionId, job); err != nil {
		c.TaskCompleted = false
		c.SetStatus(model.WAITING_MANUAL)
		f.save(ctx, c)
		f.locks.Unlock(contextId)
		return err
	}
	logger.Info("manual task completed", zap.String("context", contextId), zap.String("node", node.MetaId))
	return nil
}

// Retry re-enters a failed context at the node of its retry record. Records
// whose context is gone or no longer failed are removed.
func (f *FlowEngine) Retry(ctx context.Context, record model.FlowRetry) error {
	if !f.locks.Lock(record.EntityId) {
		return ErrContextBusy
	}
	c, err := f.contexts.Get(ctx, record.EntityId)
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && c.Status != model.ERROR) {
		f.locks.Unlock(record.EntityId)
		logger.Warn("dropping stale retry record", zap.String("context", record.EntityId))
		return f.retries.Delete(ctx, []string{record.EntityId})
	}
	if err != nil {
		f.locks.Unlock(record.EntityId)
		return err
	}
	def, node, err := f.lookup(c, record.NodeId)
	if err != nil {
		f.locks.Unlock(record.EntityId)
		return err
	}
	c.RetryCount = record.RetryCount
	job := func() {
		defer f.locks.Unlock(record.EntityId)
		logger.Info("retrying context", zap.String("context", c.Id), zap.String("node", node.MetaId), zap.Int("retry", record.RetryCount))
		f.process(context.Background(), def, node, []*model.DataContext{c}, 0, true)
	}
	if err := f.dispatcher(def).Submit(c.SessionId, job); err != nil {
		f.locks.Unlock(record.EntityId)
		return err
	}
	return nil
}

// Cancel archives a context that has not finished. Its retry record and any
// join it waits on are dropped.
func (f *FlowEngine) Cancel(ctx context.Context, contextId string, reason string) error {
	if !f.locks.Lock(contextId) {
		return ErrContextBusy
	}
	defer f.locks.Unlock(contextId)
	c, err := f.contexts.Get(ctx, contextId)
	if err != nil {
		return err
	}
	if c.Status.IsTerminal() {
		return InvalidStateError{ContextId: contextId, Status: c.Status}
	}
	c.Error = &model.ErrorInfo{Code: CANCELLED, Message: reason, NodeId: c.Position}
	c.SetStatus(model.ARCHIVED)
	if err := f.contexts.Save(ctx, c); err != nil {
		return err
	}
	if err := f.retries.Delete(ctx, []string{contextId}); err != nil {
		logger.Error("error deleting retry record", zap.String("context", contextId), zap.Error(err))
	}
	f.barrier.drop(contextId)
	logger.Info("context cancelled", zap.String("context", contextId), zap.String("reason", reason))
	return nil
}

func (f *FlowEngine) save(ctx context.Context, c *model.DataContext) {
	if err := f.contexts.Save(ctx, c); err != nil {
		logger.Error("error saving context", zap.String("context", c.Id), zap.String("status", string(c.Status)), zap.Error(err))
	}
}
