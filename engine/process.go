package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wuayee/waterflow/action"
	"github.com/wuayee/waterflow/event"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/metrics"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"go.uber.org/zap"
)

// process runs node for contexts that arrived together and follows them
// until they park or finish. reentry skips the node's filter for contexts
// that already passed it.
func (f *FlowEngine) process(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext, hops int, reentry bool) {
	if len(contexts) == 0 {
		return
	}
	if hops > f.maxHops {
		for _, c := range contexts {
			f.fail(ctx, def, node, c, RoutingError{Code: HOP_LIMIT_EXCEEDED, NodeId: node.MetaId})
		}
		return
	}

	contexts, resumed := f.join(ctx, def, node, contexts)
	defer func() {
		if len(resumed) > 0 {
			f.process(ctx, def, node, resumed, hops+1, true)
		}
	}()
	if !reentry && node.Filter != nil {
		contexts = f.filter(ctx, def, node, contexts)
	}
	if len(contexts) == 0 {
		return
	}
	for _, c := range contexts {
		c.Position = node.MetaId
		c.SetStatus(model.RUNNING)
		f.save(ctx, c)
	}

	switch node.Kind {
	case flow.START, flow.CONDITION:
		f.route(ctx, def, node, contexts, hops)
	case flow.END:
		f.complete(ctx, def, node, contexts)
	case flow.STATE:
		if node.IsAutomatic() {
			f.runJober(ctx, def, node, contexts, hops)
		} else {
			f.manual(ctx, def, node, contexts, hops)
		}
	case flow.PARALLEL:
		f.forkAll(ctx, def, node, contexts, hops)
	default:
		logger.Error("node kind can not be executed", zap.String("node", node.MetaId), zap.String("kind", string(node.Kind)))
	}
}

// join archives branches that reached their join node. Parents whose last
// branch arrived are returned with the aggregated branch data.
func (f *FlowEngine) join(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext) ([]*model.DataContext, []*model.DataContext) {
	var rest, resumed []*model.DataContext
	for _, c := range contexts {
		if c.ForkId == "" || c.JoinNode != node.MetaId {
			rest = append(rest, c)
			continue
		}
		c.Position = node.MetaId
		c.SetStatus(model.ARCHIVED)
		f.save(ctx, c)
		join, done := f.barrier.arrive(c.ForkId, c.Branch, c.BusinessData)
		if !done {
			continue
		}
		parent := join.parent
		parent.BusinessData = action.AggregateBranches(parent.BusinessData, join.branchData())
		logger.Info("parallel branches joined", zap.String("context", parent.Id), zap.String("node", node.MetaId), zap.Int("branches", join.expected))
		resumed = append(resumed, parent)
	}
	return rest, resumed
}

func (f *FlowEngine) filter(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext) []*model.DataContext {
	op, err := f.filters.Build(node.Filter)
	if err != nil {
		logger.Error("error building filter", zap.String("node", node.MetaId), zap.Error(err))
		return contexts
	}
	passed := op(contexts)
	kept := make(map[string]bool, len(passed))
	for _, c := range passed {
		kept[c.Id] = true
	}
	for _, c := range contexts {
		if kept[c.Id] {
			continue
		}
		c.Position = node.MetaId
		c.SetStatus(model.ARCHIVED)
		f.save(ctx, c)
		logger.Info("context dropped by filter", zap.String("context", c.Id), zap.String("node", node.MetaId), zap.String("filter", node.Filter.Type))
		f.abandonJoin(ctx, def, c)
	}
	return passed
}

// holds evaluates the rule of e. A rule that fails to evaluate does not
// hold.
func (f *FlowEngine) holds(node *flow.Node, e *flow.Event, c *model.DataContext) bool {
	ok, err := f.conditions.Evaluate(e.ConditionRule, c.BusinessData)
	if err != nil {
		logger.Warn("error evaluating condition", zap.String("context", c.Id), zap.String("node", node.MetaId), zap.String("event", e.MetaId), zap.Error(err))
		return false
	}
	return ok
}

func (f *FlowEngine) match(node *flow.Node, events []*flow.Event, c *model.DataContext) []*flow.Event {
	var matched []*flow.Event
	for _, e := range events {
		if f.holds(node, e, c) {
			matched = append(matched, e)
		}
	}
	return matched
}

func (f *FlowEngine) route(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext, hops int) {
	events := def.Outgoing(node)
	groups := make(map[int][]*model.DataContext)
	var order []int
	for _, c := range contexts {
		var next *flow.Event
		for _, e := range events {
			if f.holds(node, e, c) {
				next = e
				break
			}
		}
		if next == nil {
			f.fail(ctx, def, node, c, RoutingError{Code: NO_MATCHING_EVENT, NodeId: node.MetaId})
			continue
		}
		if _, ok := groups[next.To]; !ok {
			order = append(order, next.To)
		}
		groups[next.To] = append(groups[next.To], c)
	}
	for _, to := range order {
		f.process(ctx, def, &def.Nodes[to], groups[to], hops+1, false)
	}
}

// complete finishes contexts at an END node. A rejected callback leaves
// them in ERROR at the END node so the retry sweep can fire it again.
func (f *FlowEngine) complete(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext) {
	if node.Callback != nil {
		if err := f.fireCallback(def, node, contexts); err != nil {
			logger.Error("completion callback rejected", zap.String("stream", def.StreamId()), zap.String("node", node.MetaId), zap.Error(err))
			for _, c := range contexts {
				f.fail(ctx, def, node, c, err)
			}
			return
		}
	}
	handler := f.stateHandlers.GetHandler(def.OnComplete)
	for _, c := range contexts {
		f.clearRetry(ctx, c)
		c.SetStatus(model.COMPLETED)
		f.save(ctx, c)
		metrics.Record(def.StreamId(), metrics.ContextsCompleted)
		logger.Info("context completed", zap.String("stream", def.StreamId()), zap.String("context", c.Id))
	}
	for _, c := range contexts {
		if err := handler(ctx, c); err != nil {
			logger.Error("error in running completion handler", zap.String("context", c.Id), zap.String("handler", string(def.OnComplete)), zap.Error(err))
		}
	}
}

func (f *FlowEngine) runJober(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext, hops int) {
	succeeded := make([]*model.DataContext, 0, len(contexts))
	for _, c := range contexts {
		out, err := f.jober.Run(ctx, node, c)
		if err != nil {
			f.fail(ctx, def, node, c, err)
			continue
		}
		c.BusinessData = out
		f.save(ctx, c)
		f.collector.RecordNodeSuccess(def.StreamId(), c.Id, node.MetaId, out)
		succeeded = append(succeeded, c)
	}
	f.leave(ctx, def, node, succeeded, hops)
}

// leave fires the node's callback for contexts whose work at node is done
// and routes them on. Retry bookkeeping is only reset once the callback
// was accepted.
func (f *FlowEngine) leave(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext, hops int) {
	if len(contexts) == 0 {
		return
	}
	if node.Callback != nil {
		if err := f.fireCallback(def, node, contexts); err != nil {
			for _, c := range contexts {
				f.fail(ctx, def, node, c, err)
			}
			return
		}
	}
	for _, c := range contexts {
		if f.clearRetry(ctx, c) || c.TaskCompleted {
			c.TaskId = ""
			c.TaskCompleted = false
			f.save(ctx, c)
		}
	}
	f.route(ctx, def, node, contexts, hops)
}

// manual handles a manual node. Contexts whose task was already completed
// only leave the node; the others get a task unless one was created by an
// earlier attempt.
func (f *FlowEngine) manual(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext, hops int) {
	var finished, waiting []*model.DataContext
	for _, c := range contexts {
		if c.TaskCompleted {
			finished = append(finished, c)
		} else {
			waiting = append(waiting, c)
		}
	}
	f.createTasks(ctx, def, node, waiting)
	f.leave(ctx, def, node, finished, hops)
}

func (f *FlowEngine) createTasks(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext) {
	if len(contexts) == 0 {
		return
	}
	op, err := f.operators.Get(node.Task.Type)
	if err != nil {
		for _, c := range contexts {
			f.fail(ctx, def, node, c, err)
		}
		return
	}
	for _, c := range contexts {
		if c.TaskId == "" {
			taskId, err := op.Create(ctx, node.Task, c)
			if err != nil {
				f.fail(ctx, def, node, c, err)
				continue
			}
			c.TaskId = taskId
		}
		c.SetStatus(model.WAITING_MANUAL)
		f.save(ctx, c)
		err = f.bus.Publish(event.FlowTaskCreatedEvent{
			StreamId:  def.StreamId(),
			NodeId:    node.MetaId,
			ContextId: c.Id,
			SessionId: c.SessionId,
			TaskId:    c.TaskId,
			TaskType:  node.Task.Type,
			At:        time.Now(),
		})
		if err != nil {
			metrics.Record(def.StreamId(), metrics.EventsRejected)
			f.fail(ctx, def, node, c, err)
			continue
		}
		if f.clearRetry(ctx, c) {
			f.save(ctx, c)
		}
		logger.Info("context waiting for manual task", zap.String("context", c.Id), zap.String("node", node.MetaId), zap.String("task", c.TaskId))
	}
}

func (f *FlowEngine) forkAll(ctx context.Context, def *flow.Definition, node *flow.Node, contexts []*model.DataContext, hops int) {
	for _, c := range contexts {
		f.fork(ctx, def, node, c, hops)
	}
}

// fork starts one branch per matching event and waits for the branches to
// park or finish. With a join node the parent waits in PENDING until the
// join resumes it; without one it is archived.
func (f *FlowEngine) fork(ctx context.Context, def *flow.Definition, node *flow.Node, c *model.DataContext, hops int) {
	events := f.match(node, def.Outgoing(node), c)
	if len(events) == 0 {
		f.fail(ctx, def, node, c, RoutingError{Code: NO_MATCHING_EVENT, NodeId: node.MetaId})
		return
	}
	forkId := uuid.NewString()
	branches := make([]*model.DataContext, 0, len(events))
	for i := range events {
		b := model.NewFlowContext(uuid.NewString(), c.StreamId, c.SessionId, cloneData(c.BusinessData))
		b.BatchId = c.BatchId
		b.ParentId = c.Id
		b.ForkId = forkId
		b.JoinNode = node.JoinNode
		b.Branch = i
		b.Position = node.MetaId
		branches = append(branches, b)
	}
	if node.JoinNode != "" {
		f.barrier.open(forkId, c, len(branches))
		c.SetStatus(model.PENDING)
	} else {
		c.SetStatus(model.ARCHIVED)
	}
	f.save(ctx, c)
	for _, b := range branches {
		f.save(ctx, b)
	}
	logger.Info("context forked", zap.String("context", c.Id), zap.String("node", node.MetaId), zap.Int("branches", len(branches)))

	var wg sync.WaitGroup
	for i, e := range events {
		wg.Add(1)
		go func(b *model.DataContext, target *flow.Node) {
			defer wg.Done()
			f.process(ctx, def, target, []*model.DataContext{b}, hops+1, false)
		}(branches[i], def.Target(e))
	}
	wg.Wait()
}

func cloneData(data model.BusinessData) model.BusinessData {
	out := make(model.BusinessData, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func (f *FlowEngine) fireCallback(def *flow.Definition, node *flow.Node, contexts []*model.DataContext) error {
	err := f.bus.Publish(action.NewCallbackEvent(def.StreamId(), node, contexts))
	if err != nil {
		metrics.Record(def.StreamId(), metrics.EventsRejected)
	}
	return err
}

// clearRetry forgets earlier failures of a context that just succeeded and
// reports whether there were any.
func (f *FlowEngine) clearRetry(ctx context.Context, c *model.DataContext) bool {
	if c.RetryCount == 0 && c.Error == nil {
		return false
	}
	if err := f.retries.Delete(ctx, []string{c.Id}); err != nil {
		logger.Error("error deleting retry record", zap.String("context", c.Id), zap.Error(err))
	}
	c.RetryCount = 0
	c.NextRetryTime = time.Time{}
	c.Error = nil
	return true
}

// fail parks c in ERROR. Recoverable errors schedule a retry until the
// policy's attempts are used up.
func (f *FlowEngine) fail(ctx context.Context, def *flow.Definition, node *flow.Node, c *model.DataContext, err error) {
	c.Position = node.MetaId
	c.Fail(errorCode(err), node.MetaId, err)
	f.collector.RecordNodeFailure(def.StreamId(), c.Id, node.MetaId, err.Error())

	attempt := c.RetryCount + 1
	if !fitable.IsRecoverable(err) || attempt > f.policy.MaxAttempts {
		if fitable.IsRecoverable(err) {
			c.Error.Code = RETRY_EXHAUSTED
		}
		c.NextRetryTime = time.Time{}
		if derr := f.retries.Delete(ctx, []string{c.Id}); derr != nil {
			logger.Error("error deleting retry record", zap.String("context", c.Id), zap.Error(derr))
		}
		f.save(ctx, c)
		metrics.Record(def.StreamId(), metrics.ContextsFailed)
		logger.Error("context failed", zap.String("stream", def.StreamId()), zap.String("context", c.Id), zap.String("node", node.MetaId), zap.String("code", c.Error.Code), zap.Error(err))
		f.abandonJoin(ctx, def, c)
		return
	}

	c.RetryCount = attempt
	c.NextRetryTime = time.Now().Add(f.policy.Next(attempt))
	record := model.FlowRetry{
		EntityId:      c.Id,
		StreamId:      c.StreamId,
		NodeId:        node.MetaId,
		RetryCount:    attempt,
		NextRetryTime: c.NextRetryTime,
		LastError:     err.Error(),
	}
	existing, gerr := f.retries.GetById(ctx, c.Id)
	switch {
	case errors.Is(gerr, persistence.ErrNotFound):
		if serr := f.retries.Save(ctx, []model.FlowRetry{record}); serr != nil {
			logger.Error("error saving retry record", zap.String("context", c.Id), zap.Error(serr))
		}
	case gerr != nil:
		logger.Error("error reading retry record", zap.String("context", c.Id), zap.Error(gerr))
	default:
		record.Version = existing.Version
		n, uerr := f.retries.UpdateRetryRecord(ctx, []model.FlowRetry{record})
		if uerr != nil {
			logger.Error("error updating retry record", zap.String("context", c.Id), zap.Error(uerr))
		} else if n == 0 {
			logger.Warn("retry record changed concurrently", zap.String("context", c.Id), zap.Int64("version", existing.Version))
		}
	}
	f.save(ctx, c)
	metrics.Record(def.StreamId(), metrics.RetriesScheduled)
	logger.Warn("context scheduled for retry", zap.String("context", c.Id), zap.String("node", node.MetaId), zap.Int("retry", attempt), zap.Time("nextRetryTime", c.NextRetryTime), zap.Error(err))
}

// abandonJoin fails the parent waiting at the join of c's fork. c has
// failed for good or was dropped, so the join can never complete.
func (f *FlowEngine) abandonJoin(ctx context.Context, def *flow.Definition, c *model.DataContext) {
	if c.ForkId == "" || c.JoinNode == "" {
		return
	}
	parent, ok := f.barrier.abandon(c.ForkId)
	if !ok {
		return
	}
	info := &model.ErrorInfo{
		Code:    BRANCH_FILTERED,
		Message: fmt.Sprintf("branch %s was dropped at node %s", c.Id, c.Position),
		NodeId:  c.Position,
	}
	if c.Error != nil {
		info.Code = c.Error.Code
		info.Message = fmt.Sprintf("branch %s failed: %s", c.Id, c.Error.Message)
	}
	parent.Error = info
	parent.SetStatus(model.ERROR)
	f.save(ctx, parent)
	metrics.Record(def.StreamId(), metrics.ContextsFailed)
	logger.Error("parallel join abandoned", zap.String("context", parent.Id), zap.String("branch", c.Id), zap.String("join", c.JoinNode), zap.String("code", info.Code))
	f.abandonJoin(ctx, def, parent)
}
