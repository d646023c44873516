package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/wuayee/waterflow/model"
)

type Subscriber[T any] interface {
	Accept(ctx context.Context, contexts []*model.FlowContext[T])
}

type SubscriberFunc[T any] func(ctx context.Context, contexts []*model.FlowContext[T])

func (f SubscriberFunc[T]) Accept(ctx context.Context, contexts []*model.FlowContext[T]) {
	f(ctx, contexts)
}

// Publisher turns external input into PENDING contexts of one stream and
// hands them to its subscribers through the dispatcher.
type Publisher[T any] struct {
	streamId    string
	dispatcher  Dispatcher
	mu          sync.RWMutex
	subscribers []Subscriber[T]
}

func NewPublisher[T any](streamId string, dispatcher Dispatcher) *Publisher[T] {
	return &Publisher[T]{
		streamId:   streamId,
		dispatcher: dispatcher,
	}
}

func (p *Publisher[T]) StreamId() string {
	return p.streamId
}

func (p *Publisher[T]) Subscribe(s Subscriber[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

// Emit wraps every datum in a new context. All contexts of one call share a
// batch id and travel together. An empty session gets a fresh id.
func (p *Publisher[T]) Emit(sessionId string, data ...T) ([]*model.FlowContext[T], error) {
	if sessionId == "" {
		sessionId = uuid.NewString()
	}
	batchId := uuid.NewString()
	contexts := make([]*model.FlowContext[T], 0, len(data))
	for _, d := range data {
		c := model.NewFlowContext(uuid.NewString(), p.streamId, sessionId, d)
		c.BatchId = batchId
		contexts = append(contexts, c)
	}
	if len(contexts) == 0 {
		return contexts, nil
	}
	p.mu.RLock()
	subscribers := append([]Subscriber[T](nil), p.subscribers...)
	p.mu.RUnlock()
	for _, s := range subscribers {
		s := s
		batch := copyContexts(contexts)
		if err := p.dispatcher.Submit(sessionId, func() {
			s.Accept(context.Background(), batch)
		}); err != nil {
			return contexts, err
		}
	}
	return contexts, nil
}

func copyContexts[T any](contexts []*model.FlowContext[T]) []*model.FlowContext[T] {
	out := make([]*model.FlowContext[T], 0, len(contexts))
	for _, c := range contexts {
		cp := *c
		out = append(out, &cp)
	}
	return out
}
