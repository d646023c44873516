package stream

import (
	"context"

	"github.com/wuayee/waterflow/model"
)

// Operator transforms the batch flowing between two subscribers.
type Operator[T any] func(contexts []*model.FlowContext[T]) []*model.FlowContext[T]

func Filter[T any](pred func(c *model.FlowContext[T]) bool) Operator[T] {
	return func(contexts []*model.FlowContext[T]) []*model.FlowContext[T] {
		out := make([]*model.FlowContext[T], 0, len(contexts))
		for _, c := range contexts {
			if pred(c) {
				out = append(out, c)
			}
		}
		return out
	}
}

// BatchSizeFilter passes exactly the first threshold contexts of a batch and
// drops batches smaller than threshold. Extra contexts are discarded, not
// carried over.
func BatchSizeFilter[T any](threshold int) Operator[T] {
	return func(contexts []*model.FlowContext[T]) []*model.FlowContext[T] {
		if len(contexts) < threshold {
			return []*model.FlowContext[T]{}
		}
		return contexts[:threshold]
	}
}

// Map derives contexts of another payload type, keeping identity and routing
// fields.
func Map[T any, R any](fn func(T) R) func(contexts []*model.FlowContext[T]) []*model.FlowContext[R] {
	return func(contexts []*model.FlowContext[T]) []*model.FlowContext[R] {
		out := make([]*model.FlowContext[R], 0, len(contexts))
		for _, c := range contexts {
			out = append(out, &model.FlowContext[R]{
				Id:            c.Id,
				StreamId:      c.StreamId,
				SessionId:     c.SessionId,
				BatchId:       c.BatchId,
				Position:      c.Position,
				BusinessData:  fn(c.BusinessData),
				Status:        c.Status,
				RetryCount:    c.RetryCount,
				NextRetryTime: c.NextRetryTime,
				ParentId:      c.ParentId,
				ForkId:        c.ForkId,
				JoinNode:      c.JoinNode,
				Branch:        c.Branch,
				TaskId:        c.TaskId,
				TaskCompleted: c.TaskCompleted,
				Error:         c.Error,
				CreatedAt:     c.CreatedAt,
				UpdatedAt:     c.UpdatedAt,
			})
		}
		return out
	}
}

func Via[T any](s Subscriber[T], ops ...Operator[T]) Subscriber[T] {
	return SubscriberFunc[T](func(ctx context.Context, contexts []*model.FlowContext[T]) {
		for _, op := range ops {
			contexts = op(contexts)
		}
		if len(contexts) > 0 {
			s.Accept(ctx, contexts)
		}
	})
}

func MapTo[T any, R any](fn func(T) R, s Subscriber[R]) Subscriber[T] {
	mapper := Map[T, R](fn)
	return SubscriberFunc[T](func(ctx context.Context, contexts []*model.FlowContext[T]) {
		s.Accept(ctx, mapper(contexts))
	})
}

// Batched splits every delivery into chunks of at most size contexts.
func Batched[T any](size int, s Subscriber[T]) Subscriber[T] {
	return SubscriberFunc[T](func(ctx context.Context, contexts []*model.FlowContext[T]) {
		if size < 1 {
			s.Accept(ctx, contexts)
			return
		}
		for start := 0; start < len(contexts); start += size {
			end := start + size
			if end > len(contexts) {
				end = len(contexts)
			}
			s.Accept(ctx, contexts[start:end])
		}
	})
}
