package engine

import (
	"context"

	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"go.uber.org/zap"
)

type StateHandler func(ctx context.Context, c *model.DataContext) error

// StateHandlerContainer holds what runs when a context completes.
type StateHandlerContainer struct {
	handlers map[flow.CompletionHandler]StateHandler
	contexts persistence.ContextRepo
}

func NewStateHandlerContainer(contexts persistence.ContextRepo) *StateHandlerContainer {
	hd := &StateHandlerContainer{
		contexts: contexts,
		handlers: make(map[flow.CompletionHandler]StateHandler, 2),
	}
	hd.handlers[flow.DELETE] = hd.delete
	hd.handlers[flow.NOOP] = hd.noop
	return hd
}

func (s *StateHandlerContainer) Register(name flow.CompletionHandler, handler StateHandler) {
	s.handlers[name] = handler
}

func (s *StateHandlerContainer) GetHandler(name flow.CompletionHandler) StateHandler {
	handler, ok := s.handlers[name]
	if ok {
		return handler
	}
	return s.noop
}

func (s *StateHandlerContainer) delete(ctx context.Context, c *model.DataContext) error {
	return s.contexts.Delete(ctx, c.Id)
}

func (s *StateHandlerContainer) noop(ctx context.Context, c *model.DataContext) error {
	logger.Debug("noop handler called", zap.String("context", c.Id))
	return nil
}
