package fitable

import (
	"context"
	"sync"

	"github.com/wuayee/waterflow/logger"
	"go.uber.org/zap"
)

// Request is what a fitable receives for one context.
type Request struct {
	ContextId    string         `json:"contextId"`
	NodeId       string         `json:"nodeId"`
	BusinessData map[string]any `json:"businessData"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// Invoker calls the fitable identified by target and returns its output.
type Invoker interface {
	Invoke(ctx context.Context, target string, req Request) (map[string]any, error)
}

type Func func(ctx context.Context, req Request) (map[string]any, error)

var _ Invoker = new(LocalInvoker)

type LocalInvoker struct {
	mu       sync.RWMutex
	fitables map[string]Func
}

func NewLocalInvoker() *LocalInvoker {
	return &LocalInvoker{
		fitables: make(map[string]Func),
	}
}

func (l *LocalInvoker) Register(target string, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fitables[target] = fn
	logger.Info("fitable registered", zap.String("target", target))
}

func (l *LocalInvoker) Has(target string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.fitables[target]
	return ok
}

func (l *LocalInvoker) Invoke(ctx context.Context, target string, req Request) (map[string]any, error) {
	l.mu.RLock()
	fn, ok := l.fitables[target]
	l.mu.RUnlock()
	if !ok {
		return nil, NotFoundError{Target: target}
	}
	return fn(ctx, req)
}

var _ Invoker = new(Router)

// Router prefers local fitables and falls back to the remote invoker
// registered for the target.
type Router struct {
	local   *LocalInvoker
	mu      sync.RWMutex
	remotes map[string]Invoker
}

func NewRouter(local *LocalInvoker) *Router {
	return &Router{
		local:   local,
		remotes: make(map[string]Invoker),
	}
}

func (r *Router) Route(target string, remote Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[target] = remote
}

func (r *Router) Invoke(ctx context.Context, target string, req Request) (map[string]any, error) {
	if r.local.Has(target) {
		return r.local.Invoke(ctx, target, req)
	}
	r.mu.RLock()
	remote, ok := r.remotes[target]
	r.mu.RUnlock()
	if !ok {
		return nil, NotFoundError{Target: target}
	}
	return remote.Invoke(ctx, target, req)
}
