package engine

import (
	"sync"

	"github.com/wuayee/waterflow/model"
)

type pendingJoin struct {
	parent   *model.DataContext
	expected int
	branches map[int]map[string]any
}

// branchData lists arrived branch data in branch order.
func (j *pendingJoin) branchData() []map[string]any {
	out := make([]map[string]any, 0, j.expected)
	for i := 0; i < j.expected; i++ {
		out = append(out, j.branches[i])
	}
	return out
}

// joinBarrier tracks forks waiting for their branches. It lives in memory;
// forks open when the process stops are not resumed.
type joinBarrier struct {
	mu      sync.Mutex
	forks   map[string]*pendingJoin
	parents map[string]string
}

func newJoinBarrier() *joinBarrier {
	return &joinBarrier{
		forks:   make(map[string]*pendingJoin),
		parents: make(map[string]string),
	}
}

func (b *joinBarrier) open(forkId string, parent *model.DataContext, expected int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forks[forkId] = &pendingJoin{
		parent:   parent,
		expected: expected,
		branches: make(map[int]map[string]any, expected),
	}
	b.parents[parent.Id] = forkId
}

// arrive records one branch. The join is returned and forgotten once every
// branch has arrived.
func (b *joinBarrier) arrive(forkId string, branch int, data map[string]any) (*pendingJoin, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	join, ok := b.forks[forkId]
	if !ok {
		return nil, false
	}
	join.branches[branch] = data
	if len(join.branches) < join.expected {
		return nil, false
	}
	delete(b.forks, forkId)
	delete(b.parents, join.parent.Id)
	return join, true
}

// abandon forgets a fork one of whose branches will never arrive and
// returns the parent that was waiting on it.
func (b *joinBarrier) abandon(forkId string) (*model.DataContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	join, ok := b.forks[forkId]
	if !ok {
		return nil, false
	}
	delete(b.forks, forkId)
	delete(b.parents, join.parent.Id)
	return join.parent, true
}

func (b *joinBarrier) drop(parentId string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	forkId, ok := b.parents[parentId]
	if !ok {
		return false
	}
	delete(b.parents, parentId)
	delete(b.forks, forkId)
	return true
}

func (b *joinBarrier) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.forks)
}
