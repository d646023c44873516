package metadata

import (
	"sync"

	"github.com/wuayee/waterflow/flow"
)

// Registry holds every registered Definition by id and version. Entries are
// never replaced or evicted, so readers need no locking.
type Registry struct {
	defs sync.Map
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register stores def unless the same id and version is already present and
// returns the registered instance. The bool is true when def was stored.
func (r *Registry) Register(def *flow.Definition) (*flow.Definition, bool) {
	actual, loaded := r.defs.LoadOrStore(def.StreamId(), def)
	return actual.(*flow.Definition), !loaded
}

func (r *Registry) Get(id string, version string) (*flow.Definition, bool) {
	return r.Lookup(flow.Key(id, version))
}

func (r *Registry) Lookup(streamId string) (*flow.Definition, bool) {
	v, ok := r.defs.Load(streamId)
	if !ok {
		return nil, false
	}
	return v.(*flow.Definition), true
}

func (r *Registry) Range(fn func(def *flow.Definition) bool) {
	r.defs.Range(func(key, value any) bool {
		return fn(value.(*flow.Definition))
	})
}
