package action

import (
	"fmt"
	"strings"
	"sync"

	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/stream"
)

const MINIMUM_SIZE_FILTER = "minimum_size_filter"

type FilterFactory func(props map[string]any) (stream.Operator[model.BusinessData], error)

type FilterRegistry struct {
	mu        sync.RWMutex
	factories map[string]FilterFactory
}

func NewFilterRegistry() *FilterRegistry {
	r := &FilterRegistry{
		factories: make(map[string]FilterFactory),
	}
	r.Register(MINIMUM_SIZE_FILTER, minimumSizeFilter)
	return r
}

func (r *FilterRegistry) Register(filterType string, f FilterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(filterType)] = f
}

func (r *FilterRegistry) Build(filter *flow.Filter) (stream.Operator[model.BusinessData], error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(filter.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported filter %s", filter.Type)
	}
	return f(filter.Properties)
}

func minimumSizeFilter(props map[string]any) (stream.Operator[model.BusinessData], error) {
	threshold, ok := toInt(props["threshold"])
	if !ok || threshold < 1 {
		return nil, fmt.Errorf("filter %s needs an integer threshold >= 1, got %v", MINIMUM_SIZE_FILTER, props["threshold"])
	}
	return stream.BatchSizeFilter[model.BusinessData](threshold), nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
