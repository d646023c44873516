package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/persistence"
)

var _ persistence.MetadataStorage = new(metadataStorage)

type metadataStorage struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMetadataStorage() *metadataStorage {
	return &metadataStorage{
		docs: make(map[string][]byte),
	}
}

func (s *metadataStorage) SaveFlowDefinition(ctx context.Context, id string, version string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[flow.Key(id, version)] = append([]byte(nil), raw...)
	return nil
}

func (s *metadataStorage) GetFlowDefinition(ctx context.Context, id string, version string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.docs[flow.Key(id, version)]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return raw, nil
}

func (s *metadataStorage) ListFlowDefinitions(ctx context.Context) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.docs[k])
	}
	return out, nil
}

func (s *metadataStorage) DeleteFlowDefinition(ctx context.Context, id string, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, flow.Key(id, version))
	return nil
}
