package metadata

import (
	"context"
	"errors"

	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/persistence"
	"go.uber.org/zap"
)

type MetadataService interface {
	Register(ctx context.Context, raw []byte) (*flow.Definition, error)
	Get(ctx context.Context, id string, version string) (*flow.Definition, error)
	Load(ctx context.Context) (int, error)
	GetRegistry() *Registry
}

var _ MetadataService = new(MetadataServiceImpl)

type MetadataServiceImpl struct {
	parser   *Parser
	registry *Registry
	storage  persistence.MetadataStorage
}

func NewMetadataService(parser *Parser, registry *Registry, storage persistence.MetadataStorage) *MetadataServiceImpl {
	return &MetadataServiceImpl{
		parser:   parser,
		registry: registry,
		storage:  storage,
	}
}

// Register parses raw and makes it available. A version that is already
// registered is kept as is; the stored document is not replaced.
func (s *MetadataServiceImpl) Register(ctx context.Context, raw []byte) (*flow.Definition, error) {
	def, err := s.parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	if existing, ok := s.registry.Lookup(def.StreamId()); ok {
		logger.Info("flow already registered", zap.String("flow", def.Id), zap.String("version", def.Version))
		return existing, nil
	}
	if err := s.storage.SaveFlowDefinition(ctx, def.Id, def.Version, raw); err != nil {
		logger.Error("error saving flow definition", zap.String("flow", def.Id), zap.Error(err))
		return nil, err
	}
	registered, _ := s.registry.Register(def)
	logger.Info("flow registered", zap.String("flow", def.Id), zap.String("version", def.Version), zap.Int("nodes", len(def.Nodes)))
	return registered, nil
}

// Get falls back to storage for versions registered by another process.
func (s *MetadataServiceImpl) Get(ctx context.Context, id string, version string) (*flow.Definition, error) {
	if def, ok := s.registry.Get(id, version); ok {
		return def, nil
	}
	raw, err := s.storage.GetFlowDefinition(ctx, id, version)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	def, err := s.parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	registered, _ := s.registry.Register(def)
	return registered, nil
}

// Load registers every stored graph. Documents that no longer parse are
// logged and skipped.
func (s *MetadataServiceImpl) Load(ctx context.Context) (int, error) {
	docs, err := s.storage.ListFlowDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, raw := range docs {
		def, err := s.parser.Parse(raw)
		if err != nil {
			logger.Warn("skipping stored flow definition", zap.Error(err))
			continue
		}
		if _, stored := s.registry.Register(def); stored {
			loaded++
		}
	}
	logger.Info("flow definitions loaded", zap.Int("count", loaded))
	return loaded, nil
}

func (s *MetadataServiceImpl) GetRegistry() *Registry {
	return s.registry
}
