// Package gormdb persists flow contexts and graph documents through gorm.
package gormdb

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/util"
)

type FlowContextPo struct {
	Id        string `gorm:"column:id;primaryKey"`
	StreamId  string `gorm:"column:stream_id;index"`
	Status    string `gorm:"column:status;index"`
	Position  string `gorm:"column:position"`
	Context   []byte `gorm:"column:context"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (FlowContextPo) TableName() string {
	return "flow_context"
}

type FlowDefinitionPo struct {
	Key       string `gorm:"column:def_key;primaryKey"`
	MetaId    string `gorm:"column:meta_id"`
	Version   string `gorm:"column:version"`
	Graph     []byte `gorm:"column:graph"`
	CreatedAt int64  `gorm:"column:created_at"`
}

func (FlowDefinitionPo) TableName() string {
	return "flow_definition"
}

// OpenSqlite opens a gorm handle on the pure-Go sqlite driver and migrates
// the tables used by this package.
func OpenSqlite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormsqlite.New(gormsqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "open gorm sqlite")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&FlowContextPo{}, &FlowDefinitionPo{}); err != nil {
		return nil, pkgerrors.WithMessage(err, "migrate waterflow tables")
	}
	return db, nil
}

var _ persistence.ContextRepo = new(contextRepo)

type contextRepo struct {
	db             *gorm.DB
	encoderDecoder util.EncoderDecoder[model.DataContext]
}

func NewContextRepo(db *gorm.DB, encoderDecoder util.EncoderDecoder[model.DataContext]) *contextRepo {
	return &contextRepo{
		db:             db,
		encoderDecoder: encoderDecoder,
	}
}

func (r *contextRepo) Save(ctx context.Context, flowCtx *model.DataContext) error {
	data, err := r.encoderDecoder.Encode(*flowCtx)
	if err != nil {
		return err
	}
	po := &FlowContextPo{
		Id:        flowCtx.Id,
		StreamId:  flowCtx.StreamId,
		Status:    string(flowCtx.Status),
		Position:  flowCtx.Position,
		Context:   data,
		UpdatedAt: time.Now().UnixMilli(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(po).Error
	if err != nil {
		return persistence.StorageLayerError{Message: pkgerrors.WithMessage(err, "save flow context").Error()}
	}
	return nil
}

func (r *contextRepo) Get(ctx context.Context, id string) (*model.DataContext, error) {
	var po FlowContextPo
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode(po.Context)
}

func (r *contextRepo) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&FlowContextPo{}).Error; err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

var _ persistence.MetadataStorage = new(metadataStorage)

type metadataStorage struct {
	db *gorm.DB
}

func NewMetadataStorage(db *gorm.DB) *metadataStorage {
	return &metadataStorage{db: db}
}

func (s *metadataStorage) SaveFlowDefinition(ctx context.Context, id string, version string, raw []byte) error {
	po := &FlowDefinitionPo{
		Key:       flow.Key(id, version),
		MetaId:    id,
		Version:   version,
		Graph:     raw,
		CreatedAt: time.Now().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(po).Error
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *metadataStorage) GetFlowDefinition(ctx context.Context, id string, version string) ([]byte, error) {
	var po FlowDefinitionPo
	err := s.db.WithContext(ctx).Where("def_key = ?", flow.Key(id, version)).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return po.Graph, nil
}

func (s *metadataStorage) ListFlowDefinitions(ctx context.Context) ([][]byte, error) {
	pos := make([]*FlowDefinitionPo, 0)
	if err := s.db.WithContext(ctx).Order("def_key asc").Find(&pos).Error; err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([][]byte, 0, len(pos))
	for _, po := range pos {
		out = append(out, po.Graph)
	}
	return out, nil
}

func (s *metadataStorage) DeleteFlowDefinition(ctx context.Context, id string, version string) error {
	err := s.db.WithContext(ctx).Where("def_key = ?", flow.Key(id, version)).Delete(&FlowDefinitionPo{}).Error
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
