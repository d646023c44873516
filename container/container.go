package container

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/wuayee/waterflow/config"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/persistence/gormdb"
	"github.com/wuayee/waterflow/persistence/memory"
	rd "github.com/wuayee/waterflow/persistence/redis"
	"github.com/wuayee/waterflow/persistence/sqlite"
	"github.com/wuayee/waterflow/util"
)

// DIContiner owns the storage adapters selected by configuration.
type DIContiner struct {
	initialized       bool
	contextRepo       persistence.ContextRepo
	retryRepo         persistence.RetryRepo
	metadataStorage   persistence.MetadataStorage
	FlowContextEncDec util.EncoderDecoder[model.DataContext]
	closers           []func() error
}

func NewDiContainer() *DIContiner {
	return &DIContiner{
		initialized: false,
	}
}

func (d *DIContiner) setInitialized() {
	d.initialized = true
}

func (d *DIContiner) Init(conf config.Config) error {
	d.FlowContextEncDec = util.NewJsonEncoderDecoder[model.DataContext]()

	switch conf.StorageType {
	case config.STORAGE_TYPE_REDIS:
		baseDao := rd.NewBaseDao(rd.Config{
			Addrs:     conf.RedisConfig.Addrs,
			Namespace: conf.RedisConfig.Namespace,
		})
		d.contextRepo = rd.NewRedisContextRepo(baseDao, d.FlowContextEncDec)
		d.retryRepo = rd.NewRedisRetryRepo(baseDao)
		d.metadataStorage = rd.NewRedisMetadataStorage(baseDao)
		d.closers = append(d.closers, baseDao.Close)
	case config.STORAGE_TYPE_SQLITE:
		db, err := gormdb.OpenSqlite(conf.SqliteConfig.Path)
		if err != nil {
			return err
		}
		var sqlDB *sql.DB
		if sqlDB, err = db.DB(); err != nil {
			return err
		}
		// retries share the single gorm connection
		retries, err := sqlite.NewSqliteRetryRepo(sqlDB)
		if err != nil {
			sqlDB.Close()
			return errors.WithMessage(err, "sqlite retry store")
		}
		d.contextRepo = gormdb.NewContextRepo(db, d.FlowContextEncDec)
		d.retryRepo = retries
		d.metadataStorage = gormdb.NewMetadataStorage(db)
		d.closers = append(d.closers, sqlDB.Close)
	case config.STORAGE_TYPE_INMEM:
		d.contextRepo = memory.NewContextRepo(d.FlowContextEncDec)
		d.retryRepo = memory.NewRetryRepo()
		d.metadataStorage = memory.NewMetadataStorage()
	default:
		return fmt.Errorf("unknown storage type %s", conf.StorageType)
	}
	d.setInitialized()
	return nil
}

func (d *DIContiner) GetContextRepo() persistence.ContextRepo {
	if !d.initialized {
		panic("persistence not initalized")
	}
	return d.contextRepo
}

func (d *DIContiner) GetRetryRepo() persistence.RetryRepo {
	if !d.initialized {
		panic("persistence not initalized")
	}
	return d.retryRepo
}

func (d *DIContiner) GetMetadataStorage() persistence.MetadataStorage {
	if !d.initialized {
		panic("persistence not initalized")
	}
	return d.metadataStorage
}

func (d *DIContiner) Close() error {
	var first error
	for _, closer := range d.closers {
		if err := closer(); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}
