package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/wuayee/waterflow/analytics"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"
const STORAGE_TYPE_SQLITE StorageType = "sqlite"

type Config struct {
	StorageType     StorageType `validate:"oneof=memory redis sqlite"`
	RedisConfig     RedisStorageConfig
	SqliteConfig    SqliteStorageConfig
	HttpPort        int `validate:"gte=1,lte=65535"`
	GrpcPort        int `validate:"gte=0,lte=65535"`
	LogLevel        string
	AnalyticsConfig analytics.DataCollectorConfig
	DispatchConfig  DispatchConfig
	EventConfig     EventConfig
	RetryConfig     RetryConfig
	MaxHops         int `validate:"gte=1"`
	// target -> host:port of the engine serving it
	RemoteFitables map[string]string
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type SqliteStorageConfig struct {
	Path string
}

type DispatchConfig struct {
	HolderWorkers int `validate:"gte=1"`
	SessionLanes  int `validate:"gte=1"`
	QueueSize     int `validate:"gte=1"`
}

type EventConfig struct {
	CoreWorkers int           `validate:"gte=1"`
	MaxWorkers  int           `validate:"gtefield=CoreWorkers"`
	QueueSize   int           `validate:"gte=1"`
	KeepAlive   time.Duration `validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts    int           `validate:"gte=0"`
	Policy         string        `validate:"oneof=fixed exponential"`
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `validate:"gte=1"`
	SweepInterval  time.Duration `validate:"gt=0"`
	Lease          time.Duration `validate:"gt=0"`
}

func Default() Config {
	return Config{
		StorageType: STORAGE_TYPE_INMEM,
		RedisConfig: RedisStorageConfig{
			Addrs:     []string{"localhost:6379"},
			Namespace: "waterflow",
		},
		SqliteConfig: SqliteStorageConfig{Path: "waterflow.db"},
		HttpPort:     8080,
		GrpcPort:     8099,
		LogLevel:     "info",
		AnalyticsConfig: analytics.DataCollectorConfig{
			CollectorType: analytics.NOOP_DATA_COLLECTOR,
		},
		DispatchConfig: DispatchConfig{
			HolderWorkers: 8,
			SessionLanes:  8,
			QueueSize:     1024,
		},
		EventConfig: EventConfig{
			CoreWorkers: 5,
			MaxWorkers:  10,
			QueueSize:   1000,
			KeepAlive:   60 * time.Second,
		},
		RetryConfig: RetryConfig{
			MaxAttempts:    3,
			Policy:         "fixed",
			InitialBackoff: 30 * time.Second,
			MaxBackoff:     10 * time.Minute,
			Multiplier:     2.0,
			SweepInterval:  30 * time.Second,
			Lease:          5 * time.Minute,
		},
		MaxHops: 1000,
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	switch c.StorageType {
	case STORAGE_TYPE_REDIS:
		if len(c.RedisConfig.Addrs) == 0 || c.RedisConfig.Namespace == "" {
			return fmt.Errorf("redis storage needs addresses and a namespace")
		}
	case STORAGE_TYPE_SQLITE:
		if c.SqliteConfig.Path == "" {
			return fmt.Errorf("sqlite storage needs a path")
		}
	}
	return nil
}

// ParseRemoteFitables reads entries of the form target=host:port.
func ParseRemoteFitables(entries []string) (map[string]string, error) {
	remotes := make(map[string]string, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		target, addr, ok := strings.Cut(entry, "=")
		target, addr = strings.TrimSpace(target), strings.TrimSpace(addr)
		if !ok || target == "" || addr == "" {
			return nil, fmt.Errorf("remote fitable %q is not target=addr", entry)
		}
		remotes[target] = addr
	}
	return remotes, nil
}
