package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wuayee/waterflow/agent"
	"github.com/wuayee/waterflow/analytics"
	"github.com/wuayee/waterflow/config"
	"github.com/wuayee/waterflow/logger"
	"go.uber.org/zap"
)

type cfg struct {
	config.Config
	Development bool
}

type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	d := config.Default()
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("storage-impl", string(d.StorageType), "storage implementation: memory, redis or sqlite")
	cmd.Flags().String("redis-addr", strings.Join(d.RedisConfig.Addrs, ","), "comma separated list of redis host:port")
	cmd.Flags().String("namespace", d.RedisConfig.Namespace, "namespace used in storage")
	cmd.Flags().String("sqlite-path", d.SqliteConfig.Path, "sqlite database file")
	cmd.Flags().Int("http-port", d.HttpPort, "http port for rest endpoints")
	cmd.Flags().Int("grpc-port", d.GrpcPort, "grpc port serving local fitables, 0 disables it")
	cmd.Flags().String("log-level", d.LogLevel, "log level")
	cmd.Flags().Bool("dev", false, "development logging")
	cmd.Flags().String("analytics-file", "", "write node outcomes to this file")
	cmd.Flags().Int("holder-workers", d.DispatchConfig.HolderWorkers, "workers of the shared dispatcher")
	cmd.Flags().Int("session-lanes", d.DispatchConfig.SessionLanes, "lanes of the session dispatcher")
	cmd.Flags().Int("dispatch-queue-size", d.DispatchConfig.QueueSize, "queue size of each dispatcher")
	cmd.Flags().Int("event-core-workers", d.EventConfig.CoreWorkers, "event bus core workers")
	cmd.Flags().Int("event-max-workers", d.EventConfig.MaxWorkers, "event bus max workers")
	cmd.Flags().Int("event-queue-size", d.EventConfig.QueueSize, "event bus queue size")
	cmd.Flags().Duration("event-keep-alive", d.EventConfig.KeepAlive, "idle time before an extra event worker exits")
	cmd.Flags().Int("retry-max-attempts", d.RetryConfig.MaxAttempts, "retries after a recoverable failure")
	cmd.Flags().String("retry-policy", d.RetryConfig.Policy, "fixed or exponential")
	cmd.Flags().Duration("retry-initial-backoff", d.RetryConfig.InitialBackoff, "first retry delay")
	cmd.Flags().Duration("retry-max-backoff", d.RetryConfig.MaxBackoff, "retry delay cap")
	cmd.Flags().Float64("retry-multiplier", d.RetryConfig.Multiplier, "exponential retry multiplier")
	cmd.Flags().Duration("retry-sweep-interval", d.RetryConfig.SweepInterval, "how often due retries are collected")
	cmd.Flags().Duration("retry-lease", d.RetryConfig.Lease, "how long a collected retry is hidden from other sweeps")
	cmd.Flags().Int("max-hops", d.MaxHops, "node transitions allowed per job")
	cmd.Flags().StringSlice("remote-fitables", nil, "target=host:port of fitables served by other engines")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return err
			}
		}
	}

	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.SqliteConfig.Path = viper.GetString("sqlite-path")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.GrpcPort = viper.GetInt("grpc-port")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.Development = viper.GetBool("dev")
	c.cfg.AnalyticsConfig.CollectorType = analytics.NOOP_DATA_COLLECTOR
	if file := viper.GetString("analytics-file"); file != "" {
		c.cfg.AnalyticsConfig.CollectorType = analytics.LOG_FILE_DATA_COLLECTOR
		c.cfg.AnalyticsConfig.FileName = file
	}
	c.cfg.DispatchConfig.HolderWorkers = viper.GetInt("holder-workers")
	c.cfg.DispatchConfig.SessionLanes = viper.GetInt("session-lanes")
	c.cfg.DispatchConfig.QueueSize = viper.GetInt("dispatch-queue-size")
	c.cfg.EventConfig.CoreWorkers = viper.GetInt("event-core-workers")
	c.cfg.EventConfig.MaxWorkers = viper.GetInt("event-max-workers")
	c.cfg.EventConfig.QueueSize = viper.GetInt("event-queue-size")
	c.cfg.EventConfig.KeepAlive = viper.GetDuration("event-keep-alive")
	c.cfg.RetryConfig.MaxAttempts = viper.GetInt("retry-max-attempts")
	c.cfg.RetryConfig.Policy = viper.GetString("retry-policy")
	c.cfg.RetryConfig.InitialBackoff = viper.GetDuration("retry-initial-backoff")
	c.cfg.RetryConfig.MaxBackoff = viper.GetDuration("retry-max-backoff")
	c.cfg.RetryConfig.Multiplier = viper.GetFloat64("retry-multiplier")
	c.cfg.RetryConfig.SweepInterval = viper.GetDuration("retry-sweep-interval")
	c.cfg.RetryConfig.Lease = viper.GetDuration("retry-lease")
	c.cfg.MaxHops = viper.GetInt("max-hops")
	c.cfg.RemoteFitables, err = config.ParseRemoteFitables(viper.GetStringSlice("remote-fitables"))
	if err != nil {
		return err
	}
	return c.cfg.Validate()
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	if err := logger.Init(c.cfg.LogLevel, c.cfg.Development); err != nil {
		return err
	}
	defer logger.Sync()

	a, err := agent.New(c.cfg.Config, nil)
	if err != nil {
		return err
	}
	if err = a.Start(); err != nil {
		_ = a.Shutdown()
		return err
	}
	logger.Info("waterflow started", zap.String("storage", string(c.cfg.StorageType)))
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return a.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "waterflow",
		Short:   "flow execution engine",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
