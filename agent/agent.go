package agent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wuayee/waterflow/action"
	"github.com/wuayee/waterflow/analytics"
	"github.com/wuayee/waterflow/cache"
	"github.com/wuayee/waterflow/config"
	"github.com/wuayee/waterflow/container"
	"github.com/wuayee/waterflow/engine"
	"github.com/wuayee/waterflow/event"
	"github.com/wuayee/waterflow/executor"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/metadata"
	"github.com/wuayee/waterflow/metrics"
	"github.com/wuayee/waterflow/rest"
	"github.com/wuayee/waterflow/stream"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const lockTTL = 10 * time.Minute

type Agent struct {
	Config          config.Config
	container       *container.DIContiner
	collector       analytics.NodeDataCollector
	local           *fitable.LocalInvoker
	router          *fitable.Router
	remotes         []*grpc.ClientConn
	bus             *event.Bus
	holder          *stream.HolderDispatcher
	session         *stream.SessionDispatcher
	conditions      *action.ConditionEvaluator
	filters         *action.FilterRegistry
	metadataService *metadata.MetadataServiceImpl
	engine          *engine.FlowEngine
	retryExecutor   *executor.RetryExecutor
	httpServer      *rest.Server
	grpcServer      *grpc.Server
	shutdown        bool
	shutdownLock    sync.Mutex
	wg              sync.WaitGroup
}

// New wires every component. local may carry fitables registered by an
// embedding program; it is created when nil.
func New(config config.Config, local *fitable.LocalInvoker) (*Agent, error) {
	if local == nil {
		local = fitable.NewLocalInvoker()
	}
	a := &Agent{
		Config: config,
		local:  local,
	}
	setup := []func() error{
		a.setupStorage,
		a.setupCollector,
		a.setupFitables,
		a.setupDispatch,
		a.setupMetadataService,
		a.setupEngine,
		a.setupRetryExecutor,
		a.setupHttpServer,
		a.setupGrpcServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			a.closeResources()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	a.container = container.NewDiContainer()
	return a.container.Init(a.Config)
}

func (a *Agent) setupCollector() error {
	var err error
	a.collector, err = analytics.NewDataCollector(a.Config.AnalyticsConfig)
	return err
}

func (a *Agent) setupFitables() error {
	a.router = fitable.NewRouter(a.local)
	for target, addr := range a.Config.RemoteFitables {
		conn, err := fitable.Dial(context.Background(), addr)
		if err != nil {
			return fmt.Errorf("dial remote fitable %s at %s: %w", target, addr, err)
		}
		a.remotes = append(a.remotes, conn)
		a.router.Route(target, fitable.NewRemoteInvoker(conn))
		logger.Info("routing fitable to remote engine", zap.String("target", target), zap.String("addr", addr))
	}
	return nil
}

func (a *Agent) setupDispatch() error {
	ec := a.Config.EventConfig
	a.bus = event.NewBus(event.Config{
		CoreWorkers: ec.CoreWorkers,
		MaxWorkers:  ec.MaxWorkers,
		QueueSize:   ec.QueueSize,
		KeepAlive:   ec.KeepAlive,
	}, &a.wg)
	a.bus.Subscribe(event.FLOW_CALLBACK, action.Forwarder(a.router))

	dc := a.Config.DispatchConfig
	a.holder = stream.NewHolderDispatcher(dc.HolderWorkers, dc.QueueSize, &a.wg)
	a.session = stream.NewSessionDispatcher(dc.SessionLanes, dc.QueueSize, &a.wg)
	return nil
}

func (a *Agent) setupMetadataService() error {
	a.conditions = action.NewConditionEvaluator()
	a.filters = action.NewFilterRegistry()
	parser := metadata.NewParser(a.conditions, a.filters)
	a.metadataService = metadata.NewMetadataService(parser, metadata.NewRegistry(), a.container.GetMetadataStorage())
	n, err := a.metadataService.Load(context.Background())
	if err != nil {
		return err
	}
	logger.Info("flow definitions loaded", zap.Int("count", n))
	return nil
}

func (a *Agent) setupEngine() error {
	rc := a.Config.RetryConfig
	policy := executor.RetryPolicy{
		MaxAttempts: rc.MaxAttempts,
		Kind:        executor.PolicyKind(rc.Policy),
		Initial:     rc.InitialBackoff,
		Max:         rc.MaxBackoff,
		Multiplier:  rc.Multiplier,
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	a.engine = engine.NewFlowEngine(engine.Options{
		Metadata:   a.metadataService,
		Contexts:   a.container.GetContextRepo(),
		Retries:    a.container.GetRetryRepo(),
		Bus:        a.bus,
		Invoker:    a.router,
		Operators:  action.NewDefaultOperatorRegistry(a.router),
		Filters:    a.filters,
		Conditions: a.conditions,
		Holder:     a.holder,
		Session:    a.session,
		Locks:      cache.NewContextLockCache(lockTTL),
		Policy:     policy,
		MaxHops:    a.Config.MaxHops,
		Collector:  a.collector,
	})
	return nil
}

func (a *Agent) setupRetryExecutor() error {
	rc := a.Config.RetryConfig
	a.retryExecutor = executor.NewRetryExecutor(a.container.GetRetryRepo(), a.engine, rc.SweepInterval, rc.Lease, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.metadataService, a.engine)
	return err
}

func (a *Agent) setupGrpcServer() error {
	if a.Config.GrpcPort == 0 {
		return nil
	}
	var err error
	a.grpcServer, err = fitable.NewGrpcServer(a.local)
	return err
}

func (a *Agent) Engine() *engine.FlowEngine {
	return a.engine
}

func (a *Agent) MetadataService() metadata.MetadataService {
	return a.metadataService
}

func (a *Agent) Start() error {
	if err := metrics.Register(); err != nil {
		return err
	}
	a.bus.Start()
	a.holder.Start()
	a.session.Start()
	a.retryExecutor.Start()

	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()

	if a.grpcServer != nil {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Config.GrpcPort))
		if err != nil {
			return err
		}
		go func() {
			logger.Info("starting grpc server on", zap.Int("port", a.Config.GrpcPort))
			if err := a.grpcServer.Serve(lis); err != nil {
				logger.Error("grpc server failed", zap.Error(err))
				_ = a.Shutdown()
			}
		}()
	}
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			if a.grpcServer != nil {
				logger.Info("stopping grpc server")
				a.grpcServer.GracefulStop()
			}
			return nil
		},
		func() error {
			a.retryExecutor.Stop()
			a.holder.Stop()
			a.session.Stop()
			return a.bus.Stop()
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	a.closeResources()
	return nil
}

func (a *Agent) closeResources() {
	for _, conn := range a.remotes {
		conn.Close()
	}
	a.remotes = nil
	if closer, ok := a.collector.(interface{ Close() error }); ok {
		closer.Close()
	}
	if a.container != nil {
		if err := a.container.Close(); err != nil {
			logger.Error("error closing storage", zap.Error(err))
		}
	}
}
