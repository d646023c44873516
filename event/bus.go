package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wuayee/waterflow/logger"
	"go.uber.org/zap"
)

type QueueSaturationError struct {
	EventType EventType
	QueueSize int
	Workers   int
}

func (e QueueSaturationError) Error() string {
	return fmt.Sprintf("event bus saturated, event %s rejected (queue %d, workers %d)", e.EventType, e.QueueSize, e.Workers)
}

var ErrBusStopped = errors.New("event bus is stopped")

type Handler func(ctx context.Context, ev Event) error

type Config struct {
	CoreWorkers int
	MaxWorkers  int
	QueueSize   int
	KeepAlive   time.Duration
}

func DefaultConfig() Config {
	return Config{
		CoreWorkers: 5,
		MaxWorkers:  10,
		QueueSize:   1000,
		KeepAlive:   60 * time.Second,
	}
}

// Bus hands events to a bounded pool. Core workers live until Stop; extra
// workers are added only while the queue is full and exit after KeepAlive
// without work. When both are exhausted Publish fails.
type Bus struct {
	conf     Config
	queue    chan Event
	stop     chan struct{}
	wg       *sync.WaitGroup
	mu       sync.Mutex
	workers  int
	running  bool
	hmu      sync.RWMutex
	handlers map[EventType][]Handler
}

func NewBus(conf Config, wg *sync.WaitGroup) *Bus {
	if conf.CoreWorkers < 1 {
		conf.CoreWorkers = 1
	}
	if conf.MaxWorkers < conf.CoreWorkers {
		conf.MaxWorkers = conf.CoreWorkers
	}
	return &Bus{
		conf:     conf,
		queue:    make(chan Event, conf.QueueSize),
		stop:     make(chan struct{}),
		wg:       wg,
		handlers: make(map[EventType][]Handler),
	}
}

func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	for i := 0; i < b.conf.CoreWorkers; i++ {
		b.spawn(nil, true)
	}
	logger.Info("event bus started", zap.Int("coreWorkers", b.conf.CoreWorkers), zap.Int("maxWorkers", b.conf.MaxWorkers), zap.Int("queueSize", b.conf.QueueSize))
}

func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	b.mu.Unlock()
	logger.Info("stopping event bus")
	return nil
}

func (b *Bus) Workers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workers
}

func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return ErrBusStopped
	}
	select {
	case b.queue <- ev:
		return nil
	default:
	}
	if b.workers < b.conf.MaxWorkers {
		b.spawn(ev, false)
		return nil
	}
	logger.Error("event rejected", zap.String("type", string(ev.Type())), zap.Int("queueSize", b.conf.QueueSize))
	return QueueSaturationError{EventType: ev.Type(), QueueSize: b.conf.QueueSize, Workers: b.workers}
}

// spawn must be called with mu held.
func (b *Bus) spawn(first Event, core bool) {
	b.workers++
	b.wg.Add(1)
	go b.work(first, core)
}

func (b *Bus) work(first Event, core bool) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		b.workers--
		b.mu.Unlock()
	}()
	if first != nil {
		b.dispatch(first)
	}
	var idle <-chan time.Time
	var timer *time.Timer
	if !core {
		timer = time.NewTimer(b.conf.KeepAlive)
		defer timer.Stop()
		idle = timer.C
	}
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.conf.KeepAlive)
			}
		case <-idle:
			return
		case <-b.stop:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.hmu.RLock()
	handlers := b.handlers[ev.Type()]
	b.hmu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("event handler panicked", zap.String("type", string(ev.Type())), zap.Any("panic", r))
				}
			}()
			if err := h(context.Background(), ev); err != nil {
				logger.Error("error in handling event", zap.String("type", string(ev.Type())), zap.Error(err))
			}
		}()
	}
}
