package util

import (
	"errors"
	"sync"

	"github.com/wuayee/waterflow/logger"
	"go.uber.org/zap"
)

var ErrWorkerQueueFull = errors.New("worker queue is full")
var ErrWorkerStopped = errors.New("worker is stopped")

// Worker drains a bounded task channel with a fixed number of goroutines.
// With concurrency 1 tasks run in submission order.
type Worker[T any] struct {
	name        string
	capacity    int
	concurrency int
	stop        chan struct{}
	wg          *sync.WaitGroup
	handler     func(T) error
	taskChan    chan T
	mu          sync.RWMutex
	running     bool
}

func (w *Worker[T]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}
}

func (w *Worker[T]) loop() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.taskChan:
			err := w.handler(task)
			if err != nil {
				logger.Error("error in executing task in worker", zap.String("worker", w.name), zap.Error(err))
			}
		case <-w.stop:
			logger.Debug("stopping worker", zap.String("worker", w.name))
			return
		}
	}
}

// Submit enqueues without blocking.
func (w *Worker[T]) Submit(task T) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		return ErrWorkerStopped
	}
	select {
	case w.taskChan <- task:
		return nil
	default:
		return ErrWorkerQueueFull
	}
}

func (w *Worker[T]) Pending() int {
	return len(w.taskChan)
}

func (w *Worker[T]) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stop)
	if n := len(w.taskChan); n > 0 {
		logger.Warn("worker stopped with pending tasks", zap.String("worker", w.name), zap.Int("pending", n))
	}
}

func NewWorker[T any](name string, wg *sync.WaitGroup, handler func(T) error, capacity int, concurrency int) *Worker[T] {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker[T]{
		taskChan:    make(chan T, capacity),
		name:        name,
		wg:          wg,
		stop:        make(chan struct{}),
		handler:     handler,
		capacity:    capacity,
		concurrency: concurrency,
	}
}
