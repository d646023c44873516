package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/spaolacci/murmur3"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/util"
	"go.uber.org/zap"
)

var ErrDispatchQueueFull = errors.New("dispatch queue is full")

type Job func()

// Dispatcher runs jobs off the caller's goroutine. The key groups jobs that
// must keep their submission order.
type Dispatcher interface {
	Submit(key string, job Job) error
	Start()
	Stop()
}

func runJob(job Job) error {
	job()
	return nil
}

func submit(w *util.Worker[Job], job Job) error {
	err := w.Submit(job)
	if errors.Is(err, util.ErrWorkerQueueFull) {
		return ErrDispatchQueueFull
	}
	return err
}

var _ Dispatcher = new(HolderDispatcher)

// HolderDispatcher lets any pool goroutine pick up any job.
type HolderDispatcher struct {
	worker *util.Worker[Job]
}

func NewHolderDispatcher(workers int, queueSize int, wg *sync.WaitGroup) *HolderDispatcher {
	return &HolderDispatcher{
		worker: util.NewWorker[Job]("holder-dispatcher", wg, runJob, queueSize, workers),
	}
}

func (d *HolderDispatcher) Submit(key string, job Job) error {
	return submit(d.worker, job)
}

func (d *HolderDispatcher) Start() {
	d.worker.Start()
}

func (d *HolderDispatcher) Stop() {
	d.worker.Stop()
}

type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type lane string

func (l lane) String() string {
	return string(l)
}

var _ Dispatcher = new(SessionDispatcher)

// SessionDispatcher pins every key to one single-goroutine lane, so jobs of
// one session run sequentially in submission order.
type SessionDispatcher struct {
	ring  *consistent.Consistent
	lanes map[string]*util.Worker[Job]
}

func NewSessionDispatcher(lanes int, queueSize int, wg *sync.WaitGroup) *SessionDispatcher {
	if lanes < 1 {
		lanes = 1
	}
	members := make([]consistent.Member, 0, lanes)
	workers := make(map[string]*util.Worker[Job], lanes)
	for i := 0; i < lanes; i++ {
		name := fmt.Sprintf("session-lane-%d", i)
		members = append(members, lane(name))
		workers[name] = util.NewWorker[Job](name, wg, runJob, queueSize, 1)
	}
	cfg := consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	return &SessionDispatcher{
		ring:  consistent.New(members, cfg),
		lanes: workers,
	}
}

func (d *SessionDispatcher) Lane(key string) string {
	return d.ring.LocateKey([]byte(key)).String()
}

func (d *SessionDispatcher) Submit(key string, job Job) error {
	w, ok := d.lanes[d.Lane(key)]
	if !ok {
		return fmt.Errorf("no lane for session %s", key)
	}
	return submit(w, job)
}

func (d *SessionDispatcher) Start() {
	for _, w := range d.lanes {
		w.Start()
	}
	logger.Info("session dispatcher started", zap.Int("lanes", len(d.lanes)))
}

func (d *SessionDispatcher) Stop() {
	for _, w := range d.lanes {
		w.Stop()
	}
}
