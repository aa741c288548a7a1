package msgworker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Job es una unidad de trabajo ligada a una instancia. Todos los jobs de una
// misma instancia caen en el mismo worker, asi se respeta el orden de llegada.
type Job struct {
	InstanceID string
	Label      string
	Handler    func(ctx context.Context) error
	// Done, si no es nil, recibe el error del handler (o del panic) al
	// terminar. Debe tener buffer: el worker no espera al lector.
	Done chan<- error
}

// PoolStats contiene métricas en tiempo real del worker pool
type PoolStats struct {
	NumWorkers      int            `json:"num_workers"`
	QueueSize       int            `json:"queue_size"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalDispatched int64          `json:"total_dispatched"`
	TotalProcessed  int64          `json:"total_processed"`
	TotalDropped    int64          `json:"total_dropped"`
	TotalErrors     int64          `json:"total_errors"`
	WorkerStats     []WorkerStats  `json:"worker_stats"`
	ActiveInstances map[string]int `json:"active_instances"` // instanceID -> worker_id
}

type WorkerStats struct {
	WorkerID      int   `json:"worker_id"`
	QueueDepth    int   `json:"queue_depth"`
	IsProcessing  bool  `json:"is_processing"`
	JobsProcessed int64 `json:"jobs_processed"`
}

type activeEntry struct {
	workerID  int
	updatedAt time.Time
}

// Pool reparte jobs entre workers con cola propia, por hash de instancia.
type Pool struct {
	numWorkers int
	queueSize  int
	workers    []*worker
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopped    int32
	stopCh     chan struct{}

	totalDispatched int64
	totalProcessed  int64
	totalDropped    int64
	totalErrors     int64

	activeMu sync.Mutex
	active   map[string]activeEntry

	// Hooks para monitoreo externo
	OnJobStart func(workerID int, instanceID string)
	OnJobEnd   func(workerID int, instanceID string, err error)
}

type worker struct {
	id            int
	jobQueue      chan Job
	ctx           context.Context
	cancel        context.CancelFunc
	isProcessing  int32 // atomic
	jobsProcessed int64 // atomic
	pool          *Pool
}

func NewPool(numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 6
	}
	if queueSize <= 0 {
		queueSize = 250
	}

	p := &Pool{
		numWorkers: numWorkers,
		queueSize:  queueSize,
		workers:    make([]*worker, numWorkers),
		active:     make(map[string]activeEntry),
		stopCh:     make(chan struct{}),
	}
	// Los workers existen desde el inicio para que shardFor y las stats
	// funcionen antes de Start.
	for i := range p.workers {
		p.workers[i] = &worker{id: i, jobQueue: make(chan Job, queueSize), pool: p}
	}
	return p
}

// Start arranca los workers; terminan cuando ctx se cancela o con Stop.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.sweepActive(ctx)

	for _, w := range p.workers {
		w.ctx, w.cancel = context.WithCancel(ctx)
		p.wg.Add(1)
		go w.run(&p.wg)
	}

	logrus.Infof("[MSG_WORKER_POOL] Started with %d workers, queue size: %d", p.numWorkers, p.queueSize)
}

func (p *Pool) sweepActive(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.activeMu.Lock()
			for k, v := range p.active {
				if now.Sub(v.updatedAt) > 2*time.Second {
					delete(p.active, k)
				}
			}
			p.activeMu.Unlock()
		}
	}
}

// TryDispatch encola sin bloquear. Retorna false si la cola del shard está
// llena o el pool detenido; el caller decide (p.ej. responder 503).
func (p *Pool) TryDispatch(job Job) bool {
	if atomic.LoadInt32(&p.stopped) == 1 {
		atomic.AddInt64(&p.totalDropped, 1)
		return false
	}

	shard := p.shardFor(job.InstanceID)
	sent := p.send(shard, job, nil)
	if sent {
		p.markActive(job.InstanceID, shard)
		atomic.AddInt64(&p.totalDispatched, 1)
		return true
	}

	atomic.AddInt64(&p.totalDropped, 1)
	logrus.WithFields(logrus.Fields{
		"worker":      shard,
		"instance_id": job.InstanceID,
		"label":       job.Label,
	}).Warn("[MSG_WORKER_POOL] Queue full (or stopped), dropping job")
	return false
}

// Dispatch encola esperando lugar en la cola hasta que ctx termine.
func (p *Pool) Dispatch(ctx context.Context, job Job) error {
	if atomic.LoadInt32(&p.stopped) == 1 {
		return ErrPoolStopped
	}
	shard := p.shardFor(job.InstanceID)
	if !p.send(shard, job, ctx.Done()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrPoolStopped
	}
	p.markActive(job.InstanceID, shard)
	atomic.AddInt64(&p.totalDispatched, 1)
	return nil
}

// send devuelve false si la cola está cerrada, o llena cuando wait es nil.
func (p *Pool) send(shard int, job Job, wait <-chan struct{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false // cola cerrada por Stop
		}
	}()
	q := p.workers[shard].jobQueue
	if wait == nil {
		select {
		case q <- job:
			return true
		default:
			return false
		}
	}
	select {
	case q <- job:
		return true
	case <-wait:
		return false
	case <-p.stopCh:
		return false
	}
}

func (p *Pool) markActive(instanceID string, shard int) {
	p.activeMu.Lock()
	p.active[instanceID] = activeEntry{workerID: shard, updatedAt: time.Now()}
	p.activeMu.Unlock()
}

// Stop detiene el pool; los jobs ya encolados se procesan antes de salir.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		atomic.StoreInt32(&p.stopped, 1)
		close(p.stopCh)
		logrus.Info("[MSG_WORKER_POOL] Stopping workers...")

		for _, w := range p.workers {
			close(w.jobQueue)
		}
		p.wg.Wait()
		for _, w := range p.workers {
			if w.cancel != nil {
				w.cancel()
			}
		}

		logrus.Info("[MSG_WORKER_POOL] All workers stopped")
	})
}

func (p *Pool) shardFor(instanceID string) int {
	h := fnv.New32a()
	h.Write([]byte(instanceID))
	return int(h.Sum32() % uint32(p.numWorkers))
}

func (p *Pool) Stats() PoolStats {
	workerStats := make([]WorkerStats, len(p.workers))
	activeWorkers := 0

	for i, w := range p.workers {
		isProcessing := atomic.LoadInt32(&w.isProcessing) == 1
		if isProcessing {
			activeWorkers++
		}
		workerStats[i] = WorkerStats{
			WorkerID:      w.id,
			QueueDepth:    len(w.jobQueue),
			IsProcessing:  isProcessing,
			JobsProcessed: atomic.LoadInt64(&w.jobsProcessed),
		}
	}

	p.activeMu.Lock()
	active := make(map[string]int, len(p.active))
	for k, v := range p.active {
		active[k] = v.workerID
	}
	p.activeMu.Unlock()

	return PoolStats{
		NumWorkers:      p.numWorkers,
		QueueSize:       p.queueSize,
		ActiveWorkers:   activeWorkers,
		TotalDispatched: atomic.LoadInt64(&p.totalDispatched),
		TotalProcessed:  atomic.LoadInt64(&p.totalProcessed),
		TotalDropped:    atomic.LoadInt64(&p.totalDropped),
		TotalErrors:     atomic.LoadInt64(&p.totalErrors),
		WorkerStats:     workerStats,
		ActiveInstances: active,
	}
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	logrus.Debugf("[MSG_WORKER_POOL] Worker %d started", w.id)

	// Se consume hasta que Stop cierre la cola; con ctx cancelado los
	// handlers reciben un contexto terminado y deben salir rápido.
	for job := range w.jobQueue {
		w.process(job)
	}
	logrus.Debugf("[MSG_WORKER_POOL] Worker %d shutting down", w.id)
}

func (w *worker) process(job Job) {
	p := w.pool
	if p.OnJobStart != nil {
		p.OnJobStart(w.id, job.InstanceID)
	}
	atomic.StoreInt32(&w.isProcessing, 1)

	var err error
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.totalErrors, 1)
			logrus.Errorf("[MSG_WORKER_POOL] Worker %d panic for %s (%s): %v", w.id, job.InstanceID, job.Label, r)
			err = fmt.Errorf("job panic: %v", r)
		}
		if job.Done != nil {
			select {
			case job.Done <- err:
			default:
			}
		}
		if p.OnJobEnd != nil {
			p.OnJobEnd(w.id, job.InstanceID, err)
		}
		atomic.StoreInt32(&w.isProcessing, 0)
		atomic.AddInt64(&w.jobsProcessed, 1)
		atomic.AddInt64(&p.totalProcessed, 1)
	}()

	err = job.Handler(w.ctx)
	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)
		logrus.WithError(err).WithFields(logrus.Fields{
			"worker":      w.id,
			"instance_id": job.InstanceID,
			"label":       job.Label,
		}).Error("[MSG_WORKER_POOL] Job failed")
	}
}
