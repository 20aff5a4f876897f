package worker

import (
	"container/list"
	"errors"
	"sync"
)

// ErrDispatcherBusy is returned when the inbound queue is full.
var ErrDispatcherBusy = errors.New("dispatcher busy, try again later")

// ErrDispatcherClosed is returned for jobs submitted or still queued after
// Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

var errSessionCancelled = errors.New("session cancelled")

type sessionQueue struct {
	jobs     []Job
	enqueued bool
	running  bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	Manager  *Manager

	mu        sync.Mutex
	queues    map[string]*sessionQueue // job queue for each session
	ready     *list.List               // LRU queue storing session keys
	positions map[string]*list.Element
	wake      chan struct{}
	quit      chan struct{}
	closed    bool
}

func NewDispatcher(cfg DispatcherConfig, manager *Manager) *Dispatcher {
	minWorkers := cfg.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = queueLen
	}
	pool := newJobChannelPool(minWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, manager)

	d := &Dispatcher{
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job, or returns ErrDispatcherBusy when the queue is full.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the session in the front of LRU queue
		if !d.dispatchOne() {
			// nothing runnable: wait for a new job or a finished one
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.wake:
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// Close refuses new jobs, fails the queued ones with ErrDispatcherClosed and
// stops the workers. Running jobs finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	var dropped []Job
	for key, q := range d.queues {
		dropped = append(dropped, q.jobs...)
		q.jobs = nil
		q.enqueued = false
		if !q.running {
			delete(d.queues, key)
		}
	}
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
drain:
	for {
		select {
		case job := <-d.JobQueue:
			dropped = append(dropped, job)
		default:
			break drain
		}
	}
	d.mu.Unlock()

	d.pool.close()
	for _, job := range dropped {
		job.fail(ErrDispatcherClosed)
	}
}

// CancelSession drops the queued jobs of key. A running job finishes.
func (d *Dispatcher) CancelSession(key string) {
	d.mu.Lock()
	q := d.queues[key]
	var dropped []Job
	if q != nil {
		dropped = q.jobs
		q.jobs = nil
		if !q.running {
			delete(d.queues, key)
		}
	}
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
		if q != nil {
			q.enqueued = false
		}
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.fail(errSessionCancelled)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.key]
	if q == nil {
		q = &sessionQueue{}
		d.queues[job.key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.key] = d.ready.PushBack(job.key)
}

// dispatchOne hands the first job of the least recently served idle session
// to a worker. Sessions with a running job are skipped.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	for elem := d.ready.Front(); elem != nil; elem = elem.Next() {
		key := elem.Value.(string)
		q := d.queues[key]
		if q.running {
			continue
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.running = true
		if len(q.jobs) == 0 {
			q.enqueued = false
			d.ready.Remove(elem)
			delete(d.positions, key)
		} else {
			d.ready.MoveToBack(elem)
		}
		d.mu.Unlock()

		workerChan := d.pool.acquire()
		if workerChan == nil {
			job.fail(ErrDispatcherClosed)
			d.complete(key)
			return true
		}
		debugLog("[dispatcher] assign %s job for %s to worker-%d", job.Type, key, d.pool.workerID(workerChan))
		workerChan <- job
		return true
	}
	d.mu.Unlock()
	return false
}

// complete marks the running job of key as finished and wakes the loop.
func (d *Dispatcher) complete(key string) {
	d.mu.Lock()
	if q := d.queues[key]; q != nil {
		q.running = false
		if len(q.jobs) == 0 && !q.enqueued {
			delete(d.queues, key)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pending(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[key]; q != nil {
		return len(q.jobs)
	}
	return 0
}
