package worker

import (
	"sync"
	"time"
)

const defaultWorkerIdle = 30 * time.Second

type workerMeta struct {
	id        int
	ch        chan Job
	idleSince time.Time
	parked    bool // waiting in the idle list
	retiring  bool // a Stop job is on its way, never hand it work
}

// jobChannelPool hands out worker job channels. It keeps between min and max
// workers; workers idle longer than expiry are retired down to min.
type jobChannelPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*workerMeta
	workers map[chan Job]*workerMeta
	min     int
	max     int
	running int
	nextID  int
	expiry  time.Duration
	manager *Manager
	closed  bool
	done    chan struct{}
}

func newJobChannelPool(minWorkers, maxWorkers int, expiry time.Duration, manager *Manager) *jobChannelPool {
	if expiry <= 0 {
		expiry = defaultWorkerIdle
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		workers: make(map[chan Job]*workerMeta),
		min:     minWorkers,
		max:     maxWorkers,
		expiry:  expiry,
		manager: manager,
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapIdle()
	return p
}

// spawnWorker starts one more worker unless the pool is full or closed.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.closed || p.running >= p.max {
		p.mu.Unlock()
		return
	}
	w := p.addWorkerLocked()
	p.mu.Unlock()
	w.Start()
}

func (p *jobChannelPool) addWorkerLocked() *Worker {
	w := NewWorker(p, p.manager)
	p.nextID++
	p.workers[w.jobChannel] = &workerMeta{id: p.nextID, ch: w.jobChannel}
	p.running++
	debugLog("[pool] spawn worker-%d, running %d", p.nextID, p.running)
	return w
}

func (p *jobChannelPool) workerID(ch chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if meta, ok := p.workers[ch]; ok {
		return meta.id
	}
	return 0
}

func (p *jobChannelPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}

// acquire blocks until a worker is free, growing the pool up to max. It
// returns nil once the pool is closed.
func (p *jobChannelPool) acquire() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil
		}
		if meta := p.popIdleLocked(); meta != nil {
			return meta.ch
		}
		if p.running < p.max {
			w := p.addWorkerLocked()
			// the new worker parks itself, which needs the lock
			p.mu.Unlock()
			w.Start()
			p.mu.Lock()
			continue
		}
		p.cond.Wait()
	}
}

// Release parks the worker as idle. It returns false when the pool is closed
// and the worker should exit instead.
func (p *jobChannelPool) Release(ch chan Job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	meta, ok := p.workers[ch]
	if !ok || meta.retiring || meta.parked {
		p.mu.Unlock()
		return true
	}
	meta.parked = true
	meta.idleSince = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// retire forgets a worker that has exited.
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.workers[ch]; ok {
		delete(p.workers, ch)
		meta.retiring = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.retiring {
			continue
		}
		meta.parked = false
		return meta
	}
	return nil
}

func (p *jobChannelPool) reapIdle() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.retireExpired()
		}
	}
}

// retireExpired stops workers idle for longer than expiry while keeping at
// least min of them.
func (p *jobChannelPool) retireExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if p.closed || len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	kept := p.idle[:0]
	for _, meta := range p.idle {
		if meta.retiring {
			continue
		}
		if now.Sub(meta.idleSince) >= p.expiry && p.running-len(stale) > p.min {
			meta.retiring = true
			meta.parked = false
			stale = append(stale, meta)
			continue
		}
		kept = append(kept, meta)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, meta := range stale {
		debugLog("[pool] retire idle worker-%d", meta.id)
		meta.ch <- Job{Type: Stop}
	}
}

// close stops the reaper and every idle worker. Busy workers exit when they
// finish their current job.
func (p *jobChannelPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	parked := p.idle
	p.idle = nil
	for _, meta := range parked {
		meta.retiring = true
		meta.parked = false
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, meta := range parked {
		meta.ch <- Job{Type: Stop}
	}
}
