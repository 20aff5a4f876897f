package worker

import "time"

// DispatcherConfig sizes the worker pool and the inbound job queue.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type JobType int

const (
	Init JobType = iota
	Chat
	Stop
)

func (t JobType) String() string {
	switch t {
	case Init:
		return "init"
	case Chat:
		return "chat"
	default:
		return "stop"
	}
}

// Job is one unit of work. key decides which jobs run one at a time: jobs
// with the same key never run concurrently.
type Job struct {
	Type     JobType
	key      string
	initTask *sessionTask
	chatTask *streamTask
}

// fail answers the waiting caller without running the job.
func (job Job) fail(err error) {
	switch {
	case job.initTask != nil:
		job.initTask.resultCh <- workerReturn{err: err}
	case job.chatTask != nil:
		job.chatTask.resultCh <- workerReturn{err: err}
	}
}

type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start runs the worker loop: announce itself idle, take one job, repeat
// until a Stop job arrives or the pool closes.
func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Init:
				w.manager.handleInit(job.initTask)
			case Chat:
				w.manager.handleChat(job.chatTask)
			}
			w.manager.dispatcher.complete(job.key)
		}
	}()
}
