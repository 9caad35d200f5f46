// Package worker runs background jobs on a fixed set of goroutines. Jobs are
// queued per key and keys are served round-robin so one busy room cannot
// starve the others.
package worker

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrDispatcherBusy    = errors.New("job queue is full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Job is a unit of background work. Key groups jobs for fair scheduling.
type Job struct {
	Key  string
	Name string
	Run  func(ctx context.Context)
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	jobQueue   chan Job
	workerPool chan chan Job
	workers    []*Worker

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // keys with pending jobs, least recently served first
	positions map[string]*list.Element
}

func NewDispatcher(workers, queueSize int) *Dispatcher {
	d := newDispatcher(workers, queueSize)
	for _, w := range d.workers {
		w.Start()
	}
	go d.run()
	return d
}

func newDispatcher(workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobQueue:   make(chan Job, queueSize),
		workerPool: make(chan chan Job, workers),
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
		queues:     make(map[string]*keyQueue),
		ready:      list.New(),
		positions:  make(map[string]*list.Element),
	}
	for i := 0; i < workers; i++ {
		d.workers = append(d.workers, newWorker(i, d))
	}
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job has no Run func")
	}
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		job, ok := d.next()
		if !ok {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}

		select {
		case workerChan := <-d.workerPool:
			workerChan <- job
		case <-d.quit:
			return
		}

		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// next pops one job from the key at the front of the ready list and moves
// that key to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// Cancel drops every queued job for key.
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
}

// Stop cancels running jobs and waits for workers until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.once.Do(func() {
		close(d.quit)
		d.cancel()
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) execute(workerID int, job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job", job.Name).Int("worker", workerID).Msg("job panicked")
		}
	}()
	job.Run(d.ctx)
	log.Debug().Str("job", job.Name).Str("key", job.Key).Int("worker", workerID).
		Dur("took", time.Since(start)).Msg("job finished")
}
