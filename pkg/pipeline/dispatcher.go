package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrDispatcherStopped is returned by Submit after Stop
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Job holds the attributes needed to perform one analysis
type Job struct {
	Ctx    context.Context
	Image  image.Image
	Data   []byte
	Result chan *AnalysisResult
}

// Worker takes jobs from its own queue after announcing it in the pool
type Worker struct {
	id         int
	pipeline   *Pipeline
	jobQueue   chan Job
	workerPool chan chan Job
	quit       chan struct{}
	log        logrus.FieldLogger
}

// NewWorker creates a worker attached to workerPool
func NewWorker(id int, p *Pipeline, workerPool chan chan Job) *Worker {
	return &Worker{
		id:         id,
		pipeline:   p,
		jobQueue:   make(chan Job),
		workerPool: workerPool,
		quit:       make(chan struct{}),
		log:        p.log.WithField("worker", id),
	}
}

func (w *Worker) start(wg *sync.WaitGroup) {
	w.log.Debug("worker starting")
	go func() {
		defer wg.Done()
		for {
			// announce readiness
			select {
			case w.workerPool <- w.jobQueue:
			case <-w.quit:
				w.log.Debug("worker stopping")
				return
			}

			select {
			case job := <-w.jobQueue:
				job.Result <- w.run(job)
			case <-w.quit:
				w.log.Debug("worker stopping")
				return
			}
		}
	}()
}

func (w *Worker) run(job Job) *AnalysisResult {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if job.Image == nil {
		return w.pipeline.AnalyzeBytes(ctx, job.Data)
	}
	return w.pipeline.Analyze(ctx, job.Image)
}

// Dispatcher feeds a fixed number of workers from a job queue
type Dispatcher struct {
	pipeline   *Pipeline
	workerPool chan chan Job
	jobQueue   chan Job
	maxWorkers int
	workers    []*Worker

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	quit     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher with maxWorkers workers and a queue of
// queueSize pending jobs
func NewDispatcher(p *Pipeline, maxWorkers, queueSize int) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = p.opts.Workers
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Dispatcher{
		pipeline:   p,
		workerPool: make(chan chan Job, maxWorkers),
		jobQueue:   make(chan Job, queueSize),
		maxWorkers: maxWorkers,
		quit:       make(chan struct{}),
	}
}

// Run starts the workers and the dispatch loop
func (d *Dispatcher) Run() {
	for i := 0; i < d.maxWorkers; i++ {
		worker := NewWorker(i+1, d.pipeline, d.workerPool)
		d.workers = append(d.workers, worker)
		d.wg.Add(1)
		worker.start(&d.wg)
	}

	d.wg.Add(1)
	go d.dispatch()
}

func (d *Dispatcher) dispatch() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobQueue:
			select {
			case workerJobQueue := <-d.workerPool:
				// a worker freed after Stop must not pick up queued work
				select {
				case <-d.quit:
					d.reject(job)
					return
				default:
				}
				select {
				case workerJobQueue <- job:
				case <-d.quit:
					d.reject(job)
					return
				}
			case <-d.quit:
				d.reject(job)
				return
			}
		case <-d.quit:
			return
		}
	}
}

// Submit queues an image and returns a channel that receives its result.
// Either img or data must be set; data is decoded by the worker.
func (d *Dispatcher) Submit(ctx context.Context, img image.Image, data []byte) (<-chan *AnalysisResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return nil, ErrDispatcherStopped
	}

	result := make(chan *AnalysisResult, 1)
	select {
	case d.jobQueue <- Job{Ctx: ctx, Image: img, Data: data, Result: result}:
		return result, nil
	case <-d.quit:
		return nil, ErrDispatcherStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Analyze submits img and waits for the result
func (d *Dispatcher) Analyze(ctx context.Context, img image.Image, data []byte) (*AnalysisResult, error) {
	ch, err := d.Submit(ctx, img, data)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop refuses new jobs, stops the workers and waits for them. A job
// already running completes; every job still queued receives an Unknown
// failure wrapping ErrDispatcherStopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		// wakes Submit calls blocked on a full queue so the lock can be taken
		close(d.quit)

		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()

		for _, w := range d.workers {
			close(w.quit)
		}
		d.wg.Wait()

		for {
			select {
			case job := <-d.jobQueue:
				d.reject(job)
			default:
				return
			}
		}
	})
}

func (d *Dispatcher) reject(job Job) {
	job.Result <- d.pipeline.Reject(Unknown{Err: ErrDispatcherStopped})
}
