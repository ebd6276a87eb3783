// Package workqueue runs delayed background jobs inside the broker process.
// The checkpoint engine uses it to defer queue deletes and re-lease side
// effects so large cohorts of commands do not become visible again at the
// same instant.
package workqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/svcfields"
)

// Config configures the worker pool.
type Config struct {
	Clock  clock.Clock
	Logger pslog.Logger
	// Workers is the number of concurrent job runners. Default 2.
	Workers int
	// Buffer is the pending job channel capacity. Default 256.
	Buffer int
	// JobTimeout bounds a single job execution. Default 30s.
	JobTimeout time.Duration
}

const (
	defaultWorkers    = 2
	defaultBuffer     = 256
	defaultJobTimeout = 30 * time.Second
)

type job struct {
	name  string
	delay time.Duration
	run   func(ctx context.Context) error
}

// Worker executes published jobs after their delay elapses.
type Worker struct {
	cfg    Config
	jobs   chan job
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger pslog.Logger
}

// New builds and starts a Worker.
func New(cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	w := &Worker{
		cfg:    cfg,
		jobs:   make(chan job, cfg.Buffer),
		stop:   make(chan struct{}),
		logger: svcfields.WithSubsystem(cfg.Logger, "workqueue"),
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// Publish schedules fn to run after delay. Returns an error when the queue
// is full or shutting down; callers decide whether to fall back inline.
func (w *Worker) Publish(name string, delay time.Duration, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("workqueue: nil job")
	}
	if delay < 0 {
		delay = 0
	}
	select {
	case <-w.stop:
		return fmt.Errorf("workqueue: closed")
	default:
	}
	select {
	case w.jobs <- job{name: name, delay: delay, run: fn}:
		return nil
	default:
		return fmt.Errorf("workqueue: queue full")
	}
}

// Close stops the workers. Jobs not yet started are dropped and logged.
func (w *Worker) Close() error {
	w.once.Do(func() {
		close(w.stop)
	})
	w.wg.Wait()
	for {
		select {
		case dropped := <-w.jobs:
			w.logger.Warn("workqueue.dropped_on_close", "job", dropped.name)
		default:
			return nil
		}
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case j := <-w.jobs:
			if j.delay > 0 {
				select {
				case <-w.stop:
					w.logger.Warn("workqueue.dropped_on_close", "job", j.name)
					return
				case <-w.cfg.Clock.After(j.delay):
				}
			}
			w.execute(j)
		}
	}
}

func (w *Worker) execute(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
	defer cancel()
	if err := j.run(ctx); err != nil {
		w.logger.Warn("workqueue.job_failed", "job", j.name, "error", err)
		return
	}
	w.logger.Debug("workqueue.job_done", "job", j.name)
}
