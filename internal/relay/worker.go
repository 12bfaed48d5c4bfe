package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/molpadia/molparelay/internal/domain/repository"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Workers pull deferred job IDs from the queue and run them until the context
// is cancelled.
type Workers struct {
	relay *Relay
	queue repository.JobQueue
	n     int
	poll  time.Duration
	log   zerolog.Logger
}

func NewWorkers(relay *Relay, queue repository.JobQueue, n int, log zerolog.Logger) *Workers {
	if n < 1 {
		n = 1
	}
	return &Workers{relay: relay, queue: queue, n: n, poll: 5 * time.Second, log: log}
}

// Run blocks until ctx is done and every in-flight job has returned.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.n; i++ {
		log := w.log.With().Int("worker", i).Logger()
		g.Go(func() error {
			w.loop(ctx, log)
			return nil
		})
	}
	return g.Wait()
}

func (w *Workers) loop(ctx context.Context, log zerolog.Logger) {
	for ctx.Err() == nil {
		jobId, err := w.queue.Dequeue(ctx, w.poll)
		if errors.Is(err, entity.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Err(err).Msg("failed to dequeue job")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if err := w.run(ctx, jobId); err != nil {
			log.Err(err).Str("job_id", jobId).Msg("job bookkeeping failed")
		}
	}
}

// run executes one job, turning a panic into an error so the worker survives.
func (w *Workers) run(ctx context.Context, jobId string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("job_id", jobId).Bytes("stack", debug.Stack()).Msgf("job panic: %v", r)
			err = fmt.Errorf("job %s panicked: %v", jobId, r)
		}
	}()
	return w.relay.RunJob(ctx, jobId)
}
