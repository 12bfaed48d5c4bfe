package relay

import (
	"context"
	"time"

	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/molpadia/molparelay/internal/domain/repository"
	"github.com/rs/zerolog"
)

// Dispatcher delivers notifications from its own goroutine so a slow
// platform never holds up a transfer. Notifications are dropped while the
// buffer is full.
type Dispatcher struct {
	next    repository.Notifier
	queue   chan entity.Notification
	timeout time.Duration
	log     zerolog.Logger
}

func NewDispatcher(next repository.Notifier, size int, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{next: next, queue: make(chan entity.Notification, size), timeout: timeout, log: log}
}

// Notify queues n without blocking.
func (d *Dispatcher) Notify(_ context.Context, n entity.Notification) {
	select {
	case d.queue <- n:
	default:
		d.log.Warn().Str("job_id", n.JobId).Str("kind", string(n.Kind)).Msg("notification queue full, dropping")
	}
}

// Run delivers queued notifications in order until ctx is done, then flushes
// what is still queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n entity.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.next.Notify(ctx, n)
}
