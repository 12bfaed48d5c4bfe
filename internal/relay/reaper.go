package relay

import (
	"context"
	"time"

	"github.com/molpadia/molparelay/internal/domain/repository"
	"github.com/molpadia/molparelay/internal/metrics"
	"github.com/molpadia/molparelay/internal/session"
	"github.com/rs/zerolog"
)

// Reaper aborts multipart uploads that outlived their session.
type Reaper struct {
	uploader repository.Uploader
	sessions *session.Manager
	prefix   string
	maxAge   time.Duration
	interval time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewReaper(uploader repository.Uploader, sessions *session.Manager, prefix string, maxAge, interval time.Duration, log zerolog.Logger, m *metrics.Metrics) *Reaper {
	if prefix != "" {
		prefix += "/"
	}
	return &Reaper{
		uploader: uploader,
		sessions: sessions,
		prefix:   prefix,
		maxAge:   maxAge,
		interval: interval,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Sweep aborts every lapsed upload no live session tracks and returns how
// many were aborted.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	uploads, err := r.uploader.ListMultipart(ctx, r.prefix)
	if err != nil {
		return 0, err
	}
	aborted := 0
	for _, up := range uploads {
		if r.now().Sub(up.Initiated) < r.maxAge {
			continue
		}
		tracked, err := r.sessions.IsTracked(ctx, up.Key, up.UploadId)
		if err != nil {
			return aborted, err
		}
		if tracked {
			continue
		}
		if err := r.uploader.AbortMultipart(ctx, up.Key, up.UploadId); err != nil {
			r.log.Err(err).Str("object_key", up.Key).Str("upload_id", up.UploadId).Msg("failed to abort orphaned upload")
			continue
		}
		aborted++
		r.metrics.ObserveOrphanAborted()
		r.log.Info().Str("object_key", up.Key).Str("upload_id", up.UploadId).Time("initiated", up.Initiated).Msg("orphaned upload aborted")
	}
	return aborted, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Err(err).Msg("orphan sweep failed")
			}
		}
	}
}
