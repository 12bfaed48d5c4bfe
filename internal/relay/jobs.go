package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/molpadia/molparelay/internal/domain/repository"
)

// JobStore keeps job records in the state store for a bounded time.
type JobStore struct {
	store repository.StateStore
	ttl   time.Duration
	now   func() time.Time
}

func NewJobStore(store repository.StateStore, ttl time.Duration) *JobStore {
	return &JobStore{store: store, ttl: ttl, now: time.Now}
}

func jobKey(id string) string { return "job:" + id }

// Create records a new job in the processing state.
func (s *JobStore) Create(ctx context.Context, req entity.UploadRequest) (*entity.Job, error) {
	now := s.now().UTC()
	job := &entity.Job{
		Id:        uuid.NewString(),
		Status:    entity.JobProcessing,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*entity.Job, error) {
	data, err := s.store.Get(ctx, jobKey(id))
	if errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, entity.ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	var job entity.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Save persists job and restarts its retention period.
func (s *JobStore) Save(ctx context.Context, job *entity.Job) error {
	job.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, jobKey(job.Id), data, s.ttl)
}

// RunJob executes a deferred transfer and records its outcome. Failures of
// the transfer end up in the job record, only bookkeeping errors are returned.
func (r *Relay) RunJob(ctx context.Context, jobId string) error {
	job, err := r.Jobs.Get(ctx, jobId)
	if err != nil {
		return err
	}
	if job.Status != entity.JobProcessing {
		r.Log.Warn().Str("job_id", jobId).Str("status", string(job.Status)).Msg("skipping finished job")
		return nil
	}
	r.Metrics.JobStarted()
	defer r.Metrics.JobFinished()
	log := r.Log.With().Str("job_id", jobId).Logger()
	log.Info().Msg("job started")

	req := job.Request
	url, err := r.runTransfer(ctx, job)

	// The worker context may be gone during shutdown, the record must still land.
	saveCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err != nil && ctx.Err() != nil {
		log.Warn().Err(err).Msg("job interrupted, requeueing")
		return r.Queue.Enqueue(saveCtx, jobId)
	}
	if err != nil {
		job.Status = entity.JobFailed
		job.Error = err.Error()
		log.Error().Err(err).Msg("job failed")
		r.notify(ctx, entity.Notification{ChatId: req.ChatId, Kind: entity.NotifyFailed, JobId: jobId, Error: err.Error()})
	} else {
		job.Status = entity.JobCompleted
		job.URL = url
		log.Info().Str("url", url).Msg("job completed")
		r.notify(ctx, entity.Notification{ChatId: req.ChatId, Kind: entity.NotifyCompleted, JobId: jobId, URL: url})
	}
	return r.Jobs.Save(saveCtx, job)
}

func (r *Relay) runTransfer(ctx context.Context, job *entity.Job) (string, error) {
	req := job.Request
	d, err := r.openSource(ctx, sourceRef(req))
	if err != nil {
		return "", err
	}
	total := req.FileSize
	if d.Size > 0 {
		total = d.Size
	}
	progress := func(parts, bytes int64) {
		if r.opts.ProgressEvery <= 0 || parts%r.opts.ProgressEvery != 0 {
			return
		}
		percent := -1
		if total > 0 {
			percent = int(bytes * 100 / total)
		}
		r.notify(ctx, entity.Notification{
			ChatId:  req.ChatId,
			Kind:    entity.NotifyProgress,
			JobId:   job.Id,
			Parts:   parts,
			Bytes:   bytes,
			Percent: percent,
		})
	}
	return r.transfer(ctx, req, d, progress)
}

func (r *Relay) notify(ctx context.Context, n entity.Notification) {
	if r.Notifier == nil || n.ChatId == "" {
		return
	}
	r.Notifier.Notify(ctx, n)
}
