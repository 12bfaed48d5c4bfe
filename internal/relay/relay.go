// Package relay moves files from the messaging platform into the object
// store. Small files go up with a single put, larger ones stream through a
// multipart session, and the largest are deferred to background workers.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/molpadia/molparelay/internal/chunker"
	"github.com/molpadia/molparelay/internal/config"
	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/molpadia/molparelay/internal/domain/repository"
	"github.com/molpadia/molparelay/internal/metrics"
	"github.com/molpadia/molparelay/internal/session"
	"github.com/rs/zerolog"
)

const (
	defaultExt        = ".mp4"
	defaultPresignTTL = time.Hour
	cleanupTimeout    = 30 * time.Second
)

type Options struct {
	KeyPrefix          string
	PartSize           int64
	ReadSize           int64
	SmallFileThreshold int64
	DeferThreshold     int64
	MaxFileSize        int64
	MaxChunkSize       int64
	MaxPresignExpiry   time.Duration
	ProgressEvery      int64
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		KeyPrefix:          cfg.KeyPrefix,
		PartSize:           cfg.PartSize,
		ReadSize:           cfg.ReadSize,
		SmallFileThreshold: cfg.SmallFileThreshold,
		DeferThreshold:     cfg.DeferThreshold,
		MaxFileSize:        cfg.MaxFileSize,
		MaxChunkSize:       cfg.MaxChunkSize,
		MaxPresignExpiry:   cfg.MaxPresignExpiry,
		ProgressEvery:      cfg.ProgressEvery,
	}
}

// Deps are the process-scoped collaborators of a Relay. Videos and Metrics
// are optional.
type Deps struct {
	Sessions *session.Manager
	Uploader repository.Uploader
	Source   repository.Source
	Notifier repository.Notifier
	Jobs     *JobStore
	Queue    repository.JobQueue
	Videos   repository.VideoRepository
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
	// Backoff builds the retry policy for opening the source.
	Backoff func() backoff.BackOff
}

type Relay struct {
	Deps
	opts Options
	now  func() time.Time
}

func New(deps Deps, opts Options) *Relay {
	if deps.Backoff == nil {
		deps.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}
	return &Relay{Deps: deps, opts: opts, now: time.Now}
}

// Upload relays the referenced file. It returns the final URL, or a job
// handle when the transfer is large enough to be deferred.
func (r *Relay) Upload(ctx context.Context, req entity.UploadRequest) (*entity.UploadResult, error) {
	if req.FileId == "" && req.FileURL == "" {
		return nil, fmt.Errorf("file_id or file_url is required: %w", entity.ErrInvalidRequest)
	}
	if req.OwnerId == "" {
		return nil, fmt.Errorf("owner_id is required: %w", entity.ErrInvalidRequest)
	}
	if req.FileSize < 0 {
		return nil, fmt.Errorf("negative file_size: %w", entity.ErrInvalidRequest)
	}
	if err := r.checkSize(req.FileSize); err != nil {
		return nil, err
	}
	if req.FileSize > r.opts.DeferThreshold {
		return r.deferJob(ctx, req)
	}

	d, err := r.openSource(ctx, sourceRef(req))
	if err != nil {
		return nil, err
	}
	// The size reported by the platform wins over the declared one.
	if d.Size > r.opts.DeferThreshold && d.Size <= r.opts.MaxFileSize {
		d.Body.Close()
		req.FileSize = d.Size
		return r.deferJob(ctx, req)
	}
	url, err := r.transfer(ctx, req, d, nil)
	if err != nil {
		return nil, err
	}
	return &entity.UploadResult{Status: entity.UploadStatusOK, URL: url}, nil
}

func (r *Relay) checkSize(size int64) error {
	if size > r.opts.MaxFileSize {
		return fmt.Errorf("size %d exceeds limit %d: %w", size, r.opts.MaxFileSize, entity.ErrFileTooLarge)
	}
	return nil
}

func sourceRef(req entity.UploadRequest) entity.SourceRef {
	return entity.SourceRef{FileId: req.FileId, URL: req.FileURL}
}

func (r *Relay) deferJob(ctx context.Context, req entity.UploadRequest) (*entity.UploadResult, error) {
	job, err := r.Jobs.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := r.Queue.Enqueue(ctx, job.Id); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.Id, err)
	}
	r.Log.Info().Str("job_id", job.Id).Int64("size", req.FileSize).Msg("transfer deferred")
	return &entity.UploadResult{Status: entity.UploadStatusProcessing, JobId: job.Id}, nil
}

// openSource opens the download, retrying transient platform failures.
func (r *Relay) openSource(ctx context.Context, ref entity.SourceRef) (*entity.Download, error) {
	var d *entity.Download
	op := func() error {
		var err error
		d, err = r.Source.Open(ctx, ref)
		if err != nil && !temporary(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(r.Backoff(), ctx)); err != nil {
		return nil, err
	}
	return d, nil
}

func temporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// progressFunc observes the parts accepted so far by a streaming transfer.
type progressFunc func(parts, bytes int64)

// transfer uploads an open download and closes it.
func (r *Relay) transfer(ctx context.Context, req entity.UploadRequest, d *entity.Download, progress progressFunc) (string, error) {
	defer d.Body.Close()
	if err := r.checkSize(d.Size); err != nil {
		return "", err
	}
	key := r.objectKey(req.OwnerId, d.Path)
	start := r.now()

	var (
		body io.Reader = d.Body
		url  string
		err  error
		mode = entity.ModeMultipart
	)
	if d.Size >= 0 && d.Size <= r.opts.SmallFileThreshold {
		mode = entity.ModeDirect
		var data []byte
		data, err = io.ReadAll(io.LimitReader(d.Body, r.opts.SmallFileThreshold+1))
		switch {
		case err != nil:
			err = fmt.Errorf("read source: %w: %w", entity.ErrSourceUnavailable, err)
		case len(data) == 0:
			err = entity.ErrEmptySource
		case int64(len(data)) <= r.opts.SmallFileThreshold:
			url, err = r.put(ctx, key, d.ContentType, data)
		default:
			// The source sent more than it announced.
			mode = entity.ModeMultipart
			body = io.MultiReader(bytes.NewReader(data), d.Body)
		}
	}
	var parts int64
	if mode == entity.ModeMultipart {
		url, parts, err = r.stream(ctx, req.OwnerId, key, d.ContentType, body, progress)
	}
	r.Metrics.ObserveTransfer(mode, outcome(err), r.now().Sub(start))
	if err != nil {
		r.Log.Error().Err(err).Str("object_key", key).Str("mode", mode).Msg("transfer failed")
		return "", err
	}
	r.Log.Info().Str("object_key", key).Str("mode", mode).Int64("parts", parts).Dur("elapsed", r.now().Sub(start)).Msg("transfer completed")

	r.record(&entity.Video{
		ObjectKey:   key,
		URL:         url,
		OwnerId:     req.OwnerId,
		ChatId:      req.ChatId,
		SourceId:    req.FileId,
		ContentType: d.ContentType,
		Size:        d.Size,
		Parts:       parts,
		Mode:        mode,
	})
	return url, nil
}

func (r *Relay) put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := r.Uploader.SimpleUpload(ctx, key, contentType, data); err != nil {
		return "", err
	}
	r.Metrics.ObserveDirect(int64(len(data)))
	return r.Uploader.ObjectURL(key)
}

// stream drives body through the chunk buffer into a multipart session. Any
// failure aborts the session before it is returned.
func (r *Relay) stream(ctx context.Context, ownerId, key, contentType string, body io.Reader, progress progressFunc) (string, int64, error) {
	ch, err := chunker.New(body, int(r.opts.PartSize), int(r.opts.ReadSize))
	if err != nil {
		return "", 0, err
	}
	s, err := r.Sessions.Begin(ctx, ownerId, key, contentType)
	if err != nil {
		return "", 0, err
	}
	var parts int64
	for {
		p, err := ch.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", parts, r.abort(s, fmt.Errorf("read source: %w: %w", entity.ErrSourceUnavailable, err))
		}
		if ch.BytesRead() > r.opts.MaxFileSize {
			return "", parts, r.abort(s, r.checkSize(ch.BytesRead()))
		}
		if _, err := r.Sessions.SubmitPart(ctx, s, p.Number, p.Data); err != nil {
			return "", parts, r.abort(s, err)
		}
		parts++
		if progress != nil {
			progress(parts, ch.BytesRead())
		}
	}
	if parts == 0 {
		return "", 0, r.abort(s, entity.ErrEmptySource)
	}
	url, err := r.Sessions.Complete(ctx, s)
	if err != nil {
		return "", parts, r.abort(s, err)
	}
	if err := r.Sessions.Release(ctx, s); err != nil {
		r.Log.Warn().Err(err).Str("session_id", s.Id).Msg("failed to release session state")
	}
	return url, parts, nil
}

// abort cancels s and returns cause. Sessions the manager already failed are
// not aborted a second time.
func (r *Relay) abort(s *entity.UploadSession, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.Sessions.Abort(ctx, s); err != nil {
		r.Log.Err(err).Str("session_id", s.Id).Msg("failed to abort session")
	}
	return cause
}

// SubmitChunk accepts one client-submitted chunk. The first chunk opens the
// session and the last one completes it.
func (r *Relay) SubmitChunk(ctx context.Context, req entity.ChunkRequest) (*entity.ChunkResult, error) {
	switch {
	case req.OwnerId == "" || req.FileName == "":
		return nil, fmt.Errorf("owner_id and file_name are required: %w", entity.ErrInvalidRequest)
	case req.TotalChunks < 1 || req.ChunkNumber < 0 || req.ChunkNumber >= req.TotalChunks:
		return nil, fmt.Errorf("chunk %d of %d: %w", req.ChunkNumber, req.TotalChunks, entity.ErrInvalidRequest)
	case len(req.Data) == 0:
		return nil, fmt.Errorf("empty chunk: %w", entity.ErrInvalidRequest)
	case int64(len(req.Data)) > r.opts.MaxChunkSize:
		return nil, fmt.Errorf("chunk of %d bytes exceeds limit %d: %w", len(req.Data), r.opts.MaxChunkSize, entity.ErrFileTooLarge)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := r.chunkKey(req.OwnerId, req.FileName)

	var (
		s   *entity.UploadSession
		err error
	)
	if req.ChunkNumber == 0 {
		s, err = r.Sessions.Begin(ctx, req.OwnerId, key, contentType)
	} else {
		s, err = r.Sessions.Lookup(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	part, err := r.Sessions.SubmitPart(ctx, s, req.ChunkNumber+1, req.Data)
	if err != nil {
		return nil, err
	}
	if req.ChunkNumber < req.TotalChunks-1 {
		return &entity.ChunkResult{
			Status:      entity.UploadStatusUploaded,
			SessionId:   s.Id,
			ChunkNumber: req.ChunkNumber,
			Part:        part,
		}, nil
	}

	url, err := r.Sessions.Complete(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := r.Sessions.Seal(ctx, key); err != nil {
		r.Log.Warn().Err(err).Str("object_key", key).Msg("failed to seal completed object")
	}
	if err := r.Sessions.Release(ctx, s); err != nil {
		r.Log.Warn().Err(err).Str("session_id", s.Id).Msg("failed to release session state")
	}
	r.record(&entity.Video{
		ObjectKey:   key,
		URL:         url,
		OwnerId:     req.OwnerId,
		ContentType: contentType,
		Size:        -1,
		Parts:       req.TotalChunks,
		Mode:        entity.ModeChunked,
	})
	return &entity.ChunkResult{
		Status:      entity.UploadStatusCompleted,
		SessionId:   s.Id,
		ChunkNumber: req.ChunkNumber,
		Part:        part,
		URL:         url,
	}, nil
}

// GenerateUploadURL grants a time-bounded direct upload of one new object.
func (r *Relay) GenerateUploadURL(ctx context.Context, req entity.UploadURLRequest) (*entity.PresignedUpload, error) {
	if req.FileName == "" || req.OwnerId == "" {
		return nil, fmt.Errorf("file_name and owner_id are required: %w", entity.ErrInvalidRequest)
	}
	expires := req.ExpiresIn
	if expires == 0 {
		expires = defaultPresignTTL
		if expires > r.opts.MaxPresignExpiry {
			expires = r.opts.MaxPresignExpiry
		}
	}
	if expires < 0 || expires > r.opts.MaxPresignExpiry {
		return nil, fmt.Errorf("expires_in must be between 1 and %d seconds: %w", int(r.opts.MaxPresignExpiry.Seconds()), entity.ErrInvalidRequest)
	}
	contentType := req.FileType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := r.objectKey(req.OwnerId, req.FileName)
	url, err := r.Uploader.PresignUpload(key, contentType, expires)
	if err != nil {
		return nil, err
	}
	return &entity.PresignedUpload{
		URL:         url,
		ObjectKey:   key,
		ExpiresAt:   r.now().Add(expires).UTC(),
		MaxFileSize: r.opts.MaxFileSize,
	}, nil
}

// Status returns the record of a deferred job.
func (r *Relay) Status(ctx context.Context, jobId string) (*entity.Job, error) {
	return r.Jobs.Get(ctx, jobId)
}

// objectKey derives a fresh object key, keeping the extension of name.
func (r *Relay) objectKey(ownerId, name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" || len(ext) > 8 {
		ext = defaultExt
	}
	return r.prefixed(segment(ownerId) + "/" + uuid.NewString() + ext)
}

// chunkKey is stable across the requests of one chunked upload.
func (r *Relay) chunkKey(ownerId, fileName string) string {
	return r.prefixed(segment(ownerId) + "/" + segment(path.Base(fileName)))
}

func (r *Relay) prefixed(key string) string {
	if r.opts.KeyPrefix == "" {
		return key
	}
	return r.opts.KeyPrefix + "/" + key
}

// segment makes s safe to use as one path segment of an object key.
func segment(s string) string {
	s = strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' || c < 0x20 {
			return '_'
		}
		return c
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func (r *Relay) record(v *entity.Video) {
	if r.Videos == nil {
		return
	}
	id := uuid.NewString()
	video := entity.NewVideo(id, v.ObjectKey, v.URL, v.OwnerId, v.ContentType, v.Size)
	video.ChatId = v.ChatId
	video.SourceId = v.SourceId
	video.Parts = v.Parts
	video.Mode = v.Mode
	if err := r.Videos.Save(video); err != nil {
		r.Log.Err(err).Str("video_id", id).Str("object_key", v.ObjectKey).Msg("failed to save video record")
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
