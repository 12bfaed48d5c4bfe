package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/molpadia/molparelay/internal/infrastructure/persistence"
	"github.com/molpadia/molparelay/internal/session"
	"github.com/molpadia/molparelay/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// brokenReader fails once n bytes were read.
type brokenReader struct{ n int64 }

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	if int64(len(p)) > r.n {
		p = p[:r.n]
	}
	r.n -= int64(len(p))
	return len(p), nil
}

type sourceError struct{ temporary bool }

func (e *sourceError) Error() string   { return "platform error" }
func (e *sourceError) Unwrap() error   { return entity.ErrSourceUnavailable }
func (e *sourceError) Temporary() bool { return e.temporary }

type fakeSource struct {
	mu     sync.Mutex
	data   []byte    // Served when set.
	body   io.Reader // Served when data is nil, limited to size when size is known.
	size   int64     // Reported size, -1 when unknown.
	path   string
	errs   []error
	onOpen func()
	calls  int
	closed int
}

type trackedBody struct {
	io.Reader
	src *fakeSource
}

func (b *trackedBody) Close() error {
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	b.src.closed++
	return nil
}

func (s *fakeSource) Open(_ context.Context, _ entity.SourceRef) (*entity.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.onOpen != nil {
		s.onOpen()
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	var r io.Reader
	switch {
	case s.data != nil:
		r = bytes.NewReader(s.data)
	case s.size >= 0:
		r = io.LimitReader(s.body, s.size)
	default:
		r = s.body
	}
	return &entity.Download{Body: &trackedBody{r, s}, Size: s.size, Path: s.path, ContentType: "video/mp4"}, nil
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []entity.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg entity.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) Kinds() []entity.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []entity.NotificationKind
	for _, m := range n.msgs {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

type memVideos struct {
	mu     sync.Mutex
	videos []*entity.Video
}

func (v *memVideos) Save(video *entity.Video) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.videos = append(v.videos, video)
	return nil
}

type testRelay struct {
	*Relay
	uploader *testutil.Uploader
	source   *fakeSource
	notifier *recordingNotifier
	videos   *memVideos
	queue    *persistence.RedisJobQueue
	redis    *miniredis.Miniredis
}

func defaultOptions() Options {
	return Options{
		KeyPrefix:          "videos",
		PartSize:           5 * mib,
		ReadSize:           1 * mib,
		SmallFileThreshold: 50 * mib,
		DeferThreshold:     500 * mib,
		MaxFileSize:        2 * gib,
		MaxChunkSize:       64 * mib,
		MaxPresignExpiry:   7200 * time.Second,
		ProgressEvery:      10,
	}
}

func newTestRelay(t *testing.T, opts Options) *testRelay {
	store, queue, srv := testutil.NewStateStore(t)
	up := testutil.NewUploader()
	src := &fakeSource{size: -1, path: "videos/file_1.mp4", body: zeroReader{}}
	notifier := &recordingNotifier{}
	videos := &memVideos{}
	r := New(Deps{
		Sessions: session.NewManager(store, up, time.Hour, zerolog.Nop(), nil),
		Uploader: up,
		Source:   src,
		Notifier: notifier,
		Jobs:     NewJobStore(store, time.Hour),
		Queue:    queue,
		Videos:   videos,
		Log:      zerolog.Nop(),
		Backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	}, opts)
	return &testRelay{Relay: r, uploader: up, source: src, notifier: notifier, videos: videos, queue: queue, redis: srv}
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(b)
	require.NoError(t, err)
	return b
}

var objectURL = regexp.MustCompile(`^https://storage\.example\.com/bucket/videos/u1/[0-9a-f-]{36}\.mp4$`)

func TestUploadStreamsLargeFileInParts(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	tr.uploader.DiscardData = true
	tr.source.size = 200 * mib

	res, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1", FileSize: 200 * mib})
	require.NoError(t, err)
	assert.Equal(t, entity.UploadStatusOK, res.Status)
	assert.Regexp(t, objectURL, res.URL)

	require.Len(t, tr.uploader.PartCalls, 40)
	for i, n := range tr.uploader.PartCalls {
		assert.Equal(t, int64(i+1), n)
	}
	creates, completes, aborts := tr.uploader.Calls()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, completes)
	assert.Equal(t, 0, aborts)
	assert.Empty(t, tr.redis.Keys())

	require.Len(t, tr.videos.videos, 1)
	assert.Equal(t, entity.ModeMultipart, tr.videos.videos[0].Mode)
	assert.Equal(t, int64(40), tr.videos.videos[0].Parts)
	assert.Equal(t, res.URL, tr.videos.videos[0].URL)
}

func TestUploadSmallFileUsesSinglePut(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	data := randomBytes(t, 64<<10)
	tr.source.data = data
	tr.source.size = int64(len(data))

	res, err := tr.Upload(context.Background(), entity.UploadRequest{FileURL: "https://files.example.com/a.mp4", OwnerId: "u1"})
	require.NoError(t, err)
	assert.Regexp(t, objectURL, res.URL)
	assert.Equal(t, 1, tr.uploader.Puts)
	assert.Equal(t, 0, tr.uploader.Creates)
	key := res.URL[len(tr.uploader.BaseURL)+1:]
	assert.Equal(t, data, tr.uploader.Objects[key])
	assert.Equal(t, 1, tr.source.closed)
}

func TestUploadUnknownSizeStreamsExactBytes(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	data := randomBytes(t, 12*mib+123)
	tr.source.data = data

	res, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, tr.uploader.PartCalls)
	key := res.URL[len(tr.uploader.BaseURL)+1:]
	assert.Equal(t, data, tr.uploader.Objects[key])
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())

	_, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1", FileSize: 3 * gib})
	assert.ErrorIs(t, err, entity.ErrFileTooLarge)
	assert.Zero(t, tr.source.Calls())
	assert.Zero(t, tr.uploader.Creates)
	assert.Empty(t, tr.redis.Keys())
}

func TestUploadValidation(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	tests := []entity.UploadRequest{
		{OwnerId: "u1"},
		{FileId: "abc"},
		{FileId: "abc", OwnerId: "u1", FileSize: -1},
	}
	for _, req := range tests {
		_, err := tr.Upload(context.Background(), req)
		assert.ErrorIs(t, err, entity.ErrInvalidRequest, "%+v", req)
	}
	assert.Zero(t, tr.source.Calls())
}

func TestUploadDefersLargeFile(t *testing.T) {
	ctx := context.Background()
	tr := newTestRelay(t, defaultOptions())

	res, err := tr.Upload(ctx, entity.UploadRequest{FileId: "abc", OwnerId: "u1", ChatId: "42", FileSize: 600 * mib})
	require.NoError(t, err)
	assert.Equal(t, entity.UploadStatusProcessing, res.Status)
	require.NotEmpty(t, res.JobId)
	assert.Zero(t, tr.source.Calls())

	job, err := tr.Status(ctx, res.JobId)
	require.NoError(t, err)
	assert.Equal(t, entity.JobProcessing, job.Status)
	assert.Equal(t, "42", job.Request.ChatId)

	queued, err := tr.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, res.JobId, queued)

	_, err = tr.Status(ctx, "missing")
	assert.ErrorIs(t, err, entity.ErrJobNotFound)
}

func TestUploadDefersWhenSourceRevealsSize(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	tr.source.size = 600 * mib

	res, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1"})
	require.NoError(t, err)
	assert.Equal(t, entity.UploadStatusProcessing, res.Status)
	assert.Equal(t, 1, tr.source.closed)
	assert.Zero(t, tr.uploader.Creates)

	job, err := tr.Status(context.Background(), res.JobId)
	require.NoError(t, err)
	assert.Equal(t, int64(600*mib), job.Request.FileSize)
}

func TestUploadDefersWhenSourceContradictsDeclaredSize(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	tr.source.size = 600 * mib

	res, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1", FileSize: 1 * mib})
	require.NoError(t, err)
	assert.Equal(t, entity.UploadStatusProcessing, res.Status)
	assert.Equal(t, 1, tr.source.closed)
	assert.Zero(t, tr.uploader.Creates)
	assert.Zero(t, tr.uploader.Puts)

	job, err := tr.Status(context.Background(), res.JobId)
	require.NoError(t, err)
	assert.Equal(t, int64(600*mib), job.Request.FileSize)
}

func TestUploadAbortsOnMidStreamFailure(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	tr.source.body = &brokenReader{n: 7 * mib}

	_, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1"})
	assert.ErrorIs(t, err, entity.ErrSourceUnavailable)

	creates, completes, aborts := tr.uploader.Calls()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 0, completes)
	assert.Equal(t, 1, aborts)
	assert.Empty(t, tr.uploader.Uploads)
	assert.Empty(t, tr.redis.Keys())
	assert.Empty(t, tr.videos.videos)
}

func TestUploadAbortsOnceWhenCompletionRejected(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	tr.source.data = randomBytes(t, 6*mib)
	tr.uploader.CompleteMultipartFunc = func(string, string, []*entity.Part) error {
		return entity.ErrStoreRejection
	}

	_, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1"})
	assert.ErrorIs(t, err, entity.ErrStoreRejection)
	_, completes, aborts := tr.uploader.Calls()
	assert.Equal(t, 1, completes)
	assert.Equal(t, 1, aborts)
}

func TestUploadEmptySource(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	tr.source.data = []byte{}

	_, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1"})
	assert.ErrorIs(t, err, entity.ErrEmptySource)
	_, _, aborts := tr.uploader.Calls()
	assert.Equal(t, 1, aborts)
}

func TestUploadRetriesTemporarySourceErrors(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	tr.source.data = []byte("tiny")
	tr.source.size = 4
	tr.source.errs = []error{&sourceError{temporary: true}, &sourceError{temporary: true}}

	_, err := tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 3, tr.source.Calls())

	tr = newTestRelay(t, defaultOptions())
	tr.source.errs = []error{&sourceError{temporary: false}}
	_, err = tr.Upload(context.Background(), entity.UploadRequest{FileId: "abc", OwnerId: "u1"})
	assert.ErrorIs(t, err, entity.ErrSourceUnavailable)
	assert.Equal(t, 1, tr.source.Calls())
}

func TestSubmitChunkLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := newTestRelay(t, defaultOptions())
	chunks := [][]byte{randomBytes(t, 5*mib), randomBytes(t, 5*mib+1), randomBytes(t, 1000)}

	var last *entity.ChunkResult
	for i, data := range chunks {
		res, err := tr.SubmitChunk(ctx, entity.ChunkRequest{
			OwnerId:     "u1",
			FileName:    "holiday.mp4",
			ContentType: "video/mp4",
			ChunkNumber: int64(i),
			TotalChunks: 3,
			Data:        data,
		})
		require.NoError(t, err, "chunk %d", i)
		assert.Equal(t, int64(i+1), res.Part.PartNumber)
		if i < 2 {
			assert.Equal(t, entity.UploadStatusUploaded, res.Status)
			assert.Empty(t, res.URL)
		}
		last = res
	}
	assert.Equal(t, entity.UploadStatusCompleted, last.Status)
	assert.Equal(t, "https://storage.example.com/bucket/videos/u1/holiday.mp4", last.URL)

	creates, completes, aborts := tr.uploader.Calls()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, completes)
	assert.Equal(t, 0, aborts)
	assert.Equal(t, bytes.Join(chunks, nil), tr.uploader.Objects["videos/u1/holiday.mp4"])
	// Only the completion seal is left behind.
	assert.Equal(t, []string{"test:completed:videos/u1/holiday.mp4"}, tr.redis.Keys())

	// A late duplicate of the final chunk finds no session.
	_, err := tr.SubmitChunk(ctx, entity.ChunkRequest{OwnerId: "u1", FileName: "holiday.mp4", ChunkNumber: 2, TotalChunks: 3, Data: chunks[2]})
	assert.ErrorIs(t, err, entity.ErrSessionNotFound)
	_, completes, _ = tr.uploader.Calls()
	assert.Equal(t, 1, completes)

	// A late duplicate of the first chunk does not reopen the object.
	_, err = tr.SubmitChunk(ctx, entity.ChunkRequest{OwnerId: "u1", FileName: "holiday.mp4", ChunkNumber: 0, TotalChunks: 3, Data: chunks[0]})
	assert.ErrorIs(t, err, entity.ErrUploadCompleted)
	creates, _, _ = tr.uploader.Calls()
	assert.Equal(t, 1, creates)

	// Once the seal lapses the same name can be uploaded again.
	tr.redis.FastForward(11 * time.Minute)
	res, err := tr.SubmitChunk(ctx, entity.ChunkRequest{OwnerId: "u1", FileName: "holiday.mp4", ChunkNumber: 0, TotalChunks: 1, Data: chunks[2]})
	require.NoError(t, err)
	assert.Equal(t, entity.UploadStatusCompleted, res.Status)
}

func TestSubmitChunkErrors(t *testing.T) {
	ctx := context.Background()
	opts := defaultOptions()
	opts.MaxChunkSize = 10
	tr := newTestRelay(t, opts)

	chunk := func(n, total int64, data string) entity.ChunkRequest {
		return entity.ChunkRequest{OwnerId: "u1", FileName: "a.mp4", ChunkNumber: n, TotalChunks: total, Data: []byte(data)}
	}
	tests := []struct {
		req         entity.ChunkRequest
		expectedErr error
	}{
		{chunk(1, 4, "b"), entity.ErrSessionNotFound},
		{chunk(4, 4, "e"), entity.ErrInvalidRequest},
		{chunk(-1, 4, "e"), entity.ErrInvalidRequest},
		{chunk(0, 4, ""), entity.ErrInvalidRequest},
		{chunk(0, 4, "way too large"), entity.ErrFileTooLarge},
		{entity.ChunkRequest{FileName: "a.mp4", TotalChunks: 1, Data: []byte("a")}, entity.ErrInvalidRequest},
		{chunk(0, 4, "a"), nil},
		{chunk(2, 4, "c"), entity.ErrOutOfOrderPart},
		{chunk(1, 4, "b"), nil},
		// Resending an accepted chunk replaces it.
		{chunk(1, 4, "B"), nil},
	}
	for i, tt := range tests {
		_, err := tr.SubmitChunk(ctx, tt.req)
		if tt.expectedErr == nil {
			assert.NoError(t, err, "case %d", i)
		} else {
			assert.ErrorIs(t, err, tt.expectedErr, "case %d", i)
		}
	}
	// Protocol misuse never reaches the store.
	_, _, aborts := tr.uploader.Calls()
	assert.Zero(t, aborts)
}

func TestGenerateUploadURL(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	ctx := context.Background()

	res, err := tr.GenerateUploadURL(ctx, entity.UploadURLRequest{FileName: "clip.MOV", FileType: "video/quicktime", ExpiresIn: 10 * time.Minute, OwnerId: "u1"})
	require.NoError(t, err)
	assert.Regexp(t, `^videos/u1/[0-9a-f-]{36}\.mov$`, res.ObjectKey)
	assert.Contains(t, res.URL, res.ObjectKey+"?X-Amz-Expires=600")
	assert.Equal(t, int64(2*gib), res.MaxFileSize)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), res.ExpiresAt, 5*time.Second)

	res, err = tr.GenerateUploadURL(ctx, entity.UploadURLRequest{FileName: "clip", OwnerId: "u1"})
	require.NoError(t, err)
	assert.Contains(t, res.URL, "X-Amz-Expires=3600")
	assert.Regexp(t, `\.mp4$`, res.ObjectKey)

	_, err = tr.GenerateUploadURL(ctx, entity.UploadURLRequest{FileName: "clip.mp4", OwnerId: "u1", ExpiresIn: 7201 * time.Second})
	assert.ErrorIs(t, err, entity.ErrInvalidRequest)
	_, err = tr.GenerateUploadURL(ctx, entity.UploadURLRequest{FileName: "clip.mp4"})
	assert.ErrorIs(t, err, entity.ErrInvalidRequest)
}

func TestSegment(t *testing.T) {
	tests := map[string]string{
		"u1":         "u1",
		"a/b":        "a_b",
		"..":         "_",
		"":           "_",
		"x\\y\nz":    "x_y_z",
		"видео.mp4":  "видео.mp4",
	}
	for in, expected := range tests {
		assert.Equal(t, expected, segment(in), "%q", in)
	}
}
