package relay

import (
	"context"
	"testing"
	"time"

	"github.com/molpadia/molparelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperSweep(t *testing.T) {
	ctx := context.Background()
	tr := newTestRelay(t, defaultOptions())
	up := tr.uploader
	old := time.Now().Add(-48 * time.Hour)

	live, err := tr.Sessions.Begin(ctx, "u1", "videos/u1/live.mp4", "video/mp4")
	require.NoError(t, err)
	up.Uploads[live.UploadId].Initiated = old

	orphan, err := up.CreateMultipart(ctx, "videos/u1/orphan.mp4", "video/mp4")
	require.NoError(t, err)
	up.Uploads[orphan].Initiated = old

	fresh, err := up.CreateMultipart(ctx, "videos/u1/fresh.mp4", "video/mp4")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	r := NewReaper(up, tr.Sessions, "videos", 24*time.Hour, time.Minute, zerolog.Nop(), m)
	aborted, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, aborted)
	assert.Equal(t, "videos/", r.prefix)

	assert.Contains(t, up.Uploads, live.UploadId)
	assert.Contains(t, up.Uploads, fresh)
	assert.NotContains(t, up.Uploads, orphan)

	// Once the session lapses its upload is reclaimed too.
	tr.redis.FastForward(2 * time.Hour)
	aborted, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, aborted)
	assert.NotContains(t, up.Uploads, live.UploadId)
	assert.Equal(t, 2.0, counterValue(t, reg, "molparelay_reaper_orphans_aborted_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestReaperRunStopsWithContext(t *testing.T) {
	tr := newTestRelay(t, defaultOptions())
	r := NewReaper(tr.uploader, tr.Sessions, "videos", time.Hour, 10*time.Millisecond, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Run(ctx))
}
