package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sifan077/goster/internal/app/model"
	"github.com/sifan077/goster/internal/app/repository"
	appmetrics "github.com/sifan077/goster/internal/infra/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxTestUpload = 4096

type videoFixture struct {
	repo    repository.LinkRepository
	blobs   *memBlobStore
	metrics *appmetrics.Metrics
	svc     VideoService
	now     time.Time
}

func newVideoFixture(t *testing.T) *videoFixture {
	t.Helper()
	f := &videoFixture{
		repo:    newSQLiteRepo(t),
		blobs:   newMemBlobStore(),
		metrics: appmetrics.NewMetrics(nil),
		now:     baseTime.Add(time.Hour),
	}
	policy := NewContentPolicy(maxTestUpload, []string{"video/webm", "video/mp4"})
	f.svc = NewVideoService(f.repo, f.blobs, policy, VideoOptions{
		TTL:     24 * time.Hour,
		Metrics: f.metrics,
		Now:     func() time.Time { return f.now },
	})
	return f
}

func (f *videoFixture) link(t *testing.T, code string) *model.Link {
	t.Helper()
	link, err := f.repo.GetByCode(context.Background(), code)
	require.NoError(t, err)
	return link
}

func TestVideoService_UploadRemote(t *testing.T) {
	f := newVideoFixture(t)
	ctx := context.Background()
	seedLink(t, f.repo, "remote1", baseTime)
	data := webmBytes(1000)

	res, err := f.svc.Upload(ctx, "remote1", data, "video/webm;codecs=vp9")
	require.NoError(t, err)
	assert.Equal(t, model.BackendTelegram, res.Backend)
	assert.False(t, res.FellBack)
	assert.Equal(t, "video/webm", res.ContentType)

	link := f.link(t, "remote1")
	assert.True(t, link.IsRecordingComplete)
	assert.True(t, link.HasRemoteVideo())
	local, err := f.repo.LocalVideo(ctx, "remote1")
	require.NoError(t, err)
	assert.Empty(t, local)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Uploads.WithLabelValues(model.BackendTelegram)))
}

func TestVideoService_UploadFallsBackToLocal(t *testing.T) {
	f := newVideoFixture(t)
	ctx := context.Background()
	seedLink(t, f.repo, "local1", baseTime)
	f.blobs.putErr = errBackendDown
	data := webmBytes(500)

	res, err := f.svc.Upload(ctx, "local1", data, "video/webm")
	require.NoError(t, err)
	assert.Equal(t, model.BackendLocal, res.Backend)
	assert.True(t, res.FellBack)

	link := f.link(t, "local1")
	assert.True(t, link.IsRecordingComplete)
	assert.False(t, link.HasRemoteVideo())
	local, err := f.repo.LocalVideo(ctx, "local1")
	require.NoError(t, err)
	assert.Equal(t, data, local)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BlobFallbacks))
}

func TestVideoService_UploadTwiceConflicts(t *testing.T) {
	f := newVideoFixture(t)
	ctx := context.Background()
	seedLink(t, f.repo, "twice", baseTime)
	f.blobs.putErr = errBackendDown

	first := webmBytes(300)
	second := webmBytes(400)

	_, err := f.svc.Upload(ctx, "twice", first, "video/webm")
	require.NoError(t, err)
	_, err = f.svc.Upload(ctx, "twice", second, "video/webm")
	require.ErrorIs(t, err, ErrConflict)

	local, err := f.repo.LocalVideo(ctx, "twice")
	require.NoError(t, err)
	assert.Equal(t, first, local)
}

func TestVideoService_ConcurrentUploadsHaveOneWinner(t *testing.T) {
	f := newVideoFixture(t)
	seedLink(t, f.repo, "race", baseTime)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Upload(context.Background(), "race", webmBytes(256), "video/webm")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected upload error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, conflicts)

	link := f.link(t, "race")
	require.True(t, link.HasRemoteVideo())
	// losers either saw the completed link or removed their orphaned object
	assert.True(t, f.blobs.has(*link.RemoteFileRef))
	assert.Equal(t, 1, f.blobs.count())
}

func TestVideoService_UploadRejections(t *testing.T) {
	f := newVideoFixture(t)
	ctx := context.Background()
	seedLink(t, f.repo, "rej", baseTime)

	_, err := f.svc.Upload(ctx, "missing", webmBytes(100), "video/webm")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Upload(ctx, "rej", []byte("definitely not an mp4 file"), "video/mp4")
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = f.svc.Upload(ctx, "rej", webmBytes(maxTestUpload+1), "video/webm")
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	assert.Zero(t, f.blobs.puts, "no storage attempt for rejected uploads")
	assert.False(t, f.link(t, "rej").IsRecordingComplete)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UploadRejections.WithLabelValues("too_large")))
}

func TestVideoService_UploadToExpiredLink(t *testing.T) {
	f := newVideoFixture(t)
	seedLink(t, f.repo, "stale", baseTime.Add(-48*time.Hour))

	_, err := f.svc.Upload(context.Background(), "stale", webmBytes(100), "video/webm")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.blobs.puts)
}

func TestVideoService_FetchRange(t *testing.T) {
	for _, backend := range []string{"remote", "local", "remote-unsized"} {
		t.Run(backend, func(t *testing.T) {
			f := newVideoFixture(t)
			ctx := context.Background()
			seedLink(t, f.repo, "ranged", baseTime)
			switch backend {
			case "local":
				f.blobs.putErr = errBackendDown
			case "remote-unsized":
				f.blobs.unsized = true
			}
			data := webmBytes(1000)
			_, err := f.svc.Upload(ctx, "ranged", data, "video/webm")
			require.NoError(t, err)

			video, err := f.svc.Fetch(ctx, "ranged", "bytes=0-99")
			require.NoError(t, err)
			body := readAll(t, video.Body)
			require.NotNil(t, video.Range)
			assert.Len(t, body, 100)
			assert.Equal(t, data[:100], body)
			assert.Equal(t, "bytes 0-99/1000", video.Range.ContentRange())
			assert.Equal(t, int64(100), video.Length())

			video, err = f.svc.Fetch(ctx, "ranged", "bytes=990-")
			require.NoError(t, err)
			assert.Equal(t, data[990:], readAll(t, video.Body))

			video, err = f.svc.Fetch(ctx, "ranged", "")
			require.NoError(t, err)
			assert.Nil(t, video.Range)
			assert.Equal(t, "video/webm", video.ContentType)
			assert.Equal(t, int64(1000), video.Length())
			assert.Equal(t, data, readAll(t, video.Body))

			_, err = f.svc.Fetch(ctx, "ranged", "bytes=1000-")
			assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
		})
	}
}

func TestVideoService_FetchNotFound(t *testing.T) {
	f := newVideoFixture(t)
	ctx := context.Background()
	seedLink(t, f.repo, "waiting", baseTime)

	_, err := f.svc.Fetch(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Exists(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Fetch(ctx, "waiting", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Exists(ctx, "waiting")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVideoService_RemoteDeletedIsNotFound(t *testing.T) {
	f := newVideoFixture(t)
	ctx := context.Background()
	seedLink(t, f.repo, "gone", baseTime)
	_, err := f.svc.Upload(ctx, "gone", webmBytes(200), "video/webm")
	require.NoError(t, err)

	info, err := f.svc.Exists(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, int64(200), info.Size)
	assert.Equal(t, SourceRemote, info.Source)

	removed, err := f.blobs.Remove(ctx, *f.link(t, "gone").RemoteMessageRef)
	require.NoError(t, err)
	require.True(t, removed)

	_, err = f.svc.Fetch(ctx, "gone", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Exists(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVideoService_ExistsLocal(t *testing.T) {
	f := newVideoFixture(t)
	ctx := context.Background()
	seedLink(t, f.repo, "head-only", baseTime)
	f.blobs.putErr = errBackendDown
	_, err := f.svc.Upload(ctx, "head-only", webmBytes(321), "video/webm")
	require.NoError(t, err)

	info, err := f.svc.Exists(ctx, "head-only")
	require.NoError(t, err)
	assert.Equal(t, int64(321), info.Size)
	assert.Equal(t, SourceLocal, info.Source)
	assert.Equal(t, "video/webm", info.ContentType)
}
