package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/goster/config"
	"github.com/sifan077/goster/internal/app/model"
	"github.com/sifan077/goster/internal/app/repository"
	"github.com/sifan077/goster/internal/app/service"
	"github.com/sifan077/goster/internal/infra/blobstore"
	"github.com/sifan077/goster/internal/infra/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxUpload = 2048

var testNow = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	app   *fiber.App
	repo  repository.LinkRepository
	views *fakeViews
}

type fakeViews struct {
	mu    sync.Mutex
	codes []string
}

func (f *fakeViews) Publish(linkCode, ip, userAgent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, linkCode)
	return nil
}

func (f *fakeViews) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

func newTestEnv(t *testing.T, blobs blobstore.Store) *testEnv {
	t.Helper()
	db, err := sqlite.NewGorm(config.SQLiteConfig{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Link{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewLinkRepository(db)
	now := func() time.Time { return testNow }
	links := service.NewLinkService(repo, service.LinkOptions{BaseURL: "http://share.test", Now: now})
	videos := service.NewVideoService(repo, blobs,
		service.NewContentPolicy(testMaxUpload, []string{"video/webm", "video/mp4"}),
		service.VideoOptions{Now: now},
	)
	views := &fakeViews{}

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(nil)})
	NewHealthHandler(nil).Register(app)
	NewAPIHandler(APIDeps{LinkService: links}).Register(app)
	NewVideoHandler(VideoDeps{VideoService: videos, MaxUploadBytes: testMaxUpload, Views: views}).Register(app)

	return &testEnv{app: app, repo: repo, views: views}
}

func webm(n int) []byte {
	data := make([]byte, n)
	copy(data, []byte{0x1A, 0x45, 0xDF, 0xA3})
	for i := 4; i < n; i++ {
		data[i] = byte(i % 241)
	}
	return data
}

func uploadRequest(t *testing.T, code string, data []byte, contentType string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if data != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="video"; filename="recording.webm"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, w.WriteField("note", "no file"))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(fiber.MethodPost, "/upload/"+code, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) createLink(t *testing.T) string {
	t.Helper()
	resp, err := e.app.Test(httptest.NewRequest(fiber.MethodPost, "/links", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	body := decode(t, resp)
	code, _ := body["shortCode"].(string)
	require.NotEmpty(t, code)
	return code
}

type failingBlobs struct{}

func (failingBlobs) Name() string { return "telegram" }
func (failingBlobs) Put(context.Context, []byte, blobstore.Upload) (blobstore.Ref, error) {
	return blobstore.Ref{}, blobstore.ErrUnavailable
}
func (failingBlobs) Open(context.Context, string) (*blobstore.Object, error) {
	return nil, blobstore.ErrUnavailable
}
func (failingBlobs) Stat(context.Context, string) (int64, error) { return 0, blobstore.ErrUnavailable }
func (failingBlobs) Remove(context.Context, string) (bool, error) {
	return false, blobstore.ErrUnavailable
}

func TestCreateAndListLinks(t *testing.T) {
	env := newTestEnv(t, failingBlobs{})

	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodPost, "/links", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decode(t, resp)
	code := created["shortCode"].(string)
	assert.Equal(t, true, created["success"])
	assert.Equal(t, "http://share.test/r/"+code, created["url"])
	assert.Equal(t, testNow.Add(24*time.Hour).Format(time.RFC3339), created["expiresAt"])

	resp, err = env.app.Test(httptest.NewRequest(fiber.MethodGet, "/links?limit=5", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	listed := decode(t, resp)
	items := listed["links"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, code, item["shortCode"])
	assert.Equal(t, code, item["id"])
	assert.Equal(t, "waiting", item["status"])
	assert.Equal(t, false, item["isExpired"])
	assert.Equal(t, false, item["isRecordingComplete"])
	assert.EqualValues(t, 0, item["viewCount"])
}

func TestUploadStatusAndPlaybackLocal(t *testing.T) {
	env := newTestEnv(t, failingBlobs{})
	code := env.createLink(t)

	for _, path := range []string{"/upload-status/" + code, "/upload/" + code} {
		resp, err := env.app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, false, decode(t, resp)["isRecordingComplete"])
	}

	data := webm(1000)
	resp, err := env.app.Test(uploadRequest(t, code, data, "video/webm"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "Video uploaded successfully", decode(t, resp)["message"])

	resp, err = env.app.Test(httptest.NewRequest(fiber.MethodGet, "/upload-status/"+code, nil))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, resp)["isRecordingComplete"])

	// second upload conflicts and keeps the first payload
	resp, err = env.app.Test(uploadRequest(t, code, webm(500), "video/webm"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	req := httptest.NewRequest(fiber.MethodGet, "/video/"+code, nil)
	req.Header.Set("Range", "bytes=0-99")
	resp, err = env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-99/1000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/webm", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[:100], body)

	resp, err = env.app.Test(httptest.NewRequest(fiber.MethodGet, "/video/"+code, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)

	req = httptest.NewRequest(fiber.MethodGet, "/video/"+code, nil)
	req.Header.Set("Range", "bytes=5000-")
	resp, err = env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */1000", resp.Header.Get("Content-Range"))

	resp, err = env.app.Test(httptest.NewRequest(fiber.MethodHead, "/video/"+code, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/webm", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.views.count() == 2 }, time.Second, 5*time.Millisecond,
		"ranged playback from byte 0 and the full fetch each publish a view")
}

func TestNotFoundEverywhere(t *testing.T) {
	env := newTestEnv(t, failingBlobs{})

	tests := []struct {
		method string
		path   string
	}{
		{fiber.MethodGet, "/video/doesNotExist"},
		{fiber.MethodHead, "/video/doesNotExist"},
		{fiber.MethodGet, "/upload-status/doesNotExist"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, err := env.app.Test(httptest.NewRequest(tt.method, tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
		})
	}

	resp, err := env.app.Test(uploadRequest(t, "doesNotExist", webm(100), "video/webm"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestOversizedUploadChecksLinkFirst(t *testing.T) {
	env := newTestEnv(t, failingBlobs{})

	resp, err := env.app.Test(uploadRequest(t, "doesNotExist", webm(testMaxUpload+10), "video/webm"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	code := env.createLink(t)
	resp, err = env.app.Test(uploadRequest(t, code, webm(100), "video/webm"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = env.app.Test(uploadRequest(t, code, webm(testMaxUpload+10), "video/webm"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestVideoBeforeUploadIsNotFound(t *testing.T) {
	env := newTestEnv(t, failingBlobs{})
	code := env.createLink(t)

	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodGet, "/video/"+code, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t, failingBlobs{})
	code := env.createLink(t)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"missing file", uploadRequest(t, code, nil, ""), fiber.StatusBadRequest},
		{"spoofed mp4", uploadRequest(t, code, []byte("<script>alert(1)</script>"), "video/mp4"), fiber.StatusBadRequest},
		{"disallowed type", uploadRequest(t, code, webm(100), "image/png"), fiber.StatusBadRequest},
		{"too large", uploadRequest(t, code, webm(testMaxUpload+10), "video/webm"), fiber.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.app.Test(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, false, decode(t, resp)["success"])
		})
	}

	link, err := env.repo.GetByCode(context.Background(), code)
	require.NoError(t, err)
	assert.False(t, link.IsRecordingComplete)
}

type stubLinks struct {
	service.LinkService
	err error
}

func (s stubLinks) CreateLink(context.Context) (*model.Link, error) { return nil, s.err }
func (s stubLinks) ListLinks(context.Context, int, int) ([]model.Link, error) {
	return nil, s.err
}

func TestLinkEndpoints_InternalErrorsAreGeneric(t *testing.T) {
	app := fiber.New()
	NewAPIHandler(APIDeps{LinkService: stubLinks{err: fmt.Errorf("pq: password authentication failed")}}).Register(app)

	for _, method := range []string{fiber.MethodPost, fiber.MethodGet} {
		resp, err := app.Test(httptest.NewRequest(method, "/links", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.NotContains(t, string(body), "password")
	}
}

func TestHealthAndReady(t *testing.T) {
	app := fiber.New()
	NewHealthHandler(nil,
		Check{Name: "database", Run: func(context.Context) error { return nil }},
		Check{Name: "redis", Run: func(context.Context) error { return fmt.Errorf("dial tcp: refused") }},
	).Register(app)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, resp)["status"])

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	body := decode(t, resp)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "up", checks["database"])
	assert.Equal(t, "down", checks["redis"])
}
