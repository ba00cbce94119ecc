package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sifan077/goster/config"
	"github.com/sifan077/goster/internal/app/model"
	"github.com/sifan077/goster/internal/app/repository"
	"github.com/sifan077/goster/internal/infra/blobstore"
	"github.com/sifan077/goster/internal/infra/sqlite"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// webmHeader is the start of an EBML document.
var webmHeader = []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81, 0x01}

func webmBytes(n int) []byte {
	data := make([]byte, n)
	copy(data, webmHeader)
	for i := len(webmHeader); i < n; i++ {
		data[i] = byte(i % 251)
	}
	return data
}

func newSQLiteRepo(t *testing.T) repository.LinkRepository {
	t.Helper()
	db, err := sqlite.NewGorm(config.SQLiteConfig{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Link{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return repository.NewLinkRepository(db)
}

func seedLink(t *testing.T, repo repository.LinkRepository, code string, createdAt time.Time) {
	t.Helper()
	expires := createdAt.Add(24 * time.Hour)
	require.NoError(t, repo.Create(context.Background(), &model.Link{
		Code:      code,
		CreatedAt: createdAt,
		ExpiresAt: &expires,
	}))
}

// memBlobStore is an in-memory blob store with switchable failures.
type memBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putErr    error
	removeErr error
	unsized   bool
	puts      int
	removed   []string
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: make(map[string][]byte)}
}

func (s *memBlobStore) Name() string { return model.BackendTelegram }

func (s *memBlobStore) Put(_ context.Context, data []byte, up blobstore.Upload) (blobstore.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return blobstore.Ref{}, s.putErr
	}
	key := fmt.Sprintf("%s/%d", up.Code, s.puts)
	s.objects[key] = append([]byte(nil), data...)
	return blobstore.Ref{FileRef: key, MessageRef: key}, nil
}

func (s *memBlobStore) Open(_ context.Context, fileRef string) (*blobstore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[fileRef]
	if !ok {
		return nil, blobstore.ErrObjectNotFound
	}
	size := int64(len(data))
	if s.unsized {
		size = -1
	}
	return &blobstore.Object{Body: io.NopCloser(bytes.NewReader(data)), Size: size}, nil
}

func (s *memBlobStore) Stat(_ context.Context, fileRef string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[fileRef]
	if !ok {
		return 0, blobstore.ErrObjectNotFound
	}
	return int64(len(data)), nil
}

func (s *memBlobStore) Remove(_ context.Context, messageRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return false, s.removeErr
	}
	if _, ok := s.objects[messageRef]; !ok {
		return false, nil
	}
	delete(s.objects, messageRef)
	s.removed = append(s.removed, messageRef)
	return true, nil
}

func (s *memBlobStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *memBlobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

var errBackendDown = fmt.Errorf("%w: connection refused", blobstore.ErrUploadFailed)

func readAll(t *testing.T, r io.ReadCloser) []byte {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

var errBoom = errors.New("boom")
