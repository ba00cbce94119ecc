package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WithTimeout bounds every call on inner. Remote transports cannot be
// cancelled, so a call that overruns is abandoned rather than stopped: its
// goroutine keeps running and whatever it produces is released afterwards.
func WithTimeout(inner Store, timeout time.Duration, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &timeoutStore{inner: inner, timeout: timeout, logger: logger}
}

type timeoutStore struct {
	inner   Store
	timeout time.Duration
	logger  *zap.Logger
}

func (s *timeoutStore) Name() string { return s.inner.Name() }

func (s *timeoutStore) Put(ctx context.Context, data []byte, up Upload) (Ref, error) {
	ref, ok, err := await(ctx, s.timeout, func(ctx context.Context) (Ref, error) {
		return s.inner.Put(ctx, data, up)
	}, func(ref Ref) {
		// The caller already fell back to local storage; drop the late copy.
		removed, err := s.inner.Remove(context.Background(), ref.MessageRef)
		s.logger.Warn("removed blob from abandoned upload",
			zap.String("store", s.inner.Name()),
			zap.String("code", up.Code),
			zap.Bool("removed", removed),
			zap.Error(err),
		)
	})
	if !ok {
		return Ref{}, fmt.Errorf("%w: %s put timed out after %s", ErrUploadFailed, s.inner.Name(), s.timeout)
	}
	return ref, err
}

func (s *timeoutStore) Open(ctx context.Context, fileRef string) (*Object, error) {
	obj, ok, err := await(ctx, s.timeout, func(ctx context.Context) (*Object, error) {
		return s.inner.Open(ctx, fileRef)
	}, func(obj *Object) {
		if obj != nil && obj.Body != nil {
			obj.Body.Close()
		}
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s open timed out after %s", ErrUnavailable, s.inner.Name(), s.timeout)
	}
	return obj, err
}

func (s *timeoutStore) Stat(ctx context.Context, fileRef string) (int64, error) {
	size, ok, err := await(ctx, s.timeout, func(ctx context.Context) (int64, error) {
		return s.inner.Stat(ctx, fileRef)
	}, nil)
	if !ok {
		return 0, fmt.Errorf("%w: %s stat timed out after %s", ErrUnavailable, s.inner.Name(), s.timeout)
	}
	return size, err
}

func (s *timeoutStore) Remove(ctx context.Context, messageRef string) (bool, error) {
	removed, ok, err := await(ctx, s.timeout, func(ctx context.Context) (bool, error) {
		return s.inner.Remove(ctx, messageRef)
	}, nil)
	if !ok {
		return false, fmt.Errorf("%w: %s remove timed out after %s", ErrUnavailable, s.inner.Name(), s.timeout)
	}
	return removed, err
}

type outcome[T any] struct {
	val T
	err error
}

// await runs fn on its own goroutine and waits up to d or until ctx is done.
// ok is false when the call was abandoned; orphan then receives any value the
// call produces successfully later on.
func await[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error), orphan func(T)) (T, bool, error) {
	var (
		mu        sync.Mutex
		abandoned bool
		done      = make(chan outcome[T], 1)
	)

	go func() {
		val, err := fn(context.WithoutCancel(ctx))
		mu.Lock()
		if abandoned {
			mu.Unlock()
			if err == nil && orphan != nil {
				orphan(val)
			}
			return
		}
		done <- outcome[T]{val: val, err: err}
		mu.Unlock()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.val, true, out.err
	case <-timer.C:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	select {
	case out := <-done:
		return out.val, true, out.err
	default:
		abandoned = true
		var zero T
		return zero, false, nil
	}
}
