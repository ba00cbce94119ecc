package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sifan077/goster/internal/app/model"
	"github.com/sifan077/goster/internal/app/repository"
	"github.com/sifan077/goster/internal/infra/blobstore"
	appmetrics "github.com/sifan077/goster/internal/infra/prometheus"
	"go.uber.org/zap"
)

const defaultVideoType = "video/webm"

// Sources a video body can be served from.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// VideoService uploads and serves the recording attached to a link.
type VideoService interface {
	Upload(ctx context.Context, code string, data []byte, declaredType string) (*UploadResult, error)
	Fetch(ctx context.Context, code, rangeHeader string) (*Video, error)
	Exists(ctx context.Context, code string) (*VideoInfo, error)
}

// UploadResult describes where an accepted recording ended up.
type UploadResult struct {
	Backend     string
	ContentType string
	Size        int64
	FellBack    bool
}

// VideoInfo is what a HEAD request reports.
type VideoInfo struct {
	ContentType string
	Size        int64
	Source      string
}

// Video is an open recording body. Range is nil for a full response. The
// caller must close Body.
type Video struct {
	VideoInfo
	Body  io.ReadCloser
	Range *ByteRange
}

// Length is the number of bytes Body yields.
func (v *Video) Length() int64 {
	if v.Range != nil {
		return v.Range.Length()
	}
	return v.Size
}

// VideoOptions configures a VideoService.
type VideoOptions struct {
	TTL     time.Duration
	Filter  *CodeFilter
	Metrics *appmetrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

type videoService struct {
	repo    repository.LinkRepository
	blobs   blobstore.Store
	policy  *ContentPolicy
	ttl     time.Duration
	filter  *CodeFilter
	metrics *appmetrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewVideoService wires the lifecycle of recordings: validation, remote
// storage with local fallback, and retrieval.
func NewVideoService(repo repository.LinkRepository, blobs blobstore.Store, policy *ContentPolicy, opts VideoOptions) VideoService {
	if blobs == nil {
		blobs = blobstore.Unavailable("no blob store configured")
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &videoService{
		repo:    repo,
		blobs:   blobs,
		policy:  policy,
		ttl:     opts.TTL,
		filter:  opts.Filter,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

func (s *videoService) Upload(ctx context.Context, code string, data []byte, declaredType string) (*UploadResult, error) {
	link, err := findLink(ctx, s.repo, s.filter, code)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if link.IsRecordingComplete {
		s.metrics.UploadRejected("conflict")
		return nil, fmt.Errorf("upload %s: %w", code, ErrConflict)
	}
	if link.Expired(s.now(), s.ttl) {
		return nil, fmt.Errorf("upload %s: link expired: %w", code, ErrNotFound)
	}

	contentType, err := s.policy.Check(data, declaredType)
	if err != nil {
		switch {
		case errors.Is(err, ErrPayloadTooLarge):
			s.metrics.UploadRejected("too_large")
		default:
			s.metrics.UploadRejected("invalid_content")
		}
		return nil, fmt.Errorf("upload %s: %w", code, err)
	}

	size := int64(len(data))
	ref, putErr := s.blobs.Put(ctx, data, blobstore.Upload{Code: code, ContentType: contentType})
	if putErr == nil {
		err := s.repo.CompleteWithRemoteRef(ctx, code, ref.FileRef, ref.MessageRef, s.blobs.Name(), contentType, size)
		if err != nil {
			s.discard(ref, code)
			return nil, fmt.Errorf("upload %s: %w", code, translateComplete(err))
		}

		s.metrics.UploadStored(s.blobs.Name())
		s.logger.Info("recording stored",
			zap.String("code", code),
			zap.String("backend", s.blobs.Name()),
			zap.Int64("bytes", size),
		)
		return &UploadResult{Backend: s.blobs.Name(), ContentType: contentType, Size: size}, nil
	}

	s.logger.Warn("blob store failed, storing recording locally",
		zap.String("code", code),
		zap.String("backend", s.blobs.Name()),
		zap.Error(putErr),
	)
	s.metrics.BlobFallback()

	if err := s.repo.CompleteWithLocalVideo(ctx, code, data, contentType); err != nil {
		return nil, fmt.Errorf("upload %s: %w", code, translateComplete(err))
	}

	s.metrics.UploadStored(model.BackendLocal)
	s.logger.Info("recording stored",
		zap.String("code", code),
		zap.String("backend", model.BackendLocal),
		zap.Int64("bytes", size),
	)
	return &UploadResult{Backend: model.BackendLocal, ContentType: contentType, Size: size, FellBack: true}, nil
}

// discard removes a remote object whose link could not be completed.
func (s *videoService) discard(ref blobstore.Ref, code string) {
	removed, err := s.blobs.Remove(context.Background(), ref.MessageRef)
	if err != nil {
		s.logger.Warn("failed to remove orphaned blob", zap.String("code", code), zap.Error(err))
		return
	}
	s.logger.Debug("orphaned blob removed", zap.String("code", code), zap.Bool("removed", removed))
}

func translateComplete(err error) error {
	switch {
	case errors.Is(err, repository.ErrLinkAlreadyComplete):
		return ErrConflict
	case errors.Is(err, repository.ErrLinkNotFound):
		return ErrNotFound
	default:
		return err
	}
}

func (s *videoService) Fetch(ctx context.Context, code, rangeHeader string) (*Video, error) {
	link, err := s.completedLink(ctx, code)
	if err != nil {
		return nil, err
	}

	var (
		body   io.ReadCloser
		total  int64
		source string
		ctype  = link.ContentType
	)

	switch {
	case link.HasRemoteVideo():
		obj, err := s.blobs.Open(ctx, *link.RemoteFileRef)
		if err != nil {
			return nil, s.remoteError(code, err)
		}
		source = SourceRemote
		body, total = obj.Body, obj.Size
		if ctype == "" {
			ctype = obj.ContentType
		}
		if total < 0 {
			buf, err := io.ReadAll(body)
			body.Close()
			if err != nil {
				return nil, fmt.Errorf("fetch %s: read remote body: %w", code, err)
			}
			body, total = io.NopCloser(bytes.NewReader(buf)), int64(len(buf))
		}

	case link.StorageBackend == model.BackendLocal:
		data, err := s.repo.LocalVideo(ctx, code)
		if err != nil {
			if errors.Is(err, repository.ErrLinkNotFound) {
				return nil, fmt.Errorf("fetch %s: %w", code, ErrNotFound)
			}
			return nil, fmt.Errorf("fetch %s: %w", code, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("fetch %s: no local bytes: %w", code, ErrNotFound)
		}
		source = SourceLocal
		body, total = io.NopCloser(bytes.NewReader(data)), int64(len(data))

	default:
		// remote reference cleared by cleanup
		return nil, fmt.Errorf("fetch %s: recording deleted: %w", code, ErrNotFound)
	}

	if ctype == "" {
		ctype = defaultVideoType
	}

	rng, err := ParseRange(rangeHeader, total)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("fetch %s: %w", code, err)
	}
	if rng != nil {
		body, err = sliceBody(body, *rng)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", code, err)
		}
	}

	s.metrics.VideoServed(source, rng != nil)
	return &Video{
		VideoInfo: VideoInfo{ContentType: ctype, Size: total, Source: source},
		Body:      body,
		Range:     rng,
	}, nil
}

func (s *videoService) Exists(ctx context.Context, code string) (*VideoInfo, error) {
	link, err := s.completedLink(ctx, code)
	if err != nil {
		return nil, err
	}

	ctype := link.ContentType
	if ctype == "" {
		ctype = defaultVideoType
	}

	switch {
	case link.HasRemoteVideo():
		size, err := s.blobs.Stat(ctx, *link.RemoteFileRef)
		if err != nil {
			return nil, s.remoteError(code, err)
		}
		return &VideoInfo{ContentType: ctype, Size: size, Source: SourceRemote}, nil
	case link.StorageBackend == model.BackendLocal && link.VideoSize > 0:
		return &VideoInfo{ContentType: ctype, Size: link.VideoSize, Source: SourceLocal}, nil
	default:
		return nil, fmt.Errorf("exists %s: recording deleted: %w", code, ErrNotFound)
	}
}

func (s *videoService) completedLink(ctx context.Context, code string) (*model.Link, error) {
	link, err := findLink(ctx, s.repo, s.filter, code)
	if err != nil {
		return nil, fmt.Errorf("video %s: %w", code, err)
	}
	if !link.IsRecordingComplete {
		return nil, fmt.Errorf("video %s: no recording yet: %w", code, ErrNotFound)
	}
	return link, nil
}

// remoteError maps blob store failures. A missing object is a definitive
// deletion; local bytes are never consulted for remote links.
func (s *videoService) remoteError(code string, err error) error {
	if errors.Is(err, blobstore.ErrObjectNotFound) {
		s.logger.Info("remote recording deleted upstream", zap.String("code", code))
		return fmt.Errorf("video %s: recording deleted: %w", code, ErrNotFound)
	}
	return fmt.Errorf("video %s: %w", code, err)
}

// sliceBody skips to r.Start and caps the stream at r.Length bytes.
func sliceBody(body io.ReadCloser, r ByteRange) (io.ReadCloser, error) {
	if r.Start > 0 {
		if seeker, ok := body.(io.Seeker); ok {
			if _, err := seeker.Seek(r.Start, io.SeekStart); err != nil {
				body.Close()
				return nil, fmt.Errorf("seek: %w", err)
			}
		} else if _, err := io.CopyN(io.Discard, body, r.Start); err != nil {
			body.Close()
			return nil, fmt.Errorf("skip to range start: %w", err)
		}
	}
	return &limitedBody{Reader: io.LimitReader(body, r.Length()), closer: body}, nil
}

type limitedBody struct {
	io.Reader
	closer io.Closer
}

func (b *limitedBody) Close() error { return b.closer.Close() }
