package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sifan077/goster/internal/app/model"
	"github.com/sifan077/goster/internal/app/repository"
	appmetrics "github.com/sifan077/goster/internal/infra/prometheus"
)

const (
	maxCodeAttempts = 5
	defaultPageSize = 20
	maxPageSize     = 100
)

var errCodeSpaceExhausted = errors.New("could not allocate a unique short code")

// LinkService defines behaviour-level operations on share links.
type LinkService interface {
	CreateLink(ctx context.Context) (*model.Link, error)
	GetLink(ctx context.Context, code string) (*model.Link, error)
	ListLinks(ctx context.Context, limit, offset int) ([]model.Link, error)
	UploadStatus(ctx context.Context, code string) (bool, error)
	ShareURL(code string) string
	IsExpired(link *model.Link) bool
}

// LinkOptions configures a LinkService.
type LinkOptions struct {
	BaseURL    string
	TTL        time.Duration
	CodeLength int
	Filter     *CodeFilter
	Metrics    *appmetrics.Metrics
	Now        func() time.Time
}

type linkService struct {
	repo    repository.LinkRepository
	baseURL string
	ttl     time.Duration
	codeLen int
	filter  *CodeFilter
	metrics *appmetrics.Metrics
	now     func() time.Time
}

// NewLinkService returns a service implementation backed by the given repository.
func NewLinkService(repo repository.LinkRepository, opts LinkOptions) LinkService {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &linkService{
		repo:    repo,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		ttl:     opts.TTL,
		codeLen: opts.CodeLength,
		filter:  opts.Filter,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

func (s *linkService) CreateLink(ctx context.Context) (*model.Link, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateCode(s.codeLen)
		if err != nil {
			return nil, fmt.Errorf("create link: %w", err)
		}
		if s.filter != nil && s.filter.MayContain(code) {
			continue
		}

		now := s.now().UTC()
		expires := now.Add(s.ttl)
		link := &model.Link{
			Code:      code,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: &expires,
		}

		if err := s.repo.Create(ctx, link); err != nil {
			if errors.Is(err, repository.ErrCodeTaken) {
				if s.filter != nil {
					s.filter.Add(code)
				}
				continue
			}
			return nil, fmt.Errorf("create link: %w", err)
		}

		if s.filter != nil {
			s.filter.Add(code)
		}
		s.metrics.LinkCreated()
		return link, nil
	}
	return nil, fmt.Errorf("create link: %w", errCodeSpaceExhausted)
}

func (s *linkService) GetLink(ctx context.Context, code string) (*model.Link, error) {
	link, err := findLink(ctx, s.repo, s.filter, code)
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return link, nil
}

func (s *linkService) ListLinks(ctx context.Context, limit, offset int) ([]model.Link, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	links, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

func (s *linkService) UploadStatus(ctx context.Context, code string) (bool, error) {
	link, err := findLink(ctx, s.repo, s.filter, code)
	if err != nil {
		return false, fmt.Errorf("upload status: %w", err)
	}
	return link.IsRecordingComplete, nil
}

// ShareURL is the recipient-facing URL for code.
func (s *linkService) ShareURL(code string) string {
	return s.baseURL + "/r/" + code
}

func (s *linkService) IsExpired(link *model.Link) bool {
	return link.Expired(s.now(), s.ttl)
}

// findLink resolves code to a link, translating store misses into ErrNotFound.
func findLink(ctx context.Context, repo repository.LinkRepository, filter *CodeFilter, code string) (*model.Link, error) {
	if code == "" || (filter != nil && !filter.MayContain(code)) {
		return nil, ErrNotFound
	}

	link, err := repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return link, nil
}
