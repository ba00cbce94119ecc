package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sifan077/goster/internal/app/model"
	"gorm.io/gorm"
)

var (
	// ErrLinkNotFound signals that the requested short link does not exist.
	ErrLinkNotFound = errors.New("link not found")
	// ErrLinkAlreadyComplete signals that a recording was already attached to the link.
	ErrLinkAlreadyComplete = errors.New("link already has a recording")
	// ErrCodeTaken signals a short-code collision on insert.
	ErrCodeTaken = errors.New("short code already taken")
	// ErrRemoteRefCleared signals that the link's remote reference was already cleared.
	ErrRemoteRefCleared = errors.New("remote reference already cleared")
)

// metaColumns are loaded for every read; video_data is fetched on demand.
var metaColumns = []string{
	"code", "created_at", "updated_at", "expires_at", "is_recording_complete",
	"video_size", "content_type", "storage_backend", "remote_file_ref",
	"remote_message_ref", "view_count", "cleaned_up_at",
}

// LinkRepository defines the data access contract for share links.
type LinkRepository interface {
	Create(ctx context.Context, link *model.Link) error
	GetByCode(ctx context.Context, code string) (*model.Link, error)
	LocalVideo(ctx context.Context, code string) ([]byte, error)
	List(ctx context.Context, limit, offset int) ([]model.Link, error)
	Codes(ctx context.Context) ([]string, error)
	CompleteWithLocalVideo(ctx context.Context, code string, data []byte, contentType string) error
	CompleteWithRemoteRef(ctx context.Context, code, fileRef, messageRef, backend, contentType string, size int64) error
	ListExpiredWithRemoteRef(ctx context.Context, now time.Time, ttl time.Duration) ([]model.Link, error)
	ClearRemoteRef(ctx context.Context, code string, at time.Time) error
	IncrementViews(ctx context.Context, code string, n int64) error
}

type linkRepository struct {
	db *gorm.DB
}

// NewLinkRepository returns a GORM-backed LinkRepository.
func NewLinkRepository(db *gorm.DB) LinkRepository {
	return &linkRepository{db: db}
}

func (r *linkRepository) Create(ctx context.Context, link *model.Link) error {
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrCodeTaken
		}
		return err
	}
	return nil
}

func (r *linkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	var link model.Link
	if err := r.db.WithContext(ctx).Select(metaColumns).Where("code = ?", code).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func (r *linkRepository) LocalVideo(ctx context.Context, code string) ([]byte, error) {
	var link model.Link
	if err := r.db.WithContext(ctx).Select("code", "video_data").Where("code = ?", code).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return link.VideoData, nil
}

func (r *linkRepository) List(ctx context.Context, limit, offset int) ([]model.Link, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var result []model.Link
	if err := r.db.WithContext(ctx).
		Select(metaColumns).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&result).Error; err != nil {
		return nil, err
	}

	return result, nil
}

func (r *linkRepository) Codes(ctx context.Context) ([]string, error) {
	var codes []string
	if err := r.db.WithContext(ctx).Model(&model.Link{}).Pluck("code", &codes).Error; err != nil {
		return nil, err
	}
	return codes, nil
}

func (r *linkRepository) CompleteWithLocalVideo(ctx context.Context, code string, data []byte, contentType string) error {
	return r.complete(ctx, code, map[string]interface{}{
		"is_recording_complete": true,
		"video_data":            data,
		"video_size":            int64(len(data)),
		"content_type":          contentType,
		"storage_backend":       model.BackendLocal,
		"remote_file_ref":       nil,
		"remote_message_ref":    nil,
	})
}

func (r *linkRepository) CompleteWithRemoteRef(ctx context.Context, code, fileRef, messageRef, backend, contentType string, size int64) error {
	return r.complete(ctx, code, map[string]interface{}{
		"is_recording_complete": true,
		"video_data":            nil,
		"video_size":            size,
		"content_type":          contentType,
		"storage_backend":       backend,
		"remote_file_ref":       fileRef,
		"remote_message_ref":    messageRef,
	})
}

// complete applies updates only while the link is still incomplete, so
// concurrent uploads resolve to exactly one winner.
func (r *linkRepository) complete(ctx context.Context, code string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("code = ? AND is_recording_complete = ?", code, false).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	if _, err := r.GetByCode(ctx, code); err != nil {
		return err
	}
	return ErrLinkAlreadyComplete
}

func (r *linkRepository) ListExpiredWithRemoteRef(ctx context.Context, now time.Time, ttl time.Duration) ([]model.Link, error) {
	var result []model.Link
	if err := r.db.WithContext(ctx).
		Select(metaColumns).
		Where("(expires_at < ? OR created_at < ?) AND remote_message_ref IS NOT NULL", now, now.Add(-ttl)).
		Order("created_at ASC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

func (r *linkRepository) ClearRemoteRef(ctx context.Context, code string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("code = ? AND remote_message_ref IS NOT NULL", code).
		Updates(map[string]interface{}{
			"remote_file_ref":    nil,
			"remote_message_ref": nil,
			"cleaned_up_at":      at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByCode(ctx, code); err != nil {
			return err
		}
		return ErrRemoteRefCleared
	}
	return nil
}

func (r *linkRepository) IncrementViews(ctx context.Context, code string, n int64) error {
	if n <= 0 {
		return nil
	}
	result := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("code = ?", code).
		UpdateColumn("view_count", gorm.Expr("view_count + ?", n))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLinkNotFound
	}
	return nil
}
