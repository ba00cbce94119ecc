package model

import "time"

// Storage backends a completed link can point at.
const (
	BackendLocal    = "local"
	BackendTelegram = "telegram"
	BackendMinIO    = "minio"
)

// Link status values reported to the link listing.
const (
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
)

// Link describes one sharing session stored in Postgres.
//
// Once IsRecordingComplete is true exactly one of VideoData and RemoteFileRef
// is populated, until the cleanup sweep clears the remote references.
type Link struct {
	Code                string     `db:"code" gorm:"primaryKey;size:32"`
	CreatedAt           time.Time  `db:"created_at" gorm:"autoCreateTime;index"`
	UpdatedAt           time.Time  `db:"updated_at" gorm:"autoUpdateTime"`
	ExpiresAt           *time.Time `db:"expires_at" gorm:"index"`
	IsRecordingComplete bool       `db:"is_recording_complete" gorm:"not null;default:false"`
	VideoData           []byte     `db:"video_data"`
	VideoSize           int64      `db:"video_size" gorm:"not null;default:0"`
	ContentType         string     `db:"content_type" gorm:"size:64"`
	StorageBackend      string     `db:"storage_backend" gorm:"size:16"`
	RemoteFileRef       *string    `db:"remote_file_ref" gorm:"type:text"`
	RemoteMessageRef    *string    `db:"remote_message_ref" gorm:"size:255;index"`
	ViewCount           int64      `db:"view_count" gorm:"not null;default:0"`
	CleanedUpAt         *time.Time `db:"cleaned_up_at"`
}

// Expired reports whether the link is past its expiry. Links without an
// explicit expiry fall back to CreatedAt plus ttl.
func (l *Link) Expired(now time.Time, ttl time.Duration) bool {
	if l.ExpiresAt != nil {
		return l.ExpiresAt.Before(now)
	}
	return l.CreatedAt.Add(ttl).Before(now)
}

// HasRemoteVideo reports whether the video lives in the remote blob store.
func (l *Link) HasRemoteVideo() bool {
	return l.RemoteFileRef != nil && *l.RemoteFileRef != ""
}

// Status is the coarse state shown in link listings.
func (l *Link) Status() string {
	if l.IsRecordingComplete {
		return StatusCompleted
	}
	return StatusWaiting
}
