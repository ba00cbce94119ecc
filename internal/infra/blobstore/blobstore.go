// Package blobstore stores recording bytes off-box and hands back durable
// references. Adapters only ever report three outcomes to callers: success,
// ErrUnavailable/ErrUploadFailed, and ErrObjectNotFound.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnavailable signals missing credentials or an unreachable backend.
	ErrUnavailable = errors.New("blob store unavailable")
	// ErrUploadFailed signals a transport or API failure while storing bytes.
	ErrUploadFailed = errors.New("blob upload failed")
	// ErrObjectNotFound signals the object was deleted upstream.
	ErrObjectNotFound = errors.New("blob object not found")
)

// Ref points at a stored object. FileRef resolves the bytes, MessageRef
// deletes them; some backends use the same value for both.
type Ref struct {
	FileRef    string
	MessageRef string
}

// Upload describes the bytes handed to Put.
type Upload struct {
	Code        string
	ContentType string
}

// Label is the human-readable tag attached to the stored object.
func (u Upload) Label() string {
	return fmt.Sprintf("Recording: %s\n#goster_recording", u.Code)
}

// Filename is the object name presented to the backend.
func (u Upload) Filename() string {
	return "recording_" + u.Code + Extension(u.ContentType)
}

// Object is an open stream of stored bytes. Size is -1 when unknown.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// Store is implemented by every remote backend.
type Store interface {
	Name() string
	Put(ctx context.Context, data []byte, up Upload) (Ref, error)
	Open(ctx context.Context, fileRef string) (*Object, error)
	Stat(ctx context.Context, fileRef string) (int64, error)
	// Remove deletes the object behind messageRef. It reports false with a
	// nil error when the object is already gone.
	Remove(ctx context.Context, messageRef string) (bool, error)
}

// Extension maps a recording media type to a file extension.
func Extension(contentType string) string {
	switch contentType {
	case "video/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "video/x-matroska":
		return ".mkv"
	case "video/ogg":
		return ".ogv"
	default:
		return ".bin"
	}
}

// Unavailable returns a Store that fails every call with ErrUnavailable.
func Unavailable(reason string) Store {
	return unavailableStore{reason: reason}
}

type unavailableStore struct {
	reason string
}

func (s unavailableStore) Name() string { return "none" }

func (s unavailableStore) err() error {
	return fmt.Errorf("%w: %s", ErrUnavailable, s.reason)
}

func (s unavailableStore) Put(context.Context, []byte, Upload) (Ref, error) {
	return Ref{}, s.err()
}

func (s unavailableStore) Open(context.Context, string) (*Object, error) {
	return nil, s.err()
}

func (s unavailableStore) Stat(context.Context, string) (int64, error) {
	return 0, s.err()
}

func (s unavailableStore) Remove(context.Context, string) (bool, error) {
	return false, s.err()
}
