package service

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
)

var (
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	oggMagic  = []byte("OggS")
)

// quickTimeAtoms are top-level atoms older QuickTime files may start with
// instead of ftyp.
var quickTimeAtoms = []string{"moov", "mdat", "wide", "free", "skip"}

// ContentPolicy validates recording uploads before anything is stored.
type ContentPolicy struct {
	maxBytes int64
	allowed  map[string]struct{}
}

// NewContentPolicy builds a policy accepting at most maxBytes of one of the
// allowed media types.
func NewContentPolicy(maxBytes int64, allowed []string) *ContentPolicy {
	set := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &ContentPolicy{maxBytes: maxBytes, allowed: set}
}

// MaxBytes is the largest accepted upload.
func (p *ContentPolicy) MaxBytes() int64 { return p.maxBytes }

// Check validates size, declared type and container signature, in that
// order. It returns the declared media type without parameters.
func (p *ContentPolicy) Check(data []byte, declared string) (string, error) {
	if int64(len(data)) > p.maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, len(data), p.maxBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty file", ErrInvalidContent)
	}

	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable content type %q", ErrInvalidContent, declared)
	}
	if _, ok := p.allowed[mediaType]; !ok {
		return "", fmt.Errorf("%w: content type %q not allowed", ErrInvalidContent, mediaType)
	}

	if !signatureMatches(mediaType, data) {
		return "", fmt.Errorf("%w: file signature does not match %s", ErrInvalidContent, mediaType)
	}
	return mediaType, nil
}

func signatureMatches(mediaType string, data []byte) bool {
	switch mediaType {
	case "video/webm", "video/x-matroska":
		return bytes.HasPrefix(data, ebmlMagic)
	case "video/mp4":
		return isoBoxType(data) == "ftyp"
	case "video/quicktime":
		box := isoBoxType(data)
		if box == "ftyp" {
			return true
		}
		for _, atom := range quickTimeAtoms {
			if box == atom {
				return true
			}
		}
		return false
	case "video/ogg":
		return bytes.HasPrefix(data, oggMagic)
	default:
		return false
	}
}

// isoBoxType returns the type of the first ISO-BMFF box, found at offset 4.
func isoBoxType(data []byte) string {
	if len(data) < 8 {
		return ""
	}
	return string(data[4:8])
}
