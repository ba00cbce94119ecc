package service

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is an inclusive byte interval within a body of Total bytes.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange formats the value of a Content-Range header.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// RangeNotSatisfiableError carries the body size for a 416 response.
type RangeNotSatisfiableError struct {
	Total int64
}

func (e *RangeNotSatisfiableError) Error() string {
	return fmt.Sprintf("range not satisfiable for %d bytes", e.Total)
}

func (e *RangeNotSatisfiableError) Is(target error) bool {
	return target == ErrRangeNotSatisfiable
}

// ParseRange interprets a single-range Range header against a body of total
// bytes. It returns nil for an absent, malformed or multi-range header, in
// which case the full body should be served. The end is clamped to total-1.
func ParseRange(header string, total int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	rng, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(rng, ",") {
		return nil, nil
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(rng), "-")
	if !ok {
		return nil, nil
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// suffix range: last n bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, nil
		}
		if n == 0 || total == 0 {
			return nil, &RangeNotSatisfiableError{Total: total}
		}
		if n > total {
			n = total
		}
		return &ByteRange{Start: total - n, End: total - 1, Total: total}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}

	end := total - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, nil
		}
	}

	if start >= total {
		return nil, &RangeNotSatisfiableError{Total: total}
	}
	if end > total-1 {
		end = total - 1
	}
	return &ByteRange{Start: start, End: end, Total: total}, nil
}
