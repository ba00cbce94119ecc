package service

import "errors"

// Errors surfaced to the HTTP layer. Storage backend failures never appear
// here; they are recovered by falling back to local storage.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("recording already uploaded")
	ErrInvalidContent      = errors.New("invalid content")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)
