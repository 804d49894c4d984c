package core

import (
	"fmt"
)

// FormatError is an error indicating that the binary structure of a container
// is malformed, truncated or inconsistent with its own metadata.
// `Offset`, `Expected` and `Actual` are -1 when not applicable.
type FormatError struct {
	error
	Offset   int64
	Expected int64
	Actual   int64
}

// Unwrap returns the underlying error
func (e *FormatError) Unwrap() error {
	return e.error
}

// FormatErrorf raises a `FormatError` without positional context
func FormatErrorf(format string, a ...interface{}) *FormatError {
	return &FormatError{error: fmt.Errorf(format, a...), Offset: -1, Expected: -1, Actual: -1}
}

// FormatErrorAt raises a `FormatError` describing a mismatch at `offset`.
// The offset and the expected / actual values are appended to the message.
func FormatErrorAt(offset, expected, actual int64, format string, a ...interface{}) *FormatError {
	msg := fmt.Sprintf(format, a...)
	return &FormatError{
		error:    fmt.Errorf("%s (offset=%d, expected=%d, actual=%d)", msg, offset, expected, actual),
		Offset:   offset,
		Expected: expected,
		Actual:   actual,
	}
}

// MetadataError is an error indicating that the metadata document is present
// but semantically invalid (missing fields, duplicate IDs, dangling references)
type MetadataError struct {
	error
	Kind string
	ID   int
}

// Unwrap returns the underlying error
func (e *MetadataError) Unwrap() error {
	return e.error
}

// MetadataErrorf raises a `MetadataError` for the element `kind` with `id`.
// Use an `id` of -1 when the element could not be identified.
func MetadataErrorf(kind string, id int, format string, a ...interface{}) *MetadataError {
	msg := fmt.Sprintf(format, a...)
	if id < 0 {
		return &MetadataError{error: fmt.Errorf("%s: %s", kind, msg), Kind: kind, ID: id}
	}
	return &MetadataError{error: fmt.Errorf("%s %d: %s", kind, id, msg), Kind: kind, ID: id}
}

// InvalidChannelError indicates that a requested channel does not exist within an acquisition
type InvalidChannelError struct {
	AcquisitionID int
	Channel       string
}

func (e *InvalidChannelError) Error() string {
	return fmt.Sprintf("acquisition %d has no channel %q", e.AcquisitionID, e.Channel)
}

// NewInvalidChannelError raises an `InvalidChannelError`
func NewInvalidChannelError(acquisitionID int, channel string) *InvalidChannelError {
	return &InvalidChannelError{AcquisitionID: acquisitionID, Channel: channel}
}

// CacheIOError indicates that a cache file could not be written or read back.
// Callers are expected to fall back to direct extraction.
type CacheIOError struct {
	error
	Path string
}

// Unwrap returns the underlying error
func (e *CacheIOError) Unwrap() error {
	return e.error
}

// CacheIOErrorf raises a `CacheIOError` for `path`
func CacheIOErrorf(path string, format string, a ...interface{}) *CacheIOError {
	return &CacheIOError{error: fmt.Errorf("cache %s: %w", path, fmt.Errorf(format, a...)), Path: path}
}
