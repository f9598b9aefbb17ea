package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// NetworkError represents transport failures and upstream API errors
// including 5xx responses, connection resets and DNS failures.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_bytes", "resolve_content")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TimeoutError represents an operation that exceeded its deadline, either a
// per-request timeout or an upstream 408 response.
type TimeoutError struct {
	Operation string // The operation that timed out
	Err       error  // Underlying error, if any
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s", e.Operation)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents authentication and authorization failures
// including 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Source string // The content source that rejected the credentials
	Err    error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for source %s", e.Source)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// ContentNotFoundError represents a content identifier the source cannot
// resolve, typically a 404 response or a removed catalog entry.
type ContentNotFoundError struct {
	ContentID string
	Source    string
	Err       error
}

func (e *ContentNotFoundError) Error() string {
	return fmt.Sprintf("content %q not found on %s", e.ContentID, e.Source)
}

func (e *ContentNotFoundError) Unwrap() error {
	return e.Err
}

// InvalidContentError represents malformed or corrupt content. This covers
// checksum and size validation failures as well as payloads the source
// itself rejects.
type InvalidContentError struct {
	Filename string // Name of the file or item that failed validation
	Reason   string // Human-readable explanation of why the content is invalid
	Err      error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content in %s: %s", e.Filename, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// DirectoryError represents failures preparing or writing the destination
// directory, such as permission problems or an unusable path.
type DirectoryError struct {
	DirectoryName string // The directory that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// InsufficientStorageError is produced by the pre-flight disk space gate
// when the destination volume cannot hold the expected payload plus the
// configured free-space buffer.
type InsufficientStorageError struct {
	Path           string
	RequiredBytes  uint64
	AvailableBytes uint64
}

func (e *InsufficientStorageError) Error() string {
	return fmt.Sprintf("insufficient storage at %s: need %s, have %s",
		e.Path, humanize.Bytes(e.RequiredBytes), humanize.Bytes(e.AvailableBytes))
}

// RateLimitError represents a 429 response. RetryAfter carries the source's
// Retry-After hint when one was sent, zero otherwise.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s (retry after %s)", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Source)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is the terminal error of a download whose retry budget
// ran out. It wraps the error of the last attempt.
type RetryExhaustedError struct {
	Retries int
	Err     error
}

func (e *RetryExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download failed after %d retries: %v", e.Retries, e.Err)
	}
	return fmt.Sprintf("download failed after %d retries", e.Retries)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is worth another fetch attempt. Network
// faults, timeouts, rate limits and unclassified I/O errors are transient;
// authentication, missing content, validation, storage and directory
// failures are not, and neither is caller cancellation.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		authErr    *AuthenticationError
		notFound   *ContentNotFoundError
		invalid    *InvalidContentError
		dirErr     *DirectoryError
		storageErr *InsufficientStorageError
		exhausted  *RetryExhaustedError
	)

	switch {
	case errors.As(err, &authErr),
		errors.As(err, &notFound),
		errors.As(err, &invalid),
		errors.As(err, &dirErr),
		errors.As(err, &storageErr),
		errors.As(err, &exhausted):
		return false
	}

	return true
}

// RetryAfterHint extracts a source-provided backoff hint from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
