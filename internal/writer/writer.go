// Package writer defines the collaborator that turns a staged fragment set
// into a finished data product. The engine treats it as a black box: it only
// distinguishes success, retryable failure, and fatal failure.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a dispatch failure.
type Kind int

const (
	// KindRetryable failures consume retry budget and requeue with backoff.
	KindRetryable Kind = iota
	// KindFatal failures quarantine the group immediately.
	KindFatal
)

func (k Kind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "retryable"
}

// Error is the typed failure a Writer returns. The dispatcher routes groups
// based on Kind; anything that is not a *writer.Error is treated as retryable.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("writer %s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("writer (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a retryable writer failure.
func Retryable(op string, err error) *Error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Fatal wraps err as a fatal writer failure.
func Fatal(op string, err error) *Error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// IsFatal reports whether err carries a fatal classification.
func IsFatal(err error) bool {
	var writerErr *Error
	return errors.As(err, &writerErr) && writerErr.Kind == KindFatal
}

// Metadata describes the group being dispatched.
type Metadata struct {
	GroupID    string
	PartCount  int
	TotalBytes int64
	Degraded   bool
}

// Handle identifies a completed dispatch.
type Handle struct {
	GroupID    string
	OutputRef  string
	FinishedAt time.Time
}

// Writer consumes one staged group directory. Implementations must respect
// ctx cancellation; the dispatcher enforces the per-attempt timeout through it.
type Writer interface {
	Dispatch(ctx context.Context, stagedPath string, meta Metadata) (Handle, error)
}
