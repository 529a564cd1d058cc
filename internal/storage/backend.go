package storage

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ErrSessionInvalid reports that the backend no longer recognizes the
// multipart session handle. The caller may initiate a new session and retry
// the part upload with it.
var ErrSessionInvalid = errors.New("multipart session invalid or expired")

// IsSessionInvalid returns true when err carries ErrSessionInvalid.
func IsSessionInvalid(err error) bool {
	return errors.Cause(err) == ErrSessionInvalid
}

// A Part pairs an uploaded part number with the acknowledgment token the
// backend returned for it. Part numbers start at 1 and must be strictly
// increasing at completion time.
type Part struct {
	Number   int
	AckToken string
}

// Backend is the multipart capability of an object store.
type Backend interface {
	// Name returns the name of the backend implementation.
	Name() string

	// Initiate opens a multipart session for the given object key and
	// returns its opaque handle.
	Initiate(ctx context.Context, key string) (handle string, err error)
	// UploadPart stores one part in the session and returns its ack token.
	// It fails with ErrSessionInvalid when the handle expired backend-side.
	UploadPart(ctx context.Context, key, handle string, number int, r io.Reader) (token string, err error)
	// Complete assembles the ordered parts into the final object.
	Complete(ctx context.Context, key, handle string, parts []Part) (objectKey string, err error)
	// Abort discards the session and its parts.
	Abort(ctx context.Context, key, handle string) error

	// Reader streams a completed object.
	Reader(ctx context.Context, key string) (io.ReadCloser, error)
	// Cleanup cleans useless artifacts in storage.
	Cleanup() error
}
