package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/gofrs/uuid"
	"github.com/ncw/swift/v2"
	"github.com/pkg/errors"
)

type swiftbackend struct {
	conn      *swift.Connection
	container string
	segments  string
}

// NewSwift returns a Backend storing objects in OpenStack Swift as dynamic
// large objects: each part is uploaded as a segment and completion publishes
// a manifest pointing at the segment prefix.
func NewSwift(conn *swift.Connection, container, segments string) Backend {
	return &swiftbackend{
		conn:      conn,
		container: container,
		segments:  segments,
	}
}

func (b *swiftbackend) Name() string {
	return "swift"
}

func (b *swiftbackend) Initiate(ctx context.Context, key string) (string, error) {
	if err := b.conn.ContainerCreate(ctx, b.container, nil); err != nil {
		return "", errors.Wrap(err, "could not create container")
	}
	if err := b.conn.ContainerCreate(ctx, b.segments, nil); err != nil {
		return "", errors.Wrap(err, "could not create segments container")
	}

	return uuid.Must(uuid.NewV4()).String(), nil
}

func (b *swiftbackend) UploadPart(ctx context.Context, key, handle string, number int, r io.Reader) (string, error) {
	headers, err := b.conn.ObjectPut(ctx, b.segments, b.segment(key, handle, number), r, true, "", "application/octet-stream", nil)
	if err != nil {
		if err == swift.ContainerNotFound {
			return "", errors.Wrapf(ErrSessionInvalid, "session %s", handle)
		}
		return "", errors.Wrap(err, "could not upload segment")
	}
	return headers["Etag"], nil
}

func (b *swiftbackend) Complete(ctx context.Context, key, handle string, parts []Part) (string, error) {
	// The manifest makes Swift serve the segments, ordered by name, as one
	// object. Segment names embed a zero-padded part number so the
	// lexicographic order is the part order.
	manifest := swift.Headers{
		"X-Object-Manifest": path.Join(b.segments, b.prefix(key, handle)) + "/",
	}

	_, err := b.conn.ObjectPut(ctx, b.container, key, bytes.NewReader(nil), false, "", "application/octet-stream", manifest)
	if err != nil {
		return "", errors.Wrap(err, "could not create manifest")
	}
	return key, nil
}

func (b *swiftbackend) Abort(ctx context.Context, key, handle string) error {
	objects, err := b.conn.ObjectsAll(ctx, b.segments, &swift.ObjectsOpts{
		Prefix: b.prefix(key, handle) + "/",
	})
	if err != nil {
		if err == swift.ContainerNotFound {
			return nil
		}
		return errors.Wrap(err, "could not list segments")
	}

	for _, object := range objects {
		err = b.conn.ObjectDelete(ctx, b.segments, object.Name)
		if err != nil && err != swift.ObjectNotFound {
			return errors.Wrap(err, "could not delete segment")
		}
	}
	return nil
}

func (b *swiftbackend) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, _, err := b.conn.ObjectOpen(ctx, b.container, key, false, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not open object")
	}
	return rc, nil
}

func (b *swiftbackend) Cleanup() error {
	return nil
}

func (b *swiftbackend) prefix(key, handle string) string {
	return path.Join(key, handle)
}

func (b *swiftbackend) segment(key, handle string, number int) string {
	return path.Join(b.prefix(key, handle), fmt.Sprintf("%08d", number))
}
