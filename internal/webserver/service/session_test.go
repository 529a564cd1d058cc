package service_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chunkstream/chunkstream/internal/database"
	"github.com/chunkstream/chunkstream/internal/storage"
	"github.com/chunkstream/chunkstream/internal/webserver/service"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memory is an in-process Backend recording every call, used to observe the
// coordinator's interactions without a real store.
type memory struct {
	mu       sync.Mutex
	sequence int
	sessions map[string]map[int][]byte // handle -> part number -> payload
	objects  map[string][]byte

	initiated   int
	uploaded    int
	completed   int
	aborted     []string
	failUploads int // fail the next n UploadPart calls with ErrSessionInvalid
}

func newMemory() *memory {
	return &memory{
		sessions: map[string]map[int][]byte{},
		objects:  map[string][]byte{},
	}
}

func (b *memory) Name() string {
	return "memory"
}

func (b *memory) Initiate(_ context.Context, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initiated++
	b.sequence++
	handle := fmt.Sprintf("session-%d", b.sequence)
	b.sessions[handle] = map[int][]byte{}
	return handle, nil
}

func (b *memory) UploadPart(_ context.Context, _, handle string, number int, r io.Reader) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failUploads > 0 {
		b.failUploads--
		return "", errors.Wrapf(storage.ErrSessionInvalid, "session %s", handle)
	}

	session, ok := b.sessions[handle]
	if !ok {
		return "", errors.Wrapf(storage.ErrSessionInvalid, "session %s", handle)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	b.uploaded++
	session[number] = payload
	return fmt.Sprintf("token-%s-%d", handle, number), nil
}

func (b *memory) Complete(_ context.Context, key, handle string, parts []storage.Part) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[handle]
	if !ok {
		return "", errors.Wrapf(storage.ErrSessionInvalid, "session %s", handle)
	}

	var object []byte
	for _, part := range parts {
		payload, ok := session[part.Number]
		if !ok {
			return "", errors.Errorf("part %d not uploaded", part.Number)
		}
		object = append(object, payload...)
	}

	b.completed++
	b.objects[key] = object
	delete(b.sessions, handle)
	return key, nil
}

func (b *memory) Abort(_ context.Context, _, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.aborted = append(b.aborted, handle)
	delete(b.sessions, handle)
	return nil
}

func (b *memory) Reader(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	object, ok := b.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(object)), nil
}

func (b *memory) Cleanup() error {
	return nil
}

//

func setup(t *testing.T) (database.Client, *memory, func()) {
	dir, err := os.MkdirTemp(os.TempDir(), "chunkstream.")
	require.NoError(t, err)

	db, err := database.StormOpen(filepath.Join(dir, "chunkstream.db"))
	require.NoError(t, err)

	return db, newMemory(), func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func testlog() logger.Logger {
	return logger.WrapLogrus(logrus.New())
}

func upload(index int, payload string) service.ChunkUpload {
	return service.ChunkUpload{
		Fingerprint:  "fp1",
		Index:        index,
		Filename:     "report.pdf",
		Size:         100,
		LastModified: 1700000000000,
		TotalChunks:  4,
		ContentHash:  "hash",
		Data:         []byte(payload),
	}
}

func TestSessionCoordinatorAccept(t *testing.T) {
	db, backend, cleanup := setup(t)
	defer cleanup()

	coordinator := service.NewSessionCoordinator(testlog(), db, backend)
	ctx := context.Background()

	transfer, chunk, err := coordinator.Accept(ctx, upload(0, "part0"))
	assert.NoError(t, err)
	assert.Equal(t, "fp1", transfer.Fingerprint)
	assert.Equal(t, service.ObjectKey("fp1", "report.pdf"), transfer.ObjectKey)
	assert.NotEmpty(t, transfer.SessionHandle)
	assert.Equal(t, 1, transfer.UploadedChunks)
	assert.Equal(t, 4, transfer.TotalChunks)
	assert.Equal(t, "token-"+transfer.SessionHandle+"-1", chunk.AckToken)

	// The second chunk reuses the session.
	transfer2, _, err := coordinator.Accept(ctx, upload(1, "part1"))
	assert.NoError(t, err)
	assert.Equal(t, transfer.SessionHandle, transfer2.SessionHandle)
	assert.Equal(t, 2, transfer2.UploadedChunks)
	assert.Equal(t, 1, backend.initiated)
}

func TestSessionCoordinatorDuplicateChunk(t *testing.T) {
	db, backend, cleanup := setup(t)
	defer cleanup()

	coordinator := service.NewSessionCoordinator(testlog(), db, backend)
	ctx := context.Background()

	_, first, err := coordinator.Accept(ctx, upload(0, "part0"))
	assert.NoError(t, err)

	// The duplicate short-circuits on the ledger without a backend upload.
	transfer, chunk, err := coordinator.Accept(ctx, upload(0, "part0"))
	assert.NoError(t, err)
	assert.Equal(t, first.AckToken, chunk.AckToken)
	assert.Equal(t, 1, transfer.UploadedChunks)
	assert.Equal(t, 1, backend.uploaded)
}

func TestSessionCoordinatorExpiredSession(t *testing.T) {
	db, backend, cleanup := setup(t)
	defer cleanup()

	coordinator := service.NewSessionCoordinator(testlog(), db, backend)
	ctx := context.Background()

	transfer, _, err := coordinator.Accept(ctx, upload(0, "part0"))
	assert.NoError(t, err)
	stale := transfer.SessionHandle

	// The backend invalidates the session under the transfer's feet. The
	// coordinator reinitiates, persists the new handle and retries once.
	backend.failUploads = 1

	transfer, chunk, err := coordinator.Accept(ctx, upload(1, "part1"))
	assert.NoError(t, err)
	assert.NotEqual(t, stale, transfer.SessionHandle)
	assert.Equal(t, "token-"+transfer.SessionHandle+"-2", chunk.AckToken)
	assert.Equal(t, 2, backend.initiated)

	recorded, err := db.FindTransferByFingerprint("fp1")
	assert.NoError(t, err)
	assert.Equal(t, transfer.SessionHandle, recorded.SessionHandle)
}

func TestSessionCoordinatorExpiredSessionTwice(t *testing.T) {
	db, backend, cleanup := setup(t)
	defer cleanup()

	coordinator := service.NewSessionCoordinator(testlog(), db, backend)
	ctx := context.Background()

	_, _, err := coordinator.Accept(ctx, upload(0, "part0"))
	assert.NoError(t, err)

	// A second failure right after the reset is not retried again.
	backend.failUploads = 2

	_, _, err = coordinator.Accept(ctx, upload(1, "part1"))
	assert.Error(t, err)
	assert.True(t, storage.IsSessionInvalid(err))
}

func TestSessionCoordinatorFinalizedTransfer(t *testing.T) {
	db, backend, cleanup := setup(t)
	defer cleanup()

	coordinator := service.NewSessionCoordinator(testlog(), db, backend)
	ctx := context.Background()

	transfer, _, err := coordinator.Accept(ctx, upload(0, "part0"))
	assert.NoError(t, err)

	transfer.Finalized = true
	require.NoError(t, db.Save(transfer))

	_, _, err = coordinator.Accept(ctx, upload(1, "part1"))
	assert.Equal(t, service.ErrTransferFinalized, errors.Cause(err))
}

func TestSessionCoordinatorConcurrentFirstChunks(t *testing.T) {
	db, backend, cleanup := setup(t)
	defer cleanup()

	coordinator := service.NewSessionCoordinator(testlog(), db, backend)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, _, err := coordinator.Accept(ctx, upload(index, fmt.Sprintf("part%d", index)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// One transfer record, and every session but the winner's was aborted.
	transfer, err := db.FindTransferByFingerprint("fp1")
	assert.NoError(t, err)
	assert.Equal(t, backend.initiated-1, len(backend.aborted))
	assert.NotContains(t, backend.aborted, transfer.SessionHandle)

	count, err := db.CountChunks("fp1")
	assert.NoError(t, err)
	assert.Equal(t, 4, count)
}
