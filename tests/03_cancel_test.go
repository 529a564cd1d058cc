package tests

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chunkstream/chunkstream/pkg/chunker"
	"github.com/chunkstream/chunkstream/pkg/client"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelAndResume(t *testing.T) {
	url, db, backend, cleanup := setup()
	defer cleanup()

	path, content := tempfile(t, 12<<20) // 4 chunks of 3MiB

	info, err := os.Stat(path)
	require.NoError(t, err)
	fingerprint := chunker.FileFingerprint(filepath.Base(path), info.Size(), info.ModTime().UnixMilli())

	c := client.New(url, client.WithChunkSize(chunkSize))

	//

	// Let two chunks through, hold the rest back, and cancel once both acks
	// have landed.
	backend.allow(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	_, err = c.Upload(ctx, path, func(fraction float64) {
		if fraction >= 0.5 {
			once.Do(cancel)
		}
	})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	state, ok := c.Registry().State(fingerprint)
	assert.True(t, ok)
	assert.Equal(t, client.StatePaused, state)

	//

	// The acknowledged chunks are durable, nothing was finalized.
	count, err := db.CountChunks(fingerprint)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)

	transfer, err := db.FindTransferByFingerprint(fingerprint)
	assert.NoError(t, err)
	assert.False(t, transfer.Finalized)

	//

	// A later run picks up where the cancelled one stopped.
	backend.allow(-1)
	backend.resetUploads()

	result, err := c.Upload(context.Background(), path, nil)
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, backend.uploaded())

	state, _ = c.Registry().State(fingerprint)
	assert.Equal(t, client.StateCompleted, state)

	var buf bytes.Buffer
	err = c.Download(context.Background(), transfer.ID, &buf)
	assert.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
}

func TestMergeRejectedWhileIncomplete(t *testing.T) {
	url, db, backend, cleanup := setup()
	defer cleanup()

	path, _ := tempfile(t, 12<<20)

	info, err := os.Stat(path)
	require.NoError(t, err)
	fingerprint := chunker.FileFingerprint(filepath.Base(path), info.Size(), info.ModTime().UnixMilli())

	c := client.New(url, client.WithChunkSize(chunkSize))

	// Interrupt after two chunks.
	backend.allow(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	_, err = c.Upload(ctx, path, func(fraction float64) {
		if fraction >= 0.5 {
			once.Do(cancel)
		}
	})
	assert.Error(t, err)

	// A premature merge is rejected with the missing indices, without
	// touching the ledger.
	var failure struct {
		Message string `json:"message"`
		Details struct {
			Expected int   `json:"expected"`
			Actual   int   `json:"actual"`
			Missing  []int `json:"missing_indices"`
		} `json:"details"`
	}

	resp, err := resty.New().SetBaseURL(url).R().
		SetBody(map[string]interface{}{
			"fileName":                filepath.Base(path),
			"fileIdentityFingerprint": fingerprint,
			"totalChunkCount":         4,
		}).
		SetError(&failure).
		Post("/v1/uploads/merge")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.Equal(t, 4, failure.Details.Expected)
	assert.Equal(t, 2, failure.Details.Actual)
	assert.Len(t, failure.Details.Missing, 2)

	count, err := db.CountChunks(fingerprint)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)

	transfer, err := db.FindTransferByFingerprint(fingerprint)
	assert.NoError(t, err)
	assert.False(t, transfer.Finalized)
	assert.Empty(t, transfer.FinalizedAt)
}
