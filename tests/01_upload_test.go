package tests

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chunkstream/chunkstream/pkg/chunker"
	"github.com/chunkstream/chunkstream/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload(t *testing.T) {
	url, db, backend, cleanup := setup()
	defer cleanup()

	path, content := tempfile(t, 12<<20) // 4 chunks of 3MiB
	ctx := context.Background()

	c := client.New(url, client.WithChunkSize(chunkSize))

	//

	var fractions []float64
	result, err := c.Upload(ctx, path, func(fraction float64) {
		fractions = append(fractions, fraction)
	})
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.FinalObjectKey)
	assert.Equal(t, 4, backend.uploaded())

	// Progress only moves forward and ends complete.
	require.NotEmpty(t, fractions)
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
	assert.Equal(t, 1.0, fractions[len(fractions)-1])

	//

	info, err := os.Stat(path)
	require.NoError(t, err)
	fingerprint := chunker.FileFingerprint(filepath.Base(path), info.Size(), info.ModTime().UnixMilli())

	transfer, err := db.FindTransferByFingerprint(fingerprint)
	assert.NoError(t, err)
	assert.True(t, transfer.Finalized)
	assert.Equal(t, result.FinalObjectKey, transfer.ObjectKey)

	// The ledger is cleared once the object is durable.
	count, err := db.CountChunks(fingerprint)
	assert.NoError(t, err)
	assert.Equal(t, 0, count)

	//

	files, err := c.Files(ctx)
	assert.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, transfer.ID, files[0]["id"])
	assert.Equal(t, true, files[0]["finalized"])

	var buf bytes.Buffer
	err = c.Download(ctx, transfer.ID, &buf)
	assert.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
}

func TestUploadEmptyFile(t *testing.T) {
	url, _, _, cleanup := setup()
	defer cleanup()

	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	c := client.New(url, client.WithChunkSize(chunkSize))

	_, err := c.Upload(context.Background(), path, nil)
	assert.Error(t, err)
}
