package chunker_test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/chunkstream/chunkstream/pkg/chunker"
	"github.com/stretchr/testify/assert"
)

func TestCount(t *testing.T) {
	assert.Equal(t, 0, chunker.Count(0, 1024))
	assert.Equal(t, 1, chunker.Count(1, 1024))
	assert.Equal(t, 1, chunker.Count(1024, 1024))
	assert.Equal(t, 2, chunker.Count(1025, 1024))
	assert.Equal(t, 4, chunker.Count(12<<20, 3<<20))
	assert.Equal(t, 0, chunker.Count(1024, 0))
}

func TestSplit(t *testing.T) {
	ranges := chunker.Split(10, 4)
	assert.Equal(t, []chunker.Range{
		{Index: 0, Offset: 0, Length: 4},
		{Index: 1, Offset: 4, Length: 4},
		{Index: 2, Offset: 8, Length: 2},
	}, ranges)

	// Exact multiple: no truncated tail.
	ranges = chunker.Split(8, 4)
	assert.Equal(t, []chunker.Range{
		{Index: 0, Offset: 0, Length: 4},
		{Index: 1, Offset: 4, Length: 4},
	}, ranges)

	assert.Empty(t, chunker.Split(0, 4))

	// Deterministic: a resumed run recomputes identical ranges.
	assert.Equal(t, chunker.Split(12<<20, 3<<20), chunker.Split(12<<20, 3<<20))
}

func TestChunkFingerprint(t *testing.T) {
	chunkSize := int64(8)
	full := bytes.Repeat([]byte{0xAB}, 8)

	// Every chunk but the last is hashed in full.
	sum := md5.Sum(full)
	assert.Equal(t, hex.EncodeToString(sum[:]), chunker.ChunkFingerprint(full, 0, 3, chunkSize))
	assert.Equal(t, hex.EncodeToString(sum[:]), chunker.ChunkFingerprint(full, 1, 3, chunkSize))

	// The last chunk is sampled: prefix, midpoint and tail of its range.
	last := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	h := md5.New()
	h.Write(last[0:2])
	h.Write(last[4:6])
	h.Write(last[6:8])
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), chunker.ChunkFingerprint(last, 2, 3, chunkSize))

	// A single-chunk file is always hashed in full.
	sum = md5.Sum(last)
	assert.Equal(t, hex.EncodeToString(sum[:]), chunker.ChunkFingerprint(last, 0, 1, chunkSize))
}

func TestChunkFingerprintShortTail(t *testing.T) {
	// Tail shorter than the sampling offsets: windows clamp to the data.
	chunkSize := int64(1 << 20)
	tail := []byte{42, 43, 44}

	// Only the prefix window survives the clamping, the midpoint and end
	// windows land past the data.
	h := md5.New()
	h.Write(tail[0:2])
	expected := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, expected, chunker.ChunkFingerprint(tail, 3, 4, chunkSize))
	assert.NotPanics(t, func() {
		chunker.ChunkFingerprint([]byte{1}, 3, 4, chunkSize)
		chunker.ChunkFingerprint(nil, 3, 4, chunkSize)
	})
}

func TestFileFingerprint(t *testing.T) {
	fingerprint := chunker.FileFingerprint("report.pdf", 12<<20, 1700000000000)

	assert.Len(t, fingerprint, 32)
	assert.Equal(t, fingerprint, chunker.FileFingerprint("report.pdf", 12<<20, 1700000000000))

	// Any metadata difference starts a fresh transfer.
	assert.NotEqual(t, fingerprint, chunker.FileFingerprint("report2.pdf", 12<<20, 1700000000000))
	assert.NotEqual(t, fingerprint, chunker.FileFingerprint("report.pdf", 12<<20+1, 1700000000000))
	assert.NotEqual(t, fingerprint, chunker.FileFingerprint("report.pdf", 12<<20, 1700000000001))
}
