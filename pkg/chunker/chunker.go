// Package chunker deterministically partitions a file into fixed-size byte
// ranges and fingerprints them for the resumable upload protocol.
package chunker

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// DefaultChunkSize is the chunk size used when the caller does not pick one.
const DefaultChunkSize int64 = 5 << 20

// A Range is one chunk of a file.
type Range struct {
	Index  int
	Offset int64
	Length int64
}

// Count returns the number of chunks a file of fileSize splits into.
func Count(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Split partitions fileSize into ranges of chunkSize bytes, the last one
// truncated to the remainder. The output only depends on the inputs, so an
// interrupted transfer recomputes the exact same ranges on resume.
func Split(fileSize, chunkSize int64) []Range {
	ranges := make([]Range, 0, Count(fileSize, chunkSize))

	for offset := int64(0); offset < fileSize; offset += chunkSize {
		length := chunkSize
		if offset+length > fileSize {
			length = fileSize - offset
		}

		ranges = append(ranges, Range{
			Index:  len(ranges),
			Offset: offset,
			Length: length,
		})
	}

	return ranges
}

// ChunkFingerprint hashes the content of one chunk.
//
// Every chunk but the last is hashed in full. The last chunk is sampled: a
// 2-byte prefix, 2 bytes at the chunk's logical midpoint and the final
// 2 bytes. Its size already disambiguates it in common cases, so skipping
// the full hash trades integrity coverage of the tail for throughput. The
// sampling is part of the protocol: both sides must compute it identically.
func ChunkFingerprint(b []byte, index, total int, chunkSize int64) string {
	h := md5.New()

	if index == 0 || index < total-1 {
		h.Write(b)
	} else {
		h.Write(sample(b, 0, 2))
		h.Write(sample(b, chunkSize/2, chunkSize/2+2))
		h.Write(sample(b, chunkSize-2, chunkSize))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// FileFingerprint derives the stable identity of a transfer from the file's
// name, byte size and modification time. Identical metadata resumes the
// same transfer, any difference starts a fresh one.
func FileFingerprint(name string, size, lastModified int64) string {
	h := md5.New()
	fmt.Fprintf(h, "%s:%d:%d", name, size, lastModified)
	return hex.EncodeToString(h.Sum(nil))
}

// sample extracts b[from:to), clamped to the slice bounds.
func sample(b []byte, from, to int64) []byte {
	size := int64(len(b))
	if from < 0 {
		from = 0
	}
	if from > size {
		from = size
	}
	if to > size {
		to = size
	}
	if to < from {
		to = from
	}
	return b[from:to]
}
