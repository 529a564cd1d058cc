package service

import (
	"context"
	"fmt"
	"time"

	"github.com/chunkstream/chunkstream/internal/database"
	"github.com/chunkstream/chunkstream/internal/model"
	"github.com/chunkstream/chunkstream/internal/storage"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

// A ChunkCountMismatchError is the merge-time integrity gate: the ledger
// does not hold exactly the declared number of chunks.
type ChunkCountMismatchError struct {
	Expected int   `json:"expected"`
	Actual   int   `json:"actual"`
	Missing  []int `json:"missing_indices"`
	Extra    []int `json:"extra_indices"`
}

func (e *ChunkCountMismatchError) Error() string {
	return fmt.Sprintf("expected %d chunks, found %d", e.Expected, e.Actual)
}

// A Merger assembles the recorded parts of a transfer into the final object.
type Merger struct {
	logger  logger.Logger
	db      database.Client
	storage storage.Backend
}

// NewMerger returns a new Merger.
func NewMerger(l logger.Logger, db database.Client, storage storage.Backend) *Merger {
	return &Merger{
		logger:  l,
		db:      db,
		storage: storage,
	}
}

// Merge validates the ledger against the declared chunk count, issues the
// backend completion and finalizes the transfer record. A retry after a
// successful merge short-circuits with the stored object key. A backend
// completion failure leaves the ledger untouched so the merge stays
// retriable.
func (s *Merger) Merge(ctx context.Context, fingerprint string, totalChunks int) (*model.Transfer, error) {
	transfer, err := s.db.FindTransferByFingerprint(fingerprint)
	if err != nil {
		if s.db.IsNotFound(err) {
			return nil, errors.Wrapf(ErrTransferNotFound, "fingerprint %s", fingerprint)
		}
		return nil, err
	}

	if transfer.Finalized {
		s.logger.WithPrefix("[merge]").Infof("transfer %s already finalized", fingerprint)
		return transfer, nil
	}

	//

	chunks, err := s.db.ChunksAscending(fingerprint)
	if err != nil {
		return transfer, err
	}

	if len(chunks) != totalChunks {
		return transfer, mismatch(chunks, totalChunks)
	}

	parts := make([]storage.Part, 0, len(chunks))
	for _, chunk := range chunks {
		parts = append(parts, storage.Part{
			Number:   chunk.Index + 1, // the backend requires 1-based part numbers
			AckToken: chunk.AckToken,
		})
	}

	//

	key, err := s.storage.Complete(ctx, transfer.ObjectKey, transfer.SessionHandle, parts)
	if err != nil {
		return transfer, errors.Wrap(err, "could not complete multipart upload")
	}

	//

	now := time.Now().UTC()
	transfer.Finalized = true
	transfer.FinalizedAt = &now
	transfer.ObjectKey = key
	transfer.TotalChunks = totalChunks
	transfer.UploadedChunks = totalChunks
	if err = s.db.Save(transfer); err != nil {
		return transfer, err
	}

	err = s.db.DeleteChunks(fingerprint)
	return transfer, errors.Wrap(err, "could not clear ledger")
}

func mismatch(chunks []*model.Chunk, expected int) error {
	recorded := make(map[int]bool, len(chunks))
	diag := &ChunkCountMismatchError{
		Expected: expected,
		Actual:   len(chunks),
		Missing:  []int{},
		Extra:    []int{},
	}

	for _, chunk := range chunks {
		recorded[chunk.Index] = true
		if chunk.Index >= expected {
			diag.Extra = append(diag.Extra, chunk.Index)
		}
	}
	for i := 0; i < expected; i++ {
		if !recorded[i] {
			diag.Missing = append(diag.Missing, i)
		}
	}

	return diag
}
