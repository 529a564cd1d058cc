package database

import (
	"github.com/chunkstream/chunkstream/internal/model"
)

type (
	// A Client can interacts with the database.
	Client interface {
		// Save inserts or updates the entry in database with the given model.
		Save(m model.Model) error
		// Delete deletes the entry in database with the given model.
		Delete(m model.Model) error
		// Close the database.
		Close() error
		// IsNotFound returns true if err is a not found error.
		IsNotFound(err error) bool
		// IsConflict returns true if err is a uniqueness constraint violation.
		IsConflict(err error) bool

		TransferInteraction
		ChunkInteraction
	}

	// A TransferInteraction defines all the methods used to interact with a transfer record.
	TransferInteraction interface {
		AllTransfers() ([]*model.Transfer, error)
		FindTransfer(id string) (*model.Transfer, error)
		FindTransferByFingerprint(fingerprint string) (*model.Transfer, error)
	}

	// A ChunkInteraction is the chunk ledger: the durable record of which
	// chunk indices have been accepted for a transfer.
	ChunkInteraction interface {
		// RecordChunk inserts the chunk. Inserting a duplicate
		// (fingerprint, index) is a no-op, unless the ack token changed in
		// which case the stored token is refreshed.
		RecordChunk(chunk *model.Chunk) error
		FindChunk(fingerprint string, index int) (*model.Chunk, error)
		// ChunksAscending returns the ledger for a fingerprint ordered by
		// index ascending, the order required for part assembly at merge.
		ChunksAscending(fingerprint string) ([]*model.Chunk, error)
		CountChunks(fingerprint string) (int, error)
		DeleteChunks(fingerprint string) error
	}
)
