package database

import (
	"sort"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/codec/json"
	"github.com/asdine/storm/v3/q"
	"github.com/chunkstream/chunkstream/internal/model"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

type strm struct {
	db *storm.DB
}

// StormCodec is the format used to store data in the database.
var StormCodec = storm.Codec(json.Codec)

// StormInit initializes Storm database.
func StormInit(database string) error {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	if err := db.Init(&model.Transfer{}); err != nil {
		return errors.Wrap(err, "could not init transfer index")
	}

	err = db.Init(&model.Chunk{})
	return errors.Wrap(err, "could not init chunk index")
}

// StormReIndex rebuilds the indexes of the Storm database.
func StormReIndex(database string) error {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	if err := db.ReIndex(&model.Transfer{}); err != nil {
		return errors.Wrap(err, "could not ReIndex transfers")
	}

	err = db.ReIndex(&model.Chunk{})
	return errors.Wrap(err, "could not ReIndex chunks")
}

// StormOpen opens the Storm database and returns a Client.
func StormOpen(database string) (Client, error) {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return nil, errors.Wrap(err, "could not get database connection")
	}

	return &strm{
		db: db,
	}, nil
}

func (c *strm) Save(m model.Model) error {
	t := time.Now().UTC()
	m.SetUpdatedAt(t)

	if m.GetID() == "" {
		m.SetID(uuid.Must(uuid.NewV4()).String())
		m.SetCreatedAt(t)
	}

	return errors.Wrap(c.db.Save(m), "could not save the model")
}

func (c *strm) Delete(m model.Model) error {
	return errors.Wrap(c.db.DeleteStruct(m), "could not delete the model")
}

func (c *strm) Close() error {
	return c.db.Close()
}

func (c *strm) IsNotFound(err error) bool {
	return errors.Cause(err) == storm.ErrNotFound
}

func (c *strm) IsConflict(err error) bool {
	return errors.Cause(err) == storm.ErrAlreadyExists
}

//
// Transfer
//

func (c *strm) AllTransfers() ([]*model.Transfer, error) {
	transfers := make([]*model.Transfer, 0)
	err := c.db.All(&transfers)
	if err != nil {
		return nil, errors.Wrap(err, "could not get all transfers")
	}

	sort.Slice(transfers, func(i, j int) bool {
		ti, tj := transfers[i].CreatedAt, transfers[j].CreatedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	return transfers, nil
}

func (c *strm) FindTransfer(id string) (*model.Transfer, error) {
	var transfer model.Transfer
	err := c.db.One("ID", id, &transfer)
	return &transfer, errors.Wrap(err, "could not find transfer")
}

func (c *strm) FindTransferByFingerprint(fingerprint string) (*model.Transfer, error) {
	var transfer model.Transfer
	err := c.db.One("Fingerprint", fingerprint, &transfer)
	return &transfer, errors.Wrap(err, "could not find transfer")
}

//
// Chunk (ledger)
//

func (c *strm) RecordChunk(chunk *model.Chunk) error {
	chunk.Ref = model.ChunkRef(chunk.Fingerprint, chunk.Index)

	err := c.Save(chunk)
	if !c.IsConflict(err) {
		return err
	}

	// Duplicate index. Keep the recorded entry and refresh its token when a
	// resend carries a new one (lost acknowledgment on the client side).
	recorded, err := c.FindChunk(chunk.Fingerprint, chunk.Index)
	if err != nil {
		return errors.Wrap(err, "could not reload duplicate chunk")
	}

	if chunk.AckToken != "" && chunk.AckToken != recorded.AckToken {
		recorded.AckToken = chunk.AckToken
		recorded.ContentHash = chunk.ContentHash
		if err = c.Save(recorded); err != nil {
			return errors.Wrap(err, "could not refresh chunk token")
		}
	}

	*chunk = *recorded
	return nil
}

func (c *strm) FindChunk(fingerprint string, index int) (*model.Chunk, error) {
	var chunk model.Chunk
	err := c.db.One("Ref", model.ChunkRef(fingerprint, index), &chunk)
	return &chunk, errors.Wrap(err, "could not find chunk")
}

func (c *strm) ChunksAscending(fingerprint string) ([]*model.Chunk, error) {
	chunks := make([]*model.Chunk, 0)
	err := c.db.Select(q.Eq("Fingerprint", fingerprint)).Find(&chunks)
	if err != nil {
		if errors.Cause(err) == storm.ErrNotFound {
			return chunks[:0], nil
		}
		return nil, errors.Wrap(err, "could not get chunks by fingerprint")
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})
	return chunks, nil
}

func (c *strm) CountChunks(fingerprint string) (int, error) {
	n, err := c.db.Select(q.Eq("Fingerprint", fingerprint)).Count(&model.Chunk{})
	return n, errors.Wrap(err, "could not count chunks")
}

func (c *strm) DeleteChunks(fingerprint string) error {
	err := c.db.Select(q.Eq("Fingerprint", fingerprint)).Delete(&model.Chunk{})
	if errors.Cause(err) == storm.ErrNotFound {
		return nil
	}
	return errors.Wrap(err, "could not delete chunks")
}
