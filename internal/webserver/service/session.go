package service

import (
	"bytes"
	"context"
	"path"

	"github.com/chunkstream/chunkstream/internal/database"
	"github.com/chunkstream/chunkstream/internal/model"
	"github.com/chunkstream/chunkstream/internal/storage"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

// ErrTransferFinalized reports a chunk or merge arriving after the transfer
// has been finalized.
var ErrTransferFinalized = errors.New("transfer already finalized")

// ErrTransferNotFound reports an operation on an unknown fingerprint.
var ErrTransferNotFound = errors.New("transfer not found")

// ObjectKey is the location of the assembled object in the backend.
func ObjectKey(fingerprint, filename string) string {
	return path.Join("files", "merged", fingerprint, filename)
}

// A ChunkUpload is one inbound chunk of a transfer.
type ChunkUpload struct {
	Fingerprint  string
	Index        int
	Filename     string
	Size         int64
	LastModified int64
	TotalChunks  int
	ContentHash  string
	Data         []byte
}

// A SessionCoordinator owns the lifecycle of the backend multipart session
// for a transfer and appends accepted chunks to the ledger. It holds no
// in-process state: concurrent requests converge through the store's
// uniqueness constraints.
type SessionCoordinator struct {
	logger  logger.Logger
	db      database.Client
	storage storage.Backend
}

// NewSessionCoordinator returns a new SessionCoordinator.
func NewSessionCoordinator(l logger.Logger, db database.Client, storage storage.Backend) *SessionCoordinator {
	return &SessionCoordinator{
		logger:  l,
		db:      db,
		storage: storage,
	}
}

// Accept stores one chunk: it ensures a live multipart session, uploads the
// part and records it in the ledger. Duplicate indices short-circuit without
// touching the backend. A session reported invalid by the backend is
// recreated and the part retried exactly once.
func (s *SessionCoordinator) Accept(ctx context.Context, up ChunkUpload) (*model.Transfer, *model.Chunk, error) {
	transfer, err := s.ensureTransfer(ctx, up)
	if err != nil {
		return nil, nil, err
	}

	if transfer.Finalized {
		return transfer, nil, errors.Wrapf(ErrTransferFinalized, "fingerprint %s", up.Fingerprint)
	}

	// Already in the ledger: the backend holds this part, do not upload it
	// again. The recorded token keeps a client with a lost ack consistent.
	chunk, err := s.db.FindChunk(up.Fingerprint, up.Index)
	if err == nil {
		return transfer, chunk, nil
	}
	if !s.db.IsNotFound(err) {
		return transfer, nil, err
	}

	//

	token, err := s.uploadPart(ctx, transfer, up)
	if err != nil {
		return transfer, nil, err
	}

	//

	chunk = &model.Chunk{
		Fingerprint: up.Fingerprint,
		Index:       up.Index,
		ContentHash: up.ContentHash,
		AckToken:    token,
	}
	if err = s.db.RecordChunk(chunk); err != nil {
		return transfer, nil, err
	}

	count, err := s.db.CountChunks(up.Fingerprint)
	if err != nil {
		return transfer, chunk, err
	}

	transfer.UploadedChunks = count
	if up.TotalChunks > 0 {
		transfer.TotalChunks = up.TotalChunks
	}
	err = s.db.Save(transfer)
	return transfer, chunk, err
}

// ensureTransfer finds the transfer record or creates it along with a fresh
// backend session. Concurrent first chunks race on the fingerprint
// uniqueness constraint: the loser aborts its own freshly initiated session
// and adopts the winner's record, so a fingerprint never owns two live
// sessions.
func (s *SessionCoordinator) ensureTransfer(ctx context.Context, up ChunkUpload) (*model.Transfer, error) {
	transfer, err := s.db.FindTransferByFingerprint(up.Fingerprint)
	if err == nil {
		return transfer, nil
	}
	if !s.db.IsNotFound(err) {
		return nil, err
	}

	//

	key := ObjectKey(up.Fingerprint, up.Filename)
	handle, err := s.storage.Initiate(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "could not initiate session")
	}

	transfer = &model.Transfer{
		Fingerprint:   up.Fingerprint,
		Filename:      up.Filename,
		Size:          up.Size,
		LastModified:  up.LastModified,
		TotalChunks:   up.TotalChunks,
		SessionHandle: handle,
		ObjectKey:     key,
	}

	err = s.db.Save(transfer)
	if err == nil {
		return transfer, nil
	}
	if !s.db.IsConflict(err) {
		return nil, err
	}

	// Lost the creation race.
	if err := s.storage.Abort(ctx, key, handle); err != nil {
		s.logger.WithPrefix("[session]").Errorf("could not abort losing session %s: %s", handle, err)
	}
	return s.db.FindTransferByFingerprint(up.Fingerprint)
}

// uploadPart sends the chunk to the backend with the persisted session. When
// the backend reports the session invalid, a replacement session is
// initiated, persisted, and the part retried once. This is the only
// automatic retry performed server-side.
func (s *SessionCoordinator) uploadPart(ctx context.Context, transfer *model.Transfer, up ChunkUpload) (string, error) {
	number := up.Index + 1 // part numbers are 1-based

	token, err := s.storage.UploadPart(ctx, transfer.ObjectKey, transfer.SessionHandle, number, bytes.NewReader(up.Data))
	if err == nil {
		return token, nil
	}
	if !storage.IsSessionInvalid(err) {
		return "", errors.Wrap(err, "could not upload part")
	}

	s.logger.WithPrefix("[session]").Infof("session %s expired, reinitiating", transfer.SessionHandle)

	handle, err := s.storage.Initiate(ctx, transfer.ObjectKey)
	if err != nil {
		return "", errors.Wrap(err, "could not reinitiate session")
	}

	transfer.SessionHandle = handle
	if err = s.db.Save(transfer); err != nil {
		return "", err
	}

	token, err = s.storage.UploadPart(ctx, transfer.ObjectKey, handle, number, bytes.NewReader(up.Data))
	return token, errors.Wrap(err, "could not upload part after session reset")
}
