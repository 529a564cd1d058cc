package service

import (
	"context"
	"io"

	"github.com/chunkstream/chunkstream/internal/model"
	"github.com/chunkstream/chunkstream/internal/storage"
)

// A Downloader streams a finalized transfer's object out of the backend.
type Downloader struct {
	storage  storage.Backend
	transfer *model.Transfer
}

// NewDownloader returns a new Downloader.
func NewDownloader(storage storage.Backend, transfer *model.Transfer) *Downloader {
	return &Downloader{
		storage:  storage,
		transfer: transfer,
	}
}

func (s *Downloader) Stream(ctx context.Context) (io.ReadCloser, error) {
	return s.storage.Reader(ctx, s.transfer.ObjectKey)
}

func (s *Downloader) Filename() string {
	return s.transfer.Filename
}

func (s *Downloader) Size() int64 {
	return s.transfer.Size
}
