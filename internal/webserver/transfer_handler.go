package webserver

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chunkstream/chunkstream/internal/database"
	"github.com/chunkstream/chunkstream/internal/storage"
	"github.com/chunkstream/chunkstream/internal/webserver/serializer"
	"github.com/chunkstream/chunkstream/internal/webserver/service"
	"github.com/chunkstream/chunkstream/internal/webserver/weberror"
	"github.com/labstack/echo/v4"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

type transfer struct {
	logger  logger.Logger
	db      database.Client
	storage storage.Backend
}

type (
	statusRequest struct {
		Fingerprint string `json:"fileIdentityFingerprint"`
	}

	statusResponse struct {
		UploadedChunkCount   int   `json:"uploadedChunkCount"`
		UploadedChunkIndices []int `json:"uploadedChunkIndices"`
	}

	chunkResponse struct {
		Success       bool   `json:"success"`
		Message       string `json:"message"`
		SessionHandle string `json:"sessionHandle"`
	}

	mergeRequest struct {
		Filename    string `json:"fileName"`
		Fingerprint string `json:"fileIdentityFingerprint"`
		TotalChunks int    `json:"totalChunkCount"`
	}

	mergeResponse struct {
		Success        bool   `json:"success"`
		Message        string `json:"message"`
		FinalObjectKey string `json:"finalObjectKey"`
	}

	progressRequest struct {
		Fingerprint        string `json:"fileIdentityFingerprint"`
		UploadedChunkCount int    `json:"uploadedChunkCount"`
	}
)

// Status reports which chunk indices are already durably recorded for a
// fingerprint, so a resuming client can prune its work set. Unknown
// fingerprints report an empty set.
func (h *transfer) Status(c echo.Context) error {
	c.Set("handler_method", "transfer.Status")

	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return weberror.Validation("malformed request body")
	}
	if req.Fingerprint == "" {
		return weberror.Validation("missing required field: fileIdentityFingerprint")
	}

	resp := statusResponse{
		UploadedChunkIndices: []int{},
	}

	chunks, err := h.db.ChunksAscending(req.Fingerprint)
	if err != nil {
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	for _, chunk := range chunks {
		resp.UploadedChunkIndices = append(resp.UploadedChunkIndices, chunk.Index)
	}
	resp.UploadedChunkCount = len(chunks)

	return c.JSON(http.StatusOK, resp)
}

// Chunk accepts one uploaded chunk of a transfer.
func (h *transfer) Chunk(c echo.Context) error {
	c.Set("handler_method", "transfer.Chunk")

	up, err := h.parseChunkForm(c)
	if err != nil {
		return err
	}

	coordinator := service.NewSessionCoordinator(h.logger, h.db, h.storage)
	record, _, err := coordinator.Accept(c.Request().Context(), up)
	switch {
	case err == nil:
	case errors.Cause(err) == service.ErrTransferFinalized:
		return weberror.New(http.StatusConflict, err.Error())
	default:
		return weberror.New(http.StatusInternalServerError, fmt.Sprintf("backend upload failed: %s", err))
	}

	return c.JSON(http.StatusOK, chunkResponse{
		Success:       true,
		Message:       fmt.Sprintf("chunk %d received", up.Index),
		SessionHandle: record.SessionHandle,
	})
}

// Merge finalizes a transfer once all its chunks are recorded.
func (h *transfer) Merge(c echo.Context) error {
	c.Set("handler_method", "transfer.Merge")

	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return weberror.Validation("malformed request body")
	}
	if req.Filename == "" || req.Fingerprint == "" || req.TotalChunks <= 0 {
		return weberror.Validation("missing required fields: fileName, fileIdentityFingerprint, totalChunkCount")
	}

	merger := service.NewMerger(h.logger, h.db, h.storage)
	record, err := merger.Merge(c.Request().Context(), req.Fingerprint, req.TotalChunks)

	var mismatch *service.ChunkCountMismatchError
	switch {
	case err == nil:
	case errors.Cause(err) == service.ErrTransferNotFound:
		return weberror.New(http.StatusNotFound, err.Error())
	case errors.As(err, &mismatch):
		return weberror.NewWithDetails(http.StatusBadRequest, mismatch.Error(), mismatch)
	default:
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, mergeResponse{
		Success:        true,
		Message:        fmt.Sprintf("file merged: %s", record.Filename),
		FinalObjectKey: record.ObjectKey,
	})
}

// Progress stores client-reported progress for cross-device visibility. It
// is telemetry, not correctness: the ledger stays authoritative.
func (h *transfer) Progress(c echo.Context) error {
	c.Set("handler_method", "transfer.Progress")

	var req progressRequest
	if err := c.Bind(&req); err != nil {
		return weberror.Validation("malformed request body")
	}
	if req.Fingerprint == "" {
		return weberror.Validation("missing required field: fileIdentityFingerprint")
	}

	record, err := h.db.FindTransferByFingerprint(req.Fingerprint)
	if err != nil {
		if h.db.IsNotFound(err) {
			return weberror.New(http.StatusNotFound, "transfer not found")
		}
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	record.UploadedChunks = req.UploadedChunkCount
	if err = h.db.Save(record); err != nil {
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"file":    serializer.Transfer(record),
	})
}

// List returns the transfer history, newest first.
func (h *transfer) List(c echo.Context) error {
	c.Set("handler_method", "transfer.List")

	transfers, err := h.db.AllTransfers()
	if err != nil {
		return weberror.New(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"files":   serializer.Transfers(transfers),
	})
}

// Download streams a finalized transfer's object.
func (h *transfer) Download(c echo.Context) error {
	c.Set("handler_method", "transfer.Download")

	record, err := h.db.FindTransfer(c.Param("id"))
	if err != nil {
		if h.db.IsNotFound(err) {
			return weberror.New(http.StatusNotFound, "file not found")
		}
		return weberror.New(http.StatusInternalServerError, err.Error())
	}
	if !record.Finalized {
		return weberror.New(http.StatusNotFound, "file not yet finalized")
	}

	downloader := service.NewDownloader(h.storage, record)
	r, err := downloader.Stream(c.Request().Context())
	if err != nil {
		return weberror.New(http.StatusInternalServerError, err.Error())
	}
	defer r.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, url.PathEscape(downloader.Filename())))
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(downloader.Size(), 10))
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, r)
}

func (h *transfer) parseChunkForm(c echo.Context) (service.ChunkUpload, error) {
	var up service.ChunkUpload

	header, err := c.FormFile("chunk")
	if err != nil {
		return up, weberror.Validation("missing required field: chunk")
	}

	for field, dst := range map[string]*string{
		"fileName":                &up.Filename,
		"fileIdentityFingerprint": &up.Fingerprint,
		"chunkContentFingerprint": &up.ContentHash,
	} {
		if *dst = c.FormValue(field); *dst == "" {
			return up, weberror.Validation("missing required field: " + field)
		}
	}

	up.Index, err = strconv.Atoi(c.FormValue("chunkIndex"))
	if err != nil || up.Index < 0 {
		return up, weberror.Validation("invalid field: chunkIndex")
	}

	up.Size, err = strconv.ParseInt(c.FormValue("fileSize"), 10, 64)
	if err != nil {
		return up, weberror.Validation("invalid field: fileSize")
	}

	up.LastModified, err = strconv.ParseInt(c.FormValue("lastModified"), 10, 64)
	if err != nil {
		return up, weberror.Validation("invalid field: lastModified")
	}

	if raw := c.FormValue("totalChunkCount"); raw != "" {
		up.TotalChunks, err = strconv.Atoi(raw)
		if err != nil || up.TotalChunks <= 0 {
			return up, weberror.Validation("invalid field: totalChunkCount")
		}
		if up.Index >= up.TotalChunks {
			return up, weberror.Validation("chunkIndex out of range")
		}
	}

	//

	rc, err := header.Open()
	if err != nil {
		return up, weberror.New(http.StatusInternalServerError, err.Error())
	}
	defer rc.Close()

	// The chunk is buffered whole: the session coordinator replays it when
	// the backend session has to be recreated mid-request.
	up.Data, err = io.ReadAll(rc)
	if err != nil {
		return up, weberror.New(http.StatusInternalServerError, err.Error())
	}

	return up, nil
}
