// Package client implements the uploading side of the resumable chunked
// upload protocol: fingerprint the file, negotiate which chunks the server
// already holds, drive the remaining chunk uploads under a concurrency
// ceiling and request the final merge.
package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chunkstream/chunkstream/pkg/chunker"
	"github.com/go-resty/resty/v2"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the simultaneous in-flight chunk uploads.
const DefaultConcurrency = 6

// chunkTimeout is generous because a single chunk can be several megabytes
// on a slow link. The run as a whole has no timeout.
const chunkTimeout = 5 * time.Minute

// A ProgressFunc receives the completed fraction of the transfer after each
// acknowledged chunk. It is monotonically non-decreasing within a run.
type ProgressFunc func(fraction float64)

// A Client talks to a chunkstream server.
type Client struct {
	http        *resty.Client
	logger      logger.Logger
	chunkSize   int64
	concurrency int
	registry    *Registry
}

// An Option configures a Client.
type Option func(*Client)

// WithChunkSize defines the split size of uploaded files.
func WithChunkSize(size int64) Option {
	return func(c *Client) {
		c.chunkSize = size
	}
}

// WithConcurrency defines the maximum simultaneous chunk uploads.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		c.concurrency = n
	}
}

// WithToken defines the auth token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.http.SetHeader("X-Auth-Token", token)
	}
}

// WithLogger defines the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New returns a new Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:        resty.New().SetBaseURL(baseURL).SetTimeout(chunkTimeout),
		logger:      logger.WrapLogrus(logrus.New()),
		chunkSize:   chunker.DefaultChunkSize,
		concurrency: DefaultConcurrency,
		registry:    NewRegistry(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the upload runs tracked by this client.
func (c *Client) Registry() *Registry {
	return c.registry
}

type (
	// A Status is the server's record of a transfer, used to prune the
	// work set before scheduling.
	Status struct {
		UploadedChunkCount   int   `json:"uploadedChunkCount"`
		UploadedChunkIndices []int `json:"uploadedChunkIndices"`
	}

	// A MergeResult is the outcome of a finalized transfer.
	MergeResult struct {
		Success        bool   `json:"success"`
		Message        string `json:"message"`
		FinalObjectKey string `json:"finalObjectKey"`
	}

	chunkResult struct {
		Success       bool   `json:"success"`
		Message       string `json:"message"`
		SessionHandle string `json:"sessionHandle"`
	}

	apiError struct {
		Message string `json:"message"`
	}
)

// Status queries which chunks the server already holds for a fingerprint.
// It has no side effect; an unknown fingerprint reports an empty set.
func (c *Client) Status(ctx context.Context, fingerprint string) (*Status, error) {
	var status Status

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"fileIdentityFingerprint": fingerprint}).
		SetResult(&status).
		SetError(&apiError{}).
		Post("/v1/uploads/status")
	if err != nil {
		return nil, errors.Wrap(err, "could not query upload status")
	}
	if resp.IsError() {
		return nil, apiFailure(resp)
	}

	return &status, nil
}

// Upload runs the whole pipeline for one file: fingerprint, negotiate,
// schedule the missing chunks and merge. Cancelling ctx (or Registry.Pause)
// stops the run without losing acknowledged chunks; calling Upload again
// with the same file resumes where it stopped. Any other chunk failure is
// fatal to the run, resumption being the retry strategy.
func (c *Client) Upload(ctx context.Context, path string, progress ProgressFunc) (*MergeResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not stat file")
	}
	if info.Size() == 0 {
		return nil, errors.New("refusing to upload an empty file")
	}

	lastModified := info.ModTime().UnixMilli()
	fingerprint := chunker.FileFingerprint(info.Name(), info.Size(), lastModified)
	total := chunker.Count(info.Size(), c.chunkSize)
	log := c.logger.WithPrefix("[upload]")

	//
	// Negotiate: prune already recorded chunks from the work set.
	//

	status, err := c.Status(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	uploaded := make(map[int]bool, len(status.UploadedChunkIndices))
	for _, index := range status.UploadedChunkIndices {
		uploaded[index] = true
	}
	if status.UploadedChunkCount > 0 {
		log.Infof("resuming %s: %d/%d chunks already uploaded", info.Name(), status.UploadedChunkCount, total)
	}

	//
	// Schedule.
	//

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open file")
	}
	defer f.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registry.begin(fingerprint, cancel)

	var mu sync.Mutex
	completed := status.UploadedChunkCount

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(c.concurrency)

	for _, r := range chunker.Split(info.Size(), c.chunkSize) {
		if uploaded[r.Index] {
			continue
		}

		r := r
		g.Go(func() error {
			buf := make([]byte, r.Length)
			if _, err := f.ReadAt(buf, r.Offset); err != nil {
				return errors.Wrapf(err, "could not read chunk %d", r.Index)
			}

			err := c.uploadChunk(gctx, chunkForm{
				fingerprint:  fingerprint,
				filename:     info.Name(),
				size:         info.Size(),
				lastModified: lastModified,
				total:        total,
				index:        r.Index,
				data:         buf,
			})
			if err != nil {
				return err
			}

			mu.Lock()
			completed++
			if progress != nil {
				progress(float64(completed) / float64(total))
			}
			mu.Unlock()
			return nil
		})
	}

	if err = g.Wait(); err != nil {
		if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
			c.registry.transition(fingerprint, StatePaused)
			log.Infof("upload of %s paused at %d/%d chunks", info.Name(), completed, total)
			return nil, errors.Wrap(context.Canceled, "upload paused")
		}

		c.registry.transition(fingerprint, StateFailed)
		return nil, err
	}

	// Telemetry for cross-device visibility, not correctness.
	if err = c.UpdateProgress(ctx, fingerprint, total); err != nil {
		log.Debugf("could not update progress: %s", err)
	}

	//
	// Merge.
	//

	result, err := c.merge(ctx, info.Name(), fingerprint, total)
	if err != nil {
		c.registry.transition(fingerprint, StateFailed)
		return nil, err
	}

	c.registry.transition(fingerprint, StateCompleted)
	log.Infof("upload of %s completed: %s", info.Name(), result.FinalObjectKey)
	return result, nil
}

// UpdateProgress reports client-side progress to the server.
func (c *Client) UpdateProgress(ctx context.Context, fingerprint string, uploadedChunks int) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"fileIdentityFingerprint": fingerprint,
			"uploadedChunkCount":      uploadedChunks,
		}).
		SetError(&apiError{}).
		Post("/v1/uploads/progress")
	if err != nil {
		return errors.Wrap(err, "could not update progress")
	}
	if resp.IsError() {
		return apiFailure(resp)
	}
	return nil
}

// Files lists the server's transfer history, newest first.
func (c *Client) Files(ctx context.Context) ([]map[string]interface{}, error) {
	var result struct {
		Success bool                     `json:"success"`
		Files   []map[string]interface{} `json:"files"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&apiError{}).
		Get("/v1/files")
	if err != nil {
		return nil, errors.Wrap(err, "could not list files")
	}
	if resp.IsError() {
		return nil, apiFailure(resp)
	}

	return result.Files, nil
}

// Download streams a finalized file into w.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/v1/files/" + id + "/download")
	if err != nil {
		return errors.Wrap(err, "could not download file")
	}
	defer resp.RawBody().Close()

	if resp.StatusCode() != http.StatusOK {
		return errors.Errorf("server: HTTP %d", resp.StatusCode())
	}

	_, err = io.Copy(w, resp.RawBody())
	return errors.Wrap(err, "could not download file")
}

type chunkForm struct {
	fingerprint  string
	filename     string
	size         int64
	lastModified int64
	total        int
	index        int
	data         []byte
}

func (c *Client) uploadChunk(ctx context.Context, form chunkForm) error {
	hash := chunker.ChunkFingerprint(form.data, form.index, form.total, c.chunkSize)

	var result chunkResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("chunk", form.filename, bytes.NewReader(form.data)).
		SetFormData(map[string]string{
			"chunkIndex":              strconv.Itoa(form.index),
			"fileName":                form.filename,
			"fileIdentityFingerprint": form.fingerprint,
			"chunkContentFingerprint": hash,
			"fileSize":                strconv.FormatInt(form.size, 10),
			"lastModified":            strconv.FormatInt(form.lastModified, 10),
			"totalChunkCount":         strconv.Itoa(form.total),
		}).
		SetResult(&result).
		SetError(&apiError{}).
		Post("/v1/uploads/chunk")
	if err != nil {
		return errors.Wrapf(err, "could not upload chunk %d", form.index)
	}
	if resp.IsError() {
		return errors.Wrapf(apiFailure(resp), "chunk %d rejected", form.index)
	}

	return nil
}

func (c *Client) merge(ctx context.Context, filename, fingerprint string, total int) (*MergeResult, error) {
	var result MergeResult

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"fileName":                filename,
			"fileIdentityFingerprint": fingerprint,
			"totalChunkCount":         total,
		}).
		SetResult(&result).
		SetError(&apiError{}).
		Post("/v1/uploads/merge")
	if err != nil {
		return nil, errors.Wrap(err, "could not merge file")
	}
	if resp.IsError() {
		return nil, apiFailure(resp)
	}

	return &result, nil
}

func apiFailure(resp *resty.Response) error {
	if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
		return errors.Errorf("server: %s (HTTP %d)", e.Message, resp.StatusCode())
	}
	return errors.Errorf("server: HTTP %d", resp.StatusCode())
}
