package tests

import (
	"context"
	"io"
	"math/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/chunkstream/chunkstream/internal/database"
	"github.com/chunkstream/chunkstream/internal/storage"
	"github.com/chunkstream/chunkstream/internal/webserver"
	"github.com/mdouchement/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const chunkSize = 3 << 20

// observed wraps a Backend to count part uploads and optionally hold them
// back, so the tests can see exactly what crosses the wire.
type observed struct {
	storage.Backend

	mu      sync.Mutex
	uploads int
	budget  int // -1 lets everything through
}

func (o *observed) UploadPart(ctx context.Context, key, handle string, number int, r io.Reader) (string, error) {
	o.mu.Lock()
	if o.budget == 0 {
		o.mu.Unlock()
		// Held back until the caller gives up.
		<-ctx.Done()
		return "", ctx.Err()
	}
	if o.budget > 0 {
		o.budget--
	}
	o.uploads++
	o.mu.Unlock()

	return o.Backend.UploadPart(ctx, key, handle, number, r)
}

func (o *observed) allow(budget int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.budget = budget
}

func (o *observed) resetUploads() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = 0
}

func (o *observed) uploaded() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.uploads
}

func setup() (string, database.Client, *observed, func()) {
	log := logrus.New()
	log.SetFormatter(&logger.LogrusTextFormatter{
		DisableColors:   false,
		ForceColors:     true,
		ForceFormatting: true,
		PrefixRE:        regexp.MustCompile(`^(\[.*?\])\s`),
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	//

	dbname, err := os.CreateTemp(os.TempDir(), "chunkstream.db.")
	if err != nil {
		panic(err)
	}

	db, err := database.StormOpen(dbname.Name())
	if err != nil {
		panic(err)
	}

	//

	workspace, err := os.MkdirTemp(os.TempDir(), "chunkstream.")
	if err != nil {
		panic(err)
	}
	backend := &observed{
		Backend: storage.NewFileSystem(workspace),
		budget:  -1,
	}

	//

	ctrl := webserver.Controller{
		Logger:   logger.WrapLogrus(log),
		Database: db,
		Storage:  backend,
	}
	engine := webserver.EchoEngine(ctrl)

	server := httptest.NewUnstartedServer(engine)
	server.Config.ReadTimeout = 20 * time.Second
	server.Config.WriteTimeout = 20 * time.Second
	server.Start()

	//

	return server.URL, db, backend, func() {
		server.Close()
		db.Close()
		dbname.Close()

		os.RemoveAll(dbname.Name())
		os.RemoveAll(workspace)
	}
}

// tempfile writes size bytes of deterministic pseudo-random content and
// returns the path and the content.
func tempfile(t *testing.T, size int64) (string, []byte) {
	dir := t.TempDir()

	content := make([]byte, size)
	_, err := rand.New(rand.NewSource(42)).Read(content)
	require.NoError(t, err)

	path := filepath.Join(dir, "report.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path, content
}
