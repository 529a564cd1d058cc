package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	fspkg "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

const (
	multipartDir = ".multipart"
	objectsDir   = "objects"
)

type fs struct {
	workspace string
}

// NewFileSystem returns a new File System backend. Multipart sessions live
// as directories of numbered part files until completion concatenates them
// into the final object.
func NewFileSystem(workspace string) Backend {
	return &fs{
		workspace: workspace,
	}
}

func (b *fs) Name() string {
	return "file_system"
}

func (b *fs) Initiate(_ context.Context, key string) (string, error) {
	handle := uuid.Must(uuid.NewV4()).String()

	err := os.MkdirAll(b.session(handle), 0755)
	if err != nil {
		return "", errors.Wrap(err, "could not create multipart session")
	}

	// The marker keeps the empty session dir from being reaped by Cleanup
	// before its first part lands.
	err = os.WriteFile(filepath.Join(b.session(handle), ".session"), []byte(key), 0644)
	if err != nil {
		return "", errors.Wrap(err, "could not mark multipart session")
	}
	return handle, nil
}

func (b *fs) UploadPart(_ context.Context, _, handle string, number int, r io.Reader) (string, error) {
	if !b.exist(b.session(handle)) {
		return "", errors.Wrapf(ErrSessionInvalid, "session %s", handle)
	}

	wc, err := os.Create(filepath.Join(b.session(handle), partname(number)))
	if err != nil {
		return "", errors.Wrap(err, "could not create part file")
	}
	defer wc.Close()

	h := md5.New()
	_, err = io.Copy(io.MultiWriter(h, wc), r)
	if err != nil {
		return "", errors.Wrap(err, "could not write part file")
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (b *fs) Complete(_ context.Context, key, handle string, parts []Part) (string, error) {
	if !b.exist(b.session(handle)) {
		return "", errors.Wrapf(ErrSessionInvalid, "session %s", handle)
	}

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Number < parts[j].Number
	})

	//

	object := filepath.Join(b.workspace, objectsDir, key)
	if err := os.MkdirAll(filepath.Dir(object), 0755); err != nil {
		return "", errors.Wrap(err, "could not create object directory")
	}

	wc, err := os.Create(object)
	if err != nil {
		return "", errors.Wrap(err, "could not create object")
	}
	defer wc.Close()

	for _, part := range parts {
		token, err := b.appendPart(wc, handle, part.Number)
		if err != nil {
			return "", err
		}
		if token != part.AckToken {
			return "", errors.Errorf("part %d: token mismatch", part.Number)
		}
	}

	if err = wc.Sync(); err != nil {
		return "", errors.Wrap(err, "could not sync object")
	}

	//

	os.RemoveAll(b.session(handle))
	return key, nil
}

func (b *fs) Abort(_ context.Context, _, handle string) error {
	err := os.RemoveAll(b.session(handle))
	return errors.Wrap(err, "could not abort multipart session")
}

func (b *fs) Reader(_ context.Context, key string) (io.ReadCloser, error) {
	rc, err := os.Open(filepath.Join(b.workspace, objectsDir, key))
	if err != nil {
		return rc, errors.Wrap(err, "could not open object")
	}
	return rc, err
}

// Cleanup removes empty directories left behind by completed or aborted
// multipart sessions.
func (b *fs) Cleanup() error {
	stats := map[string]int{}
	err := filepath.Walk(b.workspace, func(path string, info fspkg.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if path == b.workspace {
				return nil
			}
			stats[path] = 0
			return nil
		}

		if strings.HasSuffix(path, ".DS_Store") {
			return nil
		}

		trimmedpath := strings.Replace(path, b.workspace, "", 1)
		base := b.workspace

		for _, segment := range strings.Split(filepath.Dir(trimmedpath), string(os.PathSeparator)) {
			base = filepath.Join(base, segment)
			if !strings.HasPrefix(base, b.workspace) {
				continue
			}
			stats[base]++
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "cleanup")
	}

	for dirname, count := range stats {
		if count == 0 {
			os.RemoveAll(dirname)
		}
	}
	return nil
}

func (b *fs) appendPart(w io.Writer, handle string, number int) (string, error) {
	rc, err := os.Open(filepath.Join(b.session(handle), partname(number)))
	if err != nil {
		return "", errors.Wrapf(err, "could not open part %d", number)
	}
	defer rc.Close()

	h := md5.New()
	_, err = io.Copy(io.MultiWriter(h, w), rc)
	if err != nil {
		return "", errors.Wrapf(err, "could not append part %d", number)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (b *fs) session(handle string) string {
	return filepath.Join(b.workspace, multipartDir, handle)
}

func (b *fs) exist(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	return true // ignoring error
}

func partname(number int) string {
	return fmt.Sprintf("%06d.part", number)
}
