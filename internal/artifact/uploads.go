package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrTooLarge    = errors.New("file too large")
	ErrInvalidName = errors.New("invalid file name")
)

// Upload describes a stored input artifact.
type Upload struct {
	FileID       string `json:"file_id"`
	OriginalName string `json:"original_name"`
	SavedName    string `json:"saved_name"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type,omitempty"`
}

// Uploads stores incoming files under the naming scheme LocateInput reads.
type Uploads struct {
	dir      string
	maxBytes int64
}

// NewUploads stores files in dir. Save rejects bodies larger than maxBytes.
func NewUploads(dir string, maxBytes int64) *Uploads {
	return &Uploads{dir: dir, maxBytes: maxBytes}
}

func (u *Uploads) MaxBytes() int64 { return u.maxBytes }

// Save streams r to disk as "<new file id>--<original name>". Content larger
// than the configured limit is discarded and ErrTooLarge returned.
func (u *Uploads) Save(ctx context.Context, r io.Reader, originalName, contentType string) (*Upload, error) {
	name, err := cleanName(originalName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	fileID := uuid.NewString()
	saved := fileID + Separator + name

	tmp, err := os.CreateTemp(u.dir, ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp upload: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: io.LimitReader(r, u.maxBytes+1)})
	if err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if n > u.maxBytes {
		return nil, ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(u.dir, saved)); err != nil {
		return nil, fmt.Errorf("rename upload: %w", err)
	}
	committed = true

	return &Upload{
		FileID:       fileID,
		OriginalName: name,
		SavedName:    saved,
		Size:         n,
		ContentType:  contentType,
	}, nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", ErrInvalidName
	}
	return name, nil
}
