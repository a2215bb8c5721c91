// Package artifact locates uploaded input files and produces processed outputs.
//
// Inputs are stored as "<file_id>--<original name>" in the upload directory.
// Outputs are written to the processed directory under the input's stem with a
// "-processed" marker before the extension.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Separator joins a file id and the original file name on disk.
const Separator = "--"

const processedMarker = "-processed"

var ErrNotFound = errors.New("artifact not found")

// Request carries the per-job context handed to a Transformer.
type Request struct {
	JobID  uuid.UUID
	Prompt string
}

// Transformer turns an input stream into the processed output.
type Transformer interface {
	Transform(ctx context.Context, dst io.Writer, src io.Reader, req Request) error
}

// CopyTransformer writes the input unchanged.
type CopyTransformer struct{}

func (CopyTransformer) Transform(ctx context.Context, dst io.Writer, src io.Reader, _ Request) error {
	_, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	return err
}

// ctxReader stops a copy at the next read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Resolver resolves input artifacts and materializes outputs.
type Resolver struct {
	uploadDir    string
	processedDir string
	transformer  Transformer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTransformer replaces the default byte-copy transformer.
func WithTransformer(t Transformer) Option {
	return func(r *Resolver) {
		if t != nil {
			r.transformer = t
		}
	}
}

// NewResolver returns a Resolver reading inputs from uploadDir and writing
// results to processedDir. Outputs are byte copies unless WithTransformer is given.
func NewResolver(uploadDir, processedDir string, opts ...Option) *Resolver {
	r := &Resolver{
		uploadDir:    uploadDir,
		processedDir: processedDir,
		transformer:  CopyTransformer{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resolver) UploadDir() string    { return r.uploadDir }
func (r *Resolver) ProcessedDir() string { return r.processedDir }

// LocateInput returns the path of the stored input for fileID. When several
// files share the prefix, the first in lexical order wins.
func (r *Resolver) LocateInput(fileID string) (string, error) {
	if fileID == "" || strings.ContainsAny(fileID, `/\`) {
		return "", ErrNotFound
	}

	entries, err := os.ReadDir(r.uploadDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read upload dir: %w", err)
	}

	prefix := fileID + Separator
	var matches []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		matches = append(matches, e.Name())
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}

	// os.ReadDir already sorts by name; keep the order explicit.
	sort.Strings(matches)
	if len(matches) > 1 {
		slog.Warn("multiple uploads share a file id, using first match",
			"file_id", fileID,
			"matches", len(matches),
			"chosen", matches[0],
		)
	}
	return filepath.Join(r.uploadDir, matches[0]), nil
}

// OriginalName recovers the user-supplied name from a stored input path.
func OriginalName(inputPath string) string {
	base := filepath.Base(inputPath)
	if _, name, ok := strings.Cut(base, Separator); ok {
		return name
	}
	return base
}

// DeriveOutputName inserts the processed marker before the extension:
// "abc--photo.png" becomes "abc--photo-processed.png".
func (r *Resolver) DeriveOutputName(inputPath string) string {
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	if ext == base {
		// dotfiles like ".env" have no extension
		ext = ""
	}
	return strings.TrimSuffix(base, ext) + processedMarker + ext
}

// Materialize writes the processed artifact for inputPath into the processed
// directory and returns its final path and size. The output is written to a
// temporary file, synced and renamed, so a reader never sees a partial file.
func (r *Resolver) Materialize(ctx context.Context, inputPath, outputName string, req Request) (string, int64, error) {
	if outputName == "" || filepath.Base(outputName) != outputName {
		return "", 0, fmt.Errorf("invalid output name %q", outputName)
	}

	src, err := os.Open(inputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(r.processedDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create processed dir: %w", err)
	}

	tmp, err := os.CreateTemp(r.processedDir, "."+outputName+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create temp output: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := r.transformer.Transform(ctx, tmp, src, req); err != nil {
		return "", 0, fmt.Errorf("transform: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	dest := filepath.Join(r.processedDir, outputName)
	if err := os.Rename(tmpName, dest); err != nil {
		return "", 0, fmt.Errorf("rename output: %w", err)
	}
	committed = true

	info, err := os.Stat(dest)
	if err != nil {
		return "", 0, fmt.Errorf("stat output: %w", err)
	}
	return dest, info.Size(), nil
}
