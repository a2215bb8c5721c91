package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kiranshivaraju/changeanyfile/internal/api/response"
	"github.com/kiranshivaraju/changeanyfile/internal/artifact"
)

// Uploader stores an uploaded input artifact.
type Uploader interface {
	Save(ctx context.Context, r io.Reader, originalName, contentType string) (*artifact.Upload, error)
	MaxBytes() int64
}

// multipartOverhead leaves room for boundaries and part headers on top of the file limit.
const multipartOverhead = 1 << 20

// NewUploadHandler returns an http.HandlerFunc for POST /upload. The file is
// read from the multipart field "file" and streamed to disk.
func NewUploadHandler(u Uploader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tooLarge := func() {
			response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
				fmt.Sprintf("File too large (max %dMB)", u.MaxBytes()>>20), nil)
		}

		r.Body = http.MaxBytesReader(w, r.Body, u.MaxBytes()+multipartOverhead)
		mr, err := r.MultipartReader()
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart/form-data body", nil)
			return
		}

		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					tooLarge()
					return
				}
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed multipart body", nil)
				return
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}

			info, err := u.Save(r.Context(), part, part.FileName(), part.Header.Get("Content-Type"))
			part.Close()
			if err != nil {
				var maxErr *http.MaxBytesError
				switch {
				case errors.Is(err, artifact.ErrTooLarge), errors.As(err, &maxErr):
					tooLarge()
				case errors.Is(err, artifact.ErrInvalidName):
					response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "File name is required", nil)
				default:
					internalError(w, r, err)
				}
				return
			}

			response.Created(w, info)
			return
		}

		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required", nil)
	}
}
