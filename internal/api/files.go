package api

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/corpusd/corpusd/internal/blob"
)

type filesHandler struct {
	blobs  BlobStore
	files  FileStore
	ingest Ingestor
	logger *slog.Logger
}

// UploadResponse is the body returned for a stored upload.
type UploadResponse struct {
	ObjectKey string `json:"object_key"`
	Filename  string `json:"filename"`
	Existed   bool   `json:"existed"`
}

// FileResponse is one entry in the file listing.
type FileResponse struct {
	ObjectKey   string    `json:"object_key"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// upload stores a document and schedules it for indexing. The response
// returns as soon as the blob and ownership record are durable; chunking and
// embedding happen in the background.
func (h *filesHandler) upload(w http.ResponseWriter, r *http.Request) {
	owner, _ := Principal(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "reading upload")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty file")
		return
	}

	contentType := uploadContentType(header)
	key, existed, err := h.blobs.Put(r.Context(), data, blob.ObjectMeta{
		Filename:    header.Filename,
		ContentType: contentType,
	})
	if err != nil {
		h.logger.Error("storing upload", "owner", owner, "error", err)
		writeDomainError(w, err)
		return
	}

	if _, err := h.files.Record(r.Context(), owner, key, header.Filename, contentType, int64(len(data))); err != nil {
		h.logger.Error("recording upload", "owner", owner, "object_key", key, "error", err)
		writeDomainError(w, err)
		return
	}

	// Always scheduled: the runner skips objects that already have chunks,
	// and a re-upload retries an earlier failed indexing run.
	h.ingest.Enqueue(key)

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, UploadResponse{
		ObjectKey: key,
		Filename:  header.Filename,
		Existed:   existed,
	})
}

func (h *filesHandler) list(w http.ResponseWriter, r *http.Request) {
	owner, _ := Principal(r.Context())

	records, err := h.files.ListByOwner(r.Context(), owner)
	if err != nil {
		h.logger.Error("listing files", "owner", owner, "error", err)
		writeDomainError(w, err)
		return
	}

	out := make([]FileResponse, len(records))
	for i, rec := range records {
		out[i] = FileResponse{
			ObjectKey:   rec.ObjectKey,
			Filename:    rec.Filename,
			ContentType: rec.ContentType,
			Size:        rec.Size,
			CreatedAt:   rec.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// remove deletes the caller's reference. The blob itself goes only when the
// last reference is gone.
func (h *filesHandler) remove(w http.ResponseWriter, r *http.Request) {
	owner, _ := Principal(r.Context())
	key := r.PathValue("key")

	orphaned, err := h.files.Delete(r.Context(), owner, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if orphaned {
		if err := h.blobs.Delete(r.Context(), key); err != nil {
			// Records are already gone; an orphaned blob is recoverable
			// garbage, not a failed request.
			h.logger.Warn("removing orphaned blob", "object_key", key, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func uploadContentType(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
