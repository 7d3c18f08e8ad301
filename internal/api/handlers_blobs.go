package api

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/org/timecapsule/internal/storage"
)

// BlobPutHandler handles POST /v1/blobs. The raw body is the blob; an
// optional X-Blob-Name header is stored alongside it.
func (s *Server) BlobPutHandler(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBlobSize)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty blob")
		return
	}

	addr, err := s.blobs.PutBlob(r.Context(), data, r.Header.Get("X-Blob-Name"))
	if err != nil {
		if errors.Is(err, storage.ErrBlobTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
			return
		}
		internalError(w, r, "storing blob failed", err)
		return
	}
	blobBytesTotal.WithLabelValues("in").Add(float64(len(data)))
	writeJSON(w, http.StatusCreated, map[string]any{"address": addr, "size": len(data)})
}

// BlobGetHandler handles GET /v1/blobs/{address}
func (s *Server) BlobGetHandler(w http.ResponseWriter, r *http.Request) {
	addr, ok := blobAddressParam(w, r)
	if !ok {
		return
	}
	data, err := s.blobs.GetBlob(r.Context(), addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		internalError(w, r, "reading blob failed", err)
		return
	}
	if name, err := s.blobs.BlobName(addr); err == nil && name != "" {
		w.Header().Set("X-Blob-Name", name)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(data)
	blobBytesTotal.WithLabelValues("out").Add(float64(n))
}

// BlobHeadHandler handles HEAD /v1/blobs/{address}
func (s *Server) BlobHeadHandler(w http.ResponseWriter, r *http.Request) {
	addr, ok := blobAddressParam(w, r)
	if !ok {
		return
	}
	exists, err := s.blobs.HasBlob(r.Context(), addr)
	if err != nil {
		internalError(w, r, "checking blob failed", err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// blobAddressParam validates the {address} URL parameter: 64 lowercase hex
// characters.
func blobAddressParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr := chi.URLParam(r, "address")
	if b, err := hex.DecodeString(addr); err != nil || len(b) != 32 || hex.EncodeToString(b) != addr {
		writeError(w, http.StatusBadRequest, "invalid blob address")
		return "", false
	}
	return addr, true
}
