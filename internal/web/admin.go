package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fanchat/internal/gallery"
)

// multipartOverhead is the form slack allowed on top of the upload limit.
const multipartOverhead = 1 << 20

func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Gallery.Site())
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Gallery.List())
}

func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request) {
	name, mimeType, data, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, uploadStatus(err), err)
		return
	}
	f, err := s.opts.Gallery.Add(r.Context(), name, mimeType, data)
	if err != nil {
		writeError(w, uploadStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Gallery.Remove(id); err != nil {
		if errors.Is(err, gallery.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetLogo(w http.ResponseWriter, r *http.Request) {
	_, mimeType, data, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, uploadStatus(err), err)
		return
	}
	site, err := s.opts.Gallery.SetLogo(mimeType, data)
	if err != nil {
		writeError(w, uploadStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleResetLogo(w http.ResponseWriter, r *http.Request) {
	s.opts.Gallery.ResetLogo()
	w.WriteHeader(http.StatusNoContent)
}

// readUpload reads the multipart "file" field. The declared content type is
// kept; an empty or generic one is sniffed.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (name, mimeType string, data []byte, err error) {
	limit := s.Settings().MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", "", nil, fmt.Errorf("upload: %w", gallery.ErrTooLarge)
		}
		return "", "", nil, fmt.Errorf("upload: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", nil, fmt.Errorf("upload: missing file field: %w", err)
	}
	defer file.Close()

	data, err = io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return "", "", nil, fmt.Errorf("upload: %w", err)
	}
	if int64(len(data)) > limit {
		return "", "", nil, fmt.Errorf("upload %s: %w", header.Filename, gallery.ErrTooLarge)
	}

	mimeType = header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = gallery.DetectMimeType(header.Filename, data)
	}
	return header.Filename, mimeType, data, nil
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, gallery.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gallery.ErrNotImage):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
