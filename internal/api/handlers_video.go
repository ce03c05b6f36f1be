// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/ManuGH/roomsense/internal/log"
	"github.com/ManuGH/roomsense/internal/registry"
)

// uploadExtensions lists the accepted container formats for video uploads.
// MJPEG files are replayed natively; everything else is decoded by ffmpeg.
var uploadExtensions = map[string]bool{
	".mjpeg": true,
	".mjpg":  true,
	".mp4":   true,
	".avi":   true,
	".mov":   true,
	".mkv":   true,
	".webm":  true,
}

// handleUpload accepts a multipart video upload, stores it atomically under
// the data directory and starts an analysis session on it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
			return
		}
		writeBadRequest(w, "malformed multipart request")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, `missing "file" form field`)
		return
	}
	defer func() { _ = file.Close() }()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !uploadExtensions[ext] {
		writeBadRequest(w, "unsupported file type "+ext)
		return
	}

	uploadDir := filepath.Join(s.dataDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o750); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cannot store upload"})
		return
	}

	dest := filepath.Join(uploadDir, uuid.NewString()+ext)
	if err := s.saveUpload(dest, file); err != nil {
		s.logger.Error().Err(err).Str(log.FieldEvent, "upload.save_failed").Msg("upload save failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cannot store upload"})
		return
	}

	sessionID, err := s.sup.StartSession(s.baseCtx, dest)
	if err != nil {
		_ = os.Remove(dest)
		writeError(w, err)
		return
	}
	s.logger.Info().
		Str(log.FieldEvent, "upload.accepted").
		Str(log.FieldSessionID, sessionID).
		Int64("size", header.Size).
		Msg("video upload accepted")
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": sessionID})
}

// saveUpload writes the upload atomically: a crash mid-copy never leaves a
// half-written file at the final path.
func (s *Server) saveUpload(dest string, src io.Reader) error {
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer func() { _ = t.Cleanup() }()
	if _, err := io.Copy(t, src); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.sup.IsSession(id) {
		writeError(w, registry.ErrNotFound)
		return
	}
	snap, err := s.reg.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.roomStatus(snap))
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.sup.IsSession(id) {
		writeError(w, registry.ErrNotFound)
		return
	}
	s.serveStream(w, r, id)
}

func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sup.ReleaseSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "sessionId": id})
}
