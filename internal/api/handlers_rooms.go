// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/roomsense/internal/log"
	"github.com/ManuGH/roomsense/internal/registry"
	"github.com/ManuGH/roomsense/internal/source"
	"github.com/ManuGH/roomsense/internal/supervisor"
)

// roomStatus is the wire representation of one room.
type roomStatus struct {
	ID          string     `json:"id"`
	Occupied    bool       `json:"occupied"`
	Light       bool       `json:"light"`
	AC          bool       `json:"ac"`
	PersonCount int        `json:"personCount"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	State       string     `json:"state"`
	Error       string     `json:"error,omitempty"`
}

func (s *Server) roomStatus(snap registry.Snapshot) roomStatus {
	out := roomStatus{
		ID:          snap.ID,
		Occupied:    snap.Occupied,
		Light:       snap.Light,
		AC:          snap.AC,
		PersonCount: snap.PersonCount,
		State:       supervisorState(s, snap.ID),
	}
	if !snap.LastUpdated.IsZero() {
		t := snap.LastUpdated
		out.LastUpdated = &t
	}
	if st, err := s.sup.Status(snap.ID); err == nil && st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

func supervisorState(s *Server, id string) string {
	st, err := s.sup.Status(id)
	if err != nil {
		return "unknown"
	}
	return st.State
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	snaps := s.reg.List()
	out := make([]roomStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, s.roomStatus(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.Get(chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.roomStatus(snap))
}

// startRequest is the optional body of a start call. All fields override the
// room's configured source for this run only.
type startRequest struct {
	Kind         string       `json:"kind"`
	DeviceIndex  *int         `json:"deviceIndex"`
	Camera       *startCamera `json:"camera"`
	FilePath     string       `json:"filePath"`
	FrameSkip    *int         `json:"frameSkip"`
	TargetFPS    *float64     `json:"targetFps"`
	ResizeFactor *float64     `json:"resizeFactor"`
	JPEGQuality  *int         `json:"jpegQuality"`
}

type startCamera struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
	Channel  string `json:"channel"`
}

func decodeStartOverride(r *http.Request) (*supervisor.StartOverride, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	ov := &supervisor.StartOverride{
		Kind:         source.Kind(req.Kind),
		DeviceIndex:  req.DeviceIndex,
		FilePath:     req.FilePath,
		FrameSkip:    req.FrameSkip,
		TargetFPS:    req.TargetFPS,
		ResizeFactor: req.ResizeFactor,
		JPEGQuality:  req.JPEGQuality,
	}
	if req.Camera != nil {
		ov.Network = &source.Network{
			Host:     req.Camera.Host,
			Username: req.Camera.Username,
			Password: req.Camera.Password,
			Channel:  req.Camera.Channel,
		}
	}
	return ov, nil
}

func (s *Server) handleStartRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	override, err := decodeStartOverride(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	// Workers outlive the request that started them.
	if err := s.sup.Start(s.baseCtx, roomID, override); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().
		Str(log.FieldEvent, "api.room_start").
		Str(log.FieldRoomID, roomID).
		Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
		Msg("room monitoring started")
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "room": roomID})
}

func (s *Server) handleStopRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if err := s.sup.Stop(r.Context(), roomID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().
		Str(log.FieldEvent, "api.room_stop").
		Str(log.FieldRoomID, roomID).
		Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
		Msg("room monitoring stopped")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "room": roomID})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	s.serveFrame(w, r, chi.URLParam(r, "roomID"))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, chi.URLParam(r, "roomID"))
}

// serveFrame writes the most recent annotated JPEG for the room or session.
func (s *Server) serveFrame(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.reg.Get(id); err != nil {
		writeError(w, err)
		return
	}
	buf, ok := s.sup.Buffer(id)
	if !ok {
		writeConflict(w, "no worker running")
		return
	}
	data, contentType, _, ok := buf.Latest()
	if !ok {
		writeNotFound(w, "no frame available yet")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// streamPollInterval paces the buffer polling for live streams. Frames are
// only written when the generation counter moved.
const streamPollInterval = 15 * time.Millisecond

// serveStream writes a multipart/x-mixed-replace MJPEG stream until the
// client disconnects or the worker clears the buffer.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.reg.Get(id); err != nil {
		writeError(w, err)
		return
	}
	buf, ok := s.sup.Buffer(id)
	if !ok {
		writeConflict(w, "no worker running")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	var lastGen uint64
	wrote := false
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		data, contentType, gen, ok := buf.Latest()
		if gen == lastGen {
			continue
		}
		lastGen = gen
		if !ok {
			// The worker cleared the buffer: the stream is over.
			if wrote {
				return
			}
			continue
		}

		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", contentType, len(data)); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
		wrote = true
	}
}
