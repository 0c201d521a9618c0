package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/history"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.core.States().List()
	views := make([]broker.StatusUpdate, 0, len(devices))
	for _, dev := range devices {
		views = append(views, broker.Snapshot(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := s.core.States().Get(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, broker.Snapshot(dev))
}

// handleAPIHistory serves the telemetry chart data for one device as an
// ordered array of points, oldest first. The device is ?device_id= or the
// dashboard's default; the window is ?hours=N (default and maximum 24),
// downsampled so a day of five-second samples stays chartable.
func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hours must be a positive integer"})
			return
		}
		if n > 24 {
			n = 24
		}
		hours = n
	}
	window := time.Duration(hours) * time.Hour

	id, err := s.resolveDeviceID(r.URL.Query().Get("device_id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	points := s.core.History().Query(id, window, history.DefaultMaxPoints)
	if points == nil {
		points = []history.Point{}
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
