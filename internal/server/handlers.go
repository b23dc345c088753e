package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/eric2023/deepinscan-sub002/internal/discovery"
	"github.com/eric2023/deepinscan-sub002/internal/version"
	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// handleHealth returns the daemon health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "deepinscan-discoverd",
		"version": version.Map(),
	})
}

// handleListDevices returns a snapshot of all known devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.discovery.Devices()
	if devices == nil {
		devices = []models.DeviceDescriptor{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns a single device by id.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := s.discovery.Device(id)
	if !ok {
		NotFound(w, "unknown device id", r.URL.Path)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// addDeviceRequest is the manual-add payload. Protocol is optional; an empty
// or unknown value lets the probe pipeline decide.
type addDeviceRequest struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// handleAddDevice dispatches a manual probe. 202 means the probe was
// accepted, not that a device was confirmed.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	if req.Address == "" {
		BadRequest(w, "address is required", r.URL.Path)
		return
	}

	protocol, ok := models.ParseProtocol(req.Protocol)
	if !ok {
		BadRequest(w, "unknown protocol "+strconv.Quote(req.Protocol), r.URL.Path)
		return
	}

	if err := s.discovery.AddDevice(req.Address, req.Port, protocol); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "probing"})
}

// handleRemoveDevice removes a device by id.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.discovery.RemoveDevice(id) {
		NotFound(w, "unknown device id", r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartDiscovery starts a discovery session. The session must outlive
// the request, so it is not bound to the request context.
func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := s.discovery.Start(context.Background()); err != nil {
		if errors.Is(err, discovery.ErrAlreadyRunning) {
			Conflict(w, err.Error(), r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": "discovering"})
}

// handleStopDiscovery stops the running discovery session.
func (s *Server) handleStopDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := s.discovery.Stop(); err != nil {
		if errors.Is(err, discovery.ErrNotRunning) {
			Conflict(w, err.Error(), r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": "stopped"})
}
