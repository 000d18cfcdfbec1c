package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/discovery"
)

// DiscoveredView is a scan result with the registered device at the same
// address, if any.
type DiscoveredView struct {
	discovery.Service
	DeviceID *int64 `json:"device_id,omitempty"`
}

// handleDiscoveryScan browses mDNS and returns what answered.
func (s *Server) handleDiscoveryScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeUnavailable(w, "discovery is not available")
		return
	}
	ctx := r.Context()

	services, err := s.scanner.Scan(ctx)
	if err != nil {
		s.logger.Warn("discovery scan failed", "error", err)
		writeInternalError(w, "discovery scan failed")
		return
	}

	views := make([]DiscoveredView, 0, len(services))
	for _, svc := range services {
		view := DiscoveredView{Service: svc}
		port := svc.Port
		if port == 0 {
			port = device.DefaultPort
		}
		d, err := s.store.FindDeviceByAddress(ctx, svc.Host, port)
		switch {
		case err == nil:
			view.DeviceID = &d.ID
		case !errors.Is(err, device.ErrDeviceNotFound):
			writeInternalError(w, "failed to match discovered devices")
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": views, "count": len(views)})
}

// handleAddDiscovered registers a discovered service. A device already
// registered at the same host and port is returned unchanged with 200.
func (s *Server) handleAddDiscovered(w http.ResponseWriter, r *http.Request) {
	var svc discovery.Service
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	svc.Name = strings.TrimSpace(svc.Name)
	svc.Host = strings.TrimSpace(svc.Host)
	if svc.Name == "" || svc.Host == "" {
		writeBadRequest(w, "name and host are required")
		return
	}

	d, created, err := s.manager.AddDiscoveredDevice(r.Context(), svc)
	if err != nil {
		writeDomainError(w, err, "failed to add discovered device")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.recordAudit(r, audit.ActionCreate, audit.TargetDevice, strconv.FormatInt(d.ID, 10), map[string]any{
			"name":      d.Name,
			"host":      d.Host,
			"port":      d.Port,
			"discovery": true,
		})
	}
	writeJSON(w, status, map[string]any{"device": d, "created": created})
}
