package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/esphome"
)

// DeviceView is a device with its live connection state and entities.
type DeviceView struct {
	device.Device
	Connected  bool            `json:"connected"`
	Connection *esphome.Status `json:"connection,omitempty"`
	Entities   []device.Entity `json:"entities"`
}

// DeviceRequest is the body of create and update requests.
type DeviceRequest struct {
	Name       string  `json:"name"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Password   *string `json:"password"`
	ClientInfo string  `json:"client_info"`
	Enabled    *bool   `json:"enabled"`

	// Links maps entity IDs to their new link sets.
	Links map[string]device.Links `json:"links"`
}

func (req *DeviceRequest) toConfig(id int64) (esphome.DeviceConfig, error) {
	cfg := esphome.DeviceConfig{
		ID:         id,
		Name:       strings.TrimSpace(req.Name),
		Host:       strings.TrimSpace(req.Host),
		Port:       req.Port,
		ClientInfo: req.ClientInfo,
		Enabled:    req.Enabled == nil || *req.Enabled,
	}
	if req.Password != nil {
		cfg.Password = *req.Password
	}
	if len(req.Links) > 0 {
		cfg.Links = make(map[int64]device.Links, len(req.Links))
		for key, links := range req.Links {
			entityID, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid entity id in links: %q", key)
			}
			cfg.Links[entityID] = links
		}
	}
	return cfg, nil
}

// deviceID reads the {id} URL parameter.
func deviceID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// handleListDevices returns every device with its connection flag and
// entities sorted by name.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	states, err := s.manager.ConnectionStates(ctx)
	if err != nil {
		writeDomainError(w, err, "failed to read connection states")
		return
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		view, err := s.deviceView(r, d, states)
		if err != nil {
			writeInternalError(w, "failed to list entities")
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

func (s *Server) deviceView(r *http.Request, d device.Device, states map[string]esphome.Status) (DeviceView, error) {
	entities, err := s.store.ListEntities(r.Context(), d.ID)
	if err != nil {
		return DeviceView{}, err
	}
	sort.SliceStable(entities, func(i, j int) bool {
		return strings.ToLower(entities[i].Name) < strings.ToLower(entities[j].Name)
	})
	view := DeviceView{Device: d, Entities: entities}
	if st, ok := states[d.Name]; ok {
		view.Connection = &st
		view.Connected = st.State == esphome.StateConnected
	}
	return view, nil
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	d, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get device")
		return
	}
	states, err := s.manager.ConnectionStates(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to read connection states")
		return
	}
	view, err := s.deviceView(r, *d, states)
	if err != nil {
		writeInternalError(w, "failed to list entities")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCreateDevice registers a device and connects it when enabled.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	s.saveDevice(w, r, 0, http.StatusCreated)
}

// handleUpdateDevice replaces a device's configuration and applies link
// edits.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	s.saveDevice(w, r, id, http.StatusOK)
}

func (s *Server) saveDevice(w http.ResponseWriter, r *http.Request, id int64, status int) {
	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	cfg, err := req.toConfig(id)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	// An update without a password keeps the stored one.
	if id != 0 && req.Password == nil {
		existing, err := s.store.GetDevice(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "failed to get device")
			return
		}
		cfg.Password = existing.Password
	}

	d, err := s.manager.AddOrUpdateDevice(r.Context(), cfg)
	if err != nil {
		writeDomainError(w, err, "failed to save device")
		return
	}
	action := audit.ActionUpdate
	if id == 0 {
		action = audit.ActionCreate
	}
	s.recordAudit(r, action, audit.TargetDevice, strconv.FormatInt(d.ID, 10), map[string]any{
		"name":    d.Name,
		"host":    d.Host,
		"port":    d.Port,
		"enabled": d.Enabled,
	})
	writeJSON(w, status, d)
}

// handleDeleteDevice disconnects a device and deletes it with its entities.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	if err := s.manager.DeleteDevice(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to delete device")
		return
	}
	s.recordAudit(r, audit.ActionDelete, audit.TargetDevice, strconv.FormatInt(id, 10), nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleReconnectDevice recreates a device's session.
func (s *Server) handleReconnectDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	if err := s.manager.Reconnect(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to reconnect device")
		return
	}
	s.recordAudit(r, audit.ActionReconnect, audit.TargetDevice, strconv.FormatInt(id, 10), nil)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "reconnecting"})
}

// DeviceStats is the dashboard statistics widget.
type DeviceStats struct {
	Total     int `json:"total"`
	Enabled   int `json:"enabled"`
	Connected int `json:"connected"`
}

// handleDeviceStats returns device totals.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deviceStats(r)
	if err != nil {
		writeDomainError(w, err, "failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) deviceStats(r *http.Request) (DeviceStats, error) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		return DeviceStats{}, err
	}
	states, err := s.manager.ConnectionStates(r.Context())
	if err != nil {
		return DeviceStats{}, err
	}
	stats := DeviceStats{Total: len(devices)}
	for _, d := range devices {
		if d.Enabled {
			stats.Enabled++
		}
		if states[d.Name].State == esphome.StateConnected {
			stats.Connected++
		}
	}
	return stats, nil
}

// handleSearch finds devices, entities and links by name substring.
//
// Query parameters:
//   - q: the substring (required)
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeBadRequest(w, "query parameter q is required")
		return
	}
	ctx := r.Context()

	devices, err := s.store.SearchDevices(ctx, q)
	if err != nil {
		writeInternalError(w, "device search failed")
		return
	}
	entities, err := s.store.SearchEntities(ctx, q)
	if err != nil {
		writeInternalError(w, "entity search failed")
		return
	}
	linked, err := s.store.SearchLinks(ctx, q)
	if err != nil {
		writeInternalError(w, "link search failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices":  devices,
		"entities": entities,
		"links":    linked,
	})
}
