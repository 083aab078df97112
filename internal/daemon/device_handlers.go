package daemon

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/wallmux/internal/api"
	"github.com/g960059/wallmux/internal/catalog"
	"github.com/g960059/wallmux/internal/db"
	"github.com/g960059/wallmux/internal/model"
)

const maxImportBytes = 4 << 20

func (s *Server) devicesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listDevices(w, r)
	case http.MethodPost:
		s.createDevice(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) deviceByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "device not found")
		return
	}
	if len(parts) == 1 {
		switch parts[0] {
		case "probe":
			if r.Method != http.MethodPost {
				s.methodNotAllowed(w, http.MethodPost)
				return
			}
			s.probeDevices(w, r)
			return
		case "export":
			if r.Method != http.MethodGet {
				s.methodNotAllowed(w, http.MethodGet)
				return
			}
			s.exportDevices(w, r)
			return
		case "import":
			if r.Method != http.MethodPost {
				s.methodNotAllowed(w, http.MethodPost)
				return
			}
			s.importDevices(w, r)
			return
		}
	}
	deviceID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalidEncoding, "invalid device encoding")
		return
	}
	deviceID = strings.TrimSpace(deviceID)
	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			s.methodNotAllowed(w, http.MethodDelete)
			return
		}
		s.deleteDevice(w, r, deviceID)
		return
	}
	if len(parts) == 2 && parts[1] == "channels" {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listChannels(w, r, deviceID)
		return
	}
	s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "device route not found")
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.catalog.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	resp := api.DevicesEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Devices:       make([]api.DeviceItem, 0, len(devices)),
	}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, toDeviceItem(d))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req api.CreateDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "name is required")
		return
	}
	d, err := s.catalog.Add(r.Context(), model.Device{
		Name:        name,
		Address:     strings.TrimSpace(req.Address),
		SDKPort:     req.SDKPort,
		RTSPPort:    req.RTSPPort,
		Username:    strings.TrimSpace(req.Username),
		Password:    req.Password,
		Kind:        strings.TrimSpace(req.Kind),
		Model:       strings.TrimSpace(req.Model),
		ChannelHint: strings.TrimSpace(req.ChannelHint),
		Serial:      strings.TrimSpace(req.Serial),
		Driver:      strings.TrimSpace(req.Driver),
		Health:      model.DeviceHealthOK,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, model.ErrRefInvalid, "device name already exists")
			return
		}
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	s.logger.Info().Str("device", d.Name).Str("device_id", d.ID).Msg("device added")
	resp := api.DevicesEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Devices:       []api.DeviceItem{toDeviceItem(d)},
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	if err := s.catalog.Remove(r.Context(), deviceID); err != nil {
		s.writeCatalogError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request, deviceID string) {
	channels, err := s.catalog.Channels(r.Context(), deviceID)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	resp := api.ChannelsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		DeviceID:      deviceID,
		Channels:      make([]api.ChannelItem, 0, len(channels)),
	}
	for _, ch := range channels {
		resp.DeviceID = ch.DeviceID
		resp.Channels = append(resp.Channels, api.ChannelItem{
			DeviceID: ch.DeviceID,
			Number:   ch.Number,
			Label:    ch.Label,
			URL:      ch.URL,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) probeDevices(w http.ResponseWriter, r *http.Request) {
	if s.probe == nil {
		s.writeError(w, http.StatusPreconditionFailed, model.ErrPreconditionFailed, "device probing unavailable")
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	results, err := s.probe.Tick(ctx, time.Now().UTC())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	resp := api.ProbeEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Results:       make([]api.ProbeItem, 0, len(results)),
	}
	for _, res := range results {
		resp.Results = append(resp.Results, api.ProbeItem{
			DeviceID:  res.DeviceID,
			Online:    res.Online,
			RTSPOpen:  res.RTSPOpen,
			SDKOpen:   res.SDKOpen,
			ElapsedMS: res.Elapsed.Milliseconds(),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) exportDevices(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.catalog.Export(r.Context(), &buf); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) importDevices(w http.ResponseWriter, r *http.Request) {
	n, err := s.catalog.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	s.logger.Info().Int("devices", n).Msg("device list imported")
	s.writeJSON(w, http.StatusOK, api.ImportResponse{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Imported: n})
}

func toDeviceItem(d model.Device) api.DeviceItem {
	item := api.DeviceItem{
		DeviceID:    d.ID,
		Name:        d.Name,
		Address:     d.Address,
		SDKPort:     d.SDKPort,
		RTSPPort:    d.RTSPPort,
		Username:    d.Username,
		Kind:        d.Kind,
		Model:       d.Model,
		ChannelHint: d.ChannelHint,
		Serial:      d.Serial,
		Driver:      d.Driver,
		Online:      d.Online,
		Health:      string(d.Health),
		Sample:      d.ID == catalog.SampleDeviceID,
	}
	if d.LastSeenAt != nil {
		v := d.LastSeenAt.UTC().Format(time.RFC3339Nano)
		item.LastSeenAt = &v
	}
	if !d.UpdatedAt.IsZero() {
		item.UpdatedAt = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return item
}
