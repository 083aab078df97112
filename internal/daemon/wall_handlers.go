package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/wallmux/internal/api"
	"github.com/g960059/wallmux/internal/catalog"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/surface"
	"github.com/g960059/wallmux/internal/wall"
)

func (s *Server) wallHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	s.writeState(ctx, w)
}

func (s *Server) splitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.SplitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if req.Cells < 1 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "cells must be >= 1")
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.wall.SetSplit(ctx, req.Cells); err != nil {
		s.writeWallError(w, err)
		return
	}
	s.writeState(ctx, w)
}

func (s *Server) streamsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.StreamsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "urls is required")
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.wall.PlayStreams(ctx, req.URLs); err != nil {
		s.writeWallError(w, err)
		return
	}
	s.writeState(ctx, w)
}

func (s *Server) playDeviceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.catalog == nil {
		s.writeError(w, http.StatusPreconditionFailed, model.ErrPreconditionFailed, "device catalog unavailable")
		return
	}
	var req api.PlayDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Device) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "device is required")
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	dev, err := s.catalog.Resolve(ctx, req.Device)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	res, err := s.wall.PlayDeviceAllChannels(ctx, dev)
	var bindErr *wall.BindError
	if err != nil && !errors.As(err, &bindErr) {
		s.writeWallError(w, err)
		return
	}
	resp := api.DevicePlaybackResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Device:        res.Device,
		Channels:      res.Channels,
		Capacity:      res.Capacity,
		Bound:         res.Bound,
		Failed:        res.Failed,
	}
	if bindErr != nil {
		resp.Error = &api.APIError{Code: model.ErrBindFailed, Message: bindErr.Error()}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stopAllHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.wall.StopAll(ctx); err != nil {
		s.writeWallError(w, err)
		return
	}
	s.writeState(ctx, w)
}

// cellHandler serves /v1/cells/{index}/{op}.
func (s *Server) cellHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/cells/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "cell route not found")
		return
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "cell index must be an integer")
		return
	}
	op := parts[1]
	want := http.MethodPost
	if op == "url" || op == "actions" {
		want = http.MethodGet
	}
	switch op {
	case "stop", "restart", "snapshot", "zoom", "url", "actions":
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "cell route not found")
		return
	}
	if r.Method != want {
		s.methodNotAllowed(w, want)
		return
	}

	ctx, cancel := s.commandContext(r)
	defer cancel()
	now := time.Now().UTC()
	switch op {
	case "stop":
		err = s.wall.StopOne(ctx, index)
	case "restart":
		err = s.wall.RestartOne(ctx, index)
	case "zoom":
		err = s.wall.ToggleZoom(ctx, index)
	case "url":
		u, err := s.wall.CellURL(ctx, index)
		if err != nil {
			s.writeWallError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.CellURLResponse{SchemaVersion: "v1", GeneratedAt: now, Index: index, URL: u})
		return
	case "snapshot":
		path, err := s.wall.Snapshot(ctx, index)
		if err != nil {
			s.writeWallError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.SnapshotResponse{SchemaVersion: "v1", GeneratedAt: now, Index: index, Path: path})
		return
	case "actions":
		a, err := s.wall.Actions(ctx, index)
		if err != nil {
			s.writeWallError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.ActionsResponse{
			SchemaVersion: "v1",
			GeneratedAt:   now,
			Index:         index,
			StopOne:       a.StopOne,
			StopAll:       a.StopAll,
			Restart:       a.Restart,
			CopyURL:       a.CopyURL,
			Snapshot:      a.Snapshot,
		})
		return
	}
	if err != nil {
		s.writeWallError(w, err)
		return
	}
	s.writeState(ctx, w)
}

func (s *Server) writeState(ctx context.Context, w http.ResponseWriter) {
	st, err := s.wall.State(ctx)
	if err != nil {
		s.writeWallError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toWallResponse(st))
}

func (s *Server) writeWallError(w http.ResponseWriter, err error) {
	var login *wall.LoginFailure
	switch {
	case errors.As(err, &login):
		s.writeError(w, http.StatusBadGateway, model.ErrLoginFailed, fmt.Sprintf("login to %s failed with code %d", login.Device, login.Code))
	case errors.Is(err, wall.ErrIndexOutOfRange):
		s.writeError(w, http.StatusBadRequest, model.ErrIndexOutOfRange, err.Error())
	case errors.Is(err, wall.ErrNoURL):
		s.writeError(w, http.StatusNotFound, model.ErrNoURL, err.Error())
	case errors.Is(err, surface.ErrNoFrame):
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed, err.Error())
	case errors.Is(err, wall.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "wall is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, model.ErrPreconditionFailed, "command timed out")
	default:
		s.logger.Warn().Err(err).Msg("wall command failed")
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
	}
}

func (s *Server) writeCatalogError(w http.ResponseWriter, err error) {
	if errors.Is(err, catalog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
}

func toWallResponse(st wall.State) api.WallResponse {
	resp := api.WallResponse{
		SchemaVersion:  "v1",
		GeneratedAt:    time.Now().UTC(),
		Requested:      st.Requested,
		Side:           st.Side,
		Capacity:       st.Capacity,
		PoolSize:       st.PoolSize,
		Zoomed:         st.Zoomed,
		Mode:           st.Mode,
		Device:         st.Device,
		DeviceChannels: st.DeviceChannels,
		DeviceBound:    st.DeviceBound,
		RetryPending:   st.RetryPending,
		Caption:        st.Caption,
		Cells:          make([]api.CellItem, 0, len(st.Cells)),
	}
	if st.Zoomed {
		zi := st.ZoomIndex
		resp.ZoomIndex = &zi
	}
	for _, c := range st.Cells {
		resp.Cells = append(resp.Cells, toCellItem(c))
	}
	return resp
}

func toCellItem(c wall.CellView) api.CellItem {
	item := api.CellItem{
		Index:    c.Index,
		Visible:  c.Visible,
		Row:      c.Row,
		Col:      c.Col,
		Binding:  string(c.Binding),
		URL:      c.URL,
		Health:   string(c.Health),
		Attempts: c.Attempts,
		Retrying: c.Retrying,
	}
	if c.Binding == model.BindingChannel {
		ch := c.Channel
		item.Channel = &ch
	}
	if c.Surface != nil {
		stats := c.Surface.Stats()
		item.Frames = stats.Frames
		item.FPS = stats.FPS
		item.Width = stats.Width
		item.Height = stats.Height
	}
	return item
}
