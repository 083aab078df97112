package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g960059/wallmux/internal/api"
)

const wallBody = `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","requested":4,"side":2,"capacity":4,"pool_size":4,"zoomed":false,"mode":"streams","retry_pending":[],"caption":"4 cells","cells":[]}`

func TestWatchStateRetriesAndResumes(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wall", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_PRECONDITION_FAILED","message":"wall is shutting down"}}`)
			return
		}
		_, _ = io.WriteString(w, wallBody)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	received := 0
	err := client.WatchState(ctx, WatchOptions{
		PollInterval:    20 * time.Millisecond,
		RetryMinBackoff: 20 * time.Millisecond,
		RetryMaxBackoff: 40 * time.Millisecond,
	}, func(st api.WallResponse) error {
		if st.Capacity != 4 || st.Caption != "4 cells" {
			t.Fatalf("unexpected state: %+v", st)
		}
		received++
		if received >= 2 {
			return context.Canceled
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled sentinel, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls (one failure, two states), got %d", calls.Load())
	}
}

func TestWatchStateStopsOnNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wall", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_REF_INVALID","message":"nope"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := client.WatchState(ctx, WatchOptions{PollInterval: 10 * time.Millisecond, RetryMinBackoff: 10 * time.Millisecond}, nil)
	if err == nil || !strings.Contains(err.Error(), "E_REF_INVALID") {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestWatchStateStopsOnInvalidPayload(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wall", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"schema_version":"v1"`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.WatchState(context.Background(), WatchOptions{PollInterval: 10 * time.Millisecond}, nil)
	if !errors.Is(err, ErrPayloadInvalid) {
		t.Fatalf("expected payload invalid error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single call for invalid payload, got %d", calls.Load())
	}
}

func TestWatchStateOnceReturnsFirstError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wall", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.WatchState(context.Background(), WatchOptions{Once: true}, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != "HTTP_502" || reqErr.Message != "upstream down" {
		t.Fatalf("expected raw http error, got %v", err)
	}
	if !reqErr.Retryable() {
		t.Fatalf("5xx must be retryable")
	}
}

func TestWallEndpoints(t *testing.T) {
	type call struct {
		method string
		path   string
		body   string
	}
	var calls []call
	mux := http.NewServeMux()
	record := func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls = append(calls, call{method: r.Method, path: r.URL.Path, body: strings.TrimSpace(string(b))})
		switch {
		case strings.HasSuffix(r.URL.Path, "/url"):
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","index":2,"url":"rtsp://cam/2"}`)
		case strings.HasSuffix(r.URL.Path, "/snapshot"):
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","index":2,"path":"/tmp/snapshot_3.png"}`)
		case strings.HasSuffix(r.URL.Path, "/actions"):
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","index":2,"stop_one":true,"stop_all":true,"restart":true,"copy_url":true,"snapshot":true}`)
		case r.URL.Path == "/v1/wall/device":
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","device":"nvr","channels":4,"capacity":4,"bound":3,"failed":[2],"error":{"code":"E_BIND_FAILED","message":"bind failed for cells [2]"}}`)
		default:
			_, _ = io.WriteString(w, wallBody)
		}
	}
	mux.HandleFunc("/v1/wall/", record)
	mux.HandleFunc("/v1/cells/", record)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx := context.Background()
	if _, err := client.SetSplit(ctx, 9); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := client.PlayStreams(ctx, []string{"rtsp://a", "rtsp://b"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	res, err := client.PlayDevice(ctx, " nvr ")
	if err != nil {
		t.Fatalf("play device: %v", err)
	}
	if res.Error == nil || res.Error.Code != "E_BIND_FAILED" || len(res.Failed) != 1 {
		t.Fatalf("partial bind not surfaced: %+v", res)
	}
	if _, err := client.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if _, err := client.StopCell(ctx, 2); err != nil {
		t.Fatalf("stop cell: %v", err)
	}
	if _, err := client.RestartCell(ctx, 2); err != nil {
		t.Fatalf("restart cell: %v", err)
	}
	if _, err := client.ZoomCell(ctx, 2); err != nil {
		t.Fatalf("zoom: %v", err)
	}
	u, err := client.CellURL(ctx, 2)
	if err != nil || u.URL != "rtsp://cam/2" {
		t.Fatalf("url: %+v %v", u, err)
	}
	snap, err := client.Snapshot(ctx, 2)
	if err != nil || snap.Path != "/tmp/snapshot_3.png" {
		t.Fatalf("snapshot: %+v %v", snap, err)
	}
	a, err := client.Actions(ctx, 2)
	if err != nil || !a.CopyURL {
		t.Fatalf("actions: %+v %v", a, err)
	}

	want := []call{
		{http.MethodPost, "/v1/wall/split", `{"cells":9}`},
		{http.MethodPost, "/v1/wall/streams", `{"urls":["rtsp://a","rtsp://b"]}`},
		{http.MethodPost, "/v1/wall/device", `{"device":"nvr"}`},
		{http.MethodPost, "/v1/wall/stop", ""},
		{http.MethodPost, "/v1/cells/2/stop", ""},
		{http.MethodPost, "/v1/cells/2/restart", ""},
		{http.MethodPost, "/v1/cells/2/zoom", ""},
		{http.MethodGet, "/v1/cells/2/url", ""},
		{http.MethodPost, "/v1/cells/2/snapshot", ""},
		{http.MethodGet, "/v1/cells/2/actions", ""},
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %+v", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d: got %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestPlayDeviceRejectsBlankReference(t *testing.T) {
	client := NewWithClient("http://127.0.0.1:1", nil)
	if _, err := client.PlayDevice(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for blank device reference")
	}
	if _, err := client.Channels(context.Background(), ""); err == nil {
		t.Fatalf("expected error for blank channel reference")
	}
	if err := client.RemoveDevice(context.Background(), ""); err == nil {
		t.Fatalf("expected error for blank device id")
	}
	if _, err := client.AddDevice(context.Background(), api.CreateDeviceRequest{}); err == nil {
		t.Fatalf("expected error for nameless device")
	}
}

func TestDeviceEndpoints(t *testing.T) {
	var imported []byte
	var deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req api.CreateDeviceRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode create request: %v", err)
			}
			if req.Name != "gate" || req.Driver != "sim" {
				t.Fatalf("unexpected create request: %+v", req)
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","devices":[{"device_id":"d1","name":"gate","address":"","sdk_port":37777,"rtsp_port":554,"username":"admin","driver":"sim","online":false,"health":"ok"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","devices":[{"device_id":"sample","name":"Sample NVR","address":"10.0.0.10","sdk_port":37777,"rtsp_port":554,"username":"admin","driver":"rtsp","online":false,"health":"ok","sample":true}]}`)
	})
	mux.HandleFunc("/v1/devices/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/devices/probe":
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","results":[{"device_id":"d1","online":true,"rtsp_open":false,"sdk_open":true,"elapsed_ms":3}]}`)
		case r.URL.Path == "/v1/devices/export":
			_, _ = io.WriteString(w, `[{"id":"d1","name":"gate"}]`)
		case r.URL.Path == "/v1/devices/import":
			imported, _ = io.ReadAll(r.Body)
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","imported":1}`)
		case strings.HasSuffix(r.URL.Path, "/channels"):
			if r.URL.EscapedPath() != "/v1/devices/front%20door/channels" {
				t.Fatalf("device ref not escaped: %s", r.URL.EscapedPath())
			}
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","device_id":"d1","channels":[{"device_id":"d1","number":1,"label":"Channel 1","url":"rtsp://x"}]}`)
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx := context.Background()

	list, err := client.ListDevices(ctx)
	if err != nil || len(list.Devices) != 1 || !list.Devices[0].Sample {
		t.Fatalf("list: %+v %v", list, err)
	}
	created, err := client.AddDevice(ctx, api.CreateDeviceRequest{Name: "gate", Driver: "sim"})
	if err != nil || created.Devices[0].DeviceID != "d1" {
		t.Fatalf("add: %+v %v", created, err)
	}
	ch, err := client.Channels(ctx, "front door")
	if err != nil || len(ch.Channels) != 1 || ch.Channels[0].Label != "Channel 1" {
		t.Fatalf("channels: %+v %v", ch, err)
	}
	probe, err := client.Probe(ctx)
	if err != nil || len(probe.Results) != 1 || !probe.Results[0].SDKOpen {
		t.Fatalf("probe: %+v %v", probe, err)
	}
	var out bytes.Buffer
	if err := client.ExportDevices(ctx, &out); err != nil || !strings.Contains(out.String(), `"gate"`) {
		t.Fatalf("export: %q %v", out.String(), err)
	}
	n, err := client.ImportDevices(ctx, strings.NewReader(`[{"id":"d1","name":"gate"}]`))
	if err != nil || n != 1 {
		t.Fatalf("import: %d %v", n, err)
	}
	if !strings.Contains(string(imported), `"id":"d1"`) {
		t.Fatalf("import body not forwarded: %q", imported)
	}
	if err := client.RemoveDevice(ctx, "d1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if deleted != "/v1/devices/d1" {
		t.Fatalf("unexpected delete path %q", deleted)
	}
}

func TestImportRejectsInvalidJSONLocally(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	client := NewWithClient(srv.URL, srv.Client())
	if _, err := client.ImportDevices(context.Background(), strings.NewReader("{broken")); err == nil {
		t.Fatalf("expected encode error for invalid json")
	}
	if calls.Load() != 0 {
		t.Fatalf("invalid export must not reach the daemon")
	}
}

func TestUnaryRequestUsesTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wall", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		_, _ = io.WriteString(w, wallBody)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(50 * time.Millisecond)
	start := time.Now()
	_, err := client.State(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatalf("unary timeout not applied")
	}
}

func TestRequestErrorStrings(t *testing.T) {
	tests := []struct {
		err  *RequestError
		want string
	}{
		{&RequestError{StatusCode: 404, Code: "E_REF_NOT_FOUND", Message: "device not found"}, "E_REF_NOT_FOUND: device not found"},
		{&RequestError{StatusCode: 400, Code: "E_REF_INVALID"}, "http 400: E_REF_INVALID"},
		{&RequestError{Code: "E_REF_INVALID"}, "E_REF_INVALID"},
		{&RequestError{StatusCode: 500, Message: "boom"}, "http 500: boom"},
		{&RequestError{StatusCode: 502}, "http 502"},
		{&RequestError{}, "http error"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Fatalf("got %q, want %q", got, tt.want)
		}
	}
}

func TestWithUnaryTimeoutReturnsClonedClient(t *testing.T) {
	base := NewWithClient("http://unix", nil)
	clone := base.WithUnaryTimeout(time.Second)
	if clone == base {
		t.Fatalf("expected a copy")
	}
	if base.unaryTimeout != defaultUnaryTimeout || clone.unaryTimeout != time.Second {
		t.Fatalf("unexpected timeouts: base=%s clone=%s", base.unaryTimeout, clone.unaryTimeout)
	}
}
