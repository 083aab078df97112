package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/wallmux/internal/api"
	"github.com/g960059/wallmux/internal/catalog"
	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/db"
	"github.com/g960059/wallmux/internal/devicesdk"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/probe"
	"github.com/g960059/wallmux/internal/surface"
	"github.com/g960059/wallmux/internal/testutil"
	"github.com/g960059/wallmux/internal/wall"
)

func TestHealthEndpointOverUDS(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "wallmuxd.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv := NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	waitForSocket(t, socketPath, errCh)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}}
	resp, err := client.Get("http://unix/v1/health")
	if err != nil {
		t.Fatalf("get health over uds: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if payload.SchemaVersion != "v1" || payload.Status != "ok" || payload.StreamID == "" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	st, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("expected socket mode 0600, got %o", st.Mode().Perm())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("server error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	}
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket should be removed on shutdown, stat err=%v", err)
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "wallmuxd.sock")
	if err := os.WriteFile(socketPath, []byte("not-a-socket"), 0o600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath
	srv := NewServer(cfg)

	err := srv.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start to fail for non-socket file")
	}
	if err := os.Remove(socketPath); err != nil {
		t.Fatalf("regular file should remain for caller cleanup, got remove error: %v", err)
	}
}

func TestSingleInstanceLock(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "wallmuxd.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv1 := NewServer(cfg)
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()

	errCh1 := make(chan error, 1)
	go func() {
		errCh1 <- srv1.Start(ctx1)
	}()
	waitForSocket(t, socketPath, errCh1)

	srv2 := NewServer(cfg)
	err := srv2.Start(context.Background())
	if err == nil {
		t.Fatalf("expected second server start to fail while first lock is held")
	}
	if !strings.Contains(err.Error(), "daemon already running") {
		t.Fatalf("expected lock contention error, got: %v", err)
	}

	cancel1()
	select {
	case err := <-errCh1:
		if err != nil && err != context.Canceled {
			t.Fatalf("server1 shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server1 shutdown")
	}

	srv3 := NewServer(cfg)
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	errCh3 := make(chan error, 1)
	go func() {
		errCh3 <- srv3.Start(ctx3)
	}()
	waitForSocket(t, socketPath, errCh3)
	cancel3()
	select {
	case err := <-errCh3:
		if err != nil && err != context.Canceled {
			t.Fatalf("server3 shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server3 shutdown")
	}
}

// stubDecoder reports Playing on every open unless the url contains "bad".
type stubDecoder struct{}

func (stubDecoder) NewPlayer(s *surface.Surface) wall.Player {
	return &stubPlayer{surface: s}
}

type stubPlayer struct {
	mu      sync.Mutex
	surface *surface.Surface
	open    bool
}

func (p *stubPlayer) Open(_ context.Context, url string, notify func(model.PlaybackEvent)) error {
	if strings.Contains(url, "bad") {
		return fmt.Errorf("connection refused")
	}
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
	notify(model.EventPlaying)
	return nil
}

func (p *stubPlayer) Stop() {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
}

func (p *stubPlayer) Snapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("png"), 0o600)
}

func (p *stubPlayer) Close() error { return nil }

type apiTestEnv struct {
	srv     *Server
	store   *db.Store
	catalog *catalog.Catalog
	cfg     config.Config
	ctx     context.Context
}

func newAPITestServer(t *testing.T) *apiTestEnv {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.SnapshotDir = t.TempDir()
	cfg.CommandTimeout = 2 * time.Second

	reg := devicesdk.NewRegistry(zerolog.Nop())
	reg.Register(model.DriverSim, devicesdk.NewSimDriver(cfg))
	w, err := wall.New(cfg, wall.Deps{Decoder: stubDecoder{}, SDK: reg, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new wall: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cat := catalog.New(store)
	loop := probe.NewLoop(cat, probe.NewProber(time.Second, 2), cfg, zerolog.Nop())
	srv := NewServerWithDeps(cfg, Deps{Wall: w, Catalog: cat, Probe: loop, Logger: zerolog.Nop()})
	return &apiTestEnv{srv: srv, store: store, catalog: cat, cfg: cfg, ctx: ctx}
}

func doJSONRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v body=%q", err, rec.Body.String())
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) api.ErrorResponse {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d body=%s", status, rec.Code, rec.Body.String())
	}
	er := decodeJSON[api.ErrorResponse](t, rec)
	if er.SchemaVersion != "v1" || er.Error.Code != code {
		t.Fatalf("expected %s envelope, got %+v", code, er)
	}
	return er
}

func TestMethodNotAllowedReturnsStructuredErrorEnvelope(t *testing.T) {
	env := newAPITestServer(t)
	tests := []struct {
		method string
		path   string
		allow  string
	}{
		{http.MethodPatch, "/v1/wall", "GET"},
		{http.MethodGet, "/v1/wall/split", "POST"},
		{http.MethodGet, "/v1/cells/0/stop", "POST"},
		{http.MethodPost, "/v1/cells/0/url", "GET"},
		{http.MethodPut, "/v1/devices", "GET, POST"},
		{http.MethodGet, "/v1/devices/probe", "POST"},
	}
	for _, tt := range tests {
		rec := doJSONRequest(t, env.srv.httpSrv.Handler, tt.method, tt.path, nil)
		expectError(t, rec, http.StatusMethodNotAllowed, model.ErrRefInvalid)
		if got := rec.Header().Get("Allow"); got != tt.allow {
			t.Fatalf("%s %s: expected Allow %q, got %q", tt.method, tt.path, tt.allow, got)
		}
	}
}

func TestWallRoutesRequireWall(t *testing.T) {
	srv := NewServer(config.DefaultConfig())
	rec := doJSONRequest(t, srv.httpSrv.Handler, http.MethodGet, "/v1/wall", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a wall, got %d", rec.Code)
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}
