package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/wallmux/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

var ErrPayloadInvalid = errors.New("payload invalid")

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

type WatchOptions struct {
	PollInterval    time.Duration
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

// WatchState polls the wall state and hands every snapshot to onState.
// Transient failures back off exponentially; client errors end the loop.
func (c *Client) WatchState(ctx context.Context, opts WatchOptions, onState func(api.WallResponse) error) error {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := c.State(ctx)
		if err != nil {
			if opts.Once {
				return err
			}
			if errors.Is(err, ErrPayloadInvalid) {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
			if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		if onState != nil {
			if err := onState(st); err != nil {
				return err
			}
		}
		if opts.Once {
			return nil
		}
		if err := sleepWithContext(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return getJSON[api.HealthResponse](ctx, c, "/v1/health")
}

func (c *Client) State(ctx context.Context) (api.WallResponse, error) {
	return getJSON[api.WallResponse](ctx, c, "/v1/wall")
}

func (c *Client) SetSplit(ctx context.Context, cells int) (api.WallResponse, error) {
	return postJSON[api.WallResponse](ctx, c, "/v1/wall/split", api.SplitRequest{Cells: cells})
}

func (c *Client) PlayStreams(ctx context.Context, urls []string) (api.WallResponse, error) {
	return postJSON[api.WallResponse](ctx, c, "/v1/wall/streams", api.StreamsRequest{URLs: urls})
}

// PlayDevice binds every channel of a catalog device. A partial bind is not
// an error here; check the response's Error field.
func (c *Client) PlayDevice(ctx context.Context, ref string) (api.DevicePlaybackResponse, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return api.DevicePlaybackResponse{}, fmt.Errorf("device reference is required")
	}
	return postJSON[api.DevicePlaybackResponse](ctx, c, "/v1/wall/device", api.PlayDeviceRequest{Device: ref})
}

func (c *Client) StopAll(ctx context.Context) (api.WallResponse, error) {
	return postJSON[api.WallResponse](ctx, c, "/v1/wall/stop", nil)
}

func (c *Client) StopCell(ctx context.Context, index int) (api.WallResponse, error) {
	return postJSON[api.WallResponse](ctx, c, cellPath(index, "stop"), nil)
}

func (c *Client) RestartCell(ctx context.Context, index int) (api.WallResponse, error) {
	return postJSON[api.WallResponse](ctx, c, cellPath(index, "restart"), nil)
}

func (c *Client) ZoomCell(ctx context.Context, index int) (api.WallResponse, error) {
	return postJSON[api.WallResponse](ctx, c, cellPath(index, "zoom"), nil)
}

func (c *Client) CellURL(ctx context.Context, index int) (api.CellURLResponse, error) {
	return getJSON[api.CellURLResponse](ctx, c, cellPath(index, "url"))
}

func (c *Client) Snapshot(ctx context.Context, index int) (api.SnapshotResponse, error) {
	return postJSON[api.SnapshotResponse](ctx, c, cellPath(index, "snapshot"), nil)
}

func (c *Client) Actions(ctx context.Context, index int) (api.ActionsResponse, error) {
	return getJSON[api.ActionsResponse](ctx, c, cellPath(index, "actions"))
}

func (c *Client) ListDevices(ctx context.Context) (api.DevicesEnvelope, error) {
	return getJSON[api.DevicesEnvelope](ctx, c, "/v1/devices")
}

func (c *Client) AddDevice(ctx context.Context, req api.CreateDeviceRequest) (api.DevicesEnvelope, error) {
	if strings.TrimSpace(req.Name) == "" {
		return api.DevicesEnvelope{}, fmt.Errorf("device name is required")
	}
	return postJSON[api.DevicesEnvelope](ctx, c, "/v1/devices", req)
}

func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return fmt.Errorf("device id is required")
	}
	_, err := c.request(ctx, http.MethodDelete, "/v1/devices/"+url.PathEscape(id), nil, nil, false)
	return err
}

func (c *Client) Channels(ctx context.Context, ref string) (api.ChannelsEnvelope, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return api.ChannelsEnvelope{}, fmt.Errorf("device reference is required")
	}
	return getJSON[api.ChannelsEnvelope](ctx, c, "/v1/devices/"+url.PathEscape(ref)+"/channels")
}

// Probe runs one probe round now. It may take up to the daemon's command
// timeout, so it is not bound by the unary timeout.
func (c *Client) Probe(ctx context.Context) (api.ProbeEnvelope, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/devices/probe", nil, nil, true)
	if err != nil {
		return api.ProbeEnvelope{}, err
	}
	var env api.ProbeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.ProbeEnvelope{}, fmt.Errorf("%w: decode probe envelope: %v", ErrPayloadInvalid, err)
	}
	return env, nil
}

// ExportDevices copies the daemon's JSON device export to w.
func (c *Client) ExportDevices(ctx context.Context, w io.Writer) error {
	body, err := c.request(ctx, http.MethodGet, "/v1/devices/export", nil, nil, false)
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ImportDevices replaces the daemon's device list with the export read from r.
func (c *Client) ImportDevices(ctx context.Context, r io.Reader) (int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read device export: %w", err)
	}
	body, err := c.request(ctx, http.MethodPost, "/v1/devices/import", nil, json.RawMessage(raw), false)
	if err != nil {
		return 0, err
	}
	var resp api.ImportResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("%w: decode import response: %v", ErrPayloadInvalid, err)
	}
	return resp.Imported, nil
}

func cellPath(index int, op string) string {
	return "/v1/cells/" + strconv.Itoa(index) + "/" + op
}

func getJSON[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	body, err := c.request(ctx, http.MethodGet, path, nil, nil, false)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s: %v", ErrPayloadInvalid, path, err)
	}
	return out, nil
}

func postJSON[T any](ctx context.Context, c *Client, path string, req any) (T, error) {
	var out T
	body, err := c.request(ctx, http.MethodPost, path, nil, req, false)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s: %v", ErrPayloadInvalid, path, err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
