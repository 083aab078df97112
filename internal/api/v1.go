package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type CellItem struct {
	Index    int     `json:"index"`
	Visible  bool    `json:"visible"`
	Row      int     `json:"row"`
	Col      int     `json:"col"`
	Binding  string  `json:"binding"`
	URL      string  `json:"url,omitempty"`
	Channel  *int    `json:"channel,omitempty"`
	Health   string  `json:"health"`
	Attempts int     `json:"attempts,omitempty"`
	Retrying bool    `json:"retrying,omitempty"`
	Frames   uint64  `json:"frames"`
	FPS      float64 `json:"fps"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

type WallResponse struct {
	SchemaVersion  string     `json:"schema_version"`
	GeneratedAt    time.Time  `json:"generated_at"`
	Requested      int        `json:"requested"`
	Side           int        `json:"side"`
	Capacity       int        `json:"capacity"`
	PoolSize       int        `json:"pool_size"`
	Zoomed         bool       `json:"zoomed"`
	ZoomIndex      *int       `json:"zoom_index,omitempty"`
	Mode           string     `json:"mode"`
	Device         string     `json:"device,omitempty"`
	DeviceChannels int        `json:"device_channels,omitempty"`
	DeviceBound    int        `json:"device_bound,omitempty"`
	RetryPending   []int      `json:"retry_pending"`
	Caption        string     `json:"caption"`
	Cells          []CellItem `json:"cells"`
}

type SplitRequest struct {
	Cells int `json:"cells"`
}

type StreamsRequest struct {
	URLs []string `json:"urls"`
}

// PlayDeviceRequest names a catalog device by id or name.
type PlayDeviceRequest struct {
	Device string `json:"device"`
}

// DevicePlaybackResponse is returned even when some channels failed to bind;
// Error is then set with E_BIND_FAILED.
type DevicePlaybackResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Device        string    `json:"device"`
	Channels      int       `json:"channels"`
	Capacity      int       `json:"capacity"`
	Bound         int       `json:"bound"`
	Failed        []int     `json:"failed,omitempty"`
	Error         *APIError `json:"error,omitempty"`
}

type CellURLResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Index         int       `json:"index"`
	URL           string    `json:"url"`
}

type SnapshotResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Index         int       `json:"index"`
	Path          string    `json:"path"`
}

type ActionsResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Index         int       `json:"index"`
	StopOne       bool      `json:"stop_one"`
	StopAll       bool      `json:"stop_all"`
	Restart       bool      `json:"restart"`
	CopyURL       bool      `json:"copy_url"`
	Snapshot      bool      `json:"snapshot"`
}

type DeviceItem struct {
	DeviceID    string  `json:"device_id"`
	Name        string  `json:"name"`
	Address     string  `json:"address"`
	SDKPort     int     `json:"sdk_port"`
	RTSPPort    int     `json:"rtsp_port"`
	Username    string  `json:"username"`
	Kind        string  `json:"kind,omitempty"`
	Model       string  `json:"model,omitempty"`
	ChannelHint string  `json:"channel_hint,omitempty"`
	Serial      string  `json:"serial,omitempty"`
	Driver      string  `json:"driver"`
	Online      bool    `json:"online"`
	Health      string  `json:"health"`
	LastSeenAt  *string `json:"last_seen_at,omitempty"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
	Sample      bool    `json:"sample,omitempty"`
}

type DevicesEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Devices       []DeviceItem `json:"devices"`
}

type CreateDeviceRequest struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	SDKPort     int    `json:"sdk_port,omitempty"`
	RTSPPort    int    `json:"rtsp_port,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Model       string `json:"model,omitempty"`
	ChannelHint string `json:"channel_hint,omitempty"`
	Serial      string `json:"serial,omitempty"`
	Driver      string `json:"driver,omitempty"`
}

type ChannelItem struct {
	DeviceID string `json:"device_id"`
	Number   int    `json:"number"`
	Label    string `json:"label"`
	URL      string `json:"url"`
}

type ChannelsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	DeviceID      string        `json:"device_id"`
	Channels      []ChannelItem `json:"channels"`
}

type ProbeItem struct {
	DeviceID  string `json:"device_id"`
	Online    bool   `json:"online"`
	RTSPOpen  bool   `json:"rtsp_open"`
	SDKOpen   bool   `json:"sdk_open"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type ProbeEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Results       []ProbeItem `json:"results"`
}

type ImportResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Imported      int       `json:"imported"`
}
