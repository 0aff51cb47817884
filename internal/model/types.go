package model

import "time"

const (
	PortSSH       = 22
	PortHTTP      = 80
	PortWebUI     = 8080
	PortBettercap = 8081
)

// DevicePorts is the fixed probe set. PortSSH is the primary port.
var DevicePorts = []int{PortSSH, PortHTTP, PortWebUI, PortBettercap}

type Endpoint struct {
	Host  string `json:"host"`
	Ports []int  `json:"ports"`
}

type ConnectivityState struct {
	LatencyMs                *float64     `json:"latency_ms"`
	EchoLatencyMs            *float64     `json:"echo_latency_ms,omitempty"`
	Reachable                bool         `json:"reachable"`
	Ports                    map[int]bool `json:"ports"`
	LastConfigFetchSucceeded bool         `json:"last_config_fetch_succeeded"`
	CheckedAt                time.Time    `json:"checked_at"`
}

// Clone returns a copy that shares no memory with s.
func (s ConnectivityState) Clone() ConnectivityState {
	out := s
	out.Ports = make(map[int]bool, len(s.Ports))
	for port, ok := range s.Ports {
		out.Ports[port] = ok
	}
	if s.LatencyMs != nil {
		v := *s.LatencyMs
		out.LatencyMs = &v
	}
	if s.EchoLatencyMs != nil {
		v := *s.EchoLatencyMs
		out.EchoLatencyMs = &v
	}
	return out
}

type RemoteConfig struct {
	Raw         string    `json:"-"`
	DeviceName  string    `json:"device_name"`
	WebUser     string    `json:"web_user"`
	WebPassword string    `json:"web_password"`
	FetchedAt   time.Time `json:"fetched_at"`
}

type ProbeResult struct {
	Port      int
	Reachable bool
	TimedOut  bool
	ElapsedMs *float64
}

type RemoteFileEntry struct {
	Name        string `json:"name"`
	RemotePath  string `json:"remote_path"`
	ModTimeUnix *int64 `json:"mod_time_unix"`
}

type FileKind string

const (
	KindPrimary     FileKind = "primary"
	KindPositionNet FileKind = "net_pos"
	KindPositionGeo FileKind = "geo"
	KindPositionGps FileKind = "gps"
	KindUnknown     FileKind = "unknown"
)

type LocalFile struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	Basename         string    `json:"basename"`
	SizeBytes        uint64    `json:"size_bytes"`
	CreationDate     time.Time `json:"creation_date"`
	ModificationDate time.Time `json:"modification_date"`
	Kind             FileKind  `json:"kind"`
}

type PositionFix struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy float64  `json:"accuracy"`
	Source   FileKind `json:"source"`
}

type CorrelatedRecord struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	PrimaryFile LocalFile    `json:"primary_file"`
	PositionNet *LocalFile   `json:"position_net,omitempty"`
	PositionGeo *LocalFile   `json:"position_geo,omitempty"`
	PositionGps *LocalFile   `json:"position_gps,omitempty"`
	Position    *PositionFix `json:"position,omitempty"`
}

type SyncRunStatus string

const (
	SyncRunning   SyncRunStatus = "running"
	SyncSucceeded SyncRunStatus = "succeeded"
	SyncFailed    SyncRunStatus = "failed"
	SyncCancelled SyncRunStatus = "cancelled"
)

type SyncRun struct {
	ID         string        `json:"id"`
	Status     SyncRunStatus `json:"status"`
	RemoteDir  string        `json:"remote_dir"`
	MaxCount   int           `json:"max_count"`
	Downloaded int           `json:"downloaded"`
	Total      int           `json:"total"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

type SyncStatus struct {
	Running bool     `json:"running"`
	Current *SyncRun `json:"current,omitempty"`
	Last    *SyncRun `json:"last,omitempty"`
}

type ConnectivityEvent struct {
	Reachable bool      `json:"reachable"`
	LatencyMs *float64  `json:"latency_ms"`
	Ports     []int     `json:"open_ports"`
	Timestamp time.Time `json:"timestamp"`
}
