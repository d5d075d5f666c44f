package client

import "time"

// Status mirrors the daemon's per-instance status document.
type Status struct {
	Name           string    `json:"name"`
	App            string    `json:"app"`
	State          string    `json:"state"`
	PID            int       `json:"pid,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	StoppedAt      time.Time `json:"stopped_at,omitempty"`
	Uptime         string    `json:"uptime,omitempty"`
	Restarts       int       `json:"restarts"`
	CrashRestarts  int       `json:"crash_restarts"`
	PolicyRestarts int       `json:"policy_restarts"`
	FastFailures   int       `json:"fast_failures"`
	NextRestartAt  time.Time `json:"next_restart_at,omitempty"`
	ExitCode       int       `json:"exit_code"`
	ExitSignal     string    `json:"exit_signal,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	MemoryBytes    uint64    `json:"memory_bytes,omitempty"`
	CPUPercent     float64   `json:"cpu_percent,omitempty"`
	MaxMemoryBytes int64     `json:"max_memory_bytes,omitempty"`
	OutFile        string    `json:"out_file,omitempty"`
	ErrorFile      string    `json:"error_file,omitempty"`
	LogDrops       uint64    `json:"log_drops,omitempty"`
	WatchIgnored   bool      `json:"watch_ignored,omitempty"`
	AutoRestart    bool      `json:"autorestart"`
}

// Logs is the answer of a non-following /logs request.
type Logs struct {
	Name  string   `json:"name"`
	File  string   `json:"file"`
	Lines []string `json:"lines"`
}

// LogsRequest selects which log to read.
type LogsRequest struct {
	Name  string
	Lines int
	Error bool // read the error stream instead of stdout
}

// Health is the /healthz document.
type Health struct {
	OK        bool `json:"ok"`
	PID       int  `json:"pid"`
	Instances int  `json:"instances"`
}

type applyRequest struct {
	Path string `json:"path"`
}

type applyResponse struct {
	OK   bool     `json:"ok"`
	Apps []string `json:"apps"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
