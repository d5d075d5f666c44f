package process

import "time"

// State is the lifecycle state of a supervised instance.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

func (s State) String() string { return string(s) }

// Active reports whether the state owns (or is about to own) a live OS process.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Status is a point-in-time snapshot of one instance.
type Status struct {
	Name            string    `json:"name"`
	App             string    `json:"app"`
	State           State     `json:"state"`
	PID             int       `json:"pid,omitempty"`
	RunID           string    `json:"run_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	StoppedAt       time.Time `json:"stopped_at,omitempty"`
	Uptime          string    `json:"uptime,omitempty"`
	Restarts        int       `json:"restarts"`
	CrashRestarts   int       `json:"crash_restarts"`
	PolicyRestarts  int       `json:"policy_restarts"`
	FastFailures    int       `json:"fast_failures"`
	NextRestartAt   time.Time `json:"next_restart_at,omitempty"`
	ExitCode        int       `json:"exit_code"`
	ExitSignal      string    `json:"exit_signal,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	MemoryBytes     uint64    `json:"memory_bytes,omitempty"`
	CPUPercent      float64   `json:"cpu_percent,omitempty"`
	MaxMemoryBytes  int64     `json:"max_memory_bytes,omitempty"`
	OutFile         string    `json:"out_file,omitempty"`
	ErrorFile       string    `json:"error_file,omitempty"`
	LogDrops        uint64    `json:"log_drops,omitempty"`
	WatchIgnored    bool      `json:"watch_ignored,omitempty"`
	AutoRestart     bool      `json:"autorestart"`
}

// Running reports whether the instance currently has a live process.
func (s Status) Running() bool { return s.State == StateRunning }
