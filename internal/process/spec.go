package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults applied by the config loader when an app leaves the field unset.
const (
	DefaultKillTimeout     = 5 * time.Second
	DefaultMinUptime       = 1 * time.Second
	DefaultMaxRestarts     = 15
	DefaultRestartDelay    = 100 * time.Millisecond
	DefaultRestartDelayMax = 30 * time.Second
	DefaultLogDateFormat   = "YYYY-MM-DDTHH:mm:ssZ"
)

// InterpreterNone runs the script directly without an interpreter.
const InterpreterNone = "none"

// interpreters lists the accepted interpreter values besides "none".
var interpreters = map[string]struct{}{
	"node":    {},
	"nodejs":  {},
	"bun":     {},
	"deno":    {},
	"python":  {},
	"python3": {},
	"ruby":    {},
	"perl":    {},
	"php":     {},
	"bash":    {},
	"sh":      {},
}

// KnownInterpreter reports whether name is an accepted interpreter value.
func KnownInterpreter(name string) bool {
	if name == "" || name == InterpreterNone {
		return true
	}
	_, ok := interpreters[name]
	return ok
}

// LogRotate enables size based rotation of an app's log files.
type LogRotate struct {
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`
}

// Enabled reports whether any rotation threshold has been configured.
func (r LogRotate) Enabled() bool { return r.MaxSizeMB > 0 }

// Spec describes one app declared in the ecosystem file. It is built once by
// the config loader and never mutated afterwards.
type Spec struct {
	Name             string            `json:"name"`
	Cwd              string            `json:"cwd"`
	Script           string            `json:"script"`
	Args             []string          `json:"args,omitempty"`
	Interpreter      string            `json:"interpreter"`
	InterpreterArgs  []string          `json:"interpreter_args,omitempty"`
	Instances        int               `json:"instances"`
	AutoRestart      bool              `json:"autorestart"`
	Watch            bool              `json:"watch"`
	MaxMemoryRestart int64             `json:"max_memory_restart"` // bytes, 0 disables
	Env              map[string]string `json:"env,omitempty"`
	OutFile          string            `json:"out_file"`
	ErrorFile        string            `json:"error_file"`
	LogDateFormat    string            `json:"log_date_format"`
	MergeLogs        bool              `json:"merge_logs"`
	Time             bool              `json:"time"`
	KillTimeout      time.Duration     `json:"kill_timeout"`
	MinUptime        time.Duration     `json:"min_uptime"`
	MaxRestarts      int               `json:"max_restarts"`
	RestartDelay     time.Duration     `json:"restart_delay"`
	RestartDelayMax  time.Duration     `json:"restart_delay_max"`
	LogRotate        LogRotate         `json:"log_rotate"`
}

// Argv returns the argument vector used to launch the app, interpreter first
// when one is configured.
func (s *Spec) Argv() []string {
	script := s.Script
	if !filepath.IsAbs(script) && strings.ContainsRune(script, os.PathSeparator) && s.Cwd != "" {
		script = filepath.Join(s.Cwd, script)
	}
	argv := make([]string, 0, 2+len(s.InterpreterArgs)+len(s.Args))
	if s.Interpreter != "" && s.Interpreter != InterpreterNone {
		argv = append(argv, s.Interpreter)
		argv = append(argv, s.InterpreterArgs...)
	}
	argv = append(argv, script)
	argv = append(argv, s.Args...)
	return argv
}

// InstanceNames returns the names of the replicas declared by Instances.
// A single instance keeps the app name; replicas are suffixed -1..-N.
func (s *Spec) InstanceNames() []string {
	if s.Instances <= 1 {
		return []string{s.Name}
	}
	out := make([]string, 0, s.Instances)
	for i := 1; i <= s.Instances; i++ {
		out = append(out, fmt.Sprintf("%s-%d", s.Name, i))
	}
	return out
}

// LogPaths returns the stdout and stderr destinations for the given replica.
// Replicas of a multi-instance app get their index inserted before the
// extension unless logs are merged.
func (s *Spec) LogPaths(index int) (string, string) {
	out, errp := s.OutFile, s.ErrorFile
	if s.Instances > 1 && !s.MergeLogs {
		out = withIndex(out, index)
		errp = withIndex(errp, index)
	}
	return out, errp
}

func withIndex(path string, index int) string {
	if path == "" || path == os.DevNull {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), index, ext)
}

// Clone returns a deep copy so callers cannot mutate shared slices or maps.
func (s Spec) Clone() Spec {
	c := s
	c.Args = append([]string(nil), s.Args...)
	c.InterpreterArgs = append([]string(nil), s.InterpreterArgs...)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	return c
}

// IsSafeName validates names used as registry keys and log file stems.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
