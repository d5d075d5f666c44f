package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/logrouter"
	"github.com/loykin/appvisor/internal/process"
)

// EnvPrefix prefixes environment overrides of daemon keys, for example
// APPVISOR_DAEMON_LISTEN.
const EnvPrefix = "APPVISOR"

// Daemon defaults.
const (
	DefaultListen          = "127.0.0.1:9615"
	DefaultBasePath        = "/api"
	DefaultLogDir          = "logs"
	DefaultPIDFile         = "appvisor.pid"
	DefaultMonitorInterval = 5 * time.Second
	DefaultStopTimeout     = 30 * time.Second
)

// Config is a loaded ecosystem file.
type Config struct {
	Path   string         // absolute path of the file
	Dir    string         // directory relative paths are resolved against
	Apps   []process.Spec // file order
	Daemon DaemonConfig
	// Warnings lists keys that were accepted but have no effect.
	Warnings []string
}

// DaemonConfig is the optional top-level daemon table.
type DaemonConfig struct {
	Listen      string         `mapstructure:"listen"`
	BasePath    string         `mapstructure:"base_path"`
	LogDir      string         `mapstructure:"log_dir"`
	PIDFile     string         `mapstructure:"pid_file"`
	StopTimeout time.Duration  `mapstructure:"stop_timeout"`
	Log         logger.Config  `mapstructure:"log"`
	Monitor     MonitorConfig  `mapstructure:"monitor"`
	LogQueue    LogQueueConfig `mapstructure:"log_queue"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	History     HistoryConfig  `mapstructure:"history"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LogQueueConfig bounds the per-instance log queues.
type LogQueueConfig struct {
	Size   int              `mapstructure:"size"`
	Policy logrouter.Policy `mapstructure:"policy"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the
	// control server.
	Listen string `mapstructure:"listen"`
}

// HistoryConfig selects a lifecycle history sink by DSN. Empty disables it.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// appEntry mirrors one element of the apps list before normalisation.
type appEntry struct {
	Name             string         `mapstructure:"name"`
	Cwd              string         `mapstructure:"cwd"`
	Script           string         `mapstructure:"script"`
	Args             any            `mapstructure:"args"`
	Interpreter      string         `mapstructure:"interpreter"`
	InterpreterArgs  any            `mapstructure:"interpreter_args"`
	Instances        *int           `mapstructure:"instances"`
	AutoRestart      *bool          `mapstructure:"autorestart"`
	Watch            any            `mapstructure:"watch"`
	MaxMemoryRestart any            `mapstructure:"max_memory_restart"`
	Env              map[string]any `mapstructure:"env"`
	OutFile          string         `mapstructure:"out_file"`
	ErrorFile        string         `mapstructure:"error_file"`
	LogDateFormat    string         `mapstructure:"log_date_format"`
	MergeLogs        bool           `mapstructure:"merge_logs"`
	Time             bool           `mapstructure:"time"`
	KillTimeout      any            `mapstructure:"kill_timeout"`
	MinUptime        any            `mapstructure:"min_uptime"`
	MaxRestarts      *int           `mapstructure:"max_restarts"`
	RestartDelay     any            `mapstructure:"restart_delay"`
	RestartDelayMax  any            `mapstructure:"restart_delay_max"`
	LogRotate        *logRotate     `mapstructure:"log_rotate"`
}

type logRotate struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Load reads and validates an ecosystem file. The format is chosen by
// extension: .json, .yaml/.yml or .toml. Apps are returned in file order
// with defaults applied and every path made absolute. Load has no side
// effects beyond reading the file.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &Error{Path: path, Index: -1, Err: err}
	}
	fail := func(field string, err error) error {
		return &Error{Path: abs, Index: -1, Field: field, Err: err}
	}
	data, err := os.ReadFile(filepath.Clean(abs))
	if err != nil {
		return nil, fail("", err)
	}
	raw, err := decodeRaw(abs, data)
	if err != nil {
		return nil, fail("", err)
	}

	cfg := &Config{Path: abs, Dir: filepath.Dir(abs)}
	daemonRaw, _ := raw["daemon"].(map[string]any)
	if raw["daemon"] != nil && daemonRaw == nil {
		return nil, fail("daemon", errors.New("must be a table"))
	}
	if cfg.Daemon, err = loadDaemon(daemonRaw); err != nil {
		return nil, fail("daemon", err)
	}
	if ce := cfg.Daemon.normalise(cfg.Dir); ce != nil {
		ce.Path, ce.Index = abs, -1
		return nil, ce
	}

	list, ok := raw["apps"].([]any)
	if !ok {
		if raw["apps"] == nil {
			return nil, fail("apps", errors.New("no apps declared"))
		}
		return nil, fail("apps", errors.New("must be a list"))
	}
	seen := make(map[string]int, len(list))
	for i, item := range list {
		spec, warns, err := cfg.buildApp(item)
		if err != nil {
			var ce *Error
			if errors.As(err, &ce) {
				ce.Path, ce.Index = abs, i
				return nil, ce
			}
			return nil, &Error{Path: abs, Index: i, Err: err}
		}
		// App names and replica names share one namespace.
		claimed := append([]string{spec.Name}, spec.InstanceNames()...)
		for _, name := range claimed {
			if prev, dup := seen[name]; dup {
				field := "name"
				if name != spec.Name {
					field = "instances"
				}
				return nil, &Error{Path: abs, Index: i, App: spec.Name, Field: field,
					Err: fmt.Errorf("%w: %q also declared at apps[%d]", ErrDuplicateName, name, prev)}
			}
		}
		for _, name := range claimed {
			seen[name] = i
		}
		cfg.Apps = append(cfg.Apps, spec)
		cfg.Warnings = append(cfg.Warnings, warns...)
	}
	return cfg, nil
}

// decodeRaw parses the file preserving key case, which env var names need.
// A bare list at the top level is taken as the apps list.
func decodeRaw(path string, data []byte) (map[string]any, error) {
	var doc any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".toml":
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		doc = m
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .json, .yaml, .yml or .toml)", ext)
	}
	switch t := doc.(type) {
	case map[string]any:
		return t, nil
	case []any:
		return map[string]any{"apps": t}, nil
	case nil:
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("top level must be a table or a list, got %T", doc)
}

func loadDaemon(raw map[string]any) (DaemonConfig, error) {
	v := viper.New()
	v.SetDefault("daemon.listen", DefaultListen)
	v.SetDefault("daemon.base_path", DefaultBasePath)
	v.SetDefault("daemon.log_dir", DefaultLogDir)
	v.SetDefault("daemon.pid_file", DefaultPIDFile)
	v.SetDefault("daemon.stop_timeout", DefaultStopTimeout)
	v.SetDefault("daemon.log.level", "info")
	v.SetDefault("daemon.log.format", logger.FormatText)
	v.SetDefault("daemon.log.file", "")
	v.SetDefault("daemon.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("daemon.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("daemon.log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("daemon.log.compress", false)
	v.SetDefault("daemon.monitor.interval", DefaultMonitorInterval)
	v.SetDefault("daemon.log_queue.size", logrouter.DefaultQueueSize)
	v.SetDefault("daemon.log_queue.policy", string(logrouter.DropOldest))
	v.SetDefault("daemon.metrics.enabled", false)
	v.SetDefault("daemon.metrics.listen", "")
	v.SetDefault("daemon.history.dsn", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if raw != nil {
		if err := v.MergeConfigMap(map[string]any{"daemon": raw}); err != nil {
			return DaemonConfig{}, err
		}
	}
	var wrap struct {
		Daemon DaemonConfig `mapstructure:"daemon"`
	}
	if err := v.Unmarshal(&wrap); err != nil {
		return DaemonConfig{}, err
	}
	return wrap.Daemon, nil
}

func (d *DaemonConfig) normalise(dir string) *Error {
	if d.LogDir == "" {
		d.LogDir = DefaultLogDir
	}
	d.LogDir = resolvePath(dir, d.LogDir)
	if d.PIDFile != "" {
		d.PIDFile = resolvePath(dir, d.PIDFile)
	}
	if d.Log.File != "" {
		d.Log.File = resolvePath(dir, d.Log.File)
	}
	if d.BasePath == "" || d.BasePath[0] != '/' {
		d.BasePath = "/" + d.BasePath
	}
	d.BasePath = strings.TrimRight(d.BasePath, "/")
	if err := d.Log.Validate(); err != nil {
		return &Error{Field: "daemon.log", Err: err}
	}
	if d.Monitor.Interval <= 0 {
		return &Error{Field: "daemon.monitor.interval", Err: errors.New("must be positive")}
	}
	if d.LogQueue.Size < 1 {
		return &Error{Field: "daemon.log_queue.size", Err: errors.New("must be at least 1")}
	}
	p, err := logrouter.ParsePolicy(string(d.LogQueue.Policy))
	if err != nil {
		return &Error{Field: "daemon.log_queue.policy", Err: err}
	}
	d.LogQueue.Policy = p
	if d.StopTimeout <= 0 {
		d.StopTimeout = DefaultStopTimeout
	}
	return nil
}

func (c *Config) buildApp(item any) (process.Spec, []string, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return process.Spec{}, nil, fmt.Errorf("want a table, got %T", item)
	}
	var e appEntry
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &e,
		Metadata:         &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return process.Spec{}, nil, err
	}
	name, _ := m["name"].(string)
	if err := dec.Decode(m); err != nil {
		return process.Spec{}, nil, &Error{App: name, Err: err}
	}
	bad := func(field string, err error) (process.Spec, []string, error) {
		return process.Spec{}, nil, &Error{App: e.Name, Field: field, Err: err}
	}

	if e.Name == "" {
		return bad("name", errors.New("required"))
	}
	if !process.IsSafeName(e.Name) {
		return bad("name", errors.New("may only contain letters, digits, '.', '_' and '-'"))
	}
	if e.Script == "" {
		return bad("script", errors.New("required"))
	}
	if e.Cwd == "" {
		return bad("cwd", errors.New("required"))
	}
	if !process.KnownInterpreter(e.Interpreter) {
		return bad("interpreter", fmt.Errorf("unknown interpreter %q", e.Interpreter))
	}

	s := process.Spec{
		Name:            e.Name,
		Cwd:             resolvePath(c.Dir, e.Cwd),
		Script:          e.Script,
		Interpreter:     e.Interpreter,
		Instances:       1,
		AutoRestart:     true,
		Watch:           parseWatch(e.Watch),
		LogDateFormat:   e.LogDateFormat,
		MergeLogs:       e.MergeLogs,
		Time:            e.Time,
		KillTimeout:     process.DefaultKillTimeout,
		MinUptime:       process.DefaultMinUptime,
		MaxRestarts:     process.DefaultMaxRestarts,
		RestartDelay:    process.DefaultRestartDelay,
		RestartDelayMax: process.DefaultRestartDelayMax,
	}
	if s.Interpreter == "" {
		s.Interpreter = process.InterpreterNone
	}
	if e.Instances != nil {
		if *e.Instances < 1 {
			return bad("instances", fmt.Errorf("must be at least 1, got %d", *e.Instances))
		}
		s.Instances = *e.Instances
	}
	if e.AutoRestart != nil {
		s.AutoRestart = *e.AutoRestart
	}
	if e.MaxRestarts != nil {
		if *e.MaxRestarts < 1 {
			return bad("max_restarts", fmt.Errorf("must be at least 1, got %d", *e.MaxRestarts))
		}
		s.MaxRestarts = *e.MaxRestarts
	}
	if s.Args, err = parseArgs(e.Args); err != nil {
		return bad("args", err)
	}
	if s.InterpreterArgs, err = parseArgs(e.InterpreterArgs); err != nil {
		return bad("interpreter_args", err)
	}
	if s.MaxMemoryRestart, err = parseSize(e.MaxMemoryRestart); err != nil {
		return bad("max_memory_restart", err)
	}
	if s.Env, err = stringMap(e.Env); err != nil {
		return bad("env", err)
	}
	durations := []struct {
		field string
		raw   any
		dst   *time.Duration
	}{
		{"kill_timeout", e.KillTimeout, &s.KillTimeout},
		{"min_uptime", e.MinUptime, &s.MinUptime},
		{"restart_delay", e.RestartDelay, &s.RestartDelay},
		{"restart_delay_max", e.RestartDelayMax, &s.RestartDelayMax},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return bad(d.field, err)
		}
		*d.dst = v
	}
	if s.RestartDelayMax < s.RestartDelay {
		return bad("restart_delay_max", fmt.Errorf("%s is below restart_delay %s", s.RestartDelayMax, s.RestartDelay))
	}

	if s.LogDateFormat == "" {
		s.LogDateFormat = process.DefaultLogDateFormat
	}
	if _, err := logrouter.NewStamper(s.LogDateFormat); err != nil {
		return bad("log_date_format", err)
	}
	s.OutFile = c.logPath(e.OutFile, e.Name+"-out.log")
	s.ErrorFile = c.logPath(e.ErrorFile, e.Name+"-error.log")
	if e.LogRotate != nil {
		s.LogRotate = process.LogRotate(*e.LogRotate)
	}

	var warns []string
	if s.Watch {
		warns = append(warns, fmt.Sprintf("%s: watch is not supported and is ignored", s.Name))
	}
	unused := slices.Clone(md.Unused)
	sort.Strings(unused)
	for _, k := range unused {
		warns = append(warns, fmt.Sprintf("%s: unknown key %q ignored", s.Name, k))
	}
	return s, warns, nil
}

func (c *Config) logPath(p, def string) string {
	switch p {
	case "":
		return filepath.Join(c.Daemon.LogDir, def)
	case os.DevNull:
		return p
	}
	return resolvePath(c.Dir, p)
}

// resolvePath makes p absolute against dir, expanding a leading "~/".
func resolvePath(dir, p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}
