package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/loykin/appvisor/internal/config"
	"github.com/loykin/appvisor/pkg/client"
)

// Process exit codes.
const (
	exitOK           = 0
	exitGeneric      = 1
	exitConfig       = 2
	exitNotFound     = 3
	exitInvalidState = 4
	exitUnreachable  = 5
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrConfig), errors.Is(err, client.ErrConfig):
		return exitConfig
	case errors.Is(err, client.ErrNotFound):
		return exitNotFound
	case errors.Is(err, client.ErrInvalidState):
		return exitInvalidState
	case errors.Is(err, client.ErrUnreachable):
		return exitUnreachable
	default:
		return exitGeneric
	}
}

var configExts = map[string]bool{".json": true, ".yaml": true, ".yml": true, ".toml": true}

// isConfigPath decides whether a start target is an ecosystem file rather
// than an app name: an existing regular file, or a name carrying a config
// extension.
func isConfigPath(target string) bool {
	if fi, err := os.Stat(target); err == nil && fi.Mode().IsRegular() {
		return true
	}
	return configExts[strings.ToLower(filepath.Ext(target))]
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStatusTable(w io.Writer, sts []client.Status, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tAPP\tSTATE\tPID\tRESTARTS\tUPTIME\tMEMORY\tCPU\tLAST ERROR")
	for _, s := range sts {
		pid, uptime, mem, cpu := "-", "-", "-", "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		if s.State == "running" && !s.StartedAt.IsZero() {
			uptime = units.HumanDuration(now.Sub(s.StartedAt))
		}
		if s.MemoryBytes > 0 {
			mem = units.BytesSize(float64(s.MemoryBytes))
		}
		if s.State == "running" {
			cpu = strconv.FormatFloat(s.CPUPercent, 'f', 1, 64) + "%"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.Name, s.App, s.State, pid, s.Restarts, uptime, mem, cpu, orDash(s.LastError))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
