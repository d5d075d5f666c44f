package main

import "time"

// GlobalFlags holds persistent flags shared by the client commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// DaemonFlags holds flags for the daemon command
type DaemonFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

// StopFlags holds flags for the stop command
type StopFlags struct {
	Name string
	Wait time.Duration
}

// RestartFlags holds flags for the restart command
type RestartFlags struct {
	Name  string
	Reset bool
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	Name string
	JSON bool
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	Name   string
	Lines  int
	Error  bool
	Follow bool
}

// InitFlags holds flags for the init command
type InitFlags struct {
	Output string
	Type   string
	Name   string
	Force  bool
}
