package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	ConfigPath      string
	TunnelURL       string
	CloudflaredPath string
	PingHost        string
	Debug           bool
}

type ServeFlags struct {
	ConfigPath      string
	TunnelURL       string
	CloudflaredPath string
	Listen          string
	AutoStart       bool
	Daemonize       bool
	PidFile         string
	LogFile         string
	// For tests: start everything, then shut down instead of waiting for a signal
	NonBlocking bool
}

type ProbeFlags struct {
	ConfigPath string
	Host       string
	Timeout    time.Duration
	Count      int
}

type CheckFlags struct {
	ConfigPath      string
	CloudflaredPath string
	Timeout         time.Duration
}

type ConfigFlags struct {
	ConfigPath string
	Force      bool
}

// APIFlags select a running `tunnelmon serve` for the remote commands.
type APIFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	Since      uint64
}
