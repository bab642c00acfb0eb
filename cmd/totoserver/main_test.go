package main

import (
	"testing"

	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
}

func TestResolveDaemonModePrefersExplicitFlags(t *testing.T) {
	resetViper()
	viper.Set("start", true)
	if got := resolveDaemonMode(); got != "start" {
		t.Fatalf("expected start, got %q", got)
	}

	resetViper()
	viper.Set("stop", true)
	if got := resolveDaemonMode(); got != "stop" {
		t.Fatalf("expected stop, got %q", got)
	}

	resetViper()
	viper.Set("restart", true)
	if got := resolveDaemonMode(); got != "restart" {
		t.Fatalf("expected restart, got %q", got)
	}

	resetViper()
	viper.Set("nodaemon", true)
	if got := resolveDaemonMode(); got != "" {
		t.Fatalf("expected empty (foreground) mode, got %q", got)
	}
}

func TestProcessCountFallsBackToNumCPU(t *testing.T) {
	resetViper()
	viper.Set("processes", 0)
	if got := processCount(); got <= 0 {
		t.Fatalf("expected a positive process count, got %d", got)
	}
}

func TestNewRootCmdRegistersExpectedFlags(t *testing.T) {
	resetViper()
	root := newRootCmd()
	for _, name := range []string{"start", "stop", "restart", "nodaemon", "processes", "pidfile", "port", "database", "hmac"} {
		if root.Flags().Lookup(name) == nil {
			t.Fatalf("expected flag %q to be registered", name)
		}
	}
}
