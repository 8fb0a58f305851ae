package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelmon/internal/config"
	"github.com/loykin/tunnelmon/internal/logger"
	"github.com/loykin/tunnelmon/internal/monitor"
	"github.com/loykin/tunnelmon/internal/server"
)

func startDashboard(t *testing.T) (*httptest.Server, *logger.Ring) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ring := logger.NewRing(16)
	r := server.NewRouter(server.Options{
		Monitor:  monitor.NewController(),
		Settings: config.Default(),
		Logs:     ring,
	})
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return srv, ring
}

func TestStatusAndLogsCommands(t *testing.T) {
	srv, ring := startDashboard(t)
	slog.New(ring.Handler(slog.LevelInfo)).Info("hello from the dashboard")
	api := srv.URL + "/api"
	cfgPath := filepath.Join(t.TempDir(), "missing.toml")

	out, err := execute(context.Background(), t, nil, "--config", cfgPath, "status", "--api-url", api)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"status": "stopped"`) || !strings.Contains(out, `"running": false`) {
		t.Fatalf("status output: %s", out)
	}

	out, err = execute(context.Background(), t, nil, "--config", cfgPath, "logs", "--api-url", api)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "hello from the dashboard") {
		t.Fatalf("logs output: %s", out)
	}
}

func TestStopCommandOnIdleMonitor(t *testing.T) {
	srv, _ := startDashboard(t)
	cfgPath := filepath.Join(t.TempDir(), "missing.toml")
	out, err := execute(context.Background(), t, nil, "--config", cfgPath, "stop", "--api-url", srv.URL+"/api/")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out, "monitor stopped") {
		t.Fatalf("stop output: %s", out)
	}
}

func TestAPIURLFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelmon.toml")
	cfg := config.Default()
	cfg.Server.Listen = ":5001"
	cfg.Server.BasePath = "/tm"
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := apiURL(APIFlags{ConfigPath: path})
	if err != nil {
		t.Fatalf("apiURL: %v", err)
	}
	if got != "http://127.0.0.1:5001/tm/api" {
		t.Fatalf("apiURL = %q", got)
	}
	got, _ = apiURL(APIFlags{APIUrl: "https://dash:9/api/"})
	if got != "https://dash:9/api" {
		t.Fatalf("explicit apiURL = %q", got)
	}
}
