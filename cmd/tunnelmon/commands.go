package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/tunnelmon/internal/config"
	"github.com/loykin/tunnelmon/internal/metrics"
	"github.com/loykin/tunnelmon/internal/process"
	"github.com/loykin/tunnelmon/internal/sampler"
	"github.com/loykin/tunnelmon/internal/server"
	"github.com/loykin/tunnelmon/internal/tls"
)

func configPathOr(p string) string {
	if p == "" {
		return config.DefaultFile
	}
	return p
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(configPathOr(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// cmdRun supervises cloudflared in the foreground until SIGINT or SIGTERM.
func cmdRun(ctx context.Context, console io.Writer, f RunFlags) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.TunnelURL != "" {
		cfg.TunnelURL = f.TunnelURL
	}
	if f.CloudflaredPath != "" {
		cfg.CloudflaredPath = f.CloudflaredPath
	}
	if f.PingHost != "" {
		cfg.PingHost = f.PingHost
	}
	cfg.Debug = cfg.Debug || f.Debug
	if err := cfg.Validate(); err != nil {
		return err
	}
	mcfg, err := cfg.ToMonitor()
	if err != nil {
		return err
	}

	sup, err := newSupervisor(cfg, console)
	if err != nil {
		return err
	}
	defer sup.Close()
	sup.reapOrphan()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := sup.ctrl.Start(ctx, mcfg); err != nil {
		return err
	}
	sup.ctrl.Wait()
	slog.Info("Shutting down")
	return sup.ctrl.Err()
}

// cmdServe runs the dashboard, the samplers and a controller that starts the
// monitor on demand.
func cmdServe(ctx context.Context, console io.Writer, f ServeFlags) error {
	path := configPathOr(f.ConfigPath)
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if f.TunnelURL != "" {
		cfg.TunnelURL = f.TunnelURL
	}
	if f.CloudflaredPath != "" {
		cfg.CloudflaredPath = f.CloudflaredPath
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	cfg.Server.AutoStart = cfg.Server.AutoStart || f.AutoStart
	if err := cfg.Validate(); err != nil {
		return err
	}

	if f.Daemonize {
		pidfile, logfile := f.PidFile, f.LogFile
		if pidfile == "" {
			pidfile = cfg.Server.PIDFile
		}
		if logfile == "" {
			logfile = cfg.Server.LogFile
		}
		return daemonize(pidfile, logfile)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	tlsCfg, err := tls.Setup(cfg.Server.TLS)
	if err != nil {
		return err
	}

	sup, err := newSupervisor(cfg, console)
	if err != nil {
		return err
	}
	defer sup.Close()
	sup.reapOrphan()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var router *server.Router
	pingHost := func() string { return router.Settings().PingHost }
	ping := sampler.NewPingSampler(sampler.PingOptions{
		Host:        pingHost,
		Interval:    cfg.Sampler.PingInterval,
		Timeout:     cfg.ProbeTimeout,
		HistorySize: cfg.Sampler.HistorySize,
	}, sup.prober, sup.bus)
	internet := sampler.NewInternetSampler(pingHost, cfg.Sampler.InternetInterval, cfg.ProbeTimeout, sup.prober, sup.bus)

	router = server.NewRouter(server.Options{
		BasePath:   cfg.Server.BasePath,
		Monitor:    sup.ctrl,
		Settings:   cfg,
		ConfigPath: path,
		Bus:        sup.bus,
		Logs:       sup.ring,
		Ping:       ping,
		Prober:     sup.prober,
		History:    sup.reader,
		Metrics:    cfg.Metrics.Enabled && cfg.Metrics.Listen == "",
		Context:    ctx,
	})
	server.BridgeLogs(sup.ring, sup.bus)

	srv, err := server.NewServer(cfg.Server.Listen, router.Handler(), tlsCfg)
	if err != nil {
		return err
	}
	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}
	slog.Info("Dashboard listening", "url", fmt.Sprintf("%s://%s%s/", scheme, srv.Addr, cfg.Server.BasePath))

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		if metricsSrv, err = serveMetrics(cfg.Metrics.Listen); err != nil {
			_ = srv.Close()
			return err
		}
	}

	tree := sampler.NewTree(slog.Default(), ping, internet)
	treeDone := tree.ServeBackground(ctx)

	if cfg.Server.AutoStart {
		if mcfg, err := cfg.ToMonitor(); err != nil {
			slog.Error("Auto-start failed", "error", err)
		} else if err := sup.ctrl.Start(ctx, mcfg); err != nil {
			slog.Error("Auto-start failed", "error", err)
		}
	}

	if f.NonBlocking {
		stop()
	}
	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := <-treeDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Sampler tree stopped with error", "error", err)
	}
	return nil
}

func serveMetrics(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv, err := server.NewServer(addr, mux, nil)
	if err != nil {
		return nil, fmt.Errorf("metrics server: %w", err)
	}
	slog.Info("Metrics listening", "addr", srv.Addr)
	return srv, nil
}

// cmdProbe pings a host Count times and prints each result.
func cmdProbe(ctx context.Context, w io.Writer, f ProbeFlags, pr sampler.Prober) error {
	host := f.Host
	timeout := f.Timeout
	if host == "" || timeout <= 0 {
		cfg, err := loadConfig(f.ConfigPath)
		if err != nil {
			return err
		}
		if host == "" {
			host = cfg.PingHost
		}
		if timeout <= 0 {
			timeout = cfg.ProbeTimeout
		}
	}
	count := f.Count
	if count <= 0 {
		count = 1
	}
	var lastErr error
	ok := 0
	for i := 0; i < count; i++ {
		res, err := pr.Probe(ctx, host, timeout)
		switch {
		case err != nil:
			lastErr = err
			_, _ = fmt.Fprintf(w, "%s: %v\n", host, err)
		case res.Known:
			ok++
			_, _ = fmt.Fprintf(w, "%s: reply in %.2f ms (%s)\n", host, res.Millis(), res.Via)
		default:
			ok++
			_, _ = fmt.Fprintf(w, "%s: reachable, latency unknown (%s)\n", host, res.Via)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if ok == 0 {
		return fmt.Errorf("%s unreachable: %w", host, lastErr)
	}
	return nil
}

// cmdCheck verifies that cloudflared can be found and executed.
func cmdCheck(ctx context.Context, w io.Writer, f CheckFlags) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	configured := cfg.CloudflaredPath
	if f.CloudflaredPath != "" {
		configured = f.CloudflaredPath
	}
	path, err := process.ResolvePath(configured)
	if err != nil {
		return err
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	version, err := process.Version(ctx, path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "cloudflared: %s\nversion: %s\n", path, version)
	return nil
}

func cmdConfigShow(w io.Writer, f ConfigFlags) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	b, err := config.Marshal(cfg.Redacted())
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func cmdConfigInit(w io.Writer, f ConfigFlags) error {
	path := configPathOr(f.ConfigPath)
	if _, err := os.Stat(path); err == nil && !f.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}

func cmdConfigReset(w io.Writer, f ConfigFlags) error {
	path := configPathOr(f.ConfigPath)
	if _, err := config.Reset(path); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "reset %s to defaults (previous version kept in %s)\n", path, config.BackupDir(path))
	return nil
}
