package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/tunnelmon/pkg/client"
)

// apiURL derives the dashboard API address from [server] when --api-url is
// not given.
func apiURL(f APIFlags) (string, error) {
	if f.APIUrl != "" {
		return strings.TrimRight(f.APIUrl, "/"), nil
	}
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "", fmt.Errorf("server.listen %q: %w", cfg.Server.Listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s/api", scheme, net.JoinHostPort(host, port), cfg.Server.BasePath), nil
}

func newAPIClient(f APIFlags) (*client.Client, error) {
	u, err := apiURL(f)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: u, Timeout: f.APITimeout, Insecure: f.Insecure}), nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func cmdStatus(ctx context.Context, w io.Writer, f APIFlags) error {
	c, err := newAPIClient(f)
	if err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(w, st)
	return nil
}

func cmdStart(ctx context.Context, w io.Writer, f APIFlags) error {
	c, err := newAPIClient(f)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, "monitor started")
	return nil
}

func cmdStop(ctx context.Context, w io.Writer, f APIFlags) error {
	c, err := newAPIClient(f)
	if err != nil {
		return err
	}
	if err := c.Stop(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, "monitor stopped")
	return nil
}

func cmdLogs(ctx context.Context, w io.Writer, f APIFlags) error {
	c, err := newAPIClient(f)
	if err != nil {
		return err
	}
	entries, err := c.Logs(ctx, f.Since)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s [%s] %s %s\n", e.Time.Format("2006-01-02 15:04:05"), e.Source, e.Level, e.Message)
	}
	return nil
}

// createRemoteCommand builds one of the API-backed subcommands.
func createRemoteCommand(globalFlags *GlobalFlags, use, short string, run func(context.Context, io.Writer, APIFlags) error) *cobra.Command {
	apiFlags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *apiFlags
			f.ConfigPath = globalFlags.ConfigPath
			return run(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&apiFlags.APIUrl, "api-url", "", "dashboard API URL (default from [server])")
	cmd.Flags().DurationVar(&apiFlags.APITimeout, "api-timeout", defaultAPITimeout, "request timeout")
	cmd.Flags().BoolVar(&apiFlags.Insecure, "insecure", false, "skip TLS certificate verification")
	if use == "logs" {
		cmd.Flags().Uint64Var(&apiFlags.Since, "since", 0, "only entries after this sequence number")
	}
	return cmd
}
