package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-esb"
	"github.com/glimte/mmate-esb/config"
	"github.com/glimte/mmate-esb/health"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logFormat  string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "esb",
		Short: "Run and inspect a service bus deployment",
		Long: `esb runs the services and bindings declared in a deployment descriptor.
Inbound gateways receive requests over HTTP, AMQP or Redis streams and
dispatch them to services whose providers are local or remote references.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "esb.yaml", "Deployment descriptor")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bus and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), logFormat, logLevel)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the deployment descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d services, %d bindings\n",
				configPath, len(cfg.Services), len(cfg.Bindings))
			return nil
		},
	}

	servicesCmd := &cobra.Command{
		Use:   "services",
		Short: "List the services and bindings a descriptor declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			printServices(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	var adminURL string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show health and bindings of a running bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var report health.OverallHealth
			if err := fetchJSON(ctx, adminURL+"/healthz", &report); err != nil {
				return err
			}
			var bindings []mmate.BindingInfo
			if err := fetchJSON(ctx, adminURL+"/bindings", &bindings); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), report, bindings)
			return nil
		},
	}
	statusCmd.Flags().StringVar(&adminURL, "admin", "http://localhost:9090", "Admin endpoint of the running bus")

	rootCmd.AddCommand(runCmd, validateCmd, servicesCmd, statusCmd)
	return rootCmd
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	bus, err := mmate.NewBus(cfg, mmate.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		_ = bus.Close(context.Background())
		return err
	}

	servers := []*http.Server{
		{Addr: cfg.Transports.HTTP.Address, Handler: bus.Handler(), ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.Admin.Address, Handler: bus.AdminHandler(), ReadHeaderTimeout: 10 * time.Second},
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "address", srv.Addr, "error", err)
		}
	}
	return errors.Join(runErr, bus.Close(shutdownCtx))
}

func fetchJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer res.Body.Close()
	// unhealthy reports are served with 503 and still carry a body
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s returned %s", url, res.Status)
	}
	return json.NewDecoder(res.Body).Decode(v)
}

func printServices(w io.Writer, cfg *config.Config) {
	if len(cfg.Services) == 0 {
		fmt.Fprintln(w, "No services declared")
	} else {
		fmt.Fprintf(w, "%-30s %-10s %-30s %-20s\n", "Service", "Version", "Operation", "Provider")
		fmt.Fprintln(w, strings.Repeat("-", 93))
		for _, s := range cfg.Services {
			provider := s.Reference
			if provider == "" {
				provider = "(local)"
			}
			if len(s.Operations) == 0 {
				fmt.Fprintf(w, "%-30s %-10s %-30s %-20s\n", truncate(s.Name, 30), s.Version, "*", provider)
				continue
			}
			for _, op := range s.Operations {
				fmt.Fprintf(w, "%-30s %-10s %-30s %-20s\n",
					truncate(s.Name, 30), s.Version, truncate(op.Name+" "+op.Pattern, 30), provider)
			}
		}
	}

	fmt.Fprintln(w)
	if len(cfg.Bindings) == 0 {
		fmt.Fprintln(w, "No bindings declared")
		return
	}
	fmt.Fprintf(w, "%-30s %-16s %-30s\n", "Binding", "Type", "Service")
	fmt.Fprintln(w, strings.Repeat("-", 78))
	for _, b := range cfg.Bindings {
		fmt.Fprintf(w, "%-30s %-16s %-30s\n", truncate(b.Name, 30), b.Type, truncate(b.Service, 30))
	}
}

func printStatus(w io.Writer, report health.OverallHealth, bindings []mmate.BindingInfo) {
	fmt.Fprintf(w, "Bus Health: %s (checked in %s)\n\n", report.Status, report.Duration)

	fmt.Fprintf(w, "%-24s %-10s %s\n", "Check", "Status", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, name := range sortedKeys(report.Checks) {
		c := report.Checks[name]
		msg := c.Message
		if c.Error != "" {
			msg += ": " + c.Error
		}
		fmt.Fprintf(w, "%-24s %-10s %s\n", truncate(name, 24), c.Status, msg)
	}

	fmt.Fprintln(w)
	if len(bindings) == 0 {
		fmt.Fprintln(w, "No active bindings")
		return
	}
	fmt.Fprintf(w, "%-30s %-16s %-24s %-10s\n", "Binding", "Type", "Service", "State")
	fmt.Fprintln(w, strings.Repeat("-", 83))
	for _, b := range bindings {
		fmt.Fprintf(w, "%-30s %-16s %-24s %-10s\n", truncate(b.Name, 30), b.Type, truncate(b.Service, 24), b.State)
	}
}

func sortedKeys(m map[string]health.CheckResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
