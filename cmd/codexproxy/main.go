package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"codexproxy/internal/codex"
	"codexproxy/internal/config"
	"codexproxy/internal/logging"
	"codexproxy/internal/metrics"
	"codexproxy/internal/presets"
)

// application holds the components shared by every subcommand.
type application struct {
	cfg     *config.Config
	ws      *codex.Workspace
	limiter *codex.Limiter
	runner  *codex.Runner
	presets *presets.Loader

	registry    *prometheus.Registry
	server      *http.Server
	metricsAddr net.Addr
}

// maxMetricsConns caps concurrent connections to the metrics endpoint.
const maxMetricsConns = 8

type globalFlags struct {
	verbose     bool
	configFile  string
	metricsAddr string
}

// newRootCmd builds the command tree. The application is assembled in
// PersistentPreRunE and handed to subcommands through *app.
func newRootCmd() *cobra.Command {
	var (
		flags globalFlags
		app   = &application{}
	)

	root := &cobra.Command{
		Use:   "codexproxy",
		Short: "Run the codex CLI under admission control and stream its answer",
		Long: `codexproxy wraps "codex exec" as a managed subprocess.

Each run gets a writable working directory and CODEX_HOME, is admitted by a
bounded limiter, is killed when it exceeds its wall-clock budget, and has its
transcript filtered down to the assistant's answer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(flags)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&flags.configFile, "config-file", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	root.AddCommand(newExecCmd(app))
	root.AddCommand(newLastCmd(app))
	root.AddCommand(newModelsCmd(app))
	root.AddCommand(newDoctorCmd(app))
	root.AddCommand(newConfigCmd(app))
	return root
}

func (a *application) init(flags globalFlags) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return err
	}
	if flags.verbose {
		cfg.Logging.Level = "debug"
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	format := "console"
	if cfg.Logging.IsJSON() {
		format = "json"
	}
	if err := logging.Initialize(logging.Options{
		Level:  cfg.Logging.Level,
		Format: format,
		File:   cfg.Logging.File,
	}); err != nil {
		return err
	}

	a.cfg = cfg
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	a.ws = codex.NewWorkspace(cfg, codex.WorkspaceOptions{})
	a.limiter = codex.NewLimiter(cfg.GetMaxParallel(), cfg.GetQueueTimeout(), m)
	a.runner = codex.NewRunner(cfg, a.ws, a.limiter, m)
	a.presets = presets.NewLoader(cfg.Codex.PresetsPath)

	if err := a.ws.ApplyProfileOverrides(); err != nil {
		return err
	}

	if cfg.Metrics.Enabled() {
		if err := a.serveMetrics(cfg.Metrics.Addr); err != nil {
			return err
		}
	}

	logging.Boot("codexproxy ready (max_parallel=%d timeout=%s queue_timeout=%s sandbox=%s)",
		a.limiter.MaxParallel(), cfg.GetExecutionTimeout(), cfg.GetQueueTimeout(), cfg.Codex.SandboxMode)
	return nil
}

func (a *application) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxMetricsConns)
	a.metricsAddr = ln.Addr()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.BootWarn("metrics server stopped: %v", err)
		}
	}()
	logging.Boot("serving metrics on http://%s/metrics", a.metricsAddr)
	return nil
}

func (a *application) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
		a.server = nil
	}
	logging.Sync()
}

// describeError renders err with its status class when it came from a codex run.
func describeError(err error) string {
	if codex.KindOf(err) == "" {
		return fmt.Sprintf("Error: %v", err)
	}
	status := codex.StatusOf(err)
	return fmt.Sprintf("Error (%s, %d): %v", status, status.HTTPStatus(), err)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
}
