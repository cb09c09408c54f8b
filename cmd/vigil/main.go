// Command vigil runs the regulatory-compliance control plane: source
// polling, the document pipeline, the workflow engine, the trigger
// orchestrator, the durable scheduler and the APM/DR supervisor, all in
// one process.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"vigil/internal/config"
	"vigil/internal/logging"
	"vigil/internal/supervisor"
)

// Populated by the release build via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// shutdownGrace bounds the wind-down after the second signal-free stop
// request; a third signal kills the process the hard way.
const shutdownGrace = 30 * time.Second

var (
	bold = color.New(color.Bold).SprintFunc()
	cyan = color.New(color.FgCyan).SprintFunc()
	red  = color.New(color.FgRed).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Regulatory-compliance monitoring and workflow platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("vigil: ")+err.Error())
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vigil %s (commit %s, %s, %s/%s)\n",
				version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newRunCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the control plane and block until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []config.Option
			if configPath != "" {
				opts = append(opts, config.WithPath(configPath))
			}
			if logLevel != "" {
				opts = append(opts, config.WithOverride("logging.level", logLevel))
			}
			if logFormat != "" {
				opts = append(opts, config.WithOverride("logging.format", logFormat))
			}
			cfg, err := config.Load(opts...)
			if err != nil {
				return err
			}

			logger, closeLog, err := buildLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()

			if isTTY() {
				banner(cfg)
			}
			return run(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default: vigil.yaml in ., ~/.vigil, /etc/vigil)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "override logging.format (json|text)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	sup, err := supervisor.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("shutdown requested", "signal", sig.String())
	signal.Stop(signals)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return sup.Stop(stopCtx)
}

// buildLogger honors the configured output and falls back to a TTY
// heuristic for the format: text when a human is watching, JSON for
// collectors.
func buildLogger(cfg config.LoggingConfig) (*logging.Logger, func(), error) {
	var out io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.Output, err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	format := cfg.Format
	if format == "" {
		format = "json"
		if isTTY() {
			format = "text"
		}
	}
	return logging.New(logging.Config{Level: cfg.Level, Format: format, Output: out}), closeFn, nil
}

func banner(cfg *config.Config) {
	fmt.Printf("%s %s\n", bold("vigil"), version)
	fmt.Printf("  environment  %s\n", cyan(cfg.Environment))
	fmt.Printf("  store        %s\n", cyan(storeName(cfg.Store.Backend)))
	fmt.Printf("  sources      %s\n", cyan(fmt.Sprintf("%d", len(cfg.Sources))))
	if cfg.Ops.Enabled {
		fmt.Printf("  ops          %s\n", cyan(cfg.Ops.ListenAddr))
	}
	fmt.Println()
}

func storeName(backend string) string {
	if backend == "" {
		return "memory"
	}
	return backend
}
