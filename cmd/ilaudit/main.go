// Package main implements the ilaudit command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Options holds the flags shared by every command.
type Options struct {
	Verbose     bool   // enables debug logging to stderr
	JSON        bool   // enables JSON output and JSON logs
	Profile     bool   // enables CPU and memory profiling
	MetricsFile string // writes Prometheus metrics in text format on exit
}

const (
	exitFindings  = 1
	exitError     = 2
	exitCancelled = 3
)

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var opts Options

func main() {
	rootCmd := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ilaudit",
		Short: "Find per-frame performance hazards in compiled game modules",
		Long: `ilaudit walks the CIL instruction streams of compiled modules, reports
allocations and expensive engine API calls, and escalates every finding
that is reachable from a per-frame engine callback such as Update.`,
		Example: `  ilaudit audit project.yaml            # Audit a project
  ilaudit audit --platform webgl        # Audit for a build target
  ilaudit audit --json > report.json    # JSON report
  ilaudit graph -o calls.dot            # Export the call graph
  ilaudit assemble -o Game.imod *.il    # Assemble IL listings
  ilaudit rules                         # List the rules`,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("ilaudit version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&opts.Profile, "profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")
	rootCmd.PersistentFlags().StringVar(&opts.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(newAuditCmd(), newGraphCmd(), newAssembleCmd(), newRulesCmd())
	return rootCmd
}

var cpuProfile *os.File

func setup(_ *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if opts.Verbose {
		hopts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, hopts)
		if opts.JSON {
			handler = slog.NewJSONHandler(os.Stderr, hopts)
		}
		slog.SetDefault(slog.New(handler))
	}

	if !opts.Profile {
		return nil
	}

	var err error
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	slog.Info("cpu profiling started", "file", "cpu.prof")
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if opts.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, prometheus.DefaultGatherer); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
		slog.Info("metrics written", "file", opts.MetricsFile)
		opts.MetricsFile = ""
	}

	if !opts.Profile || cpuProfile == nil {
		return nil
	}

	pprof.StopCPUProfile()
	defer cpuProfile.Close()
	cpuProfile = nil
	slog.Info("cpu profiling stopped", "file", "cpu.prof")

	memFile, err := os.Create("mem.prof")
	if err != nil {
		return fmt.Errorf("creating mem.prof: %w", err)
	}
	defer memFile.Close()
	runtime.GC() // Get up-to-date statistics
	if err := pprof.WriteHeapProfile(memFile); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	slog.Info("memory profiling completed", "file", "mem.prof")
	return nil
}

func errWithCode(err error, code int) error {
	return codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e codedError) Unwrap() error { return e.err }
