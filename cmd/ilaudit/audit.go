package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/715d/ilaudit/pkg/audit"
	"github.com/715d/ilaudit/pkg/build"
	"github.com/715d/ilaudit/pkg/config"
	"github.com/715d/ilaudit/pkg/diag"
)

const defaultManifest = "project.yaml"

// auditFlags are the flags of commands that run an audit. Each one
// overrides the configuration file only when set.
type auditFlags struct {
	ConfigFile  string
	Platform    string
	MaxDepth    int
	Modules     []string
	Rules       []string
	SearchDirs  []string
	SourceRoots []string
	FailOn      string
	Output      string
}

func (f *auditFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "Configuration file (.yaml or .toml)")
	cmd.Flags().StringVar(&f.Platform, "platform", "", "Build target; platform-specific rules only run when it matches")
	cmd.Flags().IntVar(&f.MaxDepth, "max-depth", 0, "Maximum call tree depth")
	cmd.Flags().StringSliceVar(&f.Modules, "modules", nil, "Modules checked against rules (default all)")
	cmd.Flags().StringSliceVar(&f.Rules, "rules", nil, "Enabled rule IDs (default all)")
	cmd.Flags().StringSliceVar(&f.SearchDirs, "search-dir", nil, "Additional directories searched for referenced modules")
	cmd.Flags().StringSliceVar(&f.SourceRoots, "source-root", nil, "Directories holding source files for suppression comments")
}

// config loads the configuration file, if any, and applies the set flags.
func (f *auditFlags) config(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(f.ConfigFile); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("platform") {
		cfg.Platform = f.Platform
	}
	if flags.Changed("max-depth") {
		cfg.MaxDepth = f.MaxDepth
	}
	if flags.Changed("modules") {
		cfg.Modules = f.Modules
	}
	if flags.Changed("rules") {
		cfg.Rules = f.Rules
	}
	cfg.SearchDirs = append(cfg.SearchDirs, f.SearchDirs...)
	cfg.SourceRoots = append(cfg.SourceRoots, f.SourceRoots...)
	// The command line always waits for the final batch.
	cfg.Synchronous = true
	return cfg, cfg.Validate()
}

func newAuditCmd() *cobra.Command {
	var flags auditFlags
	cmd := &cobra.Command{
		Use:   "audit [manifest]",
		Short: "Audit the modules of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, args, &flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.FailOn, "fail-on", "moderate", "Exit with status 1 when a finding is at least this severe")
	return cmd
}

func runAudit(cmd *cobra.Command, args []string, flags *auditFlags) error {
	failOn, err := diag.ParseSeverity(flags.FailOn)
	if err != nil {
		return errWithCode(err, exitError)
	}
	result, err := auditProject(cmd, args, flags)
	if err != nil {
		return err
	}

	if err := writeResults(cmd.OutOrStdout(), result, opts.JSON, opts.Verbose); err != nil {
		return errWithCode(fmt.Errorf("format results: %w", err), exitError)
	}
	for _, f := range result.Findings {
		if f.Severity >= failOn {
			return errWithCode(nil, exitFindings)
		}
	}
	return nil
}

// auditProject runs one audit of the manifest in args and returns the final
// batch.
func auditProject(cmd *cobra.Command, args []string, flags *auditFlags) (*Result, error) {
	cfg, err := flags.config(cmd)
	if err != nil {
		return nil, errWithCode(fmt.Errorf("config: %w", err), exitError)
	}
	path := defaultManifest
	if len(args) > 0 {
		path = args[0]
	}
	manifest, err := build.LoadManifest(path)
	if err != nil {
		return nil, errWithCode(err, exitError)
	}
	cfg.SearchDirs = append(cfg.SearchDirs, manifest.ResolvedSearchDirs()...)

	slog.Info("starting audit", "manifest", path, "platform", cfg.Platform)
	var final []diag.Finding
	auditor, err := audit.New(audit.Options{
		Compiler: build.NewManifestCompiler(manifest),
		Config:   cfg,
		Callbacks: audit.Callbacks{
			OnFindings: func(b audit.Batch) {
				if b.Final {
					final = b.Findings
					return
				}
				slog.Info("preliminary findings", "run", b.RunID, "findings", len(b.Findings))
			},
		},
	})
	if err != nil {
		return nil, errWithCode(err, exitError)
	}

	run, status := auditor.Run(cmd.Context())
	switch status {
	case audit.StatusCancelled:
		return nil, errWithCode(errors.New("audit cancelled"), exitCancelled)
	case audit.StatusFailed:
		return nil, errWithCode(fmt.Errorf("audit: %w", run.Err()), exitError)
	}
	return newResult(run, final), nil
}

// Result is the report of one audit.
type Result struct {
	RunID    string
	Findings []diag.Finding
	Stats    audit.Stats
	Duration string
	run      *audit.Run
}

func newResult(run *audit.Run, findings []diag.Finding) *Result {
	sortFindings(findings)
	return &Result{
		RunID:    run.ID,
		Findings: findings,
		Stats:    run.Stats(),
		Duration: run.Elapsed().String(),
		run:      run,
	}
}
