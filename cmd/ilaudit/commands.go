package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/715d/ilaudit/pkg/assembly"
	"github.com/715d/ilaudit/pkg/module"
	"github.com/715d/ilaudit/pkg/rules"
)

func newGraphCmd() *cobra.Command {
	var flags auditFlags
	cmd := &cobra.Command{
		Use:   "graph [manifest]",
		Short: "Export the call graph of a project as Graphviz DOT or JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := auditProject(cmd, args, &flags)
			if err != nil {
				return err
			}
			crawler := result.run.Crawler()
			g := crawler.Graph()

			w := cmd.OutOrStdout()
			if flags.Output != "" {
				f, err := os.Create(flags.Output)
				if err != nil {
					return errWithCode(err, exitError)
				}
				defer f.Close()
				w = f
			}
			if opts.JSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				err = enc.Encode(g)
			} else {
				err = crawler.WriteDOT(w, g, fmt.Sprintf("%d methods, %d calls", len(g.Nodes), len(g.Edges)))
			}
			if err != nil {
				return errWithCode(fmt.Errorf("write graph: %w", err), exitError)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newAssembleCmd() *cobra.Command {
	var output, name string
	cmd := &cobra.Command{
		Use:   "assemble -o module.imod listing.il...",
		Short: "Assemble IL listings into a module image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return errWithCode(errors.New("assemble: --output is required"), exitError)
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(output), filepath.Ext(output))
			}
			asm := assembly.New(name)
			for _, path := range args {
				if err := addListing(asm, path); err != nil {
					return errWithCode(err, exitError)
				}
			}
			mod, err := asm.Module()
			if err != nil {
				return errWithCode(err, exitError)
			}
			if err := module.WriteFile(output, mod); err != nil {
				return errWithCode(err, exitError)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d types, %d methods\n", output, len(mod.Types), len(mod.Methods))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Module image to write")
	cmd.Flags().StringVar(&name, "name", "", "Module name (default output base name)")
	return cmd
}

func addListing(asm *assembly.Assembler, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return asm.Add(path, f)
}

type jRule struct {
	ID          string   `json:"id"`
	Severity    string   `json:"severity"`
	Platforms   []string `json:"platforms,omitempty"`
	Description string   `json:"description"`
}

func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the diagnostic rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeRules(cmd.OutOrStdout(), rules.Default().Rules(), opts.JSON)
		},
	}
}

func writeRules(w io.Writer, list []rules.Rule, asJSON bool) error {
	if asJSON {
		out := make([]jRule, 0, len(list))
		for _, r := range list {
			out = append(out, jRule{
				ID:          r.ID(),
				Severity:    r.Severity().String(),
				Platforms:   r.Platforms(),
				Description: r.Description(),
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEVERITY\tPLATFORMS\tDESCRIPTION")
	for _, r := range list {
		platforms := "all"
		if p := r.Platforms(); len(p) > 0 {
			platforms = strings.Join(p, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID(), r.Severity(), platforms, r.Description())
	}
	return tw.Flush()
}
