package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"deepscan/internal/deps"
	"deepscan/internal/preflight"
	"deepscan/internal/resultcache"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check dependencies, paths, weights, and the model server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			writeSection(out, "Configuration", colorize)
			path := ctx.configPath
			if !ctx.configExists {
				path += " (missing, using defaults)"
			}
			fmt.Fprintln(out, renderStatusLine("Config file", statusInfo, path, false))
			fmt.Fprintln(out, renderStatusLine("Default model", statusInfo, cfg.Detection.DefaultModel, false))
			fmt.Fprintln(out, renderStatusLine("Frames per video", statusInfo, fmt.Sprintf("%d", cfg.Frames.Count), false))

			fmt.Fprintln(out)
			writeSection(out, "Dependencies", colorize)
			statuses := preflight.CheckSystemDeps(cmd.Context(), cfg)
			for _, s := range statuses {
				if s.Available {
					fmt.Fprintln(out, renderStatusLine(s.Name, statusOK, s.Version, colorize))
					continue
				}
				kind := statusError
				if s.Optional {
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine(s.Name, kind, s.Detail, colorize))
			}

			fmt.Fprintln(out)
			writeSection(out, "Preflight", colorize)
			for _, r := range preflight.RunAll(cmd.Context(), cfg) {
				kind := statusOK
				if !r.Passed {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
			}

			fmt.Fprintln(out)
			writeSection(out, "Verdict cache", colorize)
			if !cfg.Cache.Enabled {
				fmt.Fprintln(out, renderStatusLine("Cache", statusInfo, "disabled", false))
			} else if err := ctx.withCache(func(store *resultcache.Store) error {
				count, err := store.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderStatusLine("Cache", statusOK, fmt.Sprintf("%d verdicts in %s", count, store.Path()), colorize))
				return nil
			}); err != nil {
				fmt.Fprintln(out, renderStatusLine("Cache", statusError, err.Error(), colorize))
			}

			if missing := deps.MissingRequired(statuses); len(missing) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintf(out, "Missing required binaries: %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func writeSection(out io.Writer, title string, colorize bool) {
	for _, line := range renderSectionHeader(title, colorize) {
		fmt.Fprintln(out, line)
	}
}
