package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"deepscan/internal/backend"
	"deepscan/internal/preflight"
)

type backendView struct {
	Backend   string  `json:"backend"`
	Enabled   bool    `json:"enabled"`
	Available bool    `json:"available"`
	Device    string  `json:"device"`
	Weight    float64 `json:"weight"`
	Model     string  `json:"model"`
	Detail    string  `json:"detail"`
}

func newBackendsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Load every detection backend and report which are usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			d, err := ctx.newDetector(nil)
			if err != nil {
				return err
			}
			defer d.Close()

			statuses := preflight.CheckBackends(cmd.Context(), d)
			views := make([]backendView, 0, len(statuses))
			for _, s := range statuses {
				opts, enabled := backend.OptionsFromConfig(cfg, s.Kind)
				views = append(views, backendView{
					Backend:   string(s.Kind),
					Enabled:   enabled,
					Available: s.Available,
					Device:    s.Device,
					Weight:    s.Weight,
					Model:     opts.ModelName,
					Detail:    s.Detail,
				})
			}
			if jsonOutput {
				return writeJSON(cmd, views)
			}

			rows := make([][]string, 0, len(views))
			for _, v := range views {
				rows = append(rows, []string{
					v.Backend,
					yesNo(v.Enabled),
					yesNo(v.Available),
					v.Device,
					fmt.Sprintf("%.2f", v.Weight),
					v.Model,
					v.Detail,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable("",
				[]string{"Backend", "Enabled", "Available", "Device", "Weight", "Model", "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			fmt.Fprintln(out, strings.TrimSpace(preflight.Summary(statuses)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
