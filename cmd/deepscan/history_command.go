package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"deepscan/internal/resultcache"
	"deepscan/internal/verdict"
)

type historyEntry struct {
	VideoHash       string    `json:"video_hash"`
	VideoPath       string    `json:"video_path,omitempty"`
	ModelType       string    `json:"model_type"`
	Verdict         string    `json:"verdict"`
	FakeProbability float64   `json:"fake_probability"`
	Confidence      float64   `json:"overall_confidence"`
	CreatedAt       time.Time `json:"created_at"`
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var categoryFlag string
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List cached verdicts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := resultcache.HistoryFilter{Limit: limit}
			if strings.TrimSpace(categoryFlag) != "" {
				category, ok := verdict.ParseCategory(categoryFlag)
				if !ok {
					return fmt.Errorf("unknown category %q (want FAKE, LIKELY_FAKE, AUTHENTIC, or INCONCLUSIVE)", categoryFlag)
				}
				filter.Category = category
			}
			return ctx.withCache(func(store *resultcache.Store) error {
				entries, err := store.History(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					out := make([]historyEntry, 0, len(entries))
					for _, e := range entries {
						out = append(out, historyEntry{
							VideoHash:       e.VideoHash,
							VideoPath:       e.VideoPath,
							ModelType:       e.ModelType,
							Verdict:         string(e.Category),
							FakeProbability: e.FakeProbability,
							Confidence:      e.Confidence,
							CreatedAt:       e.CreatedAt,
						})
					}
					return writeJSON(cmd, out)
				}

				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No cached verdicts")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.CreatedAt.Local().Format("2006-01-02 15:04"),
						verdictLabel(e.Category),
						formatProbability(e.FakeProbability),
						formatPercent(e.Confidence),
						e.ModelType,
						shortHash(e.VideoHash),
						e.VideoPath,
					})
				}
				fmt.Fprintln(out, renderTable("",
					[]string{"When", "Verdict", "Fake p", "Confidence", "Model", "Hash", "Video"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&categoryFlag, "category", "", "Only show this verdict category")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum entries to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
