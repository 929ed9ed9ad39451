package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"deepscan/internal/detector"
	"deepscan/internal/logging"
	"deepscan/internal/metrics"
	"deepscan/internal/preflight"
	"deepscan/internal/verdict"
)

var videoExtensions = []string{".mp4", ".mov", ".m4v", ".mkv", ".avi", ".webm", ".mpg", ".mpeg", ".wmv", ".flv"}

type batchOutput struct {
	Path   string          `json:"path"`
	Error  string          `json:"error,omitempty"`
	Result *verdict.Result `json:"result,omitempty"`
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var flags detectFlags
	var metricsAddr string
	var skipPreflight bool

	cmd := &cobra.Command{
		Use:   "batch <path>...",
		Short: "Analyze many videos; directories are searched recursively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			paths, err := collectVideos(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return errors.New("no video files found")
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !skipPreflight {
				stderr := cmd.ErrOrStderr()
				for _, r := range preflight.Failed(preflight.RunAll(runCtx, cfg)) {
					fmt.Fprintln(stderr, renderStatusLine(r.Name, statusWarn, r.Detail, shouldColorize(stderr)))
				}
			}

			addr := strings.TrimSpace(metricsAddr)
			if addr == "" {
				addr = strings.TrimSpace(cfg.Metrics.Addr)
			}
			var m *metrics.Metrics
			if addr != "" {
				m = metrics.New()
				go func() {
					if err := m.Serve(runCtx, addr); err != nil {
						logging.WarnWithContext(logger, "metrics endpoint failed", "metrics_serve_failed",
							logging.String("addr", addr),
							logging.Error(err),
							logging.String(logging.FieldErrorHint, "choose a free address with --metrics-addr"),
							logging.String(logging.FieldImpact, "metrics are not exported"),
						)
					}
				}()
			}

			d, err := ctx.newDetector(m)
			if err != nil {
				return err
			}
			defer d.Close()

			items := d.DetectBatch(runCtx, paths, flags.model, flags.options())
			if flags.jsonOutput {
				out := make([]batchOutput, 0, len(items))
				for _, item := range items {
					entry := batchOutput{Path: item.Path}
					if item.Err != nil {
						entry.Error = item.Err.Error()
					} else {
						res := item.Result
						entry.Result = &res
					}
					out = append(out, entry)
				}
				return writeJSON(cmd, out)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderBatch(items))
			fmt.Fprintln(out, summarizeBatch(items))
			if interrupted(runCtx) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Interrupted; remaining videos were reported as timed out")
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the batch (default metrics.addr)")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip the readiness checks before starting")
	return cmd
}

// collectVideos expands args into video paths. Files named explicitly are
// kept whatever their extension; directories contribute files with a known
// video extension. The result is deduplicated and keeps argument order.
func collectVideos(args []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		info, err := os.Stat(arg)
		if err != nil {
			// Missing files are reported per item by the detector.
			add(arg)
			continue
		}
		if !info.IsDir() {
			add(arg)
			continue
		}
		var found []string
		err = filepath.WalkDir(arg, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.Type().IsRegular() && slices.Contains(videoExtensions, strings.ToLower(filepath.Ext(path))) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", arg, err)
		}
		slices.Sort(found)
		for _, path := range found {
			add(path)
		}
	}
	return out, nil
}

func renderBatch(items []detector.BatchItem) string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		if item.Err != nil {
			rows = append(rows, []string{item.Path, "Error", "", "", "", item.Err.Error()})
			continue
		}
		res := item.Result
		note := strings.Join(res.Reasons, "; ")
		if res.Cached {
			note = strings.TrimPrefix(note+"; cached", "; ")
		}
		rows = append(rows, []string{
			item.Path,
			verdictLabel(res.Verdict),
			formatProbability(res.FakeProbability),
			formatPercent(res.OverallConfidence),
			fmt.Sprintf("%d/%d", res.RealFrames, res.FrameCount),
			note,
		})
	}
	return renderTable("",
		[]string{"Video", "Verdict", "Fake p", "Confidence", "Frames", "Notes"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}

func summarizeBatch(items []detector.BatchItem) string {
	counts := make(map[verdict.Category]int)
	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
			continue
		}
		counts[item.Result.Verdict]++
	}
	parts := make([]string, 0, len(verdict.Categories())+1)
	for _, category := range verdict.Categories() {
		parts = append(parts, fmt.Sprintf("%s %d", verdictLabel(category), counts[category]))
	}
	parts = append(parts, fmt.Sprintf("Errors %d", failed))
	return fmt.Sprintf("%d videos: %s", len(items), strings.Join(parts, ", "))
}
