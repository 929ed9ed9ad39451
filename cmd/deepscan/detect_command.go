package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"deepscan/internal/detector"
	"deepscan/internal/verdict"
)

type detectFlags struct {
	model      string
	frames     int
	noCache    bool
	noAudio    bool
	jsonOutput bool
}

func (f *detectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model type: ensemble, cnn, embedding, or laa (default detection.default_model)")
	cmd.Flags().IntVarP(&f.frames, "frames", "n", 0, "Frames to sample (default frames.count)")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "Skip the verdict cache")
	cmd.Flags().BoolVar(&f.noAudio, "no-audio", false, "Skip the audio consistency check")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "Output as JSON")
}

func (f *detectFlags) options() detector.Options {
	return detector.Options{FrameCount: f.frames, NoCache: f.noCache, NoAudio: f.noAudio}
}

func newDetectCommand(ctx *commandContext) *cobra.Command {
	var flags detectFlags
	var showFrames bool

	cmd := &cobra.Command{
		Use:   "detect <video>",
		Short: "Analyze one video for deepfake manipulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.newDetector(nil)
			if err != nil {
				return err
			}
			defer d.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := d.DetectFake(runCtx, args[0], flags.model, flags.options())
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			renderResult(out, res, showFrames, shouldColorize(out))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&showFrames, "show-frames", false, "Include the per-frame breakdown")
	return cmd
}

func renderResult(out io.Writer, res verdict.Result, showFrames, colorize bool) {
	for _, line := range renderSectionHeader("Verdict", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Verdict", verdictKind(res.Verdict), verdictLabel(res.Verdict), colorize))
	fmt.Fprintln(out, renderStatusLine("Fake probability", statusInfo, formatProbability(res.FakeProbability), false))
	fmt.Fprintln(out, renderStatusLine("Confidence", statusInfo,
		fmt.Sprintf("%s (%s)", formatPercent(res.OverallConfidence), res.CalibrationMethod), false))
	fmt.Fprintln(out, renderStatusLine("Most suspicious", statusInfo, formatProbability(res.MaxFrameProbability), false))
	fmt.Fprintln(out, renderStatusLine("Frames", statusInfo,
		fmt.Sprintf("%d sampled, %d decoded, %d suspicious", res.FrameCount, res.RealFrames, res.SuspiciousFrames), false))
	if res.LowEvidence {
		fmt.Fprintln(out, renderStatusLine("Evidence", statusWarn, "low (some frames were not scored)", colorize))
	}
	if res.Degraded {
		fmt.Fprintln(out, renderStatusLine("Backends", statusWarn, "degraded (not cached)", colorize))
	}
	if res.HasAudio != nil {
		audioText := "no audio track"
		kind := statusInfo
		if *res.HasAudio && res.AudioConsistencyScore != nil {
			audioText = fmt.Sprintf("consistency %s", formatProbability(*res.AudioConsistencyScore))
			kind = statusOK
		}
		fmt.Fprintln(out, renderStatusLine("Audio", kind, audioText, colorize && kind != statusInfo))
	}
	for _, reason := range res.Reasons {
		fmt.Fprintln(out, renderStatusLine("Reason", statusWarn, reason, colorize))
	}
	detail := fmt.Sprintf("%d ms", res.ProcessingTimeMs)
	if res.Cached {
		detail += " (cached)"
	}
	fmt.Fprintln(out, renderStatusLine("Processing time", statusInfo, detail, false))
	if res.VideoHash != "" {
		fmt.Fprintln(out, renderStatusLine("SHA-256", statusInfo, res.VideoHash, false))
	}

	if len(res.Backends) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderBackendResults(res.Backends))
	}
	if showFrames && len(res.FrameAnalysis) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderFrames(res.FrameAnalysis))
	}
}

func renderBackendResults(backends map[string]verdict.BackendResult) string {
	rows := make([][]string, 0, len(backends))
	for _, name := range slices.Sorted(maps.Keys(backends)) {
		b := backends[name]
		status := "ready"
		if !b.Available {
			status = b.UnavailableReason
			if status == "" {
				status = "unavailable"
			}
		}
		rows = append(rows, []string{
			name,
			status,
			formatProbability(b.MeanProbability),
			formatProbability(b.MaxProbability),
			strconv.Itoa(b.Votes),
			strconv.Itoa(b.Failures),
			fmt.Sprintf("%.2f", b.ActiveWeight),
		})
	}
	return renderTable("Backends",
		[]string{"Backend", "Status", "Mean", "Max", "Votes", "Failures", "Weight"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func renderFrames(framesList []verdict.FrameAnalysis) string {
	rows := make([][]string, 0, len(framesList))
	for _, f := range framesList {
		rows = append(rows, []string{
			strconv.Itoa(f.FrameNumber),
			strconv.Itoa(f.SourceFrame),
			formatProbability(f.ConfidenceScore),
			yesNo(f.IsSuspicious),
			strconv.Itoa(f.Contributors),
			strconv.FormatInt(f.ProcessingTimeMs, 10),
			strings.Join(f.Artifacts, ", "),
		})
	}
	return renderTable("Frames",
		[]string{"#", "Source", "Fake p", "Suspicious", "Votes", "Cum. ms", "Artifacts"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignRight, alignLeft, alignRight, alignRight, alignLeft},
	)
}

// interrupted reports whether ctx ended because the user interrupted.
func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}
