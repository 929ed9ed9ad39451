package verdict

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"deepscan/internal/audio"
	"deepscan/internal/backend"
	"deepscan/internal/calibration"
	"deepscan/internal/config"
	"deepscan/internal/ensemble"
	"deepscan/internal/frames"
)

// Category is the final classification of a video.
type Category string

const (
	Authentic    Category = "AUTHENTIC"
	LikelyFake   Category = "LIKELY_FAKE"
	Fake         Category = "FAKE"
	Inconclusive Category = "INCONCLUSIVE"
)

// Categories lists every category in severity order.
func Categories() []Category {
	return []Category{Fake, LikelyFake, Authentic, Inconclusive}
}

// ParseCategory resolves a category name case-insensitively.
func ParseCategory(value string) (Category, bool) {
	candidate := Category(strings.ToUpper(strings.TrimSpace(value)))
	if slices.Contains(Categories(), candidate) {
		return candidate, true
	}
	return "", false
}

// AudioPolicy controls whether the audio score may influence the category.
type AudioPolicy string

const (
	// AudioAuxiliary attaches the audio result without affecting the category.
	AudioAuxiliary AudioPolicy = "auxiliary"
	// AudioDowngrade turns FAKE into LIKELY_FAKE when audio looks consistent.
	AudioDowngrade AudioPolicy = "downgrade"
)

// Policy holds the thresholds used to pick a category.
type Policy struct {
	Threshold            float64
	LowConfidenceFloor   float64
	AudioPolicy          AudioPolicy
	AudioConsistentAbove float64
}

// DefaultPolicy returns threshold 0.5, floor 0.5 and auxiliary audio.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:            ensemble.DefaultThreshold,
		LowConfidenceFloor:   0.5,
		AudioPolicy:          AudioAuxiliary,
		AudioConsistentAbove: 0.8,
	}
}

// PolicyFromConfig reads the verdict and ensemble sections of cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	policy := DefaultPolicy()
	if cfg == nil {
		return policy
	}
	policy.Threshold = cfg.Ensemble.Threshold
	policy.LowConfidenceFloor = cfg.Verdict.LowConfidenceFloor
	policy.AudioPolicy = AudioPolicy(cfg.Verdict.AudioPolicy)
	policy.AudioConsistentAbove = cfg.Verdict.AudioConsistentAbove
	return policy.normalized()
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if !(p.Threshold > 0 && p.Threshold < 1) {
		p.Threshold = def.Threshold
	}
	if !(p.LowConfidenceFloor >= 0 && p.LowConfidenceFloor <= 1) {
		p.LowConfidenceFloor = def.LowConfidenceFloor
	}
	if p.AudioPolicy != AudioDowngrade {
		p.AudioPolicy = AudioAuxiliary
	}
	if !(p.AudioConsistentAbove >= 0 && p.AudioConsistentAbove <= 1) {
		p.AudioConsistentAbove = def.AudioConsistentAbove
	}
	return p
}

// BackendStatus describes one backend handle at request time.
type BackendStatus struct {
	Kind      backend.Kind
	Available bool
	Reason    string
	Weight    float64
	Device    string
}

// StatusOf snapshots a backend handle.
func StatusOf(b backend.Backend) BackendStatus {
	return BackendStatus{
		Kind:      b.Kind(),
		Available: b.Available(),
		Reason:    b.Reason(),
		Weight:    b.Weight(),
		Device:    b.Device(),
	}
}

// Input gathers everything the assembler merges.
type Input struct {
	Policy   Policy
	Sample   frames.VideoSample
	Scores   []backend.FrameScore
	Fused    []ensemble.FusedFrameScore
	Video    ensemble.VideoScore
	Backends []BackendStatus

	// Confidence was produced by CalibrationMethod from Video.Probability.
	Confidence        float64
	CalibrationMethod calibration.Method

	// Audio is nil when the audio cross-check was disabled.
	Audio    *audio.Result
	TimedOut bool
	Elapsed  time.Duration
}

// FrameBreakdown is the assembled view of one sampled frame.
type FrameBreakdown struct {
	FrameNumber     int
	SourceIndex     int
	FakeProbability float64
	Contributors    int
	Synthetic       bool
	EvidenceFree    bool
	Suspicious      bool
	Scores          map[backend.Kind]float64
	// Cumulative is the total backend time spent up to and including this
	// frame.
	Cumulative time.Duration
	Artifacts  []string
}

// BackendReport summarizes one backend for a video.
type BackendReport struct {
	Available    bool
	Reason       string
	Device       string
	Weight       float64
	ActiveWeight float64
	Mean         float64
	Max          float64
	Votes        int
	Failures     int
	Flagged      int
}

// Verdict is the assembled detection outcome.
type Verdict struct {
	Category            Category
	IsFake              bool
	FakeProbability     float64
	MaxFrameProbability float64
	Confidence          float64
	CalibrationMethod   calibration.Method
	FrameCount          int
	SuspiciousFrames    int
	RealFrames          int
	LowEvidence         bool
	TimedOut            bool
	Frames              []FrameBreakdown
	Backends            map[backend.Kind]BackendReport
	Audio               *audio.Result
	ProcessingTime      time.Duration
	Reasons             []string
}

// Assemble merges fused scores, calibrated confidence, and the audio result
// into a verdict. Insufficient evidence always yields INCONCLUSIVE whatever
// the numeric probability.
func Assemble(in Input) Verdict {
	policy := in.Policy.normalized()
	v := Verdict{
		FakeProbability:     calibration.Clamp01(in.Video.Probability),
		MaxFrameProbability: calibration.Clamp01(in.Video.Max),
		Confidence:          calibration.Clamp01(in.Confidence),
		CalibrationMethod:   in.CalibrationMethod,
		TimedOut:            in.TimedOut,
		Audio:               in.Audio,
		ProcessingTime:      in.Elapsed,
	}
	if v.CalibrationMethod == "" {
		v.CalibrationMethod = calibration.DefaultMethod
	}

	if !in.TimedOut {
		v.Frames = breakdown(in, policy.Threshold)
		v.Backends = reports(in, policy.Threshold)
	}
	v.FrameCount = len(v.Frames)
	for _, f := range v.Frames {
		if !f.Synthetic {
			v.RealFrames++
		}
		if f.Suspicious {
			v.SuspiciousFrames++
		}
		if f.Synthetic || f.EvidenceFree {
			v.LowEvidence = true
		}
	}

	v.Reasons = insufficientEvidence(in, v)
	if len(v.Reasons) > 0 {
		v.Category = Inconclusive
		v.IsFake = false
		v.Confidence = 0
		v.LowEvidence = true
		if in.TimedOut {
			v.FakeProbability = backend.NeutralProbability
			v.MaxFrameProbability = backend.NeutralProbability
		}
		return v
	}

	v.IsFake = v.FakeProbability > policy.Threshold
	switch {
	case !v.IsFake:
		v.Category = Authentic
	case v.Confidence >= policy.LowConfidenceFloor:
		v.Category = Fake
	default:
		v.Category = LikelyFake
		v.Reasons = append(v.Reasons, fmt.Sprintf("confidence %.2f below floor %.2f", v.Confidence, policy.LowConfidenceFloor))
	}

	if v.Category == Fake && policy.AudioPolicy == AudioDowngrade && audioConsistent(in.Audio, policy.AudioConsistentAbove) {
		v.Category = LikelyFake
		v.Reasons = append(v.Reasons, fmt.Sprintf("audio consistency %.2f downgraded FAKE", in.Audio.ConsistencyScore))
	}
	return v
}

func insufficientEvidence(in Input, v Verdict) []string {
	var reasons []string
	if in.TimedOut {
		return []string{"request timed out"}
	}
	if v.RealFrames == 0 {
		reasons = append(reasons, "no frames could be decoded")
	}
	available := 0
	for _, b := range in.Backends {
		if b.Available {
			available++
		}
	}
	if available == 0 {
		reasons = append(reasons, "no detection backend available")
	}
	if len(reasons) == 0 && in.Video.EvidenceFree {
		reasons = append(reasons, "no backend produced a score")
	}
	return reasons
}

func audioConsistent(result *audio.Result, above float64) bool {
	return result != nil && result.HasAudio && result.Analyzed && result.ConsistencyScore >= above
}

func breakdown(in Input, threshold float64) []FrameBreakdown {
	elapsed := make(map[int]time.Duration)
	failures := make(map[int][]backend.Kind)
	for _, s := range in.Scores {
		elapsed[s.FrameIndex] += s.Elapsed
		if s.Failed {
			failures[s.FrameIndex] = append(failures[s.FrameIndex], s.Backend)
		}
	}

	out := make([]FrameBreakdown, len(in.Fused))
	var cumulative time.Duration
	for i, fused := range in.Fused {
		cumulative += elapsed[fused.FrameIndex]
		frame := FrameBreakdown{
			FrameNumber:     i,
			SourceIndex:     -1,
			FakeProbability: calibration.Clamp01(fused.FakeProbability),
			Contributors:    fused.Contributors,
			EvidenceFree:    fused.EvidenceFree,
			Scores:          fused.Scores,
			Cumulative:      cumulative,
		}
		if fused.FrameIndex >= 0 && fused.FrameIndex < len(in.Sample.Frames) {
			sampled := in.Sample.Frames[fused.FrameIndex]
			frame.SourceIndex = sampled.SourceIndex
			frame.Synthetic = sampled.Synthetic
		}
		frame.Suspicious = !fused.EvidenceFree && frame.FakeProbability > threshold
		frame.Artifacts = artifacts(frame, failures[fused.FrameIndex], threshold)
		out[i] = frame
	}
	return out
}

// artifacts tags notable conditions of a frame.
func artifacts(frame FrameBreakdown, failed []backend.Kind, threshold float64) []string {
	var tags []string
	if frame.Synthetic {
		tags = append(tags, "synthetic_frame")
	}
	if frame.EvidenceFree {
		tags = append(tags, "no_backend_votes")
	}
	kinds := make([]backend.Kind, 0, len(frame.Scores))
	for kind := range frame.Scores {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		if frame.Scores[kind] > threshold {
			tags = append(tags, "flagged_by_"+kind.String())
		}
	}
	slices.Sort(failed)
	for _, kind := range failed {
		tags = append(tags, "backend_failure_"+kind.String())
	}
	return tags
}

func reports(in Input, threshold float64) map[backend.Kind]BackendReport {
	if len(in.Backends) == 0 {
		return nil
	}
	summaries := ensemble.Summarize(in.Scores, threshold)
	out := make(map[backend.Kind]BackendReport, len(in.Backends))
	for _, status := range in.Backends {
		report := BackendReport{
			Available:    status.Available,
			Reason:       status.Reason,
			Device:       status.Device,
			Weight:       status.Weight,
			ActiveWeight: in.Video.Weights[status.Kind],
			Mean:         backend.NeutralProbability,
			Max:          backend.NeutralProbability,
		}
		if summary, ok := summaries[status.Kind]; ok {
			report.Mean = summary.Mean
			report.Max = summary.Max
			report.Votes = summary.Votes
			report.Failures = summary.Failures
			report.Flagged = summary.Flagged
		}
		if math.IsNaN(report.ActiveWeight) {
			report.ActiveWeight = 0
		}
		out[status.Kind] = report
	}
	return out
}
