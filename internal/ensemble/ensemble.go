package ensemble

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"deepscan/internal/backend"
)

// Granularity selects where fusion happens.
type Granularity string

const (
	// GranularityFrame fuses backends per frame, then reduces over frames.
	GranularityFrame Granularity = "frame"
	// GranularityClip reduces each backend over frames, then fuses backends.
	GranularityClip Granularity = "clip"
)

// Reduce selects how frame probabilities collapse into one value.
type Reduce string

const (
	ReduceMean Reduce = "mean"
	ReduceMax  Reduce = "max"
)

// DefaultThreshold separates fake from authentic probabilities.
const DefaultThreshold = 0.5

// Policy configures video-level fusion.
type Policy struct {
	Threshold   float64
	Granularity Granularity
	Reduce      Reduce
}

// DefaultPolicy returns frame granularity, mean reduction, threshold 0.5.
func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Granularity: GranularityFrame, Reduce: ReduceMean}
}

// ParsePolicy validates names from configuration.
func ParsePolicy(threshold float64, granularity, reduce string) (Policy, error) {
	p := DefaultPolicy()
	if threshold > 0 && threshold < 1 {
		p.Threshold = threshold
	} else if threshold != 0 {
		return p, fmt.Errorf("threshold %v outside (0,1)", threshold)
	}
	switch Granularity(strings.ToLower(strings.TrimSpace(granularity))) {
	case "", GranularityFrame:
	case GranularityClip:
		p.Granularity = GranularityClip
	default:
		return p, fmt.Errorf("unknown granularity %q", granularity)
	}
	switch Reduce(strings.ToLower(strings.TrimSpace(reduce))) {
	case "", ReduceMean:
	case ReduceMax:
		p.Reduce = ReduceMax
	default:
		return p, fmt.Errorf("unknown reduce %q", reduce)
	}
	return p, nil
}

// FusedFrameScore is the ensemble opinion on one frame. An evidence-free
// frame had no voting backend and carries probability 0.5.
type FusedFrameScore struct {
	FrameIndex      int
	FakeProbability float64
	Contributors    int
	EvidenceFree    bool
	Scores          map[backend.Kind]float64
}

// VideoScore is the ensemble opinion on a whole video.
type VideoScore struct {
	Probability    float64
	Max            float64
	Suspicious     int
	EvidenceFrames int
	FrameCount     int
	EvidenceFree   bool
	// Weights are the normalized weights of every backend that voted at least
	// once.
	Weights map[backend.Kind]float64
}

// ActiveWeights renormalizes the declared weights over voters so they sum to
// one. Voters whose weights sum to zero share equally.
func ActiveWeights(declared map[backend.Kind]float64, voters []backend.Kind) map[backend.Kind]float64 {
	if len(voters) == 0 {
		return nil
	}
	out := make(map[backend.Kind]float64, len(voters))
	var total float64
	for _, kind := range voters {
		w := declared[kind]
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			w = 0
		}
		out[kind] = w
		total += w
	}
	if total <= 0 {
		for _, kind := range voters {
			out[kind] = 1 / float64(len(voters))
		}
		return out
	}
	for kind, w := range out {
		out[kind] = w / total
	}
	return out
}

// Fuse combines per-backend frame scores into frameCount fused scores.
// Failed scores never vote.
func Fuse(scores []backend.FrameScore, frameCount int, weights map[backend.Kind]float64) []FusedFrameScore {
	if frameCount <= 0 {
		return nil
	}
	perFrame := make([]map[backend.Kind]float64, frameCount)
	for _, s := range scores {
		if s.Failed || s.FrameIndex < 0 || s.FrameIndex >= frameCount {
			continue
		}
		if perFrame[s.FrameIndex] == nil {
			perFrame[s.FrameIndex] = make(map[backend.Kind]float64)
		}
		perFrame[s.FrameIndex][s.Backend] = clamp(s.FakeProbability)
	}

	out := make([]FusedFrameScore, frameCount)
	for i := range out {
		votes := perFrame[i]
		out[i] = FusedFrameScore{FrameIndex: i, Scores: votes}
		if len(votes) == 0 {
			out[i].FakeProbability = backend.NeutralProbability
			out[i].EvidenceFree = true
			continue
		}
		out[i].FakeProbability = weightedMean(votes, weights)
		out[i].Contributors = len(votes)
	}
	return out
}

// FuseVideo reduces fused frames into a video score. Evidence-free frames
// are excluded from the reduction; a video without any evidence scores 0.5.
func FuseVideo(fused []FusedFrameScore, policy Policy) VideoScore {
	policy = policy.normalized()
	result := VideoScore{FrameCount: len(fused), Probability: backend.NeutralProbability, Max: backend.NeutralProbability}
	var probs []float64
	for _, f := range fused {
		if f.EvidenceFree {
			continue
		}
		probs = append(probs, f.FakeProbability)
		if f.FakeProbability > policy.Threshold {
			result.Suspicious++
		}
	}
	result.EvidenceFrames = len(probs)
	if len(probs) == 0 {
		result.EvidenceFree = true
		return result
	}
	result.Max = slices.Max(probs)
	result.Probability = reduce(probs, policy.Reduce)
	return result
}

// Aggregate fuses scores according to policy and returns the per-frame view
// alongside the video score.
func Aggregate(scores []backend.FrameScore, frameCount int, weights map[backend.Kind]float64, policy Policy) ([]FusedFrameScore, VideoScore) {
	policy = policy.normalized()
	fused := Fuse(scores, frameCount, weights)
	video := FuseVideo(fused, policy)

	perBackend := make(map[backend.Kind][]float64)
	for _, s := range scores {
		if s.Failed || s.FrameIndex < 0 || s.FrameIndex >= frameCount {
			continue
		}
		perBackend[s.Backend] = append(perBackend[s.Backend], clamp(s.FakeProbability))
	}
	voters := make([]backend.Kind, 0, len(perBackend))
	for kind := range perBackend {
		voters = append(voters, kind)
	}
	slices.Sort(voters)
	video.Weights = ActiveWeights(weights, voters)

	if policy.Granularity == GranularityClip && !video.EvidenceFree {
		clip := make(map[backend.Kind]float64, len(perBackend))
		for kind, probs := range perBackend {
			clip[kind] = reduce(probs, policy.Reduce)
		}
		video.Probability = weightedMean(clip, weights)
	}
	return fused, video
}

// BackendSummary describes how one backend voted across a video.
type BackendSummary struct {
	Kind     backend.Kind
	Mean     float64
	Max      float64
	Votes    int
	Failures int
	Flagged  int
}

// Summarize groups scores per backend. Mean and Max cover votes only and are
// 0.5 when the backend never voted.
func Summarize(scores []backend.FrameScore, threshold float64) map[backend.Kind]BackendSummary {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	out := make(map[backend.Kind]BackendSummary)
	sums := make(map[backend.Kind]float64)
	for _, s := range scores {
		summary := out[s.Backend]
		summary.Kind = s.Backend
		if s.Failed {
			summary.Failures++
			out[s.Backend] = summary
			continue
		}
		p := clamp(s.FakeProbability)
		if summary.Votes == 0 || p > summary.Max {
			summary.Max = p
		}
		summary.Votes++
		sums[s.Backend] += p
		if p > threshold {
			summary.Flagged++
		}
		out[s.Backend] = summary
	}
	for kind, summary := range out {
		if summary.Votes == 0 {
			summary.Mean = backend.NeutralProbability
			summary.Max = backend.NeutralProbability
		} else {
			summary.Mean = sums[kind] / float64(summary.Votes)
		}
		out[kind] = summary
	}
	return out
}

func (p Policy) normalized() Policy {
	if p.Threshold <= 0 || p.Threshold >= 1 || math.IsNaN(p.Threshold) {
		p.Threshold = DefaultThreshold
	}
	if p.Granularity != GranularityClip {
		p.Granularity = GranularityFrame
	}
	if p.Reduce != ReduceMax {
		p.Reduce = ReduceMean
	}
	return p
}

func weightedMean(votes map[backend.Kind]float64, declared map[backend.Kind]float64) float64 {
	voters := make([]backend.Kind, 0, len(votes))
	for kind := range votes {
		voters = append(voters, kind)
	}
	slices.Sort(voters)
	active := ActiveWeights(declared, voters)
	var p float64
	for _, kind := range voters {
		p += active[kind] * votes[kind]
	}
	return clamp(p)
}

func reduce(probs []float64, mode Reduce) float64 {
	if len(probs) == 0 {
		return backend.NeutralProbability
	}
	if mode == ReduceMax {
		return slices.Max(probs)
	}
	var sum float64
	for _, p := range probs {
		sum += p
	}
	return clamp(sum / float64(len(probs)))
}

func clamp(p float64) float64 {
	if math.IsNaN(p) {
		return backend.NeutralProbability
	}
	return min(max(p, 0), 1)
}
