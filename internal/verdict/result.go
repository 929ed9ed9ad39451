package verdict

import (
	"encoding/json"
	"fmt"
	"time"

	"deepscan/internal/audio"
)

// Result is the serializable detection record handed to callers and stored
// in the verdict cache.
type Result struct {
	RequestID string `json:"request_id,omitempty"`
	VideoPath string `json:"video_path,omitempty"`
	VideoHash string `json:"video_hash,omitempty"`
	ModelType string `json:"model_type"`

	Verdict             Category `json:"verdict"`
	IsFake              bool     `json:"is_fake"`
	FakeProbability     float64  `json:"fake_probability"`
	MaxFrameProbability float64  `json:"max_frame_probability"`
	OverallConfidence   float64  `json:"overall_confidence"`
	CalibrationMethod   string   `json:"calibration_method"`

	FrameCount       int             `json:"frame_count"`
	SuspiciousFrames int             `json:"suspicious_frames"`
	RealFrames       int             `json:"real_frames"`
	LowEvidence      bool            `json:"low_evidence"`
	TimedOut         bool            `json:"timed_out,omitempty"`
	Degraded         bool            `json:"degraded,omitempty"`
	FrameAnalysis    []FrameAnalysis `json:"frame_analysis"`

	Backends map[string]BackendResult `json:"backends,omitempty"`

	HasAudio              *bool         `json:"has_audio,omitempty"`
	AudioConsistencyScore *float64      `json:"audio_consistency_score,omitempty"`
	Audio                 *audio.Result `json:"audio,omitempty"`

	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Reasons          []string  `json:"reasons,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	Cached           bool      `json:"cached,omitempty"`
}

// FrameAnalysis is one entry of frame_analysis. Frame numbers start at 0 and
// increase by one; processing_time_ms is cumulative and never decreases.
type FrameAnalysis struct {
	FrameNumber      int                `json:"frame_number"`
	SourceFrame      int                `json:"source_frame"`
	ConfidenceScore  float64            `json:"confidence_score"`
	IsSuspicious     bool               `json:"is_suspicious"`
	Synthetic        bool               `json:"synthetic,omitempty"`
	Contributors     int                `json:"contributors"`
	BackendScores    map[string]float64 `json:"backend_scores,omitempty"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
	Artifacts        []string           `json:"artifacts"`
}

// BackendResult is the per-backend breakdown in a Result.
type BackendResult struct {
	Available         bool    `json:"available"`
	UnavailableReason string  `json:"unavailable_reason,omitempty"`
	Device            string  `json:"device,omitempty"`
	Weight            float64 `json:"weight"`
	ActiveWeight      float64 `json:"active_weight"`
	MeanProbability   float64 `json:"mean_probability"`
	MaxProbability    float64 `json:"max_probability"`
	Votes             int     `json:"votes"`
	Failures          int     `json:"failures"`
	FlaggedFrames     int     `json:"flagged_frames"`
}

// Result converts the verdict into its serializable form.
func (v Verdict) Result() Result {
	res := Result{
		Verdict:             v.Category,
		IsFake:              v.IsFake,
		FakeProbability:     v.FakeProbability,
		MaxFrameProbability: v.MaxFrameProbability,
		OverallConfidence:   v.Confidence,
		CalibrationMethod:   string(v.CalibrationMethod),
		FrameCount:          v.FrameCount,
		SuspiciousFrames:    v.SuspiciousFrames,
		RealFrames:          v.RealFrames,
		LowEvidence:         v.LowEvidence,
		TimedOut:            v.TimedOut,
		FrameAnalysis:       make([]FrameAnalysis, 0, len(v.Frames)),
		ProcessingTimeMs:    v.ProcessingTime.Milliseconds(),
		Reasons:             v.Reasons,
		CreatedAt:           time.Now().UTC(),
	}

	var previous int64
	for i, f := range v.Frames {
		ms := max(f.Cumulative.Milliseconds(), previous)
		previous = ms
		entry := FrameAnalysis{
			FrameNumber:      i,
			SourceFrame:      f.SourceIndex,
			ConfidenceScore:  f.FakeProbability,
			IsSuspicious:     f.Suspicious,
			Synthetic:        f.Synthetic,
			Contributors:     f.Contributors,
			ProcessingTimeMs: ms,
			Artifacts:        f.Artifacts,
		}
		if entry.Artifacts == nil {
			entry.Artifacts = []string{}
		}
		if len(f.Scores) > 0 {
			entry.BackendScores = make(map[string]float64, len(f.Scores))
			for kind, p := range f.Scores {
				entry.BackendScores[kind.String()] = p
			}
		}
		res.FrameAnalysis = append(res.FrameAnalysis, entry)
	}

	if len(v.Backends) > 0 {
		res.Backends = make(map[string]BackendResult, len(v.Backends))
		for kind, r := range v.Backends {
			res.Backends[kind.String()] = BackendResult{
				Available:         r.Available,
				UnavailableReason: r.Reason,
				Device:            r.Device,
				Weight:            r.Weight,
				ActiveWeight:      r.ActiveWeight,
				MeanProbability:   r.Mean,
				MaxProbability:    r.Max,
				Votes:             r.Votes,
				Failures:          r.Failures,
				FlaggedFrames:     r.Flagged,
			}
		}
	}

	if v.Audio != nil {
		a := *v.Audio
		res.Audio = &a
		res.HasAudio = &a.HasAudio
		res.AudioConsistencyScore = &a.ConsistencyScore
	}
	return res
}

// Encode renders the result as indented JSON.
func (r Result) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

// Decode parses a stored result.
func Decode(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}
