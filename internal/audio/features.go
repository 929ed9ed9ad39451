package audio

import (
	"math"
)

// Window geometry: 25 ms frames with a 12.5 ms hop at 16 kHz.
const (
	WindowSamples = 400
	HopSamples    = 200
)

// Speech-band limits for the mean zero-crossing rate.
const (
	zcrLow  = 0.05
	zcrHigh = 0.5
)

// NeutralScore is reported whenever audio cannot contribute evidence.
const NeutralScore = 0.5

// Windows splits samples into complete analysis windows and returns the RMS
// energy and zero-crossing rate of each.
func Windows(samples []float64) (rms, zcr []float64) {
	count := max(1, (len(samples)-WindowSamples)/HopSamples)
	for i := 0; i < count; i++ {
		start := i * HopSamples
		end := start + WindowSamples
		if end > len(samples) {
			break
		}
		frame := samples[start:end]
		rms = append(rms, RMS(frame))
		zcr = append(zcr, ZeroCrossingRate(frame))
	}
	return rms, zcr
}

// RMS is the root mean square of frame.
func RMS(frame []float64) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// ZeroCrossingRate is half the mean absolute difference of consecutive
// signs, with sign(0) = 0.
func ZeroCrossingRate(frame []float64) float64 {
	if len(frame) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(frame); i++ {
		sum += math.Abs(sign(frame[i]) - sign(frame[i-1]))
	}
	return sum / float64(len(frame)-1) / 2
}

// DurationMatch reports whether audio and video lengths agree within
// max(2s, 10% of the video). Without a video duration any audio longer than
// half a second matches.
func DurationMatch(audioSeconds, videoSeconds float64) bool {
	if videoSeconds > 0 {
		return math.Abs(audioSeconds-videoSeconds) <= math.Max(2, videoSeconds*0.1)
	}
	return audioSeconds > 0.5
}

// EnergyStability maps the standard deviation of window energies onto [0,1].
// Flat energy scores 0.2; moderate variation scores high.
func EnergyStability(rmsStd float64) float64 {
	if rmsStd < 1e-6 {
		return 0.2
	}
	return clamp01(0.5 + (rmsStd-0.02)*10)
}

// Analyze scores normalized mono samples against the video duration.
func Analyze(samples []float64, sampleRate int, videoSeconds float64) Result {
	result := Result{
		HasAudio:             true,
		VideoDurationSeconds: videoSeconds,
		ConsistencyScore:     NeutralScore,
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	result.AudioDurationSeconds = float64(len(samples)) / float64(sampleRate)
	result.DurationMatch = DurationMatch(result.AudioDurationSeconds, videoSeconds)

	rms, zcr := Windows(samples)
	result.Windows = len(rms)
	if len(rms) == 0 {
		return result
	}
	result.Analyzed = true
	_, rmsVar := meanVariance(rms)
	result.RMSVariance = rmsVar
	result.ZCRMean, _ = meanVariance(zcr)
	result.EnergyStability = EnergyStability(math.Sqrt(rmsVar))
	result.ZCRInRange = result.ZCRMean >= zcrLow && result.ZCRMean <= zcrHigh

	durationScore := 0.4
	if result.DurationMatch {
		durationScore = 1.0
	}
	zcrScore := 0.0
	if result.ZCRInRange {
		zcrScore = 1.0
	}
	result.ConsistencyScore = clamp01(0.4*durationScore + 0.4*result.EnergyStability + 0.2*zcrScore)
	return result
}

// meanVariance returns the mean and population variance of values.
func meanVariance(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, sq / float64(len(values))
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return NeutralScore
	}
	return min(max(v, 0), 1)
}
