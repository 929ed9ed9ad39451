package calibration

import (
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Method names a confidence calibration strategy.
type Method string

const (
	// AgreementStrength maps distance from 0.5 onto [0,1].
	AgreementStrength Method = "agreement_strength"
	// WinningProb reports the probability of the predicted class.
	WinningProb Method = "winning_prob"
	// Temperature rescales the logit before taking the winning probability.
	Temperature Method = "temperature"
)

const (
	DefaultMethod      = AgreementStrength
	DefaultTemperature = 1.5
	MinTemperature     = 0.1
	// Epsilon bounds probabilities away from 0 and 1 before taking a logit.
	Epsilon = 1e-6
)

// Methods lists every supported method in display order.
func Methods() []Method {
	return []Method{AgreementStrength, WinningProb, Temperature}
}

// ParseMethod resolves a method name case-insensitively.
func ParseMethod(value string) (Method, bool) {
	switch Method(strings.ToLower(strings.TrimSpace(value))) {
	case AgreementStrength:
		return AgreementStrength, true
	case WinningProb:
		return WinningProb, true
	case Temperature:
		return Temperature, true
	default:
		return "", false
	}
}

// ValidTemperature reports whether t can be used as a temperature.
func ValidTemperature(t float64) bool {
	return !math.IsNaN(t) && !math.IsInf(t, 0) && t > 0
}

// Config is an immutable calibration selection.
type Config struct {
	Method      Method
	Temperature float64
}

// DefaultConfig returns agreement strength with the default temperature.
func DefaultConfig() Config {
	return Config{Method: DefaultMethod, Temperature: DefaultTemperature}
}

// ResolveConfig turns raw settings into a Config. It never fails: unknown
// methods fall back to agreement strength and unusable temperatures to 1.5.
func ResolveConfig(method, temperature string) Config {
	cfg := DefaultConfig()
	if m, ok := ParseMethod(method); ok {
		cfg.Method = m
	}
	if t, err := strconv.ParseFloat(strings.TrimSpace(temperature), 64); err == nil && ValidTemperature(t) {
		cfg.Temperature = t
	}
	return cfg
}

// Normalize applies the same fallbacks as ResolveConfig to an existing Config.
func (c Config) Normalize() Config {
	if m, ok := ParseMethod(string(c.Method)); ok {
		c.Method = m
	} else {
		c.Method = DefaultMethod
	}
	if !ValidTemperature(c.Temperature) {
		c.Temperature = DefaultTemperature
	}
	return c
}

// Clamp01 bounds p to [0,1]; NaN maps to the neutral 0.5.
func Clamp01(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 0.5
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// Calibrate converts a fake probability and its verdict into a confidence in
// [0,1] using cfg. Invalid settings are normalized first.
func Calibrate(p float64, isFake bool, cfg Config) float64 {
	cfg = cfg.Normalize()
	p = Clamp01(p)
	switch cfg.Method {
	case WinningProb:
		return winning(p, isFake)
	case Temperature:
		return winning(temperatureScale(p, cfg.Temperature), isFake)
	default:
		return Clamp01(math.Abs(p-0.5) * 2)
	}
}

func winning(p float64, isFake bool) float64 {
	if isFake {
		return Clamp01(p)
	}
	return Clamp01(1 - p)
}

func temperatureScale(p, t float64) float64 {
	p = math.Min(math.Max(p, Epsilon), 1-Epsilon)
	t = math.Max(MinTemperature, t)
	logit := math.Log(p / (1 - p))
	return 1 / (1 + math.Exp(-logit/t))
}

// Calibrator holds the process-wide calibration selection. The selection is
// fixed at construction and only changes through Reload.
type Calibrator struct {
	cfg atomic.Pointer[Config]
}

// New constructs a Calibrator for cfg.
func New(cfg Config) *Calibrator {
	c := &Calibrator{}
	c.Reload(cfg)
	return c
}

// Reload swaps the active selection.
func (c *Calibrator) Reload(cfg Config) {
	normalized := cfg.Normalize()
	c.cfg.Store(&normalized)
}

// Config returns the active selection.
func (c *Calibrator) Config() Config {
	if c == nil {
		return DefaultConfig()
	}
	if cfg := c.cfg.Load(); cfg != nil {
		return *cfg
	}
	return DefaultConfig()
}

// Confidence calibrates p with the active selection and reports the method used.
func (c *Calibrator) Confidence(p float64, isFake bool) (float64, Method) {
	cfg := c.Config()
	return Calibrate(p, isFake, cfg), cfg.Method
}
