package config

import (
	"errors"
	"fmt"
	"math"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateFrames(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateScoring(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateFrames() error {
	if c.Frames.Count <= 0 {
		return errors.New("frames.count must be positive")
	}
	if c.Frames.Width < 0 || c.Frames.Height < 0 {
		return errors.New("frames.width and frames.height must not be negative")
	}
	if (c.Frames.Width == 0) != (c.Frames.Height == 0) {
		return errors.New("frames.width and frames.height must be set together")
	}
	return nil
}

func (c *Config) validateBackends() error {
	for name, weight := range map[string]float64{
		"cnn":       c.Backends.CNN.Weight,
		"embedding": c.Backends.Embedding.Weight,
		"laa":       c.Backends.LAA.Weight,
	} {
		if math.IsNaN(weight) || math.IsInf(weight, 0) || weight < 0 {
			return fmt.Errorf("backends.%s.weight must be a non-negative number", name)
		}
	}
	return nil
}

func (c *Config) validateScoring() error {
	if c.Ensemble.Threshold <= 0 || c.Ensemble.Threshold >= 1 {
		return errors.New("ensemble.threshold must be between 0 and 1 (exclusive)")
	}
	switch c.Ensemble.Granularity {
	case "frame", "clip":
	default:
		return fmt.Errorf("ensemble.granularity: unsupported value %q (want frame or clip)", c.Ensemble.Granularity)
	}
	switch c.Ensemble.Reduce {
	case "mean", "max":
	default:
		return fmt.Errorf("ensemble.reduce: unsupported value %q (want mean or max)", c.Ensemble.Reduce)
	}
	if c.Verdict.LowConfidenceFloor < 0 || c.Verdict.LowConfidenceFloor > 1 {
		return errors.New("verdict.low_confidence_floor must be between 0 and 1")
	}
	switch c.Verdict.AudioPolicy {
	case "auxiliary", "downgrade":
	default:
		return fmt.Errorf("verdict.audio_policy: unsupported value %q (want auxiliary or downgrade)", c.Verdict.AudioPolicy)
	}
	if c.Verdict.AudioConsistentAbove < 0 || c.Verdict.AudioConsistentAbove > 1 {
		return errors.New("verdict.audio_consistent_above must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateDetection() error {
	switch c.Detection.DefaultModel {
	case "ensemble", "cnn", "embedding", "laa":
	default:
		return fmt.Errorf("detection.default_model: unsupported value %q", c.Detection.DefaultModel)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (want console or json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
