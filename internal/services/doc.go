// Package services defines shared utilities consumed by the detection pipeline
// and its external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp request IDs, video paths, and backend names
//     for logging and tracing.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures (timeout, configuration, external tool) without string matching.
//
// Use these helpers when wiring new pipeline components so operational
// behaviour stays uniform across the detector.
package services
