// Package detector runs the deepfake detection pipeline for one video or a
// batch of videos.
//
// A request samples frames once, scores every decoded frame with each
// available backend, fuses the scores, calibrates a confidence, runs the
// audio cross-check alongside, and hands everything to the verdict
// assembler. The pipeline never fails on bad media: unreadable frames,
// missing backends, and timeouts all end in an INCONCLUSIVE result. Errors
// are returned only for inputs that can never succeed (missing path,
// directory, unknown model type).
//
// Detectors are safe for concurrent use. Backends are built once on the
// first request and shared read-only afterwards.
package detector
