// Package calibration converts a fused fake probability into a confidence
// value in [0,1].
//
// Three methods are supported: agreement strength (distance from 0.5, the
// default), winning probability, and temperature scaling of the logit. Method
// selection is resolved once from configuration and never fails; unknown
// names and unusable temperatures fall back to the defaults.
package calibration
