// Package config loads, normalizes, and validates deepscan configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and applies environment overrides such as
// CONFIDENCE_CALIBRATION, CONFIDENCE_TEMPERATURE, LAA_NET_ROOT, and
// LAA_NET_WEIGHTS. Environment variables are read exactly once, inside Load;
// nothing downstream consults the process environment.
//
// Calibration settings resolve totally: an unknown method or unusable
// temperature falls back to the defaults instead of failing the load.
package config
