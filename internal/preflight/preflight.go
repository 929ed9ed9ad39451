package preflight

import (
	"context"
	"fmt"

	"deepscan/internal/backend"
	"deepscan/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// Cache directory (always checked)
	results = append(results, CheckDirectoryAccess("Cache directory", cfg.Paths.CacheDir))

	// Device lock directory (only used with cross-process GPU locks)
	if cfg.Runtime.DeviceLocks {
		results = append(results, CheckDirectoryAccess("Lock directory", cfg.Paths.LockDir))
	}

	// Weights for every enabled backend
	for _, kind := range backend.Kinds() {
		opts, enabled := backend.OptionsFromConfig(cfg, kind)
		if !enabled {
			continue
		}
		results = append(results, CheckReadableFile(fmt.Sprintf("%s weights", kind), opts.WeightsPath))
	}

	// Model server
	if anyBackendEnabled(cfg) {
		results = append(results, CheckRuntime(ctx, cfg.Runtime))
	}

	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

func anyBackendEnabled(cfg *config.Config) bool {
	for _, kind := range backend.Kinds() {
		if _, enabled := backend.OptionsFromConfig(cfg, kind); enabled {
			return true
		}
	}
	return false
}
