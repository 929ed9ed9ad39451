// Package preflight provides readiness checks for the model server, media
// binaries, weights, and filesystem paths that deepscan depends on.
//
// These checks run in two contexts:
//   - Batch detection calls RunAll before starting so a misconfigured host
//     fails once instead of producing a column of INCONCLUSIVE verdicts.
//   - The CLI "deepscan status" command uses individual check functions
//     (CheckRuntime, CheckDirectoryAccess, CheckBackends) to display health.
//
// Each check is gated by its config toggle -- disabled backends are skipped.
package preflight
