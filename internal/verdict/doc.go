// Package verdict assembles fused scores, calibrated confidence, and the
// audio cross-check into the final detection result.
//
// Assemble is the only place categories are assigned. INCONCLUSIVE is
// reserved for missing evidence (no decoded frames, no available backend,
// no vote at all, or a timed out request) and wins over any number.
package verdict
