// Package ensemble fuses backend frame scores into frame and video
// probabilities.
//
// Only backends that produced a real score vote; their declared weights are
// renormalized over the voters of each frame. A frame nobody voted on is
// evidence free and sits at 0.5. Video probability is the mean (or max) over
// frames with evidence, or, at clip granularity, the weighted fusion of each
// backend's own mean.
package ensemble
