// Package audio extracts a video's soundtrack with ffmpeg and scores how
// consistent it is with the picture.
//
// The score is a light heuristic over duration agreement, window energy
// variation and zero-crossing rate. It never blocks a verdict: anything that
// prevents extraction yields the neutral 0.5 with has_audio=false.
package audio
