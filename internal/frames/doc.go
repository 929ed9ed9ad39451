// Package frames samples a fixed number of evenly spaced frames from a video.
//
// Sampling never fails. When the video is unreadable or reports no frames,
// the sample holds neutral black frames; when an individual frame cannot be
// decoded, only that slot is replaced. Callers inspect RealFrames to decide
// whether any genuine evidence was collected.
//
// FFmpegDecoder is the production Decoder: ffprobe for metadata and one ffmpeg
// invocation per frame, streaming PNG over stdout.
package frames
