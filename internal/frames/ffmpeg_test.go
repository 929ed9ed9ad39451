package frames

import (
	"context"
	"image/color"
	"path/filepath"
	"testing"

	"deepscan/internal/testsupport"
)

func TestFFmpegDecoderProbeAndDecode(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "frame.png")
	testsupport.WritePNG(t, fixture, testsupport.SolidImage(8, 6, color.RGBA{R: 10, G: 20, B: 30, A: 255}))

	ffprobe := filepath.Join(dir, "ffprobe")
	testsupport.WriteScript(t, ffprobe, `cat <<'JSON'
{"streams":[{"index":0,"codec_type":"video","width":8,"height":6,"nb_frames":"48","avg_frame_rate":"24/1"},{"index":1,"codec_type":"audio"}],"format":{"duration":"2.0"}}
JSON`)
	ffmpeg := filepath.Join(dir, "ffmpeg")
	testsupport.WriteScript(t, ffmpeg, `echo "$@" > "`+filepath.Join(dir, "args.txt")+`"
cat "`+fixture+`"`)

	decoder := FFmpegDecoder{FFmpeg: ffmpeg, FFprobe: ffprobe}
	meta, err := decoder.Probe(context.Background(), filepath.Join(dir, "clip.mp4"))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !meta.Readable || meta.TotalFrames != 48 || meta.FPS != 24 || meta.AudioStreams != 1 || meta.Width != 8 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	img, err := decoder.Decode(context.Background(), filepath.Join(dir, "clip.mp4"), 12, meta)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 6 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}
	r, g, b, _ := img.At(1, 1).RGBA()
	if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
		t.Fatalf("unexpected pixel %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestFFmpegDecoderReportsFailures(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := filepath.Join(dir, "ffmpeg")
	testsupport.WriteScript(t, ffmpeg, `echo "invalid data found" >&2
exit 1`)
	ffprobe := filepath.Join(dir, "ffprobe")
	testsupport.WriteScript(t, ffprobe, `exit 1`)

	decoder := FFmpegDecoder{FFmpeg: ffmpeg, FFprobe: ffprobe}
	if _, err := decoder.Probe(context.Background(), "clip.mp4"); err == nil {
		t.Fatal("expected probe error")
	}
	if _, err := decoder.Decode(context.Background(), "clip.mp4", 0, Metadata{}); err == nil {
		t.Fatal("expected decode error")
	}

	empty := filepath.Join(dir, "ffmpeg-empty")
	testsupport.WriteScript(t, empty, `exit 0`)
	if _, err := (FFmpegDecoder{FFmpeg: empty}).Decode(context.Background(), "clip.mp4", 0, Metadata{FPS: 30}); err == nil {
		t.Fatal("expected error for empty output")
	}
}
