package deps

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"deepscan/internal/config"
)

func writeStub(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
}

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	writeStub(t, present, "exit 0")
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Blank", Command: "  ", Optional: true},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary to be unavailable with detail, got %#v", results[1])
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}
	if results[2].Detail != "command not configured" {
		t.Fatalf("unexpected detail for blank command: %q", results[2].Detail)
	}

	missing := MissingRequired(results)
	if !slices.Equal(missing, []string{"Missing"}) {
		t.Fatalf("unexpected missing list %v", missing)
	}
}

func TestRequirementsUseConfiguredBinaries(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.FFmpeg = "/opt/ffmpeg/bin/ffmpeg"
	cfg.Tools.FFprobe = "/opt/ffmpeg/bin/ffprobe"

	reqs := Requirements(&cfg)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requirements, got %d", len(reqs))
	}
	if reqs[0].Command != "/opt/ffmpeg/bin/ffprobe" || reqs[1].Command != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("unexpected commands %+v", reqs)
	}
}

func TestProbeVersions(t *testing.T) {
	binDir := t.TempDir()
	good := filepath.Join(binDir, "ffmpeg")
	writeStub(t, good, `echo "ffmpeg version 7.1 Copyright (c) 2000-2024"
echo "built with gcc"`)
	broken := filepath.Join(binDir, "ffprobe")
	writeStub(t, broken, `echo "libavutil missing" >&2
exit 127`)

	statuses := ProbeVersions(context.Background(), []Status{
		{Name: "FFmpeg", Command: good, Available: true},
		{Name: "FFprobe", Command: broken, Available: true},
		{Name: "Other", Command: "nope"},
	})
	if statuses[0].Version != "ffmpeg version 7.1 Copyright (c) 2000-2024" {
		t.Fatalf("unexpected version %q", statuses[0].Version)
	}
	if statuses[1].Available || statuses[1].Detail == "" {
		t.Fatalf("broken binary should be unavailable: %#v", statuses[1])
	}
	if statuses[2].Available || statuses[2].Version != "" {
		t.Fatalf("unavailable binary must not be probed: %#v", statuses[2])
	}
}
