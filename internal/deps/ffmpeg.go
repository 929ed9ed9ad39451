package deps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const versionTimeout = 5 * time.Second

// ProbeVersions fills Version for every available status by running the
// binary with -version. Binaries that fail the probe are marked unavailable.
func ProbeVersions(ctx context.Context, statuses []Status) []Status {
	out := make([]Status, len(statuses))
	for i, status := range statuses {
		out[i] = status
		if !status.Available {
			continue
		}
		version, err := Version(ctx, status.Command)
		if err != nil {
			out[i].Available = false
			out[i].Detail = err.Error()
			continue
		}
		out[i].Version = version
	}
	return out
}

// Version runs "<command> -version" and returns the first line, e.g.
// "ffmpeg version 7.1 Copyright ...".
func Version(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, "-version") //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s -version failed: %s", command, detail)
	}

	scanner := bufio.NewScanner(&stdout)
	if scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%s -version printed nothing", command)
}
