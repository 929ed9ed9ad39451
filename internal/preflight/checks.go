package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"deepscan/internal/config"
	"deepscan/internal/deps"
	"deepscan/internal/inference"
)

// CheckRuntime verifies that the model server answers its readiness probe.
// It uses a 10-second timeout and a single attempt (no retries).
func CheckRuntime(ctx context.Context, cfg config.Runtime) Result {
	const name = "Model server"

	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return Result{Name: name, Detail: "missing url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := inference.NewClient(inference.Config{
		URL:            url,
		TimeoutSeconds: cfg.TimeoutSeconds,
	}, inference.WithRetryMaxAttempts(1))

	if err := client.ServerReady(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeRuntimeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s ready", url)}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckReadableFile verifies that a weights or config file can be opened.
func CheckReadableFile(name, path string) Result {
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d bytes)", path, info.Size())}
}

// CheckSystemDeps evaluates the media binaries for the given config and
// records their versions. Both detection and the CLI status command use
// this so the requirements list lives in one place.
func CheckSystemDeps(ctx context.Context, cfg *config.Config) []deps.Status {
	return deps.ProbeVersions(ctx, deps.CheckBinaries(deps.Requirements(cfg)))
}

// summarizeRuntimeError produces a human-readable summary for readiness failures.
func summarizeRuntimeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "readiness check timed out (model server unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "readiness check timed out (model server unreachable)"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Sprintf("model server unreachable (%v)", opErr.Err)
	}
	return err.Error()
}
