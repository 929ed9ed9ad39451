package preflight

import (
	"context"
	"fmt"
	"strings"

	"deepscan/internal/backend"
)

// BackendStatus is the display form of one backend handle.
type BackendStatus struct {
	Kind      backend.Kind
	Available bool
	Device    string
	Weight    float64
	Detail    string
}

// Lister yields initialized backend handles.
type Lister interface {
	Backends(ctx context.Context) []backend.Backend
}

// CheckBackends initializes every backend through lister and reports which
// ones can score frames.
func CheckBackends(ctx context.Context, lister Lister) []BackendStatus {
	if lister == nil {
		return nil
	}
	handles := lister.Backends(ctx)
	out := make([]BackendStatus, 0, len(handles))
	for _, b := range handles {
		status := BackendStatus{
			Kind:      b.Kind(),
			Available: b.Available(),
			Device:    b.Device(),
			Weight:    b.Weight(),
		}
		if status.Available {
			status.Detail = "Ready"
		} else {
			status.Detail = strings.TrimSpace(b.Reason())
			if status.Detail == "" {
				status.Detail = "Unavailable"
			}
		}
		out = append(out, status)
	}
	return out
}

// Summary renders a one-line availability summary such as "2/3 backends ready".
func Summary(statuses []BackendStatus) string {
	ready := 0
	for _, s := range statuses {
		if s.Available {
			ready++
		}
	}
	return fmt.Sprintf("%d/%d backends ready", ready, len(statuses))
}
