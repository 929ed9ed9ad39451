package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"
)

const lockRetryDelay = 50 * time.Millisecond

// IsAccelerator reports whether device names a GPU-class device whose
// inference must be serialized.
func IsAccelerator(device string) bool {
	d := strings.ToLower(strings.TrimSpace(device))
	return strings.HasPrefix(d, "cuda") || strings.HasPrefix(d, "gpu") || d == "mps"
}

// DeviceGate allows one concurrent inference per accelerator device. CPU
// devices pass through. When lockDir is set, a file lock per device also
// serializes separate processes.
type DeviceGate struct {
	lockDir string

	mu    sync.Mutex
	slots map[string]*deviceSlot
}

type deviceSlot struct {
	sem  *semaphore.Weighted
	file *flock.Flock
}

// NewDeviceGate returns a gate. An empty lockDir disables cross-process locks.
func NewDeviceGate(lockDir string) *DeviceGate {
	return &DeviceGate{lockDir: strings.TrimSpace(lockDir), slots: make(map[string]*deviceSlot)}
}

// Acquire blocks until device is free and returns the release function.
func (g *DeviceGate) Acquire(ctx context.Context, device string) (func(), error) {
	if g == nil || !IsAccelerator(device) {
		return func() {}, nil
	}
	slot := g.slot(device)
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if slot.file == nil {
		return func() { slot.sem.Release(1) }, nil
	}
	ok, err := slot.file.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		slot.sem.Release(1)
		if err == nil {
			err = fmt.Errorf("device lock %s not acquired", slot.file.Path())
		}
		return nil, err
	}
	return func() {
		_ = slot.file.Unlock()
		slot.sem.Release(1)
	}, nil
}

func (g *DeviceGate) slot(device string) *deviceSlot {
	key := strings.ToLower(strings.TrimSpace(device))
	g.mu.Lock()
	defer g.mu.Unlock()
	if slot, ok := g.slots[key]; ok {
		return slot
	}
	slot := &deviceSlot{sem: semaphore.NewWeighted(1)}
	if g.lockDir != "" {
		name := strings.NewReplacer(":", "_", "/", "_").Replace(key)
		slot.file = flock.New(filepath.Join(g.lockDir, "device-"+name+".lock"))
	}
	g.slots[key] = slot
	return slot
}
