package epoch

import (
	"sync/atomic"

	"github.com/cuemby/herd/pkg/metrics"
)

// Manager owns the current epoch number and the current vnode View,
// publishing new views atomically on every membership change
// (spec.md 4.D). Readers call Acquire to get a stable snapshot and Release
// when done; Go's GC retains the backing View as long as any Handle
// references it, so nothing is freed by hand. No count of outstanding
// readers is kept.
type Manager struct {
	epoch   atomic.Uint32
	current atomic.Pointer[View]
}

// NewManager creates a Manager with an empty initial view at epoch 0.
func NewManager() *Manager {
	m := &Manager{}
	m.current.Store(NewView(nil))
	return m
}

// Handle is a reference to a published View. It carries no reference
// count; the garbage collector keeps the View alive while it is held.
type Handle struct {
	view    *View
	manager *Manager
}

// Acquire returns a stable handle to the currently published view. The view
// it points to never changes after being published; Publish installs a new
// View rather than mutating this one.
func (m *Manager) Acquire() *Handle {
	v := m.current.Load()
	h := &Handle{view: v, manager: m}
	return h
}

// View returns the snapshot this handle was acquired against.
func (h *Handle) View() *View { return h.view }

// Release marks the handle as no longer in use. With Go's garbage
// collector the old View is simply dropped once unreferenced, so Release
// does nothing: it records no state and decrements no count. Callers pair
// it with Acquire so the call sites follow spec.md 4.D's acquire/release
// shape.
func (h *Handle) Release() {}

// Epoch returns the current epoch number.
func (m *Manager) Epoch() uint32 {
	return m.epoch.Load()
}

// Publish installs a new view and increments the epoch by exactly one
// (spec.md 3 "Epoch" invariant: every membership change increments the
// epoch exactly once cluster-wide).
func (m *Manager) Publish(v *View) uint32 {
	m.current.Store(v)
	next := m.epoch.Add(1)
	metrics.EpochCurrent.Set(float64(next))
	return next
}
