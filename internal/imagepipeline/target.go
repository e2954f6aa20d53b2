package imagepipeline

import (
	"image"
	"sync"
)

// TargetID is a generation-tagged handle for a UI target. A handle becomes
// stale once its slot is released; results for stale handles are dropped.
type TargetID struct {
	Slot uint64
	Gen  uint64
}

// Target is an image-bearing UI element. All methods are called on the
// dispatcher goroutine.
type Target interface {
	ID() TargetID
	// Visible reports whether the target is realized and on screen.
	Visible() bool
	// ScaleFactor is the device pixel ratio; values below 1 count as 1.
	ScaleFactor() float64
	// Apply receives the outcome of a load.
	Apply(Result)
}

// Source tells where a delivered image came from.
type Source int

const (
	SourceMemory Source = iota
	SourceDisk
	SourceNetwork
	SourceRevalidated
	SourceFailed
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceNetwork:
		return "network"
	case SourceRevalidated:
		return "revalidated"
	case SourceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is delivered to a Target exactly once per load. When Placeholder is
// set Image is nil and the caller draws its own placeholder; Err carries the
// reason for diagnostics only.
type Result struct {
	URL         string
	Key         string
	Image       image.Image
	Placeholder bool
	Source      Source
	Err         error
}

// AllocatedSlotBase is the first slot handed out by Handles.Allocate.
// Slots below it belong to callers that mint their own IDs, so allocated and
// self-minted handles never share a slot.
const AllocatedSlotBase uint64 = 1 << 63

// Handles tracks target generations. Allocate hands out slots from
// AllocatedSlotBase upward and recycles them after Release. Callers may also
// mint IDs below AllocatedSlotBase; such a slot is valid at generation zero
// until released, after which its owner must move to the next generation.
// Safe for concurrent use.
type Handles struct {
	mu   sync.Mutex
	gens map[uint64]uint64
	free []uint64
	next uint64
}

// NewHandles creates an empty allocator.
func NewHandles() *Handles {
	return &Handles{gens: make(map[uint64]uint64)}
}

// Allocate returns a fresh handle, reusing released allocated slots.
func (h *Handles) Allocate() TargetID {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.free); n > 0 {
		slot := h.free[n-1]
		h.free = h.free[:n-1]
		return TargetID{Slot: slot, Gen: h.gens[slot]}
	}
	slot := AllocatedSlotBase + h.next
	h.next++
	h.gens[slot] = 0
	return TargetID{Slot: slot}
}

// Release invalidates id. Releasing a stale id is a no-op. Only allocated
// slots are recycled.
func (h *Handles) Release(id TargetID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.gens[id.Slot] != id.Gen {
		return
	}
	h.gens[id.Slot] = id.Gen + 1
	if id.Slot >= AllocatedSlotBase {
		h.free = append(h.free, id.Slot)
	}
}

// Valid reports whether id is still current. Slots never seen are valid at
// generation zero.
func (h *Handles) Valid(id TargetID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gens[id.Slot] == id.Gen
}
