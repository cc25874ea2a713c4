package software

import (
	"sync"
)

// Invocation is one compute shader invocation.
type Invocation struct {
	// GlobalID is GroupID * workgroup size + LocalID.
	GlobalID [3]uint32

	// LocalID is the position within the work-group.
	LocalID [3]uint32

	// GroupID is the work-group position within the grid.
	GroupID [3]uint32

	// NumGroups is the dispatch grid.
	NumGroups [3]uint32

	*Bindings
}

// KernelFunc is the CPU implementation of a compute entry point.
type KernelFunc func(inv *Invocation)

// Fragment is the interpolated input of one fragment.
type Fragment struct {
	// Position is the pixel center in framebuffer coordinates.
	Position [2]float32

	// UV is the interpolated texcoord.
	UV [2]float32
}

// FragmentFunc is the CPU implementation of a fragment entry point.
// It returns a straight (non-premultiplied) RGBA color.
type FragmentFunc func(frag *Fragment, b *Bindings) [4]float32

var (
	stagesMu  sync.RWMutex
	kernels   = make(map[string]KernelFunc)
	fragments = make(map[string]FragmentFunc)
)

// RegisterKernel makes fn the CPU implementation of the compute stage
// labeled label. Registering a label again replaces the previous function.
func RegisterKernel(label string, fn KernelFunc) {
	stagesMu.Lock()
	defer stagesMu.Unlock()
	kernels[label] = fn
}

// RegisterFragment makes fn the CPU implementation of the fragment stage
// labeled label.
func RegisterFragment(label string, fn FragmentFunc) {
	stagesMu.Lock()
	defer stagesMu.Unlock()
	fragments[label] = fn
}

func lookupKernel(label string) (KernelFunc, bool) {
	stagesMu.RLock()
	defer stagesMu.RUnlock()
	fn, ok := kernels[label]
	return fn, ok
}

func lookupFragment(label string) (FragmentFunc, bool) {
	stagesMu.RLock()
	defer stagesMu.RUnlock()
	fn, ok := fragments[label]
	return fn, ok
}
