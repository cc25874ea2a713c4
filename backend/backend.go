package backend

import (
	"errors"

	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")
)

// Backend name constants.
const (
	// BackendNative is the name of the wgpu HAL backend (Vulkan).
	BackendNative = "native"

	// BackendSoftware is the name of the CPU reference backend.
	BackendSoftware = "software"
)

// Backend is a source of GPU devices.
//
// Backends must be registered via Register() and are selected via
// Get() or Default().
type Backend interface {
	// Name returns the backend identifier (e.g., "software", "native").
	Name() string

	// Init acquires the device. It fails with ErrBackendNotAvailable
	// (possibly wrapped) when the host cannot run the backend.
	Init() error

	// Close releases the device and every resource still alive on it.
	// The backend should not be used after Close is called.
	Close()

	// Device returns the initialized device, or nil before Init.
	Device() gpucore.Device

	// Compiler returns the kernel compiler matching the device.
	Compiler() kernel.Compiler

	// NewTarget creates an offscreen draw target for the device.
	NewTarget(width, height int) (gpucore.ReadableTarget, error)
}
