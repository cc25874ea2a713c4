// Package software implements a CPU reference device.
//
// Kernels run as Go functions registered under the label of the WGSL stage
// they mirror (see RegisterKernel and RegisterFragment). The device accepts
// any structurally valid WGSL and takes the resource bindings from it, so a
// program links against the same declarations on both devices.
//
// The software backend is always available and registers itself as
// "software" on import.
package software

import (
	"fmt"

	"github.com/gogpu/kernelview/backend"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
)

func init() {
	backend.Register(backend.BackendSoftware, func() backend.Backend {
		return NewBackend()
	})
}

// Backend is the software backend.
type Backend struct {
	opts   []Option
	device *Device
}

// NewBackend creates a software backend. opts configure the device created
// by Init.
func NewBackend(opts ...Option) *Backend {
	return &Backend{opts: opts}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.BackendSoftware }

// Init creates the device.
func (b *Backend) Init() error {
	if b.device == nil {
		b.device = New(b.opts...)
	}
	return nil
}

// Close destroys the device.
func (b *Backend) Close() {
	if b.device != nil {
		b.device.Destroy()
		b.device = nil
	}
}

// Device returns the device, or nil before Init.
func (b *Backend) Device() gpucore.Device {
	if b.device == nil {
		return nil
	}
	return b.device
}

// Compiler returns a kernel.SourceCompiler.
func (b *Backend) Compiler() kernel.Compiler { return kernel.SourceCompiler{} }

// NewTarget creates a framebuffer draw target.
func (b *Backend) NewTarget(width, height int) (gpucore.ReadableTarget, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("software: invalid target size %dx%d", width, height)
	}
	return NewFramebuffer(width, height), nil
}
