//go:build !nogpu

package native

import (
	"fmt"

	"github.com/gogpu/kernelview/backend"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
)

func init() {
	backend.Register(backend.BackendNative, func() backend.Backend {
		return NewBackend()
	})
}

// Option configures a Backend.
type Option func(*Backend)

// WithProvider makes Init share the device of provider instead of opening
// one. See FromProvider.
func WithProvider(provider any) Option {
	return func(b *Backend) { b.provider = provider }
}

// Backend is the wgpu HAL backend.
type Backend struct {
	provider any
	device   *Device
}

// NewBackend creates a native backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.BackendNative }

// Init opens or wraps the device. Hosts without a usable adapter get an
// error wrapping backend.ErrBackendNotAvailable.
func (b *Backend) Init() error {
	if b.device != nil {
		return nil
	}
	var (
		dev *Device
		err error
	)
	if b.provider != nil {
		dev, err = FromProvider(b.provider)
	} else {
		dev, err = Open()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", backend.ErrBackendNotAvailable, err)
	}
	b.device = dev
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

// Compiler returns a kernel.NagaCompiler.
func (b *Backend) Compiler() kernel.Compiler { return kernel.NagaCompiler{} }

// NewTarget creates an offscreen draw target.
func (b *Backend) NewTarget(width, height int) (gpucore.ReadableTarget, error) {
	if b.device == nil {
		return nil, backend.ErrNotInitialized
	}
	return b.device.NewOffscreen(width, height)
}
