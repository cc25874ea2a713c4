// Package resource allocates GPU image resources at fixed binding slots and
// tracks their liveness.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/kernelview/gpucore"
)

// Image is a live (or released) image resource. Its dimensions, format and
// slot never change.
type Image struct {
	id       gpucore.ImageID
	desc     gpucore.ImageDesc
	released bool
}

// ID returns the device handle.
func (img *Image) ID() gpucore.ImageID { return img.id }

// Desc returns a copy of the image description.
func (img *Image) Desc() gpucore.ImageDesc { return img.desc }

// Label returns the image label.
func (img *Image) Label() string { return img.desc.Label }

// Width returns the image width in texels.
func (img *Image) Width() int { return img.desc.Width }

// Height returns the image height in texels.
func (img *Image) Height() int { return img.desc.Height }

// Layers returns the number of array layers (1 for 2D images).
func (img *Image) Layers() int { return img.desc.LayerCount() }

// Format returns the texel format.
func (img *Image) Format() gpucore.ImageFormat { return img.desc.Format }

// Slot returns the binding slot the image is bound to.
func (img *Image) Slot() uint32 { return img.desc.Slot }

// Live reports whether the image has not been released.
func (img *Image) Live() bool { return !img.released }

func (img *Image) String() string {
	return fmt.Sprintf("%s(%dx%dx%d %s @%d)", img.desc.Label, img.desc.Width, img.desc.Height,
		img.desc.LayerCount(), img.desc.Format, img.desc.Slot)
}

// Manager allocates and releases images on a device.
//
// A slot maps to at most one live image. Releasing an image frees its slot.
// Manager is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	device gpucore.Device
	slots  map[uint32]*Image
	order  []*Image
}

// NewManager creates a manager for device.
func NewManager(device gpucore.Device) *Manager {
	return &Manager{
		device: device,
		slots:  make(map[uint32]*Image),
	}
}

// Allocate creates an image of exactly desc's size and format bound
// read-write at desc.Slot.
//
// Returns *gpucore.SlotConflictError if the slot holds a live image and
// *gpucore.AllocationError if the description is invalid or the device
// rejects it. Both errors are located at the caller of Allocate.
func (m *Manager) Allocate(desc gpucore.ImageDesc) (*Image, error) {
	at := gpucore.Caller(1)
	if desc.Layers <= 0 {
		desc.Layers = 1
	}
	if err := validate(&desc); err != nil {
		return nil, &gpucore.AllocationError{Desc: desc, Err: err, At: at}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.slots[desc.Slot]; ok {
		return nil, &gpucore.SlotConflictError{Slot: desc.Slot, Existing: existing.desc.Label, Requested: desc.Label, At: at}
	}

	id, err := m.device.CreateImage(&desc)
	if err != nil {
		return nil, &gpucore.AllocationError{Desc: desc, Err: err, At: at}
	}

	img := &Image{id: id, desc: desc}
	m.slots[desc.Slot] = img
	m.order = append(m.order, img)
	return img, nil
}

var (
	errBadExtent = errors.New("extent must be positive")
	errBadLayers = fmt.Errorf("layers must be 1 or %d", gpucore.ArrayLayers)
)

func validate(desc *gpucore.ImageDesc) error {
	if desc.Width <= 0 || desc.Height <= 0 {
		return errBadExtent
	}
	if !desc.Format.Valid() {
		return gpucore.ErrUnknownFormat
	}
	if desc.Layers != 1 && desc.Layers != gpucore.ArrayLayers {
		return errBadLayers
	}
	return nil
}

// Release frees the image's storage and its slot. Releasing an image twice
// returns gpucore.ErrReleased.
func (m *Manager) Release(img *Image) error {
	if img == nil {
		return fmt.Errorf("resource: release nil image: %w", gpucore.ErrUnknownImage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if img.released {
		return fmt.Errorf("resource: release %q: %w", img.desc.Label, gpucore.ErrReleased)
	}
	if m.slots[img.desc.Slot] != img {
		return fmt.Errorf("resource: release %q: %w", img.desc.Label, gpucore.ErrUnknownImage)
	}
	m.releaseLocked(img)
	return nil
}

func (m *Manager) releaseLocked(img *Image) {
	img.released = true
	delete(m.slots, img.desc.Slot)
	for i, o := range m.order {
		if o == img {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.device.DestroyImage(img.id)
}

// ReleaseAll releases every live image exactly once, most recently
// allocated first, and returns the number released.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.order)
	for len(m.order) > 0 {
		m.releaseLocked(m.order[len(m.order)-1])
	}
	return n
}

// Lookup returns the live image bound at slot.
func (m *Manager) Lookup(slot uint32) (*Image, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.slots[slot]
	return img, ok
}

// Live returns the number of live images.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Images returns the live images ordered by slot.
func (m *Manager) Images() []*Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Image, len(m.order))
	copy(out, m.order)
	sort.Slice(out, func(i, j int) bool { return out[i].desc.Slot < out[j].desc.Slot })
	return out
}

// Write uploads one layer of texel data to a live image.
func (m *Manager) Write(img *Image, layer int, data []byte) error {
	if err := m.checkLayer(img, layer); err != nil {
		return err
	}
	if want := img.desc.LayerSize(); len(data) != want {
		return fmt.Errorf("resource: write %q: got %d bytes, want %d", img.desc.Label, len(data), want)
	}
	return m.device.WriteImage(img.id, layer, data)
}

// Read downloads one layer of texel data from a live image.
func (m *Manager) Read(img *Image, layer int) ([]byte, error) {
	if err := m.checkLayer(img, layer); err != nil {
		return nil, err
	}
	return m.device.ReadImage(img.id, layer)
}

func (m *Manager) checkLayer(img *Image, layer int) error {
	if img == nil || !img.Live() {
		label := "<nil>"
		if img != nil {
			label = img.desc.Label
		}
		return fmt.Errorf("resource: access %q: %w", label, gpucore.ErrReleased)
	}
	if layer < 0 || layer >= img.Layers() {
		return fmt.Errorf("resource: %q has no layer %d", img.desc.Label, layer)
	}
	return nil
}
