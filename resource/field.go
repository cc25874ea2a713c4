package resource

import (
	"errors"
	"fmt"
)

// ErrFieldMismatch is returned when the two images of a field differ in
// shape or format.
var ErrFieldMismatch = errors.New("resource: field images must match")

// Field is a double-buffered pair of images. A step reads the In role and
// writes the Out role; Swap exchanges the roles between frames.
//
// The slots belong to the roles, not the images: In is always bound at the
// allocation slot of the first image and Out at that of the second. After
// an odd number of swaps each image is therefore bound at the other
// image's slot, so Image.Slot reports where an image was allocated and
// BoundSlot reports where it is bound now.
type Field struct {
	name    string
	a, b    *Image
	swapped bool
}

// NewField pairs two distinct images of identical shape and format.
func NewField(name string, in, out *Image) (*Field, error) {
	if in == nil || out == nil {
		return nil, fmt.Errorf("%w: field %q needs two images", ErrFieldMismatch, name)
	}
	if in == out {
		return nil, fmt.Errorf("%w: field %q uses %q for both roles", ErrFieldMismatch, name, in.Label())
	}
	if in.Width() != out.Width() || in.Height() != out.Height() ||
		in.Layers() != out.Layers() || in.Format() != out.Format() {
		return nil, fmt.Errorf("%w: field %q pairs %s with %s", ErrFieldMismatch, name, in, out)
	}
	return &Field{name: name, a: in, b: out}, nil
}

// Name returns the field name.
func (f *Field) Name() string { return f.name }

// In returns the image currently holding the latest state.
func (f *Field) In() *Image {
	if f.swapped {
		return f.b
	}
	return f.a
}

// Out returns the image the next step writes.
func (f *Field) Out() *Image {
	if f.swapped {
		return f.a
	}
	return f.b
}

// InSlot is the binding slot of the In role.
func (f *Field) InSlot() uint32 { return f.a.Slot() }

// OutSlot is the binding slot of the Out role.
func (f *Field) OutSlot() uint32 { return f.b.Slot() }

// BoundSlot returns the slot img is bound at under the current roles, and
// whether img belongs to the field.
func (f *Field) BoundSlot(img *Image) (uint32, bool) {
	switch img {
	case f.In():
		return f.InSlot(), true
	case f.Out():
		return f.OutSlot(), true
	}
	return 0, false
}

// Swap exchanges the roles. Call it only between frames, after the step
// that wrote Out has been followed by a barrier.
func (f *Field) Swap() { f.swapped = !f.swapped }

// Parity is 0 before the first swap and alternates afterwards.
func (f *Field) Parity() int {
	if f.swapped {
		return 1
	}
	return 0
}

// Resolve returns the image bound at slot under the current roles, and
// whether slot belongs to the field.
func (f *Field) Resolve(slot uint32) (*Image, bool) {
	switch slot {
	case f.InSlot():
		return f.In(), true
	case f.OutSlot():
		return f.Out(), true
	}
	return nil, false
}
