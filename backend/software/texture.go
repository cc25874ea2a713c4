package software

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/kernelview/gpucore"
)

// texture is the device-side storage of an image. Every texel holds four
// float32 channels regardless of format; channels the format lacks are
// never written.
type texture struct {
	desc gpucore.ImageDesc
	data []float32
}

func newTexture(desc *gpucore.ImageDesc) *texture {
	d := *desc
	if d.Layers <= 0 {
		d.Layers = 1
	}
	return &texture{
		desc: d,
		data: make([]float32, d.Width*d.Height*d.Layers*4),
	}
}

func (t *texture) index(x, y, layer int) int {
	return ((layer*t.desc.Height+y)*t.desc.Width + x) * 4
}

func (t *texture) inBounds(x, y, layer int) bool {
	return x >= 0 && y >= 0 && layer >= 0 &&
		x < t.desc.Width && y < t.desc.Height && layer < t.desc.Layers
}

// encode packs one layer into the tightly packed byte layout of the format.
func (t *texture) encode(layer int) []byte {
	ch := t.desc.Format.Channels()
	texels := t.desc.Width * t.desc.Height
	out := make([]byte, texels*t.desc.Format.BytesPerTexel())
	base := t.index(0, 0, layer)
	for i := range texels {
		src := t.data[base+i*4 : base+i*4+4]
		if t.desc.Format == gpucore.FormatR8Uint {
			out[i] = uint8(src[0])
			continue
		}
		for c := range ch {
			binary.LittleEndian.PutUint32(out[(i*ch+c)*4:], math.Float32bits(src[c]))
		}
	}
	return out
}

// decode unpacks one tightly packed layer.
func (t *texture) decode(layer int, data []byte) error {
	if want := t.desc.LayerSize(); len(data) != want {
		return fmt.Errorf("software: image %q layer %d: got %d bytes, want %d",
			t.desc.Label, layer, len(data), want)
	}
	ch := t.desc.Format.Channels()
	base := t.index(0, 0, layer)
	for i := range t.desc.Width * t.desc.Height {
		dst := t.data[base+i*4 : base+i*4+4]
		if t.desc.Format == gpucore.FormatR8Uint {
			dst[0] = float32(data[i])
			continue
		}
		for c := range ch {
			dst[c] = math.Float32frombits(binary.LittleEndian.Uint32(data[(i*ch+c)*4:]))
		}
	}
	return nil
}

// Texture is the view of a bound image handed to CPU kernels.
//
// Load and Store follow storage image semantics: Load outside the image
// returns zero, Store outside the image faults the dispatch. Channels the
// format lacks load as 0 (alpha as 1).
type Texture struct {
	tex    *texture
	slot   uint32
	access gpucore.Access
}

// Width returns the image width in texels.
func (t *Texture) Width() int { return t.tex.desc.Width }

// Height returns the image height in texels.
func (t *Texture) Height() int { return t.tex.desc.Height }

// Layers returns the number of array layers.
func (t *Texture) Layers() int { return t.tex.desc.Layers }

// Format returns the texel format.
func (t *Texture) Format() gpucore.ImageFormat { return t.tex.desc.Format }

// Load reads the texel at (x, y) of layer.
func (t *Texture) Load(x, y, layer int) [4]float32 {
	if !t.access.Reads() {
		raise(gpucore.CodeInvalidOperation, "load from write-only binding %d (%s)", t.slot, t.tex.desc.Label)
	}
	if !t.tex.inBounds(x, y, layer) {
		return [4]float32{}
	}
	i := t.tex.index(x, y, layer)
	v := [4]float32{0, 0, 0, 1}
	copy(v[:t.tex.desc.Format.Channels()], t.tex.data[i:i+4])
	return v
}

// Store writes the texel at (x, y) of layer. Values are converted to the
// format: r8uint truncates and clamps to [0, 255].
func (t *Texture) Store(x, y, layer int, v [4]float32) {
	if !t.access.Writes() {
		raise(gpucore.CodeInvalidOperation, "store to read-only binding %d (%s)", t.slot, t.tex.desc.Label)
	}
	if !t.tex.inBounds(x, y, layer) {
		raise(gpucore.CodeOutOfBounds, "store at (%d, %d, %d) outside %s %dx%dx%d",
			x, y, layer, t.tex.desc.Label, t.tex.desc.Width, t.tex.desc.Height, t.tex.desc.Layers)
	}
	i := t.tex.index(x, y, layer)
	if t.tex.desc.Format == gpucore.FormatR8Uint {
		t.tex.data[i] = float32(uint8(min(max(v[0], 0), 255)))
		return
	}
	copy(t.tex.data[i:i+t.tex.desc.Format.Channels()], v[:])
}

// Sample reads layer 0 at normalized coordinates (u, v) with nearest
// filtering and clamp-to-edge addressing.
func (t *Texture) Sample(u, v float32) [4]float32 {
	w, h := t.tex.desc.Width, t.tex.desc.Height
	x := clampInt(int(u*float32(w)), 0, w-1)
	y := clampInt(int(v*float32(h)), 0, h-1)
	return t.Load(x, y, 0)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Bindings is the set of images bound for one dispatch or draw.
type Bindings struct {
	images map[uint32]*Texture
}

// Image returns the image bound at slot. Asking for an unbound slot faults
// the dispatch.
func (b *Bindings) Image(slot uint32) *Texture {
	t, ok := b.images[slot]
	if !ok {
		raise(gpucore.CodeInvalidValue, "no image bound at slot %d", slot)
	}
	return t
}

// fault is raised by kernel-facing accessors and recovered by the device.
type fault struct {
	code gpucore.ErrorCode
	msg  string
}

func raise(code gpucore.ErrorCode, format string, args ...any) {
	panic(fault{code: code, msg: fmt.Sprintf(format, args...)})
}
