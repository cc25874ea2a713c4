package software

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
)

const fillSrc = `
@group(0) @binding(2) var dst: texture_storage_2d<rgba32float, write>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let dims = textureDimensions(dst);
    if (gid.x >= dims.x || gid.y >= dims.y) {
        return;
    }
    textureStore(dst, vec2<i32>(gid.xy), vec4<f32>(f32(gid.x), f32(gid.y), 0.0, 1.0));
}
`

const copySrc = `
@group(0) @binding(1) var src: texture_storage_2d<rgba32float, read>;
@group(0) @binding(2) var dst: texture_storage_2d<rgba32float, write>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    textureStore(dst, vec2<i32>(gid.xy), textureLoad(src, vec2<i32>(gid.xy)));
}
`

const quadSrc = `
@group(0) @binding(0) var screen: texture_2d<f32>;

struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) uv: vec2<f32>,
};

@vertex
fn vs_main(@location(0) position: vec2<f32>, @location(1) uv: vec2<f32>) -> VertexOutput {
    var out: VertexOutput;
    out.position = vec4<f32>(position, 0.0, 1.0);
    out.uv = uv;
    return out;
}

@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    let dims = vec2<f32>(textureDimensions(screen));
    return textureLoad(screen, vec2<i32>(in.uv * dims), 0);
}
`

func init() {
	RegisterKernel("sw_fill", func(inv *Invocation) {
		dst := inv.Image(2)
		x, y := int(inv.GlobalID[0]), int(inv.GlobalID[1])
		if x >= dst.Width() || y >= dst.Height() {
			return
		}
		dst.Store(x, y, 0, [4]float32{float32(x), float32(y), 0, 1})
	})
	RegisterKernel("sw_copy", func(inv *Invocation) {
		x, y := int(inv.GlobalID[0]), int(inv.GlobalID[1])
		inv.Image(2).Store(x, y, 0, inv.Image(1).Load(x, y, 0))
	})
	RegisterKernel("sw_panic", func(*Invocation) {
		panic("kernel bug")
	})
	RegisterFragment("sw_quad_fs", func(frag *Fragment, b *Bindings) [4]float32 {
		return b.Image(0).Sample(frag.UV[0], frag.UV[1])
	})
}

func linkCompute(t *testing.T, dev gpucore.Device, label, src string) *kernel.Program {
	t.Helper()
	st, err := kernel.CompileStage(kernel.SourceCompiler{}, label, src, gpucore.StageCompute)
	require.NoError(t, err)
	p, err := kernel.Link(dev, label, st)
	require.NoError(t, err)
	return p
}

func linkQuad(t *testing.T, dev gpucore.Device) *kernel.Program {
	t.Helper()
	vs, err := kernel.CompileStage(kernel.SourceCompiler{}, "sw_quad_vs", quadSrc, gpucore.StageVertex)
	require.NoError(t, err)
	fs, err := kernel.CompileStage(kernel.SourceCompiler{}, "sw_quad_fs", quadSrc, gpucore.StageFragment)
	require.NoError(t, err)
	p, err := kernel.Link(dev, "quad", vs, fs)
	require.NoError(t, err)
	return p
}

func newImage(t *testing.T, dev *Device, label string, w, h int, f gpucore.ImageFormat, slot uint32) gpucore.ImageID {
	t.Helper()
	id, err := dev.CreateImage(&gpucore.ImageDesc{Label: label, Width: w, Height: h, Layers: 1, Format: f, Slot: slot})
	require.NoError(t, err)
	return id
}

func texel(t *testing.T, data []byte, w, x, y int) [4]float32 {
	t.Helper()
	var v [4]float32
	off := (y*w + x) * 16
	for c := range 4 {
		v[c] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+c*4:]))
	}
	return v
}

func runtimeCode(t *testing.T, err error) gpucore.ErrorCode {
	t.Helper()
	var rt *gpucore.RuntimeDispatchError
	require.True(t, errors.As(err, &rt), "want *RuntimeDispatchError, got %v", err)
	return rt.Code
}

func TestDevice_Dispatch(t *testing.T) {
	dev := New(WithWorkers(3))
	defer dev.Destroy()

	p := linkCompute(t, dev, "sw_fill", fillSrc)
	img := newImage(t, dev, "out", 20, 10, gpucore.FormatRGBA32Float, 2)

	grid := p.Grid(20, 10)
	assert.Equal(t, gpucore.Grid{X: 3, Y: 2, Z: 1}, grid)
	require.NoError(t, dev.Dispatch(p.ID(), []gpucore.ImageBinding{{Slot: 2, Image: img}}, grid))
	require.NoError(t, dev.Barrier())

	data, err := dev.ReadImage(img, 0)
	require.NoError(t, err)
	assert.Equal(t, [4]float32{0, 0, 0, 1}, texel(t, data, 20, 0, 0))
	assert.Equal(t, [4]float32{19, 9, 0, 1}, texel(t, data, 20, 19, 9))
	assert.Equal(t, [4]float32{7, 3, 0, 1}, texel(t, data, 20, 7, 3))

	st := dev.Stats()
	assert.Equal(t, uint64(1), st.Dispatches)
	assert.Equal(t, uint64(1), st.Barriers)
}

func TestDevice_HazardWithoutBarrier(t *testing.T) {
	dev := New()
	defer dev.Destroy()

	fill := linkCompute(t, dev, "sw_fill", fillSrc)
	cp := linkCompute(t, dev, "sw_copy", copySrc)
	a := newImage(t, dev, "a", 16, 16, gpucore.FormatRGBA32Float, 1)
	b := newImage(t, dev, "b", 16, 16, gpucore.FormatRGBA32Float, 2)
	grid := fill.Grid(16, 16)

	require.NoError(t, dev.Dispatch(fill.ID(), []gpucore.ImageBinding{{Slot: 2, Image: a}}, grid))

	err := dev.Dispatch(cp.ID(), []gpucore.ImageBinding{{Slot: 1, Image: a}, {Slot: 2, Image: b}}, grid)
	assert.Equal(t, gpucore.CodeHazard, runtimeCode(t, err))
	assert.ErrorContains(t, err, `"a"`)

	require.NoError(t, dev.Barrier())
	require.NoError(t, dev.Dispatch(cp.ID(), []gpucore.ImageBinding{{Slot: 1, Image: a}, {Slot: 2, Image: b}}, grid))
	require.NoError(t, dev.Barrier())

	data, err := dev.ReadImage(b, 0)
	require.NoError(t, err)
	assert.Equal(t, [4]float32{5, 11, 0, 1}, texel(t, data, 16, 5, 11))
}

func TestDevice_OutOfBoundsStore(t *testing.T) {
	dev := New()
	defer dev.Destroy()

	cp := linkCompute(t, dev, "sw_copy", copySrc)
	a := newImage(t, dev, "a", 10, 10, gpucore.FormatRGBA32Float, 1)
	b := newImage(t, dev, "b", 10, 10, gpucore.FormatRGBA32Float, 2)

	err := dev.Dispatch(cp.ID(), []gpucore.ImageBinding{{Slot: 1, Image: a}, {Slot: 2, Image: b}}, cp.Grid(10, 10))
	require.Error(t, err)
	assert.Equal(t, gpucore.CodeOutOfBounds, runtimeCode(t, err))
	assert.Contains(t, err.Error(), "[0x0507 out of bounds] at dispatch sw_copy")
}

func TestDevice_KernelPanic(t *testing.T) {
	dev := New()
	defer dev.Destroy()

	const src = `
@group(0) @binding(2) var dst: texture_storage_2d<rgba32float, write>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
}
`
	p := linkCompute(t, dev, "sw_panic", src)
	img := newImage(t, dev, "out", 8, 8, gpucore.FormatRGBA32Float, 2)
	err := dev.Dispatch(p.ID(), []gpucore.ImageBinding{{Slot: 2, Image: img}}, p.Grid(8, 8))
	assert.Equal(t, gpucore.CodeInvalidOperation, runtimeCode(t, err))
	assert.ErrorContains(t, err, "kernel bug")
}

func TestDevice_BindingErrors(t *testing.T) {
	dev := New()
	defer dev.Destroy()

	cp := linkCompute(t, dev, "sw_copy", copySrc)
	a := newImage(t, dev, "a", 8, 8, gpucore.FormatRGBA32Float, 1)
	b := newImage(t, dev, "b", 8, 8, gpucore.FormatRGBA32Float, 2)
	rg := newImage(t, dev, "rg", 8, 8, gpucore.FormatRG32Float, 3)
	grid := cp.Grid(8, 8)

	tests := []struct {
		name     string
		bindings []gpucore.ImageBinding
		code     gpucore.ErrorCode
	}{
		{"missing", []gpucore.ImageBinding{{Slot: 1, Image: a}}, gpucore.CodeInvalidOperation},
		{"undeclared slot", []gpucore.ImageBinding{{Slot: 1, Image: a}, {Slot: 2, Image: b}, {Slot: 7, Image: rg}}, gpucore.CodeInvalidValue},
		{"wrong format", []gpucore.ImageBinding{{Slot: 1, Image: rg}, {Slot: 2, Image: b}}, gpucore.CodeInvalidOperation},
		{"aliased write", []gpucore.ImageBinding{{Slot: 1, Image: a}, {Slot: 2, Image: a}}, gpucore.CodeInvalidOperation},
		{"unknown image", []gpucore.ImageBinding{{Slot: 1, Image: 9999}, {Slot: 2, Image: b}}, gpucore.CodeInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dev.Dispatch(cp.ID(), tt.bindings, grid)
			assert.Equal(t, tt.code, runtimeCode(t, err))
		})
	}

	err := dev.Dispatch(cp.ID(), []gpucore.ImageBinding{{Slot: 1, Image: a}, {Slot: 2, Image: b}}, gpucore.Grid{})
	assert.Equal(t, gpucore.CodeInvalidValue, runtimeCode(t, err))
}

func TestDevice_CreateImageLimits(t *testing.T) {
	dev := New(WithMaxExtent(64), WithMemoryLimit(64*64*16))
	defer dev.Destroy()

	_, err := dev.CreateImage(&gpucore.ImageDesc{Label: "wide", Width: 65, Height: 1, Format: gpucore.FormatR8Uint})
	assert.ErrorIs(t, err, errExtent)

	id, err := dev.CreateImage(&gpucore.ImageDesc{Label: "full", Width: 64, Height: 64, Format: gpucore.FormatRGBA32Float})
	require.NoError(t, err)
	_, err = dev.CreateImage(&gpucore.ImageDesc{Label: "more", Width: 1, Height: 1, Format: gpucore.FormatR8Uint})
	assert.ErrorIs(t, err, errMemory)

	dev.DestroyImage(id)
	_, err = dev.CreateImage(&gpucore.ImageDesc{Label: "more", Width: 1, Height: 1, Format: gpucore.FormatR8Uint})
	assert.NoError(t, err)
}

func TestDevice_WriteReadImage(t *testing.T) {
	dev := New()
	defer dev.Destroy()

	mask := newImage(t, dev, "mask", 4, 2, gpucore.FormatR8Uint, 5)
	in := []byte{0, 1, 0, 1, 255, 0, 7, 0}
	require.NoError(t, dev.WriteImage(mask, 0, in))
	out, err := dev.ReadImage(mask, 0)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	assert.Error(t, dev.WriteImage(mask, 0, in[:3]), "short layer")
	_, err = dev.ReadImage(mask, 1)
	assert.Error(t, err, "layer out of range")

	arr, err := dev.CreateImage(&gpucore.ImageDesc{Label: "arr", Width: 2, Height: 2, Layers: 3, Format: gpucore.FormatRG32Float})
	require.NoError(t, err)
	layer := make([]byte, 2*2*8)
	binary.LittleEndian.PutUint32(layer[8:], math.Float32bits(0.25))
	require.NoError(t, dev.WriteImage(arr, 2, layer))
	got, err := dev.ReadImage(arr, 2)
	require.NoError(t, err)
	assert.Equal(t, layer, got)
	got, err = dev.ReadImage(arr, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(layer)), got, "other layers untouched")
}

func TestTexture_StoreFormats(t *testing.T) {
	tex := newTexture(&gpucore.ImageDesc{Label: "m", Width: 2, Height: 1, Format: gpucore.FormatR8Uint})
	view := &Texture{tex: tex, access: gpucore.AccessReadWrite}

	view.Store(0, 0, 0, [4]float32{300, 9, 9, 9})
	view.Store(1, 0, 0, [4]float32{-4, 9, 9, 9})
	assert.Equal(t, [4]float32{255, 0, 0, 1}, view.Load(0, 0, 0))
	assert.Equal(t, [4]float32{0, 0, 0, 1}, view.Load(1, 0, 0))
	assert.Equal(t, [4]float32{}, view.Load(5, 0, 0), "out of bounds load reads zero")

	ro := &Texture{tex: tex, access: gpucore.AccessRead}
	assert.PanicsWithValue(t,
		fault{code: gpucore.CodeInvalidOperation, msg: "store to read-only binding 0 (m)"},
		func() { ro.Store(0, 0, 0, [4]float32{}) })
}

func TestDevice_Draw(t *testing.T) {
	dev := New()
	defer dev.Destroy()

	quad := linkQuad(t, dev)
	screen := newImage(t, dev, "screen", 4, 4, gpucore.FormatRGBA32Float, 0)
	vb, err := dev.CreateVertexBuffer("quad", gpucore.QuadVertices[:])
	require.NoError(t, err)

	// left half opaque red, right half half-transparent blue
	layer := make([]byte, 4*4*16)
	for y := range 4 {
		for x := range 4 {
			px := [4]float32{1, 0, 0, 1}
			if x >= 2 {
				px = [4]float32{0, 0, 1, 0.5}
			}
			for c := range 4 {
				binary.LittleEndian.PutUint32(layer[((y*4+x)*4+c)*4:], math.Float32bits(px[c]))
			}
		}
	}
	require.NoError(t, dev.WriteImage(screen, 0, layer))

	fb := NewFramebuffer(8, 8)
	call := &gpucore.DrawCall{
		Program:      quad.ID(),
		VertexBuffer: vb,
		VertexCount:  gpucore.QuadVertexCount,
		Bindings:     []gpucore.ImageBinding{{Slot: 0, Image: screen}},
		Clear:        [4]float64{1, 1, 1, 1},
	}
	require.NoError(t, dev.Draw(fb, call))

	img := fb.Image()
	for y := range 8 {
		for x := range 8 {
			c := img.RGBAAt(x, y)
			if x < 4 {
				assert.Equal(t, [4]uint8{255, 0, 0, 255}, [4]uint8{c.R, c.G, c.B, c.A}, "pixel (%d,%d)", x, y)
			} else {
				assert.Equal(t, [4]uint8{128, 128, 255, 191}, [4]uint8{c.R, c.G, c.B, c.A}, "pixel (%d,%d)", x, y)
			}
		}
	}
	assert.Equal(t, uint64(1), dev.Stats().Draws)
}

type foreignTarget struct{}

func (foreignTarget) Size() (int, int) { return 1, 1 }

func TestDevice_DrawErrors(t *testing.T) {
	dev := New()
	defer dev.Destroy()

	quad := linkQuad(t, dev)
	fill := linkCompute(t, dev, "sw_fill", fillSrc)
	screen := newImage(t, dev, "screen", 4, 4, gpucore.FormatRGBA32Float, 0)
	vb, err := dev.CreateVertexBuffer("quad", gpucore.QuadVertices[:])
	require.NoError(t, err)
	call := &gpucore.DrawCall{
		Program:      quad.ID(),
		VertexBuffer: vb,
		VertexCount:  gpucore.QuadVertexCount,
		Bindings:     []gpucore.ImageBinding{{Slot: 0, Image: screen}},
	}

	err = dev.Draw(foreignTarget{}, call)
	assert.ErrorIs(t, err, gpucore.ErrUnsupportedTarget)

	bad := *call
	bad.VertexCount = 7
	assert.Equal(t, gpucore.CodeInvalidValue, runtimeCode(t, dev.Draw(NewFramebuffer(4, 4), &bad)))

	// fill writes the screen image; drawing from it needs a barrier first
	require.NoError(t, dev.Dispatch(fill.ID(), []gpucore.ImageBinding{{Slot: 2, Image: screen}}, fill.Grid(4, 4)))
	err = dev.Draw(NewFramebuffer(4, 4), call)
	assert.Equal(t, gpucore.CodeHazard, runtimeCode(t, err))

	require.NoError(t, dev.Barrier())
	assert.NoError(t, dev.Draw(NewFramebuffer(4, 4), call))
}

func TestDevice_Destroyed(t *testing.T) {
	dev := New()
	p := linkCompute(t, dev, "sw_fill", fillSrc)
	img := newImage(t, dev, "out", 8, 8, gpucore.FormatRGBA32Float, 2)
	dev.Destroy()
	dev.Destroy()

	err := dev.Dispatch(p.ID(), []gpucore.ImageBinding{{Slot: 2, Image: img}}, p.Grid(8, 8))
	assert.Equal(t, gpucore.CodeDeviceLost, runtimeCode(t, err))
	assert.ErrorIs(t, err, gpucore.ErrTornDown)

	_, err = dev.CreateImage(&gpucore.ImageDesc{Label: "x", Width: 1, Height: 1, Format: gpucore.FormatR8Uint})
	assert.ErrorIs(t, err, gpucore.ErrTornDown)
	assert.Equal(t, Stats{}, dev.Stats())
}

func TestDevice_UnregisteredKernelFailsLink(t *testing.T) {
	dev := New()
	defer dev.Destroy()

	st, err := kernel.CompileStage(kernel.SourceCompiler{}, "sw_nobody", fillSrc, gpucore.StageCompute)
	require.NoError(t, err)
	_, err = kernel.Link(dev, "sw_nobody", st)
	var le *gpucore.LinkError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Log, "no CPU kernel registered")
	assert.Zero(t, dev.Stats().Modules)
}
