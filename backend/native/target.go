//go:build !nogpu

package native

import (
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/kernelview/gpucore"
)

// SurfaceFormat is the swapchain format assumed when a surface target does
// not name one.
const SurfaceFormat = gputypes.TextureFormatBGRA8Unorm

var errNotDrawn = errors.New("native: target has no submitted draw")

// Offscreen is a readable RGBA8 draw target. Every draw into it also
// records a copy into a staging buffer that ReadPixels maps after Flush.
type Offscreen struct {
	dev           *Device
	width, height int
	tex           hal.Texture
	view          hal.TextureView
	usage         gputypes.TextureUsage
	staging       hal.Buffer
	pitch         uint32
	ready         bool
}

// NewOffscreen creates an offscreen target of the given size.
func (d *Device) NewOffscreen(width, height int) (*Offscreen, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil, gpucore.ErrTornDown
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("native: invalid target size %dx%d", width, height)
	}
	w, h := uint32(width), uint32(height)
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "offscreen",
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        offscreenFormat,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create offscreen texture: %w", err)
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         "offscreen_view",
		Format:        offscreenFormat,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return nil, fmt.Errorf("native: create offscreen view: %w", err)
	}
	pitch := alignRow(w * 4)
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "offscreen_staging",
		Size:  uint64(pitch) * uint64(h),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		d.device.DestroyTextureView(view)
		d.device.DestroyTexture(tex)
		return nil, fmt.Errorf("native: create offscreen staging buffer: %w", err)
	}
	return &Offscreen{
		dev:     d,
		width:   width,
		height:  height,
		tex:     tex,
		view:    view,
		staging: staging,
		pitch:   pitch,
	}, nil
}

// Size returns the target extent.
func (t *Offscreen) Size() (width, height int) { return t.width, t.height }

// ReadPixels returns the result of the last draw, submitting pending
// commands first. Row 0 is the top of the target.
func (t *Offscreen) ReadPixels() (*image.RGBA, error) {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed || t.tex == nil {
		return nil, gpucore.ErrTornDown
	}
	if err := d.flushLocked(); err != nil {
		return nil, err
	}
	if !t.ready {
		return nil, errNotDrawn
	}
	h := uint32(t.height)
	padded := make([]byte, uint64(t.pitch)*uint64(h))
	if err := d.queue.ReadBuffer(t.staging, 0, padded); err != nil {
		return nil, fmt.Errorf("native: readback: %w", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, t.width, t.height))
	copy(img.Pix, stripPadding(padded, uint32(t.width)*4, t.pitch, h))
	return img, nil
}

// Destroy releases the target.
func (t *Offscreen) Destroy() {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.tex == nil || d.destroyed {
		t.tex = nil
		return
	}
	if err := d.flushLocked(); err != nil {
		slogger().Warn("flush before destroy failed", "target", "offscreen", "err", err)
	}
	d.device.DestroyBuffer(t.staging)
	d.device.DestroyTextureView(t.view)
	d.device.DestroyTexture(t.tex)
	t.tex, t.view, t.staging = nil, nil, nil
}

// Surface is a draw target over a swapchain view owned by a window. The
// window presents it; Flush only guarantees the draw has completed.
type Surface struct {
	view          hal.TextureView
	width, height int
	format        gputypes.TextureFormat
}

// NewSurface wraps a surface view. view must hold a hal.TextureView. A zero
// format means SurfaceFormat.
func NewSurface(view any, width, height int, format gputypes.TextureFormat) (*Surface, error) {
	s := &Surface{format: format}
	if s.format == 0 {
		s.format = SurfaceFormat
	}
	if err := s.Update(view, width, height); err != nil {
		return nil, err
	}
	return s, nil
}

// Update points the surface at the view of the current frame.
func (s *Surface) Update(view any, width, height int) error {
	v, ok := view.(hal.TextureView)
	if !ok || v == nil {
		return fmt.Errorf("native: surface view is %T, not hal.TextureView", view)
	}
	s.view, s.width, s.height = v, width, height
	return nil
}

// Size returns the surface extent.
func (s *Surface) Size() (width, height int) { return s.width, s.height }

// Draw records a render pass that clears target and draws call.
func (d *Device) Draw(target gpucore.Target, call *gpucore.DrawCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "draw", gpucore.ErrTornDown)
	}

	var (
		view   hal.TextureView
		format gputypes.TextureFormat
		off    *Offscreen
	)
	switch t := target.(type) {
	case *Offscreen:
		if t.dev != d || t.tex == nil {
			return gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, "draw", gpucore.ErrUnsupportedTarget)
		}
		view, format, off = t.view, offscreenFormat, t
	case *Surface:
		view, format = t.view, t.format
	default:
		return gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, "draw",
			fmt.Errorf("%w: %T", gpucore.ErrUnsupportedTarget, target))
	}

	p, ok := d.programs[call.Program]
	if !ok || p.compute {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, "draw",
			fmt.Errorf("program %d: %w", call.Program, gpucore.ErrUnknownProgram))
	}
	op := "draw " + p.label
	buf, ok := d.buffers[call.VertexBuffer]
	if !ok {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
			fmt.Errorf("buffer %d: %w", call.VertexBuffer, gpucore.ErrUnknownBuffer))
	}
	if uint64(call.VertexCount)*gpucore.QuadVertexStride > buf.size {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
			fmt.Errorf("%d vertices exceed the %d byte buffer", call.VertexCount, buf.size))
	}

	pipeline, err := d.renderPipelineLocked(p, format)
	if err != nil {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, op, err)
	}
	enc, err := d.encoderLocked()
	if err != nil {
		return gpucore.NewRuntimeError(gpucore.CodeOutOfMemory, op, err)
	}
	b, err := d.bindLocked(op, p, call.Bindings)
	if err != nil {
		return err
	}
	if off != nil {
		off.transition(enc, gputypes.TextureUsageRenderAttachment)
	}

	pass := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: op,
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:    view,
			LoadOp:  gputypes.LoadOpClear,
			StoreOp: gputypes.StoreOpStore,
			ClearValue: gputypes.Color{
				R: call.Clear[0], G: call.Clear[1], B: call.Clear[2], A: call.Clear[3],
			},
		}},
	})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, b.group, nil)
	pass.SetVertexBuffer(0, buf.handle, 0)
	pass.Draw(call.VertexCount, 1, 0, 0)
	pass.End()

	if off != nil {
		off.transition(enc, gputypes.TextureUsageCopySrc)
		w, h := uint32(off.width), uint32(off.height)
		enc.CopyTextureToBuffer(off.tex, off.staging, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: off.pitch, RowsPerImage: h},
			TextureBase:  hal.ImageCopyTexture{Texture: off.tex, MipLevel: 0},
			Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		}})
		off.ready = false
		d.readbacks = append(d.readbacks, off)
	}
	d.draws++
	return nil
}

func (t *Offscreen) transition(enc hal.CommandEncoder, usage gputypes.TextureUsage) {
	if t.usage == usage {
		return
	}
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: t.tex,
		Usage:   hal.TextureUsageTransition{OldUsage: t.usage, NewUsage: usage},
	}})
	t.usage = usage
}
