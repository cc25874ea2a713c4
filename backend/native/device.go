//go:build !nogpu

package native

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan" // register the Vulkan HAL backend

	"github.com/gogpu/kernelview/gpucore"
)

// submitTimeout bounds the fence wait of one submission.
const submitTimeout = 5 * time.Second

// copyRowAlignment is the row pitch alignment of texture to buffer copies.
const copyRowAlignment = 256

var errNoAdapter = errors.New("native: no GPU adapter found")

type nativeImage struct {
	desc  gpucore.ImageDesc
	tex   hal.Texture
	view  hal.TextureView
	usage gputypes.TextureUsage
}

type module struct {
	desc   gpucore.ShaderModuleDesc
	handle hal.ShaderModule
}

type program struct {
	label     string
	compute   bool
	workgroup gpucore.WorkgroupSize
	bindings  []gpucore.Binding

	layout     hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
	sampler    hal.Sampler

	// Render pipelines depend on the target format and are created on
	// first use per format.
	render    *gpucore.RenderProgramDesc
	pipelines map[gputypes.TextureFormat]hal.RenderPipeline
}

type buffer struct {
	handle hal.Buffer
	size   uint64
}

// Device is a gpucore.Device backed by a wgpu HAL device.
//
// Commands are recorded into one command encoder that Flush submits. The
// device tracks images written since the last barrier exactly like the
// software device, so both fault the same protocol violations; Barrier
// additionally records the texture transitions the hardware needs.
type Device struct {
	mu       sync.Mutex
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool
	limits   gputypes.Limits
	adapter  string

	nextID   uint64
	images   map[gpucore.ImageID]*nativeImage
	modules  map[gpucore.ShaderModuleID]*module
	programs map[gpucore.ProgramID]*program
	buffers  map[gpucore.BufferID]*buffer
	dirty    map[gpucore.ImageID]bool

	encoder   hal.CommandEncoder
	transient []hal.BindGroup
	readbacks []*Offscreen

	dispatches uint64
	barriers   uint64
	draws      uint64
	destroyed  bool
}

// Open creates a Vulkan instance and opens a device on the first discrete
// or integrated adapter, falling back to the first adapter found.
func Open() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, errors.New("native: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}

	d := newDevice(openDev.Device, openDev.Queue, false)
	d.instance = instance
	d.limits = limits
	d.adapter = selected.Info.Name
	slogger().Info("device opened", "adapter", d.adapter, "type", selected.Info.DeviceType)
	return d, nil
}

// NewDevice wraps a device and queue owned by the caller. Destroy releases
// the resources created through the returned Device but not the device.
func NewDevice(device hal.Device, queue hal.Queue) *Device {
	return newDevice(device, queue, true)
}

// FromProvider wraps the shared device of a provider exposing
// HalDevice() any and HalQueue() any, such as a gogpu window.
func FromProvider(provider any) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, errors.New("native: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, errors.New("native: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, errors.New("native: provider HalQueue is not hal.Queue")
	}
	return NewDevice(device, queue), nil
}

func newDevice(device hal.Device, queue hal.Queue, external bool) *Device {
	return &Device{
		device:   device,
		queue:    queue,
		external: external,
		limits:   gputypes.DefaultLimits(),
		images:   make(map[gpucore.ImageID]*nativeImage),
		modules:  make(map[gpucore.ShaderModuleID]*module),
		programs: make(map[gpucore.ProgramID]*program),
		buffers:  make(map[gpucore.BufferID]*buffer),
		dirty:    make(map[gpucore.ImageID]bool),
	}
}

// Name returns "native" followed by the adapter name when known.
func (d *Device) Name() string {
	if d.adapter == "" {
		return "native"
	}
	return "native (" + d.adapter + ")"
}

func (d *Device) newID() uint64 {
	d.nextID++
	return d.nextID
}

// === Images ===

// CreateImage allocates a 2D or 2D-array texture and a view over all of
// its layers.
func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.InvalidID, gpucore.ErrTornDown
	}
	format, err := textureFormat(desc.Format)
	if err != nil {
		return gpucore.InvalidID, err
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return gpucore.InvalidID, fmt.Errorf("native: invalid extent %dx%d", desc.Width, desc.Height)
	}
	if maxDim := d.limits.MaxTextureDimension2D; maxDim > 0 &&
		(uint32(desc.Width) > maxDim || uint32(desc.Height) > maxDim) {
		return gpucore.InvalidID, fmt.Errorf("native: extent %dx%d exceeds device limit %d",
			desc.Width, desc.Height, maxDim)
	}

	layers := uint32(desc.LayerCount())
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: uint32(desc.Width), Height: uint32(desc.Height), DepthOrArrayLayers: layers},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage: gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding |
			gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create texture: %w", err)
	}

	viewDim := gputypes.TextureViewDimension2D
	if desc.IsArray() {
		viewDim = gputypes.TextureViewDimension2DArray
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           desc.Label + "_view",
		Format:          format,
		Dimension:       viewDim,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: layers,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return gpucore.InvalidID, fmt.Errorf("native: create texture view: %w", err)
	}

	id := gpucore.ImageID(d.newID())
	d.images[id] = &nativeImage{desc: *desc, tex: tex, view: view}
	return id, nil
}

// DestroyImage releases an image. Pending commands are submitted first.
func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	img, ok := d.images[id]
	if !ok {
		return
	}
	if err := d.flushLocked(); err != nil {
		slogger().Warn("flush before destroy failed", "image", img.desc.Label, "err", err)
	}
	delete(d.images, id)
	delete(d.dirty, id)
	d.device.DestroyTextureView(img.view)
	d.device.DestroyTexture(img.tex)
}

// WriteImage uploads one layer. Recorded commands are submitted first so
// the upload lands after them.
func (d *Device) WriteImage(id gpucore.ImageID, layer int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := d.imageLocked(id, layer)
	if err != nil {
		return err
	}
	if len(data) != img.desc.LayerSize() {
		return fmt.Errorf("native: image %q layer is %d bytes, got %d", img.desc.Label, img.desc.LayerSize(), len(data))
	}
	if err := d.flushLocked(); err != nil {
		return err
	}
	d.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  img.tex,
			MipLevel: 0,
			Origin:   hal.Origin3D{Z: uint32(layer)},
		},
		data,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(img.desc.Width * img.desc.Format.BytesPerTexel()),
			RowsPerImage: uint32(img.desc.Height),
		},
		&hal.Extent3D{Width: uint32(img.desc.Width), Height: uint32(img.desc.Height), DepthOrArrayLayers: 1},
	)
	img.usage = gputypes.TextureUsageCopyDst
	return nil
}

// ReadImage downloads one layer through a staging buffer. It submits the
// recorded commands and waits for the device.
func (d *Device) ReadImage(id gpucore.ImageID, layer int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := d.imageLocked(id, layer)
	if err != nil {
		return nil, err
	}
	if err := d.flushLocked(); err != nil {
		return nil, err
	}

	w, h := uint32(img.desc.Width), uint32(img.desc.Height)
	rowBytes := w * uint32(img.desc.Format.BytesPerTexel())
	pitch := alignRow(rowBytes)
	size := uint64(pitch) * uint64(h)

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: img.desc.Label + "_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	enc, err := d.encoderLocked()
	if err != nil {
		return nil, err
	}
	prev := img.usage
	d.transitionLocked(img, gputypes.TextureUsageCopySrc)
	enc.CopyTextureToBuffer(img.tex, staging, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: pitch, RowsPerImage: h},
		TextureBase:  hal.ImageCopyTexture{Texture: img.tex, MipLevel: 0, Origin: hal.Origin3D{Z: uint32(layer)}},
		Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	}})
	if prev != 0 {
		d.transitionLocked(img, prev)
	}
	if err := d.flushLocked(); err != nil {
		return nil, err
	}

	padded := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, padded); err != nil {
		return nil, gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, "read "+img.desc.Label, err)
	}
	return stripPadding(padded, rowBytes, pitch, h), nil
}

func (d *Device) imageLocked(id gpucore.ImageID, layer int) (*nativeImage, error) {
	if d.destroyed {
		return nil, gpucore.ErrTornDown
	}
	img, ok := d.images[id]
	if !ok {
		return nil, fmt.Errorf("image %d: %w", id, gpucore.ErrUnknownImage)
	}
	if layer < 0 || layer >= img.desc.LayerCount() {
		return nil, fmt.Errorf("native: image %q has no layer %d", img.desc.Label, layer)
	}
	return img, nil
}

// === Shaders and programs ===

// CreateShaderModule creates a module from SPIR-V when the compiler
// produced it, and from WGSL otherwise.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.InvalidID, gpucore.ErrTornDown
	}
	source := hal.ShaderSource{WGSL: desc.Source}
	if len(desc.SPIRV) > 0 {
		source = hal.ShaderSource{SPIRV: desc.SPIRV}
	}
	handle, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: source,
	})
	if err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.ShaderModuleID(d.newID())
	d.modules[id] = &module{desc: *desc, handle: handle}
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.modules[id]; ok {
		delete(d.modules, id)
		d.device.DestroyShaderModule(m.handle)
	}
}

func (d *Device) moduleLocked(id gpucore.ShaderModuleID, kind gpucore.StageKind) (*module, error) {
	m, ok := d.modules[id]
	if !ok {
		return nil, fmt.Errorf("native: unknown shader module %d", id)
	}
	if m.desc.Kind != kind {
		return nil, fmt.Errorf("native: module %q is a %s stage, want %s", m.desc.Label, m.desc.Kind, kind)
	}
	return m, nil
}

// CreateComputeProgram creates the bind group layout, pipeline layout and
// compute pipeline of a kernel.
func (d *Device) CreateComputeProgram(desc *gpucore.ComputeProgramDesc) (gpucore.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.InvalidID, gpucore.ErrTornDown
	}
	m, err := d.moduleLocked(desc.Module, gpucore.StageCompute)
	if err != nil {
		return gpucore.InvalidID, err
	}
	p := &program{label: desc.Label, compute: true, workgroup: desc.Workgroup, bindings: desc.Bindings}
	if err := d.createLayoutsLocked(p); err != nil {
		return gpucore.InvalidID, err
	}
	p.pipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  p.pipeLayout,
		Compute: hal.ComputeState{Module: m.handle, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		d.destroyProgramLocked(p)
		return gpucore.InvalidID, fmt.Errorf("create compute pipeline: %w", err)
	}

	id := gpucore.ProgramID(d.newID())
	d.programs[id] = p
	return id, nil
}

// CreateRenderProgram validates the stages and creates the layouts of a
// draw program. Pipelines are created per target format on first draw.
func (d *Device) CreateRenderProgram(desc *gpucore.RenderProgramDesc) (gpucore.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.InvalidID, gpucore.ErrTornDown
	}
	if _, err := d.moduleLocked(desc.Vertex, gpucore.StageVertex); err != nil {
		return gpucore.InvalidID, err
	}
	if _, err := d.moduleLocked(desc.Fragment, gpucore.StageFragment); err != nil {
		return gpucore.InvalidID, err
	}
	rd := *desc
	p := &program{
		label:     desc.Label,
		bindings:  desc.Bindings,
		render:    &rd,
		pipelines: make(map[gputypes.TextureFormat]hal.RenderPipeline),
	}
	if err := d.createLayoutsLocked(p); err != nil {
		return gpucore.InvalidID, err
	}
	// Creating the pipeline for the offscreen format now reports link
	// failures at link time rather than on the first frame.
	if _, err := d.renderPipelineLocked(p, offscreenFormat); err != nil {
		d.destroyProgramLocked(p)
		return gpucore.InvalidID, err
	}

	id := gpucore.ProgramID(d.newID())
	d.programs[id] = p
	return id, nil
}

func (d *Device) createLayoutsLocked(p *program) error {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(p.bindings))
	for i := range p.bindings {
		entry, err := layoutEntry(&p.bindings[i])
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		if p.bindings[i].Kind == gpucore.BindingSampler && p.sampler == nil {
			s, err := d.device.CreateSampler(&hal.SamplerDescriptor{
				Label:        p.label + "_sampler",
				AddressModeU: gputypes.AddressModeClampToEdge,
				AddressModeV: gputypes.AddressModeClampToEdge,
				AddressModeW: gputypes.AddressModeClampToEdge,
				MagFilter:    gputypes.FilterModeNearest,
				MinFilter:    gputypes.FilterModeNearest,
				MipmapFilter: gputypes.FilterModeNearest,
			})
			if err != nil {
				return fmt.Errorf("create sampler: %w", err)
			}
			p.sampler = s
		}
	}

	var err error
	p.layout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   p.label + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		d.destroyProgramLocked(p)
		return fmt.Errorf("create bind group layout: %w", err)
	}
	p.pipeLayout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.label + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.layout},
	})
	if err != nil {
		d.destroyProgramLocked(p)
		return fmt.Errorf("create pipeline layout: %w", err)
	}
	return nil
}

func (d *Device) renderPipelineLocked(p *program, format gputypes.TextureFormat) (hal.RenderPipeline, error) {
	if rp, ok := p.pipelines[format]; ok {
		return rp, nil
	}
	vs, err := d.moduleLocked(p.render.Vertex, gpucore.StageVertex)
	if err != nil {
		return nil, err
	}
	fs, err := d.moduleLocked(p.render.Fragment, gpucore.StageFragment)
	if err != nil {
		return nil, err
	}

	target := gputypes.ColorTargetState{Format: format, WriteMask: gputypes.ColorWriteMaskAll}
	if p.render.Blend {
		blend := alphaBlend()
		target.Blend = &blend
	}
	rp, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  fmt.Sprintf("%s_%d", p.label, format),
		Layout: p.pipeLayout,
		Vertex: hal.VertexState{
			Module:     vs.handle,
			EntryPoint: p.render.VertexEntry,
			Buffers: []gputypes.VertexBufferLayout{{
				ArrayStride: gpucore.QuadVertexStride,
				StepMode:    gputypes.VertexStepModeVertex,
				Attributes: []gputypes.VertexAttribute{
					{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
					{Format: gputypes.VertexFormatFloat32x2, Offset: 8, ShaderLocation: 1},
				},
			}},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
		Fragment: &hal.FragmentState{
			Module:     fs.handle,
			EntryPoint: p.render.FragmentEntry,
			Targets:    []gputypes.ColorTargetState{target},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create render pipeline: %w", err)
	}
	p.pipelines[format] = rp
	return rp, nil
}

// DestroyProgram releases a program of either kind.
func (d *Device) DestroyProgram(id gpucore.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.programs[id]; ok {
		if err := d.flushLocked(); err != nil {
			slogger().Warn("flush before destroy failed", "program", p.label, "err", err)
		}
		delete(d.programs, id)
		d.destroyProgramLocked(p)
	}
}

func (d *Device) destroyProgramLocked(p *program) {
	for _, rp := range p.pipelines {
		d.device.DestroyRenderPipeline(rp)
	}
	clear(p.pipelines)
	if p.pipeline != nil {
		d.device.DestroyComputePipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.pipeLayout != nil {
		d.device.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	if p.layout != nil {
		d.device.DestroyBindGroupLayout(p.layout)
		p.layout = nil
	}
	if p.sampler != nil {
		d.device.DestroySampler(p.sampler)
		p.sampler = nil
	}
}

// === Buffers ===

// CreateVertexBuffer uploads vertices into a vertex buffer.
func (d *Device) CreateVertexBuffer(label string, vertices []float32) (gpucore.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.InvalidID, gpucore.ErrTornDown
	}
	data := float32Bytes(vertices)
	handle, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create %s: %w", label, err)
	}
	d.queue.WriteBuffer(handle, 0, data)

	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{handle: handle, size: uint64(len(data))}
	return id, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		if err := d.flushLocked(); err != nil {
			slogger().Warn("flush before destroy failed", "buffer", id, "err", err)
		}
		delete(d.buffers, id)
		d.device.DestroyBuffer(b.handle)
	}
}

// === Commands ===

type bound struct {
	group   hal.BindGroup
	images  []*nativeImage
	written []gpucore.ImageID
}

// bindLocked validates bindings against the program, reports hazards
// against images written since the last barrier and creates the bind
// group. The group is released after the next submission.
func (d *Device) bindLocked(op string, p *program, bindings []gpucore.ImageBinding) (*bound, error) {
	declared := make(map[uint32]*gpucore.Binding, len(p.bindings))
	for i := range p.bindings {
		declared[p.bindings[i].Slot] = &p.bindings[i]
	}

	type use struct {
		slot   uint32
		writes bool
	}
	uses := make(map[gpucore.ImageID]use, len(bindings))
	slots := make(map[uint32]bool, len(bindings))
	out := &bound{}
	entries := make([]gputypes.BindGroupEntry, 0, len(p.bindings))

	for _, ib := range bindings {
		b, ok := declared[ib.Slot]
		if !ok {
			return nil, gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
				fmt.Errorf("program %q declares no binding %d", p.label, ib.Slot))
		}
		if slots[ib.Slot] {
			return nil, gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
				fmt.Errorf("slot %d bound twice", ib.Slot))
		}
		slots[ib.Slot] = true
		img, ok := d.images[ib.Image]
		if !ok {
			return nil, gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
				fmt.Errorf("slot %d: image %d: %w", ib.Slot, ib.Image, gpucore.ErrUnknownImage))
		}
		if err := b.Accepts(&img.desc); err != nil {
			return nil, gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, op, err)
		}
		if d.dirty[ib.Image] {
			return nil, gpucore.NewRuntimeError(gpucore.CodeHazard, op,
				fmt.Errorf("image %q at slot %d was written since the last barrier", img.desc.Label, ib.Slot))
		}

		access := b.Access
		if b.Kind == gpucore.BindingSampledImage {
			access = gpucore.AccessRead
		}
		if prev, dup := uses[ib.Image]; dup && (prev.writes || access.Writes()) {
			return nil, gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, op,
				fmt.Errorf("image %q bound at slots %d and %d with write access", img.desc.Label, prev.slot, ib.Slot))
		}
		uses[ib.Image] = use{slot: ib.Slot, writes: access.Writes()}
		if access.Writes() {
			out.written = append(out.written, ib.Image)
		}

		usage := gputypes.TextureUsageStorageBinding
		if b.Kind == gpucore.BindingSampledImage {
			usage = gputypes.TextureUsageTextureBinding
		}
		d.transitionLocked(img, usage)
		out.images = append(out.images, img)
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  ib.Slot,
			Resource: gputypes.TextureViewBinding{TextureView: img.view.NativeHandle()},
		})
	}

	for i := range p.bindings {
		b := &p.bindings[i]
		if b.Kind == gpucore.BindingSampler {
			entries = append(entries, gputypes.BindGroupEntry{
				Binding:  b.Slot,
				Resource: gputypes.SamplerBinding{Sampler: p.sampler.NativeHandle()},
			})
			continue
		}
		if !slots[b.Slot] {
			return nil, gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, op,
				fmt.Errorf("program %q: binding %d (%s) has no image", p.label, b.Slot, b.Name))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Binding < entries[j].Binding })

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   p.label + "_bind",
		Layout:  p.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, op, fmt.Errorf("create bind group: %w", err))
	}
	d.transient = append(d.transient, group)
	out.group = group
	return out, nil
}

// Dispatch records a compute pass running grid work-groups.
func (d *Device) Dispatch(id gpucore.ProgramID, bindings []gpucore.ImageBinding, grid gpucore.Grid) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "dispatch", gpucore.ErrTornDown)
	}
	p, ok := d.programs[id]
	if !ok || !p.compute {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, "dispatch",
			fmt.Errorf("program %d: %w", id, gpucore.ErrUnknownProgram))
	}
	op := "dispatch " + p.label
	if grid.X == 0 || grid.Y == 0 || grid.Z == 0 {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op, fmt.Errorf("empty grid %s", grid))
	}
	lim := d.limits.MaxComputeWorkgroupsPerDimension
	if lim > 0 && (grid.X > lim || grid.Y > lim || grid.Z > lim) {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
			fmt.Errorf("grid %s exceeds %d work-groups per dimension", grid, lim))
	}

	enc, err := d.encoderLocked()
	if err != nil {
		return gpucore.NewRuntimeError(gpucore.CodeOutOfMemory, op, err)
	}
	b, err := d.bindLocked(op, p, bindings)
	if err != nil {
		return err
	}

	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: p.label})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, b.group, nil)
	pass.Dispatch(grid.X, grid.Y, grid.Z)
	pass.End()

	for _, img := range b.written {
		d.dirty[img] = true
	}
	d.dispatches++
	return nil
}

// Barrier records a storage to storage transition for every image written
// since the previous barrier.
func (d *Device) Barrier() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "barrier", gpucore.ErrTornDown)
	}
	if len(d.dirty) > 0 {
		enc, err := d.encoderLocked()
		if err != nil {
			return gpucore.NewRuntimeError(gpucore.CodeOutOfMemory, "barrier", err)
		}
		barriers := make([]hal.TextureBarrier, 0, len(d.dirty))
		for id := range d.dirty {
			img := d.images[id]
			if img == nil {
				continue
			}
			barriers = append(barriers, hal.TextureBarrier{
				Texture: img.tex,
				Usage: hal.TextureUsageTransition{
					OldUsage: gputypes.TextureUsageStorageBinding,
					NewUsage: gputypes.TextureUsageStorageBinding,
				},
			})
		}
		enc.TransitionTextures(barriers)
	}
	clear(d.dirty)
	d.barriers++
	return nil
}

// transitionLocked records a barrier moving img into usage.
func (d *Device) transitionLocked(img *nativeImage, usage gputypes.TextureUsage) {
	if img.usage == usage || d.encoder == nil {
		return
	}
	d.encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: img.tex,
		Usage:   hal.TextureUsageTransition{OldUsage: img.usage, NewUsage: usage},
	}})
	img.usage = usage
}

func (d *Device) encoderLocked() (hal.CommandEncoder, error) {
	if d.encoder != nil {
		return d.encoder, nil
	}
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "kernelview"})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := enc.BeginEncoding("kernelview"); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	d.encoder = enc
	return enc, nil
}

// Flush submits recorded commands and waits for them to complete.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "flush", gpucore.ErrTornDown)
	}
	return d.flushLocked()
}

func (d *Device) flushLocked() error {
	if d.encoder == nil {
		return nil
	}
	enc := d.encoder
	d.encoder = nil
	defer d.releaseTransientLocked()

	cmd, err := enc.EndEncoding()
	if err != nil {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, "flush", fmt.Errorf("end encoding: %w", err))
	}
	defer d.device.FreeCommandBuffer(cmd)

	fence, err := d.device.CreateFence()
	if err != nil {
		return gpucore.NewRuntimeError(gpucore.CodeOutOfMemory, "flush", fmt.Errorf("create fence: %w", err))
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmd}, fence, 1); err != nil {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "flush", fmt.Errorf("submit: %w", err))
	}
	ok, err := d.device.Wait(fence, 1, submitTimeout)
	if err != nil || !ok {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "flush", fmt.Errorf("wait for GPU: ok=%v err=%w", ok, err))
	}

	for _, t := range d.readbacks {
		t.ready = true
	}
	d.readbacks = d.readbacks[:0]
	return nil
}

func (d *Device) releaseTransientLocked() {
	for _, g := range d.transient {
		d.device.DestroyBindGroup(g)
	}
	d.transient = d.transient[:0]
}

// Stats describes the live objects and recorded commands of a device.
type Stats struct {
	Images, Modules, Programs, Buffers int
	Dispatches, Barriers, Draws        uint64
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Images:     len(d.images),
		Modules:    len(d.modules),
		Programs:   len(d.programs),
		Buffers:    len(d.buffers),
		Dispatches: d.dispatches,
		Barriers:   d.barriers,
		Draws:      d.draws,
	}
}

// Destroy submits pending work and releases every object. The HAL device
// is destroyed only when the Device opened it.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	if d.encoder != nil {
		d.encoder.DiscardEncoding()
		d.encoder = nil
	}
	d.releaseTransientLocked()
	d.destroyed = true

	for id, p := range d.programs {
		d.destroyProgramLocked(p)
		delete(d.programs, id)
	}
	for id, m := range d.modules {
		d.device.DestroyShaderModule(m.handle)
		delete(d.modules, id)
	}
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.handle)
		delete(d.buffers, id)
	}
	for id, img := range d.images {
		d.device.DestroyTextureView(img.view)
		d.device.DestroyTexture(img.tex)
		delete(d.images, id)
	}
	clear(d.dirty)

	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.instance = nil
}

var _ gpucore.Device = (*Device)(nil)
