package software

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/internal/parallel"
)

// Default device limits.
const (
	DefaultMaxExtent   = 8192
	DefaultMemoryLimit = 1 << 30
)

var (
	errExtent = errors.New("software: extent exceeds device limit")
	errMemory = errors.New("software: out of device memory")
)

// Option configures a Device.
type Option func(*Device)

// WithWorkers sets the number of worker goroutines. Zero means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(d *Device) { d.workers = n }
}

// WithMaxExtent sets the largest image width or height the device accepts.
func WithMaxExtent(n int) Option {
	return func(d *Device) { d.maxExtent = n }
}

// WithMemoryLimit sets the total bytes of image storage the device accepts.
func WithMemoryLimit(bytes int64) Option {
	return func(d *Device) { d.memLimit = bytes }
}

type module struct {
	desc     gpucore.ShaderModuleDesc
	kernel   KernelFunc
	fragment FragmentFunc
}

type program struct {
	label     string
	compute   bool
	kernel    KernelFunc
	fragment  FragmentFunc
	workgroup gpucore.WorkgroupSize
	bindings  []gpucore.Binding
	blend     bool
}

// Device is a gpucore.Device that runs kernels on the CPU.
//
// Work-groups of a dispatch run in parallel on a worker pool. The device
// tracks images written since the last barrier and faults any command that
// touches one of them, so a protocol that is missing a barrier fails here
// the same way it would corrupt data on real hardware.
type Device struct {
	mu        sync.Mutex
	pool      *parallel.WorkerPool
	workers   int
	maxExtent int
	memLimit  int64
	memUsed   int64

	nextID   uint64
	images   map[gpucore.ImageID]*texture
	modules  map[gpucore.ShaderModuleID]*module
	programs map[gpucore.ProgramID]*program
	buffers  map[gpucore.BufferID][]float32
	dirty    map[gpucore.ImageID]bool

	dispatches uint64
	barriers   uint64
	draws      uint64
	destroyed  bool
}

// New creates a software device.
func New(opts ...Option) *Device {
	d := &Device{
		maxExtent: DefaultMaxExtent,
		memLimit:  DefaultMemoryLimit,
		images:    make(map[gpucore.ImageID]*texture),
		modules:   make(map[gpucore.ShaderModuleID]*module),
		programs:  make(map[gpucore.ProgramID]*program),
		buffers:   make(map[gpucore.BufferID][]float32),
		dirty:     make(map[gpucore.ImageID]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = parallel.NewWorkerPool(d.workers)
	return d
}

// Name returns "software".
func (d *Device) Name() string { return "software" }

func (d *Device) newID() uint64 {
	d.nextID++
	return d.nextID
}

// CreateImage allocates zeroed storage for an image.
func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.InvalidID, gpucore.ErrTornDown
	}
	if desc.Width > d.maxExtent || desc.Height > d.maxExtent {
		return gpucore.InvalidID, fmt.Errorf("%w: %dx%d > %d", errExtent, desc.Width, desc.Height, d.maxExtent)
	}
	size := int64(desc.LayerSize()) * int64(desc.LayerCount())
	if d.memUsed+size > d.memLimit {
		return gpucore.InvalidID, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			errMemory, size, d.memUsed, d.memLimit)
	}
	d.memUsed += size

	id := gpucore.ImageID(d.newID())
	d.images[id] = newTexture(desc)
	return id, nil
}

// DestroyImage releases an image. Unknown IDs are ignored.
func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.images[id]; ok {
		d.memUsed -= int64(t.desc.LayerSize()) * int64(t.desc.Layers)
		delete(d.images, id)
		delete(d.dirty, id)
	}
}

// WriteImage uploads one layer. A write is ordered after every command
// recorded before it.
func (d *Device) WriteImage(id gpucore.ImageID, layer int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.imageLocked(id, layer)
	if err != nil {
		return err
	}
	return t.decode(layer, data)
}

// ReadImage downloads one layer.
func (d *Device) ReadImage(id gpucore.ImageID, layer int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.imageLocked(id, layer)
	if err != nil {
		return nil, err
	}
	return t.encode(layer), nil
}

func (d *Device) imageLocked(id gpucore.ImageID, layer int) (*texture, error) {
	if d.destroyed {
		return nil, gpucore.ErrTornDown
	}
	t, ok := d.images[id]
	if !ok {
		return nil, fmt.Errorf("software: image %d: %w", id, gpucore.ErrUnknownImage)
	}
	if layer < 0 || layer >= t.desc.Layers {
		return nil, fmt.Errorf("software: image %q has no layer %d", t.desc.Label, layer)
	}
	return t, nil
}

// CreateShaderModule binds a compiled stage to its CPU implementation,
// found by the stage label. Vertex stages need no implementation: the
// device only runs pass-through vertex stages over the quad layout.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	m := &module{desc: *desc}
	switch desc.Kind {
	case gpucore.StageCompute:
		fn, ok := lookupKernel(desc.Label)
		if !ok {
			return gpucore.InvalidID, fmt.Errorf("software: no CPU kernel registered for %q", desc.Label)
		}
		m.kernel = fn
	case gpucore.StageFragment:
		fn, ok := lookupFragment(desc.Label)
		if !ok {
			return gpucore.InvalidID, fmt.Errorf("software: no CPU fragment registered for %q", desc.Label)
		}
		m.fragment = fn
	case gpucore.StageVertex:
	default:
		return gpucore.InvalidID, fmt.Errorf("software: module %q: unsupported stage %s", desc.Label, desc.Kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return gpucore.InvalidID, gpucore.ErrTornDown
	}
	id := gpucore.ShaderModuleID(d.newID())
	d.modules[id] = m
	return id, nil
}

// DestroyShaderModule releases a module. Programs created from it keep
// working.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modules, id)
}

// CreateComputeProgram creates a compute program from a compute module.
func (d *Device) CreateComputeProgram(desc *gpucore.ComputeProgramDesc) (gpucore.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.moduleLocked(desc.Module, gpucore.StageCompute)
	if err != nil {
		return gpucore.InvalidID, err
	}
	if desc.Workgroup.Invocations() == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: program %q: empty workgroup %v", desc.Label, desc.Workgroup)
	}
	id := gpucore.ProgramID(d.newID())
	d.programs[id] = &program{
		label:     desc.Label,
		compute:   true,
		kernel:    m.kernel,
		workgroup: desc.Workgroup,
		bindings:  desc.Bindings,
	}
	return id, nil
}

// CreateRenderProgram creates a draw program from a vertex and a fragment
// module.
func (d *Device) CreateRenderProgram(desc *gpucore.RenderProgramDesc) (gpucore.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.moduleLocked(desc.Vertex, gpucore.StageVertex); err != nil {
		return gpucore.InvalidID, err
	}
	fm, err := d.moduleLocked(desc.Fragment, gpucore.StageFragment)
	if err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.ProgramID(d.newID())
	d.programs[id] = &program{
		label:    desc.Label,
		fragment: fm.fragment,
		bindings: desc.Bindings,
		blend:    desc.Blend,
	}
	return id, nil
}

func (d *Device) moduleLocked(id gpucore.ShaderModuleID, kind gpucore.StageKind) (*module, error) {
	if d.destroyed {
		return nil, gpucore.ErrTornDown
	}
	m, ok := d.modules[id]
	if !ok {
		return nil, fmt.Errorf("software: unknown shader module %d", id)
	}
	if m.desc.Kind != kind {
		return nil, fmt.Errorf("software: module %q is a %s stage, want %s", m.desc.Label, m.desc.Kind, kind)
	}
	return m, nil
}

// DestroyProgram releases a program.
func (d *Device) DestroyProgram(id gpucore.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.programs, id)
}

// CreateVertexBuffer stores a copy of vertices.
func (d *Device) CreateVertexBuffer(label string, vertices []float32) (gpucore.BufferID, error) {
	if len(vertices)%gpucore.QuadFloatsPerVertex != 0 {
		return gpucore.InvalidID, fmt.Errorf("software: vertex buffer %q: %d floats is not a whole number of vertices",
			label, len(vertices))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return gpucore.InvalidID, gpucore.ErrTornDown
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = append([]float32(nil), vertices...)
	return id, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, id)
}

// bindLocked validates bindings against the program and builds the kernel
// view of them. It reports hazards against images written since the last
// barrier.
func (d *Device) bindLocked(op string, p *program, bindings []gpucore.ImageBinding) (*Bindings, []gpucore.ImageID, error) {
	declared := make(map[uint32]gpucore.Binding, len(p.bindings))
	for _, b := range p.bindings {
		declared[b.Slot] = b
	}

	type use struct {
		slot   uint32
		writes bool
	}
	out := &Bindings{images: make(map[uint32]*Texture, len(bindings))}
	uses := make(map[gpucore.ImageID]use, len(bindings))
	var written []gpucore.ImageID

	for _, ib := range bindings {
		b, ok := declared[ib.Slot]
		if !ok {
			return nil, nil, gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
				fmt.Errorf("program %q declares no binding %d", p.label, ib.Slot))
		}
		if _, dup := out.images[ib.Slot]; dup {
			return nil, nil, gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
				fmt.Errorf("slot %d bound twice", ib.Slot))
		}
		t, ok := d.images[ib.Image]
		if !ok {
			return nil, nil, gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
				fmt.Errorf("slot %d: image %d: %w", ib.Slot, ib.Image, gpucore.ErrUnknownImage))
		}
		if err := b.Accepts(&t.desc); err != nil {
			return nil, nil, gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, op, err)
		}
		if d.dirty[ib.Image] {
			return nil, nil, gpucore.NewRuntimeError(gpucore.CodeHazard, op,
				fmt.Errorf("image %q at slot %d was written since the last barrier", t.desc.Label, ib.Slot))
		}

		access := b.Access
		if b.Kind == gpucore.BindingSampledImage {
			access = gpucore.AccessRead
		}
		if prev, dup := uses[ib.Image]; dup && (prev.writes || access.Writes()) {
			return nil, nil, gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, op,
				fmt.Errorf("image %q bound at slots %d and %d with write access", t.desc.Label, prev.slot, ib.Slot))
		}
		uses[ib.Image] = use{slot: ib.Slot, writes: access.Writes()}
		if access.Writes() {
			written = append(written, ib.Image)
		}
		out.images[ib.Slot] = &Texture{tex: t, slot: ib.Slot, access: access}
	}

	for _, b := range p.bindings {
		if b.Kind == gpucore.BindingSampler {
			continue
		}
		if _, ok := out.images[b.Slot]; !ok {
			return nil, nil, gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, op,
				fmt.Errorf("program %q: binding %d (%s) has no image", p.label, b.Slot, b.Name))
		}
	}
	return out, written, nil
}

// Dispatch runs grid work-groups of a compute program.
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
	b, written, err := d.bindLocked(op, p, bindings)
	if err != nil {
		return err
	}

	if f := d.run(p, b, grid); f != nil {
		return gpucore.NewRuntimeError(f.code, op, errors.New(f.msg))
	}
	for _, img := range written {
		d.dirty[img] = true
	}
	d.dispatches++
	return nil
}

// run executes every work-group and returns the first fault raised.
func (d *Device) run(p *program, b *Bindings, grid gpucore.Grid) *fault {
	var failed atomic.Pointer[fault]
	groups := int(grid.X * grid.Y * grid.Z)
	wg := p.workgroup
	kernel := p.kernel

	d.pool.ExecuteRange(groups, func(lo, hi int) {
		defer func() {
			if r := recover(); r != nil {
				f, ok := r.(fault)
				if !ok {
					f = fault{code: gpucore.CodeInvalidOperation, msg: fmt.Sprint(r)}
				}
				failed.CompareAndSwap(nil, &f)
			}
		}()
		inv := Invocation{NumGroups: [3]uint32{grid.X, grid.Y, grid.Z}, Bindings: b}
		for g := lo; g < hi; g++ {
			if failed.Load() != nil {
				return
			}
			gid := uint32(g)
			inv.GroupID = [3]uint32{gid % grid.X, (gid / grid.X) % grid.Y, gid / (grid.X * grid.Y)}
			for lz := range wg.Z {
				for ly := range wg.Y {
					for lx := range wg.X {
						inv.LocalID = [3]uint32{lx, ly, lz}
						inv.GlobalID = [3]uint32{
							inv.GroupID[0]*wg.X + lx,
							inv.GroupID[1]*wg.Y + ly,
							inv.GroupID[2]*wg.Z + lz,
						}
						kernel(&inv)
					}
				}
			}
		}
	})
	return failed.Load()
}

// Barrier makes every recorded write visible to later commands.
func (d *Device) Barrier() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "barrier", gpucore.ErrTornDown)
	}
	clear(d.dirty)
	d.barriers++
	return nil
}

// Flush is a no-op: commands execute when recorded.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "flush", gpucore.ErrTornDown)
	}
	return nil
}

// Stats describes the live objects and recorded commands of a device.
type Stats struct {
	Images, Modules, Programs, Buffers int
	ImageBytes                         int64
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
		ImageBytes: d.memUsed,
		Dispatches: d.dispatches,
		Barriers:   d.barriers,
		Draws:      d.draws,
	}
}

// Labels returns the labels of the live images, sorted.
func (d *Device) Labels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.images))
	for _, t := range d.images {
		out = append(out, t.desc.Label)
	}
	sort.Strings(out)
	return out
}

// Destroy releases every object and stops the worker pool.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	clear(d.images)
	clear(d.modules)
	clear(d.programs)
	clear(d.buffers)
	clear(d.dirty)
	d.memUsed = 0
	d.pool.Close()
}

var _ gpucore.Device = (*Device)(nil)
