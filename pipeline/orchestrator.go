package pipeline

import (
	"errors"
	"fmt"

	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
	"github.com/gogpu/kernelview/resource"
)

// Errors returned by the orchestrator lifecycle.
var (
	// ErrInitDone is returned when RunInit is called a second time.
	ErrInitDone = errors.New("pipeline: init already ran")
)

// Library resolves the kernel sources and fill generators a Description
// names.
type Library interface {
	// Source returns the WGSL source called name.
	Source(name string) (string, error)

	// Fill returns the initial contents of layer 0 of an image, tightly
	// packed in the image format.
	Fill(name string, desc gpucore.ImageDesc) ([]byte, error)
}

// Orchestrator owns the images, programs and vertex buffer of a pipeline
// and runs its plan.
//
// Orchestrator is not safe for concurrent use: one goroutine records every
// command.
type Orchestrator struct {
	desc     *Description
	device   gpucore.Device
	compiler kernel.Compiler
	lib      Library

	manager  *resource.Manager
	images   map[string]*resource.Image
	fields   map[string]*resource.Field
	programs map[string]*kernel.Program
	order    []*kernel.Program

	display  source
	drawSlot uint32
	quad     gpucore.BufferID
	plan     Plan

	initDone bool
	torn     bool
	steps    uint64
	frames   uint64
}

// Build allocates every resource desc declares, links its programs and
// validates the resulting plan. On failure everything created so far is
// released and the error is returned; compile and link failures keep their
// *gpucore.CompileError / *gpucore.LinkError type.
func Build(device gpucore.Device, compiler kernel.Compiler, desc *Description, lib Library) (*Orchestrator, error) {
	if device == nil || desc == nil || lib == nil {
		return nil, fmt.Errorf("pipeline: build needs a device, a description and a library")
	}
	if compiler == nil {
		compiler = kernel.NagaCompiler{}
	}
	o := &Orchestrator{
		desc:     desc,
		device:   device,
		compiler: compiler,
		lib:      lib,
		manager:  resource.NewManager(device),
		images:   make(map[string]*resource.Image),
		fields:   make(map[string]*resource.Field),
		programs: make(map[string]*kernel.Program),
	}
	if err := o.build(); err != nil {
		o.release()
		return nil, err
	}
	slogger().Info("pipeline built", "name", desc.Name, "device", device.Name(),
		"size", fmt.Sprintf("%dx%d", desc.Width, desc.Height),
		"images", o.manager.Live(), "programs", len(o.order))
	slogger().Debug("pipeline plan", "plan", o.plan.String())
	return o, nil
}

func (o *Orchestrator) build() error {
	if err := o.allocate(); err != nil {
		return err
	}

	var err error
	if o.plan.Init, err = o.dispatchStages("init", &o.desc.Init); err != nil {
		return err
	}
	if o.desc.Step != nil {
		if o.plan.Step, err = o.dispatchStages("step", o.desc.Step); err != nil {
			return err
		}
	}
	if o.plan.Draw, err = o.drawStages(); err != nil {
		return err
	}
	return o.plan.Validate()
}

func (o *Orchestrator) allocate() error {
	for _, spec := range o.desc.Images {
		format, err := gpucore.ParseImageFormat(spec.Format)
		if err != nil {
			return err
		}
		img, err := o.manager.Allocate(gpucore.ImageDesc{
			Label:  spec.Name,
			Width:  o.desc.Width,
			Height: o.desc.Height,
			Layers: spec.Layers,
			Format: format,
			Slot:   spec.Slot,
		})
		if err != nil {
			return err
		}
		o.images[spec.Name] = img

		if spec.Fill != "" {
			data, err := o.lib.Fill(spec.Fill, img.Desc())
			if err != nil {
				return fmt.Errorf("pipeline: fill %q with %q: %w", spec.Name, spec.Fill, err)
			}
			if err := o.manager.Write(img, 0, data); err != nil {
				return fmt.Errorf("pipeline: fill %q: %w", spec.Name, err)
			}
		}
	}

	for _, spec := range o.desc.Fields {
		f, err := resource.NewField(spec.Name, o.images[spec.In], o.images[spec.Out])
		if err != nil {
			return err
		}
		o.fields[spec.Name] = f
	}

	src, err := o.named(o.desc.Draw.Image)
	if err != nil {
		return err
	}
	o.display = src
	return nil
}

// named resolves an image name, or a field name to the field's In role.
func (o *Orchestrator) named(name string) (source, error) {
	if img, ok := o.images[name]; ok {
		return imageSource(img), nil
	}
	if f, ok := o.fields[name]; ok {
		return fieldSource(f, f.InSlot()), nil
	}
	return source{}, fmt.Errorf("%w: unknown image %q", ErrInvalidDescription, name)
}

// atSlot resolves the image bound at slot: a field role first, then the
// image allocated at that slot.
func (o *Orchestrator) atSlot(slot uint32) (source, bool) {
	for _, f := range o.fields {
		if f.InSlot() == slot || f.OutSlot() == slot {
			return fieldSource(f, slot), true
		}
	}
	if img, ok := o.manager.Lookup(slot); ok {
		return imageSource(img), true
	}
	return source{}, false
}

func (o *Orchestrator) compile(label, src string, kind gpucore.StageKind) (*kernel.Stage, error) {
	return kernel.CompileStage(o.compiler, label, src, kind)
}

func (o *Orchestrator) computeProgram(label string) (*kernel.Program, error) {
	if p, ok := o.programs[label]; ok {
		return p, nil
	}
	src, err := o.lib.Source(label)
	if err != nil {
		return nil, fmt.Errorf("pipeline: kernel %q: %w", label, err)
	}
	st, err := o.compile(label, src, gpucore.StageCompute)
	if err != nil {
		return nil, err
	}
	p, err := kernel.Link(o.device, label, st)
	if err != nil {
		return nil, err
	}
	o.programs[label] = p
	o.order = append(o.order, p)
	return p, nil
}

func (o *Orchestrator) dispatchStages(name string, spec *DispatchSpec) ([]Stage, error) {
	p, err := o.computeProgram(spec.Kernel)
	if err != nil {
		return nil, err
	}

	extent := o.display
	if spec.Extent != "" {
		if extent, err = o.named(spec.Extent); err != nil {
			return nil, err
		}
	}

	dispatch := Stage{Kind: StageDispatch, Label: spec.Kernel, Program: p, extent: extent}
	for _, b := range p.Bindings() {
		if b.Kind == gpucore.BindingSampler {
			continue
		}
		src, ok := o.atSlot(b.Slot)
		if !ok {
			return nil, fmt.Errorf("%w: %s kernel %q binding %d (%s) has no image at that slot",
				ErrInvalidDescription, name, spec.Kernel, b.Slot, b.Name)
		}
		access := b.Access
		if b.Kind == gpucore.BindingSampledImage {
			access = gpucore.AccessRead
		}
		dispatch.bindings = append(dispatch.bindings, binding{slot: b.Slot, src: src, access: access})
	}

	stages := []Stage{dispatch}
	if spec.BarrierAfter() {
		stages = append(stages, Stage{Kind: StageBarrier})
	}
	for _, f := range spec.Swap {
		stages = append(stages, Stage{Kind: StageSwap, field: o.fields[f]})
	}
	return stages, nil
}

func (o *Orchestrator) drawStages() ([]Stage, error) {
	name := o.desc.Draw.Program
	src, err := o.lib.Source(name)
	if err != nil {
		return nil, fmt.Errorf("pipeline: draw program %q: %w", name, err)
	}
	vs, err := o.compile(name+"_vs", src, gpucore.StageVertex)
	if err != nil {
		return nil, err
	}
	fs, err := o.compile(name+"_fs", src, gpucore.StageFragment)
	if err != nil {
		return nil, err
	}
	p, err := kernel.Link(o.device, name, vs, fs)
	if err != nil {
		return nil, err
	}
	o.programs[name] = p
	o.order = append(o.order, p)

	param, err := p.ResolveParameter(o.desc.Draw.Parameter)
	if err != nil {
		return nil, err
	}
	if param.Kind != gpucore.BindingSampledImage {
		return nil, fmt.Errorf("pipeline: draw parameter %q is a %s binding, want a sampled image",
			param.Name, param.Kind)
	}
	o.drawSlot = param.Slot

	// Every image binding of the draw program must be the display parameter.
	for _, b := range p.Bindings() {
		if b.Kind != gpucore.BindingSampler && b.Slot != param.Slot {
			return nil, fmt.Errorf("%w: draw program %q binds a second image %q at %d",
				ErrInvalidDescription, name, b.Name, b.Slot)
		}
	}

	o.quad, err = o.device.CreateVertexBuffer("quad", gpucore.QuadVertices[:])
	if err != nil {
		return nil, fmt.Errorf("pipeline: create quad vertex buffer: %w", err)
	}

	return []Stage{{
		Kind:     StageDraw,
		Label:    name,
		Program:  p,
		bindings: []binding{{slot: param.Slot, src: o.display, access: gpucore.AccessRead}},
	}}, nil
}

// RunInit runs the init sequence. It must be called exactly once, before the
// first Step or Draw.
func (o *Orchestrator) RunInit() error {
	if err := o.usable(); err != nil {
		return err
	}
	if o.initDone {
		return ErrInitDone
	}
	if err := o.run(o.plan.Init, nil); err != nil {
		return err
	}
	if err := o.device.Flush(); err != nil {
		return err
	}
	o.initDone = true
	slogger().Info("init stage complete", "kernel", o.desc.Init.Kernel)
	return nil
}

// Step runs the step sequence once. Without a step kernel it does nothing.
func (o *Orchestrator) Step() error {
	if err := o.ready(); err != nil {
		return err
	}
	if len(o.plan.Step) == 0 {
		slogger().Debug("no step kernel, step ignored")
		return nil
	}
	if err := o.run(o.plan.Step, nil); err != nil {
		return err
	}
	o.steps++
	return nil
}

// Draw clears target, draws the display image on the full-screen quad and
// submits the frame.
func (o *Orchestrator) Draw(target gpucore.Target) error {
	if err := o.ready(); err != nil {
		return err
	}
	if err := o.run(o.plan.Draw, target); err != nil {
		return err
	}
	if err := o.device.Flush(); err != nil {
		return err
	}
	o.frames++
	return nil
}

func (o *Orchestrator) run(stages []Stage, target gpucore.Target) error {
	for i := range stages {
		st := &stages[i]
		var err error
		switch st.Kind {
		case StageDispatch:
			img := st.extent.resolve()
			grid := st.Program.Grid(img.Width(), img.Height())
			slogger().Debug("dispatch", "kernel", st.Label, "grid", grid.String())
			err = o.device.Dispatch(st.Program.ID(), o.imageBindings(st), grid)
		case StageBarrier:
			slogger().Debug("barrier")
			err = o.device.Barrier()
		case StageSwap:
			st.field.Swap()
		case StageDraw:
			err = o.device.Draw(target, &gpucore.DrawCall{
				Program:      st.Program.ID(),
				VertexBuffer: o.quad,
				VertexCount:  gpucore.QuadVertexCount,
				Bindings:     o.imageBindings(st),
				Clear:        o.desc.ClearColor(),
			})
		}
		if err != nil {
			return asRuntimeError(st.String(), err)
		}
	}
	return nil
}

func (o *Orchestrator) imageBindings(st *Stage) []gpucore.ImageBinding {
	out := make([]gpucore.ImageBinding, len(st.bindings))
	for i, b := range st.bindings {
		out[i] = gpucore.ImageBinding{Slot: b.slot, Image: b.src.resolve().ID()}
	}
	return out
}

// asRuntimeError keeps device runtime errors as they are and classifies any
// other failure as an invalid operation located at the caller.
func asRuntimeError(op string, err error) error {
	var rt *gpucore.RuntimeDispatchError
	if errors.As(err, &rt) {
		return err
	}
	return gpucore.NewRuntimeErrorAt(1, gpucore.CodeInvalidOperation, op, err)
}

func (o *Orchestrator) usable() error {
	if o.torn {
		return gpucore.ErrTornDown
	}
	return nil
}

func (o *Orchestrator) ready() error {
	if err := o.usable(); err != nil {
		return err
	}
	if !o.initDone {
		return gpucore.ErrNotInitialized
	}
	return nil
}

// Teardown releases every image, destroys every program and the vertex
// buffer, each exactly once. A second call returns gpucore.ErrTornDown.
func (o *Orchestrator) Teardown() error {
	if o.torn {
		return gpucore.ErrTornDown
	}
	n, progs := o.release()
	slogger().Info("pipeline torn down", "images", n, "programs", progs, "steps", o.steps, "frames", o.frames)
	return nil
}

func (o *Orchestrator) release() (images, programs int) {
	o.torn = true
	for _, p := range o.order {
		if err := p.Destroy(); err != nil {
			slogger().Warn("destroy program", "program", p.Label(), "err", err)
			continue
		}
		programs++
	}
	o.order = nil
	clear(o.programs)
	if o.quad != gpucore.InvalidID {
		o.device.DestroyBuffer(o.quad)
		o.quad = gpucore.InvalidID
	}
	return o.manager.ReleaseAll(), programs
}

// Description returns the description the pipeline was built from.
func (o *Orchestrator) Description() *Description { return o.desc }

// Plan returns the validated plan.
func (o *Orchestrator) Plan() *Plan { return &o.plan }

// Manager returns the resource manager owning the pipeline images.
func (o *Orchestrator) Manager() *resource.Manager { return o.manager }

// Image returns the image called name.
func (o *Orchestrator) Image(name string) (*resource.Image, bool) {
	img, ok := o.images[name]
	return img, ok
}

// Field returns the field called name.
func (o *Orchestrator) Field(name string) (*resource.Field, bool) {
	f, ok := o.fields[name]
	return f, ok
}

// Program returns the linked program called label.
func (o *Orchestrator) Program(label string) (*kernel.Program, bool) {
	p, ok := o.programs[label]
	return p, ok
}

// Display returns the image the next draw samples.
func (o *Orchestrator) Display() *resource.Image { return o.display.resolve() }

// ReadDisplay downloads layer 0 of the display image.
func (o *Orchestrator) ReadDisplay() ([]byte, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.manager.Read(o.Display(), 0)
}

// Steps returns the number of step sequences run.
func (o *Orchestrator) Steps() uint64 { return o.steps }

// Frames returns the number of draws submitted.
func (o *Orchestrator) Frames() uint64 { return o.frames }
