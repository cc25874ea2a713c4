package kernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gogpu/kernelview/gpucore"
)

// ErrUnknownParameter is returned by ResolveParameter for names the program
// does not declare.
var ErrUnknownParameter = errors.New("kernel: unknown parameter")

// ProgramKind distinguishes compute programs from draw programs.
type ProgramKind uint8

// Program kinds.
const (
	ProgramCompute ProgramKind = iota + 1
	ProgramRender
)

func (k ProgramKind) String() string {
	if k == ProgramCompute {
		return "compute"
	}
	return "render"
}

// Program is a linked, executable GPU program.
//
// A Program is either fully linked or was never returned: Link fails with a
// *gpucore.LinkError and releases everything it created on the way.
type Program struct {
	label     string
	kind      ProgramKind
	device    gpucore.Device
	id        gpucore.ProgramID
	modules   []gpucore.ShaderModuleID
	workgroup gpucore.WorkgroupSize
	bindings  []gpucore.Binding
	byName    map[string]gpucore.Binding
	destroyed bool
}

// Parameter is a resolved named external input of a program.
type Parameter struct {
	Name string
	Slot uint32
	Kind gpucore.BindingKind
}

// Link combines compiled stages into a program on device. Failures are
// *gpucore.LinkError located at the caller.
//
// Valid stage sets are a single compute stage, or one vertex and one
// fragment stage. Vertex stages must consume the quad layout: vec2<f32>
// position at location 0 and vec2<f32> texcoord at location 1.
func Link(device gpucore.Device, label string, stages ...*Stage) (*Program, error) {
	at := gpucore.Caller(1)
	fail := func(format string, args ...any) (*Program, error) {
		return nil, &gpucore.LinkError{Program: label, Log: fmt.Sprintf(format, args...), At: at}
	}
	if device == nil {
		return fail("no device")
	}

	byKind := make(map[gpucore.StageKind]*Stage, len(stages))
	for _, st := range stages {
		if st == nil {
			return fail("nil stage")
		}
		if prev, dup := byKind[st.Kind]; dup {
			return fail("two %s stages: %q and %q", st.Kind, prev.Label, st.Label)
		}
		byKind[st.Kind] = st
	}

	var kind ProgramKind
	switch {
	case len(stages) == 0:
		return fail("no stages")
	case byKind[gpucore.StageCompute] != nil:
		if len(stages) != 1 {
			return fail("compute stage %q cannot be linked with graphics stages", byKind[gpucore.StageCompute].Label)
		}
		kind = ProgramCompute
	case byKind[gpucore.StageVertex] == nil:
		return fail("missing vertex stage")
	case byKind[gpucore.StageFragment] == nil:
		return fail("missing fragment stage")
	default:
		kind = ProgramRender
	}

	var groupErrs []string
	for _, st := range stages {
		groupErrs = append(groupErrs, st.groupErrs...)
	}
	if len(groupErrs) > 0 {
		return fail("%s", strings.Join(dedupe(groupErrs), "\n"))
	}

	bindings, err := mergeBindings(stages)
	if err != nil {
		return fail("%v", err)
	}

	if kind == ProgramRender {
		if err := checkQuadInputs(byKind[gpucore.StageVertex]); err != nil {
			return fail("%v", err)
		}
		for _, b := range bindings {
			if b.Kind == gpucore.BindingStorageImage && b.Access.Writes() {
				return fail("draw program writes storage image %q at binding %d", b.Name, b.Slot)
			}
		}
	}

	p := &Program{
		label:    label,
		kind:     kind,
		device:   device,
		bindings: bindings,
		byName:   make(map[string]gpucore.Binding, len(bindings)),
	}
	for _, b := range bindings {
		p.byName[b.Name] = b
	}

	moduleFor := make(map[gpucore.StageKind]gpucore.ShaderModuleID, len(stages))
	for _, st := range stages {
		id, err := device.CreateShaderModule(&gpucore.ShaderModuleDesc{
			Label:  st.Label,
			Kind:   st.Kind,
			Source: st.Source,
			SPIRV:  st.SPIRV,
		})
		if err != nil {
			p.releaseModules()
			return fail("create %s module %q: %v", st.Kind, st.Label, err)
		}
		p.modules = append(p.modules, id)
		moduleFor[st.Kind] = id
	}

	switch kind {
	case ProgramCompute:
		cs := byKind[gpucore.StageCompute]
		p.workgroup = cs.Workgroup
		p.id, err = device.CreateComputeProgram(&gpucore.ComputeProgramDesc{
			Label:      label,
			Module:     moduleFor[gpucore.StageCompute],
			EntryPoint: cs.Entry,
			Workgroup:  cs.Workgroup,
			Bindings:   bindings,
		})
	case ProgramRender:
		p.id, err = device.CreateRenderProgram(&gpucore.RenderProgramDesc{
			Label:         label,
			Vertex:        moduleFor[gpucore.StageVertex],
			VertexEntry:   byKind[gpucore.StageVertex].Entry,
			Fragment:      moduleFor[gpucore.StageFragment],
			FragmentEntry: byKind[gpucore.StageFragment].Entry,
			Bindings:      bindings,
			Blend:         true,
		})
	}
	if err != nil {
		p.releaseModules()
		return fail("create %s pipeline: %v", kind, err)
	}
	return p, nil
}

func mergeBindings(stages []*Stage) ([]gpucore.Binding, error) {
	bySlot := make(map[uint32]gpucore.Binding)
	for _, st := range stages {
		for _, b := range st.Bindings {
			prev, ok := bySlot[b.Slot]
			if !ok {
				b.Stages = append([]gpucore.StageKind(nil), b.Stages...)
				bySlot[b.Slot] = b
				continue
			}
			if prev.Name != b.Name || prev.Kind != b.Kind || prev.Format != b.Format ||
				prev.Access != b.Access || prev.Array != b.Array || prev.Sample != b.Sample {
				return nil, fmt.Errorf("binding %d declared as %s %q in %q and as %s %q in %q",
					b.Slot, prev.Kind, prev.Name, stageLabels(stages, prev.Stages), b.Kind, b.Name, st.Label)
			}
			prev.Stages = append(prev.Stages, st.Kind)
			bySlot[b.Slot] = prev
		}
	}

	names := make(map[string]uint32, len(bySlot))
	out := make([]gpucore.Binding, 0, len(bySlot))
	for _, b := range bySlot {
		if slot, dup := names[b.Name]; dup {
			return nil, fmt.Errorf("name %q used for bindings %d and %d", b.Name, slot, b.Slot)
		}
		names[b.Name] = b.Slot
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func stageLabels(stages []*Stage, kinds []gpucore.StageKind) string {
	var labels []string
	for _, st := range stages {
		for _, k := range kinds {
			if st.Kind == k {
				labels = append(labels, st.Label)
			}
		}
	}
	return strings.Join(labels, ",")
}

func checkQuadInputs(vs *Stage) error {
	want := []struct {
		loc  uint32
		what string
	}{{0, "position"}, {1, "texcoord"}}
	for _, w := range want {
		found := false
		for _, in := range vs.Inputs {
			if in.Location != w.loc {
				continue
			}
			found = true
			if in.Type != "vec2<f32>" && in.Type != "vec2f" {
				return fmt.Errorf("vertex input %s at location %d is %s, want vec2<f32>", in.Name, in.Location, in.Type)
			}
		}
		if !found {
			return fmt.Errorf("vertex stage %q has no %s input at location %d", vs.Label, w.what, w.loc)
		}
	}
	if len(vs.Inputs) > len(want) {
		return fmt.Errorf("vertex stage %q declares %d inputs; the quad provides 2", vs.Label, len(vs.Inputs))
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (p *Program) releaseModules() {
	for _, id := range p.modules {
		p.device.DestroyShaderModule(id)
	}
	p.modules = nil
}

// ID returns the device handle of the program.
func (p *Program) ID() gpucore.ProgramID { return p.id }

// Label returns the program label.
func (p *Program) Label() string { return p.label }

// Kind returns whether the program is a compute or a draw program.
func (p *Program) Kind() ProgramKind { return p.kind }

// Workgroup returns the declared local size of a compute program.
func (p *Program) Workgroup() gpucore.WorkgroupSize { return p.workgroup }

// Bindings returns the program's resource bindings ordered by slot.
func (p *Program) Bindings() []gpucore.Binding { return p.bindings }

// Binding returns the binding declared at slot.
func (p *Program) Binding(slot uint32) (gpucore.Binding, bool) {
	for _, b := range p.bindings {
		if b.Slot == slot {
			return b, true
		}
	}
	return gpucore.Binding{}, false
}

// Grid returns the dispatch grid covering a width x height extent.
func (p *Program) Grid(width, height int) gpucore.Grid {
	return gpucore.GridFor(width, height, p.workgroup)
}

// Live reports whether the program has not been destroyed.
func (p *Program) Live() bool { return !p.destroyed }

// ResolveParameter looks up a named external input such as the sampled
// image of a draw program. Resolution happens at start-up and a failure is
// fatal.
func (p *Program) ResolveParameter(name string) (Parameter, error) {
	if p.destroyed {
		return Parameter{}, fmt.Errorf("kernel: resolve %q in %q: %w", name, p.label, gpucore.ErrReleased)
	}
	b, ok := p.byName[name]
	if !ok {
		return Parameter{}, fmt.Errorf("kernel: resolve %q in %q: %w", name, p.label, ErrUnknownParameter)
	}
	return Parameter{Name: name, Slot: b.Slot, Kind: b.Kind}, nil
}

// Destroy releases the program and its shader modules. A second call
// returns gpucore.ErrReleased.
func (p *Program) Destroy() error {
	if p.destroyed {
		return fmt.Errorf("kernel: destroy %q: %w", p.label, gpucore.ErrReleased)
	}
	p.destroyed = true
	p.device.DestroyProgram(p.id)
	p.releaseModules()
	return nil
}
