package kernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/kernelview/gpucore"
)

// VertexInput is one @location input of a vertex entry point.
type VertexInput struct {
	Location uint32
	Name     string
	Type     string
}

// reflection is the interface of a WGSL module as seen by the runtime.
type reflection struct {
	entries   map[gpucore.StageKind]entryPoint
	bindings  []gpucore.Binding
	inputs    map[string][]VertexInput
	groupErrs []string
}

type entryPoint struct {
	name      string
	workgroup gpucore.WorkgroupSize
}

// frontEnd runs naga's parser, lowering and validation. The returned error
// text is naga's diagnostic.
func frontEnd(source string) (*ir.Module, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, err
	}
	mod, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, err
	}
	verrs, err := naga.Validate(mod)
	if err != nil {
		return nil, err
	}
	if len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i := range verrs {
			msgs[i] = verrs[i].Error()
		}
		return nil, errors.New(strings.Join(msgs, "\n"))
	}
	return mod, nil
}

// reflectModule extracts entry points, group 0 resource bindings and vertex
// inputs from a lowered module.
func reflectModule(mod *ir.Module) (*reflection, error) {
	r := &reflection{
		entries: make(map[gpucore.StageKind]entryPoint),
		inputs:  make(map[string][]VertexInput),
	}

	for i := range mod.EntryPoints {
		ep := &mod.EntryPoints[i]
		kind, ok := stageKind(ep.Stage)
		if !ok {
			return nil, fmt.Errorf("entry point %q: unsupported stage %d", ep.Name, ep.Stage)
		}
		if prev, dup := r.entries[kind]; dup {
			return nil, fmt.Errorf("second %s entry point %q (first is %q)", kind, ep.Name, prev.name)
		}
		e := entryPoint{name: ep.Name}
		if kind == gpucore.StageCompute {
			wg := ep.Workgroup
			if wg[0] == 0 || wg[1] == 0 || wg[2] == 0 {
				return nil, fmt.Errorf("entry point %q: invalid workgroup size %v", ep.Name, wg)
			}
			e.workgroup = gpucore.WorkgroupSize{X: wg[0], Y: wg[1], Z: wg[2]}
		}
		r.entries[kind] = e

		if kind == gpucore.StageVertex {
			inputs, err := vertexInputs(mod, &ep.Function)
			if err != nil {
				return nil, fmt.Errorf("entry point %q: %w", ep.Name, err)
			}
			r.inputs[ep.Name] = inputs
		}
	}

	for i := range mod.GlobalVariables {
		gv := &mod.GlobalVariables[i]
		if gv.Binding == nil {
			continue
		}
		if gv.Binding.Group != 0 {
			r.groupErrs = append(r.groupErrs,
				fmt.Sprintf("%q is in group %d; only group 0 is bound", gv.Name, gv.Binding.Group))
			continue
		}
		b, err := resourceBinding(mod, gv)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", gv.Name, err)
		}
		b.Name = gv.Name
		b.Slot = gv.Binding.Binding
		r.bindings = append(r.bindings, b)
	}
	sort.Slice(r.bindings, func(i, j int) bool { return r.bindings[i].Slot < r.bindings[j].Slot })

	return r, nil
}

func stageKind(s ir.ShaderStage) (gpucore.StageKind, bool) {
	switch s {
	case ir.StageCompute:
		return gpucore.StageCompute, true
	case ir.StageVertex:
		return gpucore.StageVertex, true
	case ir.StageFragment:
		return gpucore.StageFragment, true
	default:
		return 0, false
	}
}

func typeInner(mod *ir.Module, h ir.TypeHandle) ir.TypeInner {
	if int(h) >= len(mod.Types) {
		return nil
	}
	return mod.Types[h].Inner
}

// resourceBinding maps a handle-space global onto a binding description.
func resourceBinding(mod *ir.Module, gv *ir.GlobalVariable) (gpucore.Binding, error) {
	if gv.Space != ir.SpaceHandle {
		return gpucore.Binding{}, fmt.Errorf("unsupported resource %s", typeName(mod, gv.Type))
	}
	switch t := typeInner(mod, gv.Type).(type) {
	case ir.SamplerType:
		if t.Comparison {
			return gpucore.Binding{}, errors.New("comparison samplers are not supported")
		}
		return gpucore.Binding{Kind: gpucore.BindingSampler}, nil

	case ir.ImageType:
		if t.Dim != ir.Dim2D || t.Multisampled {
			return gpucore.Binding{}, errors.New("only 2D single-sampled images are supported")
		}
		switch t.Class {
		case ir.ImageClassStorage:
			return storageBinding(t)
		case ir.ImageClassSampled:
			var sample gpucore.SampleType
			switch t.SampledKind {
			case ir.ScalarFloat:
				sample = gpucore.SampleFloat
			case ir.ScalarUint:
				sample = gpucore.SampleUint
			default:
				return gpucore.Binding{}, fmt.Errorf("unsupported sample kind %d", t.SampledKind)
			}
			return gpucore.Binding{
				Kind:   gpucore.BindingSampledImage,
				Access: gpucore.AccessRead,
				Sample: sample,
				Array:  t.Arrayed,
			}, nil
		default:
			return gpucore.Binding{}, fmt.Errorf("unsupported image class %d", t.Class)
		}

	default:
		return gpucore.Binding{}, fmt.Errorf("unsupported resource type %s", typeName(mod, gv.Type))
	}
}

func storageBinding(t ir.ImageType) (gpucore.Binding, error) {
	var format gpucore.ImageFormat
	switch t.StorageFormat {
	case ir.StorageFormatRgba32Float:
		format = gpucore.FormatRGBA32Float
	case ir.StorageFormatRg32Float:
		format = gpucore.FormatRG32Float
	case ir.StorageFormatR8Uint:
		return gpucore.Binding{}, errors.New("r8uint is not a storage texture format; bind it as texture_2d<u32>")
	default:
		return gpucore.Binding{}, fmt.Errorf("%w: storage format %d", gpucore.ErrUnknownFormat, t.StorageFormat)
	}
	var access gpucore.Access
	switch t.StorageAccess {
	case ir.StorageAccessRead:
		access = gpucore.AccessRead
	case ir.StorageAccessWrite:
		access = gpucore.AccessWrite
	case ir.StorageAccessReadWrite:
		access = gpucore.AccessReadWrite
	default:
		return gpucore.Binding{}, fmt.Errorf("unsupported storage access %d", t.StorageAccess)
	}
	return gpucore.Binding{
		Kind:   gpucore.BindingStorageImage,
		Format: format,
		Access: access,
		Array:  t.Arrayed,
	}, nil
}

// vertexInputs collects @location inputs, either declared directly on the
// arguments or on the members of a struct argument.
func vertexInputs(mod *ir.Module, fn *ir.Function) ([]VertexInput, error) {
	var inputs []VertexInput
	for _, arg := range fn.Arguments {
		if loc, ok := location(arg.Binding); ok {
			inputs = append(inputs, VertexInput{Location: loc, Name: arg.Name, Type: typeName(mod, arg.Type)})
			continue
		}
		st, ok := typeInner(mod, arg.Type).(ir.StructType)
		if !ok {
			continue
		}
		for _, m := range st.Members {
			if loc, ok := location(m.Binding); ok {
				inputs = append(inputs, VertexInput{Location: loc, Name: m.Name, Type: typeName(mod, m.Type)})
			}
		}
	}

	seen := make(map[uint32]bool, len(inputs))
	for _, in := range inputs {
		if seen[in.Location] {
			return nil, fmt.Errorf("vertex input location %d declared twice", in.Location)
		}
		seen[in.Location] = true
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Location < inputs[j].Location })
	return inputs, nil
}

func location(b *ir.Binding) (uint32, bool) {
	if b == nil {
		return 0, false
	}
	lb, ok := (*b).(ir.LocationBinding)
	if !ok {
		return 0, false
	}
	return lb.Location, true
}

// typeName spells scalar and vector types the way WGSL does.
func typeName(mod *ir.Module, h ir.TypeHandle) string {
	switch t := typeInner(mod, h).(type) {
	case ir.ScalarType:
		return scalarName(t)
	case ir.VectorType:
		return fmt.Sprintf("vec%d<%s>", t.Size, scalarName(t.Scalar))
	}
	if int(h) < len(mod.Types) && mod.Types[h].Name != "" {
		return mod.Types[h].Name
	}
	return fmt.Sprintf("type#%d", h)
}

func scalarName(s ir.ScalarType) string {
	switch s.Kind {
	case ir.ScalarFloat:
		return fmt.Sprintf("f%d", 8*int(s.Width))
	case ir.ScalarUint:
		return fmt.Sprintf("u%d", 8*int(s.Width))
	case ir.ScalarSint:
		return fmt.Sprintf("i%d", 8*int(s.Width))
	case ir.ScalarBool:
		return "bool"
	default:
		return "abstract"
	}
}
