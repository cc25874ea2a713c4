package kernel

import (
	"fmt"
	"strings"

	"github.com/gogpu/kernelview/gpucore"
)

// Stage is a compiled shader stage: the entry point the runtime will call,
// its declared interface, and the translated module if the compiler
// produced one.
type Stage struct {
	Label     string
	Kind      gpucore.StageKind
	Entry     string
	Source    string
	SPIRV     []uint32
	Workgroup gpucore.WorkgroupSize
	Bindings  []gpucore.Binding
	Inputs    []VertexInput

	groupErrs []string
}

// CompileStage compiles one stage of WGSL source.
//
// The source goes through naga's front end first, which provides the
// declared interface, and then through c. Rejected source yields a
// *gpucore.CompileError located at the caller, whose Log is the compiler
// diagnostic; no stage is returned in that case.
func CompileStage(c Compiler, label, source string, kind gpucore.StageKind) (*Stage, error) {
	at := gpucore.Caller(1)
	if c == nil {
		c = NagaCompiler{}
	}
	fail := func(log string) (*Stage, error) {
		if strings.TrimSpace(log) == "" {
			log = fmt.Sprintf("%s: %s compiler rejected the source without a diagnostic", label, c.Name())
		}
		return nil, &gpucore.CompileError{Stage: label, Kind: kind, Log: log, At: at}
	}

	if strings.TrimSpace(source) == "" {
		return fail(fmt.Sprintf("%s: empty source", label))
	}

	mod, err := frontEnd(source)
	if err != nil {
		return fail(err.Error())
	}
	refl, err := reflectModule(mod)
	if err != nil {
		return fail(fmt.Sprintf("%s: %v", label, err))
	}
	ep, ok := refl.entries[kind]
	if !ok {
		return fail(fmt.Sprintf("%s: no @%s entry point", label, kind))
	}

	words, err := c.Compile(label, source)
	if err != nil {
		return fail(err.Error())
	}

	st := &Stage{
		Label:     label,
		Kind:      kind,
		Entry:     ep.name,
		Source:    source,
		SPIRV:     words,
		Workgroup: ep.workgroup,
		Bindings:  make([]gpucore.Binding, len(refl.bindings)),
		Inputs:    refl.inputs[ep.name],
		groupErrs: refl.groupErrs,
	}
	copy(st.Bindings, refl.bindings)
	for i := range st.Bindings {
		st.Bindings[i].Stages = []gpucore.StageKind{kind}
	}
	for i, e := range st.groupErrs {
		st.groupErrs[i] = label + ": " + e
	}
	return st, nil
}
