package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/naga"

	"github.com/gogpu/kernelview/gpucore"
)

const testComputeSrc = `
// populations in, populations out
@group(0) @binding(1) var fin: texture_storage_2d_array<rgba32float, read_write>;
@group(0) @binding(2) var fout: texture_storage_2d_array<rgba32float, write>;
@group(0) @binding(3) var vel: texture_storage_2d<rg32float, read_write>;
@group(0) @binding(5) var obstacle: texture_2d<u32>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let dims = textureDimensions(vel);
    if (gid.x >= dims.x || gid.y >= dims.y) {
        return;
    }
    /* body elided */
}
`

const testQuadSrc = `
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

func TestCompileStage_Compute(t *testing.T) {
	st, err := CompileStage(SourceCompiler{}, "lbm_step", testComputeSrc, gpucore.StageCompute)
	require.NoError(t, err)

	assert.Equal(t, "main", st.Entry)
	assert.Equal(t, gpucore.WorkgroupSize{X: 8, Y: 8, Z: 1}, st.Workgroup)
	require.Len(t, st.Bindings, 4)

	fin := st.Bindings[0]
	assert.Equal(t, uint32(1), fin.Slot)
	assert.Equal(t, "fin", fin.Name)
	assert.Equal(t, gpucore.BindingStorageImage, fin.Kind)
	assert.Equal(t, gpucore.FormatRGBA32Float, fin.Format)
	assert.Equal(t, gpucore.AccessReadWrite, fin.Access)
	assert.True(t, fin.Array)

	fout := st.Bindings[1]
	assert.Equal(t, gpucore.AccessWrite, fout.Access)

	vel := st.Bindings[2]
	assert.Equal(t, gpucore.FormatRG32Float, vel.Format)
	assert.False(t, vel.Array)

	obstacle := st.Bindings[3]
	assert.Equal(t, gpucore.BindingSampledImage, obstacle.Kind)
	assert.Equal(t, gpucore.SampleUint, obstacle.Sample)
}

func TestCompileStage_VertexAndFragment(t *testing.T) {
	vs, err := CompileStage(SourceCompiler{}, "quad_vs", testQuadSrc, gpucore.StageVertex)
	require.NoError(t, err)
	assert.Equal(t, "vs_main", vs.Entry)
	require.Len(t, vs.Inputs, 2)
	assert.Equal(t, VertexInput{Location: 0, Name: "position", Type: "vec2<f32>"}, vs.Inputs[0])
	assert.Equal(t, VertexInput{Location: 1, Name: "uv", Type: "vec2<f32>"}, vs.Inputs[1])

	fs, err := CompileStage(SourceCompiler{}, "quad_fs", testQuadSrc, gpucore.StageFragment)
	require.NoError(t, err)
	assert.Equal(t, "fs_main", fs.Entry)
	require.Len(t, fs.Bindings, 1)
	assert.Equal(t, "screen", fs.Bindings[0].Name)
}

func TestCompileStage_StructInputs(t *testing.T) {
	src := `
struct In {
    @location(0) pos: vec2<f32>,
    @location(1) uv: vec2<f32>,
};
@vertex fn vs_main(in: In) -> @builtin(position) vec4<f32> {
    return vec4<f32>(in.pos, 0.0, 1.0);
}
`
	st, err := CompileStage(SourceCompiler{}, "vs", src, gpucore.StageVertex)
	require.NoError(t, err)
	require.Len(t, st.Inputs, 2)
	assert.Equal(t, "pos", st.Inputs[0].Name)
}

func TestCompileStage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		kind   gpucore.StageKind
	}{
		{"empty", "   ", gpucore.StageCompute},
		{"not wgsl", "this is not a kernel", gpucore.StageCompute},
		{"unbalanced", "@compute @workgroup_size(8, 8, 1) fn main( {", gpucore.StageCompute},
		{"missing operand", "@compute @workgroup_size(8, 8, 1) fn main() {\n    let x = ;\n}", gpucore.StageCompute},
		{"missing workgroup size", "@compute fn main() {}", gpucore.StageCompute},
		{"zero workgroup size", "@compute @workgroup_size(0, 8) fn main() {}", gpucore.StageCompute},
		{"wrong stage", testComputeSrc, gpucore.StageFragment},
		{"r8uint storage", `@group(0) @binding(5) var o: texture_storage_2d<r8uint, read_write>;
@compute @workgroup_size(8, 8, 1) fn main() {}`, gpucore.StageCompute},
		{"uniform buffer", `@group(0) @binding(0) var<uniform> u: vec4<f32>;
@compute @workgroup_size(8, 8, 1) fn main() {}`, gpucore.StageCompute},
		{"declaration without body", "@compute @workgroup_size(8, 8, 1) fn main();", gpucore.StageCompute},
		{"undefined identifier", "@compute @workgroup_size(8, 8, 1) fn main() {\n    let y = undefined_thing + 1.0;\n}", gpucore.StageCompute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := CompileStage(SourceCompiler{}, "bad", tt.source, tt.kind)
			require.Error(t, err)
			assert.Nil(t, st)

			var ce *gpucore.CompileError
			require.True(t, errors.As(err, &ce), "error %T is not a CompileError", err)
			assert.NotEmpty(t, ce.Log)
			assert.Equal(t, "bad", ce.Stage)
			assert.Equal(t, tt.kind, ce.Kind)
		})
	}
}

type failingCompiler struct{ log string }

func (failingCompiler) Name() string { return "failing" }
func (c failingCompiler) Compile(string, string) ([]uint32, error) {
	return nil, errors.New(c.log)
}

func TestCompileStage_CompilerLogVerbatim(t *testing.T) {
	log := "error: type mismatch\n  ┌─ lbm_step:12:5"
	_, err := CompileStage(failingCompiler{log: log}, "lbm_step", testComputeSrc, gpucore.StageCompute)

	var ce *gpucore.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, log, ce.Log)
}

func TestCompileStage_EmptyCompilerLog(t *testing.T) {
	_, err := CompileStage(failingCompiler{}, "k", testComputeSrc, gpucore.StageCompute)

	var ce *gpucore.CompileError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Log)
}

func TestCompileStage_GroupOtherThanZero(t *testing.T) {
	src := `@group(1) @binding(0) var img: texture_storage_2d<rgba32float, write>;
@compute @workgroup_size(8, 8, 1) fn main() {}`
	st, err := CompileStage(SourceCompiler{}, "k", src, gpucore.StageCompute)
	require.NoError(t, err)
	assert.Empty(t, st.Bindings)

	_, err = Link(newFakeDevice(), "k", st)
	var le *gpucore.LinkError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Log, "group 1")
}

const invalidKernelSrc = `
@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let x = ;
    let y = undefined_thing + + 1.0;
}
`

func TestCompileStage_InvalidSourceOnEveryCompiler(t *testing.T) {
	for _, c := range []Compiler{NagaCompiler{}, SourceCompiler{}} {
		t.Run(c.Name(), func(t *testing.T) {
			st, err := CompileStage(c, "broken", invalidKernelSrc, gpucore.StageCompute)
			assert.Nil(t, st)

			var ce *gpucore.CompileError
			require.ErrorAs(t, err, &ce)
			assert.NotEmpty(t, ce.Log)
			assert.Equal(t, "stage_test.go", ce.At.File)

			words, cerr := c.Compile("broken", invalidKernelSrc)
			assert.Error(t, cerr)
			assert.Nil(t, words)
		})
	}
}

func TestCompileStage_LogIsNagaDiagnostic(t *testing.T) {
	_, want := naga.Parse(invalidKernelSrc)
	require.Error(t, want)

	_, err := CompileStage(SourceCompiler{}, "broken", invalidKernelSrc, gpucore.StageCompute)
	var ce *gpucore.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, want.Error(), ce.Log)
}

func TestCompileStage_WorkgroupSizeForms(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want gpucore.WorkgroupSize
	}{
		{"literals", "@compute @workgroup_size(8, 8, 1) fn main() {}", gpucore.WorkgroupSize{X: 8, Y: 8, Z: 1}},
		{"two dimensions", "@compute @workgroup_size(16, 4) fn main() {}", gpucore.WorkgroupSize{X: 16, Y: 4, Z: 1}},
		{"named constant", "const WG: u32 = 8u;\n@compute @workgroup_size(WG, WG) fn main() {}", gpucore.WorkgroupSize{X: 8, Y: 8, Z: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, c := range []Compiler{NagaCompiler{}, SourceCompiler{}} {
				st, err := CompileStage(c, "k", tt.src, gpucore.StageCompute)
				require.NoError(t, err, c.Name())
				assert.Equal(t, tt.want, st.Workgroup, c.Name())
			}
		})
	}

	// Suffixed literals are valid WGSL and must not be rejected.
	_, err := CompileStage(NagaCompiler{}, "k", "@compute @workgroup_size(8u, 8u, 1u) fn main() {}", gpucore.StageCompute)
	assert.NoError(t, err)
}

func TestNagaCompiler_RejectsGarbage(t *testing.T) {
	_, err := NagaCompiler{}.Compile("garbage", "fn ( {")
	assert.Error(t, err)
}

func TestNagaCompiler_EmitsSPIRV(t *testing.T) {
	st, err := CompileStage(NagaCompiler{}, "lbm_step", testComputeSrc, gpucore.StageCompute)
	require.NoError(t, err)
	require.NotEmpty(t, st.SPIRV)
	assert.Equal(t, uint32(0x07230203), st.SPIRV[0], "SPIR-V magic number")
}
