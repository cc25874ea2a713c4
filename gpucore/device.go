package gpucore

import "image"

// Device abstracts over GPU backend implementations.
//
// The orchestration layer (resource manager, kernel programs, pipeline)
// talks to the GPU only through this interface, so the same protocol runs
// on the wgpu HAL device and on the CPU software device.
//
// Devices are driven from a single goroutine. Commands are recorded in
// issue order; Flush makes recorded work visible on the target and to
// ReadImage.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - IDs become invalid after destruction and are never reused
type Device interface {
	// Name returns a short backend name for diagnostics.
	Name() string

	// === Images ===

	// CreateImage allocates storage for an image.
	// Returns an error if the device rejects the size or format.
	CreateImage(desc *ImageDesc) (ImageID, error)

	// DestroyImage releases an image.
	DestroyImage(id ImageID)

	// WriteImage uploads one tightly packed layer of texel data.
	WriteImage(id ImageID, layer int, data []byte) error

	// ReadImage downloads one tightly packed layer of texel data.
	// This may cause a GPU-CPU synchronization stall.
	ReadImage(id ImageID, layer int) ([]byte, error)

	// === Shaders and programs ===

	// CreateShaderModule creates a shader module from a compiled stage.
	CreateShaderModule(desc *ShaderModuleDesc) (ShaderModuleID, error)

	// DestroyShaderModule releases a shader module.
	DestroyShaderModule(id ShaderModuleID)

	// CreateComputeProgram creates an executable compute program.
	CreateComputeProgram(desc *ComputeProgramDesc) (ProgramID, error)

	// CreateRenderProgram creates an executable draw program.
	CreateRenderProgram(desc *RenderProgramDesc) (ProgramID, error)

	// DestroyProgram releases a program of either kind.
	DestroyProgram(id ProgramID)

	// === Buffers ===

	// CreateVertexBuffer creates an immutable vertex buffer.
	CreateVertexBuffer(label string, vertices []float32) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// === Commands ===

	// Dispatch records a compute dispatch of grid work-groups with the
	// given images bound to program slots.
	Dispatch(program ProgramID, bindings []ImageBinding, grid Grid) error

	// Barrier makes all image writes recorded so far visible to every
	// later command.
	Barrier() error

	// Draw records a draw pass into target.
	Draw(target Target, call *DrawCall) error

	// Flush submits recorded commands and waits for completion.
	Flush() error

	// Destroy releases the device. Resources still alive are released.
	Destroy()
}

// Target is a render destination for a draw pass. Each device accepts only
// its own target implementations.
type Target interface {
	// Size returns the target extent in pixels.
	Size() (width, height int)
}

// ReadableTarget is a Target whose pixels can be read back after Flush.
// Row 0 of the returned image is the top of the target.
type ReadableTarget interface {
	Target
	ReadPixels() (*image.RGBA, error)
}

// ShaderModuleDesc describes a shader module.
type ShaderModuleDesc struct {
	// Label identifies the module in diagnostics. The software device also
	// uses it to select the CPU implementation of the stage.
	Label string

	// Kind is the stage the module implements.
	Kind StageKind

	// Source is the WGSL source.
	Source string

	// SPIRV is the translated module, if the compiler produced one.
	SPIRV []uint32
}

// ComputeProgramDesc describes a compute program.
type ComputeProgramDesc struct {
	Label      string
	Module     ShaderModuleID
	EntryPoint string
	Workgroup  WorkgroupSize
	Bindings   []Binding
}

// RenderProgramDesc describes a draw program consuming the quad vertex
// layout.
type RenderProgramDesc struct {
	Label         string
	Vertex        ShaderModuleID
	VertexEntry   string
	Fragment      ShaderModuleID
	FragmentEntry string
	Bindings      []Binding

	// Blend enables source-alpha blending.
	Blend bool
}

// DrawCall describes one draw pass.
type DrawCall struct {
	Program      ProgramID
	VertexBuffer BufferID
	VertexCount  uint32
	Bindings     []ImageBinding

	// Clear is the RGBA color the target is cleared to before drawing.
	Clear [4]float64
}
