package gpucore

import (
	"fmt"
	"strings"
)

// Resource IDs
//
// These opaque IDs represent GPU objects. Each device implementation
// maintains a mapping between IDs and actual backend objects.
// IDs are uint64 to accommodate various backend handle sizes.

// ImageID is an opaque handle to a GPU image (2D or 2D-array texture).
type ImageID uint64

// ShaderModuleID is an opaque handle to a compiled shader module.
type ShaderModuleID uint64

// ProgramID is an opaque handle to a linked compute or render program.
type ProgramID uint64

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// ImageFormat is the texel format of an image resource.
type ImageFormat uint32

// Image formats.
const (
	// FormatRGBA32Float is four 32-bit float channels.
	FormatRGBA32Float ImageFormat = iota + 1

	// FormatRG32Float is two 32-bit float channels.
	FormatRG32Float

	// FormatR8Uint is a single 8-bit unsigned integer channel.
	FormatR8Uint
)

// String returns the WGSL spelling of the format.
func (f ImageFormat) String() string {
	switch f {
	case FormatRGBA32Float:
		return "rgba32float"
	case FormatRG32Float:
		return "rg32float"
	case FormatR8Uint:
		return "r8uint"
	default:
		return fmt.Sprintf("ImageFormat(%d)", uint32(f))
	}
}

// Valid reports whether f is a known format.
func (f ImageFormat) Valid() bool {
	return f >= FormatRGBA32Float && f <= FormatR8Uint
}

// Channels returns the number of channels per texel.
func (f ImageFormat) Channels() int {
	switch f {
	case FormatRGBA32Float:
		return 4
	case FormatRG32Float:
		return 2
	case FormatR8Uint:
		return 1
	default:
		return 0
	}
}

// BytesPerTexel returns the size of one texel in bytes.
func (f ImageFormat) BytesPerTexel() int {
	switch f {
	case FormatRGBA32Float:
		return 16
	case FormatRG32Float:
		return 8
	case FormatR8Uint:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether texels hold floating point values.
func (f ImageFormat) IsFloat() bool {
	return f == FormatRGBA32Float || f == FormatRG32Float
}

// ParseImageFormat parses the WGSL spelling of a format.
func ParseImageFormat(s string) (ImageFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rgba32float":
		return FormatRGBA32Float, nil
	case "rg32float":
		return FormatRG32Float, nil
	case "r8uint":
		return FormatR8Uint, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// ArrayLayers is the fixed depth of 2D-array images.
const ArrayLayers = 3

// ImageDesc describes an image resource.
type ImageDesc struct {
	// Label is a debug label, also used in diagnostics.
	Label string

	// Width and Height are the image extent in texels.
	Width, Height int

	// Layers is 1 for a 2D image or ArrayLayers for a 2D-array image.
	// Zero means 1.
	Layers int

	// Format is the texel format.
	Format ImageFormat

	// Slot is the fixed binding slot the image is bound to for its lifetime.
	Slot uint32
}

// IsArray reports whether the description is a 2D-array image.
func (d *ImageDesc) IsArray() bool { return d.Layers > 1 }

// LayerCount returns the number of layers, treating zero as one.
func (d *ImageDesc) LayerCount() int {
	if d.Layers <= 0 {
		return 1
	}
	return d.Layers
}

// LayerSize returns the size in bytes of one tightly packed layer.
func (d *ImageDesc) LayerSize() int {
	return d.Width * d.Height * d.Format.BytesPerTexel()
}

// StageKind identifies the pipeline stage a shader module implements.
type StageKind uint8

// Stage kinds.
const (
	StageCompute StageKind = iota + 1
	StageVertex
	StageFragment
)

func (k StageKind) String() string {
	switch k {
	case StageCompute:
		return "compute"
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	default:
		return fmt.Sprintf("StageKind(%d)", uint8(k))
	}
}

// BindingKind is the type of resource a shader binding expects.
type BindingKind uint8

// Binding kinds.
const (
	// BindingStorageImage is a texture_storage_2d or texture_storage_2d_array.
	BindingStorageImage BindingKind = iota + 1

	// BindingSampledImage is a texture_2d read with textureLoad or textureSample.
	BindingSampledImage

	// BindingSampler is a sampler.
	BindingSampler
)

func (k BindingKind) String() string {
	switch k {
	case BindingStorageImage:
		return "storage"
	case BindingSampledImage:
		return "sampled"
	case BindingSampler:
		return "sampler"
	default:
		return fmt.Sprintf("BindingKind(%d)", uint8(k))
	}
}

// Access is the access mode of a storage binding.
type Access uint8

// Access modes.
const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

// Reads reports whether the access mode includes reads.
func (a Access) Reads() bool { return a&AccessRead != 0 }

// Writes reports whether the access mode includes writes.
func (a Access) Writes() bool { return a&AccessWrite != 0 }

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	default:
		return fmt.Sprintf("Access(%d)", uint8(a))
	}
}

// SampleType is the component type of a sampled image binding.
type SampleType uint8

// Sample types.
const (
	SampleFloat SampleType = iota + 1
	SampleUint
)

// Binding describes one resource slot declared by a shader.
type Binding struct {
	// Name is the variable name in the shader source.
	Name string

	// Slot is the @binding index in group 0.
	Slot uint32

	// Kind is the resource kind.
	Kind BindingKind

	// Format is the texel format for storage images.
	Format ImageFormat

	// Access is the storage access mode. Sampled images are always AccessRead.
	Access Access

	// Array is true for 2D-array images.
	Array bool

	// Sample is the component type of sampled images.
	Sample SampleType

	// Stages lists the stages that reference the binding.
	Stages []StageKind
}

// Accepts reports whether img can be bound to b.
func (b *Binding) Accepts(img *ImageDesc) error {
	switch b.Kind {
	case BindingStorageImage:
		if img.Format != b.Format {
			return fmt.Errorf("binding %d (%s) expects %s, image %q is %s",
				b.Slot, b.Name, b.Format, img.Label, img.Format)
		}
	case BindingSampledImage:
		wantUint := b.Sample == SampleUint
		if wantUint != (img.Format == FormatR8Uint) {
			return fmt.Errorf("binding %d (%s) sample type does not match image %q format %s",
				b.Slot, b.Name, img.Label, img.Format)
		}
	default:
		return fmt.Errorf("binding %d (%s) is a %s, not an image", b.Slot, b.Name, b.Kind)
	}
	if b.Array != img.IsArray() {
		return fmt.Errorf("binding %d (%s) array=%v, image %q has %d layers",
			b.Slot, b.Name, b.Array, img.Label, img.LayerCount())
	}
	return nil
}

// WorkgroupSize is the local size declared by a compute kernel.
type WorkgroupSize struct {
	X, Y, Z uint32
}

// DefaultWorkgroupSize is the 8x8x1 local size every kernel declares.
var DefaultWorkgroupSize = WorkgroupSize{X: 8, Y: 8, Z: 1}

// Invocations returns the number of invocations per work-group.
func (w WorkgroupSize) Invocations() uint32 { return w.X * w.Y * w.Z }

// Grid is the number of work-groups of a dispatch in each dimension.
type Grid struct {
	X, Y, Z uint32
}

func (g Grid) String() string { return fmt.Sprintf("(%d, %d, %d)", g.X, g.Y, g.Z) }

// GridFor returns the dispatch grid that covers a width x height extent
// with the given local size: ceil(width/X) x ceil(height/Y) x 1.
func GridFor(width, height int, local WorkgroupSize) Grid {
	if local.X == 0 || local.Y == 0 || width <= 0 || height <= 0 {
		return Grid{}
	}
	return Grid{
		X: ceilDiv(uint32(width), local.X),
		Y: ceilDiv(uint32(height), local.Y),
		Z: 1,
	}
}

func ceilDiv(n, d uint32) uint32 {
	return (n + d - 1) / d
}

// ImageBinding binds an image to a program slot for one dispatch or draw.
type ImageBinding struct {
	Slot  uint32
	Image ImageID
}

// Quad vertex layout: position (float32x2) at location 0 and
// texcoord (float32x2) at location 1, 16 bytes per vertex.
const (
	QuadVertexStride    = 16
	QuadVertexCount     = 6
	QuadFloatsPerVertex = 4
)

// QuadVertices is the full-screen quad as two counter-clockwise triangles.
// Each vertex is (x, y, u, v) with NDC y pointing up and texcoord (0, 0)
// at the bottom-left corner.
var QuadVertices = [QuadVertexCount * QuadFloatsPerVertex]float32{
	-1, -1, 0, 0,
	1, -1, 1, 0,
	-1, 1, 0, 1,
	-1, 1, 0, 1,
	1, -1, 1, 0,
	1, 1, 1, 1,
}
