//go:build !nogpu

package native

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/kernelview/gpucore"
)

// offscreenFormat is the color format of offscreen draw targets.
const offscreenFormat = gputypes.TextureFormatRGBA8Unorm

func textureFormat(f gpucore.ImageFormat) (gputypes.TextureFormat, error) {
	switch f {
	case gpucore.FormatRGBA32Float:
		return gputypes.TextureFormatRGBA32Float, nil
	case gpucore.FormatRG32Float:
		return gputypes.TextureFormatRG32Float, nil
	case gpucore.FormatR8Uint:
		return gputypes.TextureFormatR8Uint, nil
	default:
		return 0, fmt.Errorf("%w: %s", gpucore.ErrUnknownFormat, f)
	}
}

func storageAccess(a gpucore.Access) gputypes.StorageTextureAccess {
	switch a {
	case gpucore.AccessRead:
		return gputypes.StorageTextureAccessReadOnly
	case gpucore.AccessWrite:
		return gputypes.StorageTextureAccessWriteOnly
	default:
		return gputypes.StorageTextureAccessReadWrite
	}
}

func setVisibility(entry *gputypes.BindGroupLayoutEntry, stages []gpucore.StageKind) {
	for _, s := range stages {
		switch s {
		case gpucore.StageCompute:
			entry.Visibility |= gputypes.ShaderStageCompute
		case gpucore.StageVertex:
			entry.Visibility |= gputypes.ShaderStageVertex
		case gpucore.StageFragment:
			entry.Visibility |= gputypes.ShaderStageFragment
		}
	}
	if entry.Visibility == 0 {
		entry.Visibility = gputypes.ShaderStageCompute
	}
}

// layoutEntry converts a reflected binding into a bind group layout entry.
// Float images are never filtered: 32-bit float formats are not filterable.
func layoutEntry(b *gpucore.Binding) (gputypes.BindGroupLayoutEntry, error) {
	entry := gputypes.BindGroupLayoutEntry{Binding: b.Slot}
	setVisibility(&entry, b.Stages)
	viewDim := gputypes.TextureViewDimension2D
	if b.Array {
		viewDim = gputypes.TextureViewDimension2DArray
	}

	switch b.Kind {
	case gpucore.BindingStorageImage:
		format, err := textureFormat(b.Format)
		if err != nil {
			return entry, fmt.Errorf("binding %d (%s): %w", b.Slot, b.Name, err)
		}
		entry.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        storageAccess(b.Access),
			Format:        format,
			ViewDimension: viewDim,
		}
	case gpucore.BindingSampledImage:
		sample := gputypes.TextureSampleTypeUnfilterableFloat
		if b.Sample == gpucore.SampleUint {
			sample = gputypes.TextureSampleTypeUint
		}
		entry.Texture = &gputypes.TextureBindingLayout{
			SampleType:    sample,
			ViewDimension: viewDim,
		}
	case gpucore.BindingSampler:
		entry.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeNonFiltering}
	default:
		return entry, fmt.Errorf("binding %d (%s): unsupported kind %s", b.Slot, b.Name, b.Kind)
	}
	return entry, nil
}

// alphaBlend is straight source-alpha blending.
func alphaBlend() gputypes.BlendState {
	return gputypes.BlendState{
		Color: gputypes.BlendComponent{
			SrcFactor: gputypes.BlendFactorSrcAlpha,
			DstFactor: gputypes.BlendFactorOneMinusSrcAlpha,
			Operation: gputypes.BlendOperationAdd,
		},
		Alpha: gputypes.BlendComponent{
			SrcFactor: gputypes.BlendFactorOne,
			DstFactor: gputypes.BlendFactorOneMinusSrcAlpha,
			Operation: gputypes.BlendOperationAdd,
		},
	}
}

func float32Bytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// alignRow rounds a row size up to the copy row alignment.
func alignRow(n uint32) uint32 {
	return (n + copyRowAlignment - 1) / copyRowAlignment * copyRowAlignment
}

// stripPadding drops the per-row padding of an aligned readback.
func stripPadding(padded []byte, rowBytes, pitch, rows uint32) []byte {
	if rowBytes == pitch {
		return padded[:rowBytes*rows]
	}
	tight := make([]byte, rowBytes*rows)
	for r := uint32(0); r < rows; r++ {
		copy(tight[r*rowBytes:(r+1)*rowBytes], padded[r*pitch:r*pitch+rowBytes])
	}
	return tight
}
