//go:build !nogpu

package native_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelview/backend/native"
	"github.com/gogpu/kernelview/backend/software"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
	"github.com/gogpu/kernelview/kernels"
	"github.com/gogpu/kernelview/pipeline"
)

// openDevice returns a native device or skips the test on hosts without
// a Vulkan adapter.
func openDevice(t *testing.T) *native.Device {
	t.Helper()
	dev, err := native.Open()
	if err != nil {
		t.Skipf("native backend tests skipped: %v", err)
	}
	t.Cleanup(dev.Destroy)
	return dev
}

func TestDevice_WriteReadImage(t *testing.T) {
	dev := openDevice(t)

	// 5 texels of rg32float is 40 bytes a row, so readback strips padding.
	arr, err := dev.CreateImage(&gpucore.ImageDesc{
		Label: "arr", Width: 5, Height: 3, Layers: 3, Format: gpucore.FormatRG32Float, Slot: 1,
	})
	require.NoError(t, err)

	layer := make([]byte, 5*3*8)
	for i := 0; i < len(layer)/4; i++ {
		binary.LittleEndian.PutUint32(layer[4*i:], math.Float32bits(float32(i)*0.5))
	}
	require.NoError(t, dev.WriteImage(arr, 2, layer))

	got, err := dev.ReadImage(arr, 2)
	require.NoError(t, err)
	assert.Equal(t, layer, got)

	_, err = dev.ReadImage(arr, 3)
	assert.Error(t, err, "layer out of range")
	assert.Error(t, dev.WriteImage(arr, 0, layer[:8]), "short layer")
}

func build(t *testing.T, dev gpucore.Device, c kernel.Compiler, name string, w, h int) *pipeline.Orchestrator {
	t.Helper()
	d, err := kernels.Variant(name)
	require.NoError(t, err)
	d.Width, d.Height = w, h
	o, err := pipeline.Build(dev, c, d, kernels.Library{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Teardown() })
	return o
}

func floats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func TestDevice_MatchesSoftware(t *testing.T) {
	dev := openDevice(t)
	for _, name := range []string{"raytrace", "lbm"} {
		t.Run(name, func(t *testing.T) {
			gpu := build(t, dev, kernel.NagaCompiler{}, name, 64, 32)
			swDev := software.New()
			t.Cleanup(swDev.Destroy)
			sw := build(t, swDev, kernel.SourceCompiler{}, name, 64, 32)

			for _, o := range []*pipeline.Orchestrator{gpu, sw} {
				require.NoError(t, o.RunInit())
				require.NoError(t, o.Step())
			}
			want, err := sw.ReadDisplay()
			require.NoError(t, err)
			got, err := gpu.ReadDisplay()
			require.NoError(t, err)

			wf, gf := floats(want), floats(got)
			require.Len(t, gf, len(wf))
			for i := range wf {
				if math.Abs(float64(wf[i]-gf[i])) > 1e-3 {
					t.Fatalf("texel component %d: native %v, software %v", i, gf[i], wf[i])
				}
			}
		})
	}
}

func TestDevice_DrawOffscreen(t *testing.T) {
	dev := openDevice(t)
	o := build(t, dev, kernel.NagaCompiler{}, "raytrace", 32, 16)
	require.NoError(t, o.RunInit())

	target, err := dev.NewOffscreen(32, 16)
	require.NoError(t, err)
	defer target.Destroy()

	_, err = target.ReadPixels()
	assert.Error(t, err, "nothing drawn yet")

	require.NoError(t, o.Draw(target))
	img, err := target.ReadPixels()
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	for i := 3; i < len(img.Pix); i += 4 {
		require.Equal(t, uint8(255), img.Pix[i], "alpha at byte %d", i)
	}
}

func TestDevice_Hazard(t *testing.T) {
	dev := openDevice(t)
	o := build(t, dev, kernel.NagaCompiler{}, "raytrace", 16, 16)

	first := o.Plan().Init[0]
	require.Equal(t, pipeline.StageDispatch, first.Kind)
	color, ok := o.Image("color_a")
	require.True(t, ok)

	bindings := []gpucore.ImageBinding{{Slot: color.Slot(), Image: color.ID()}}
	grid := first.Program.Grid(16, 16)
	require.NoError(t, dev.Dispatch(first.Program.ID(), bindings, grid))

	err := dev.Dispatch(first.Program.ID(), bindings, grid)
	var rt *gpucore.RuntimeDispatchError
	require.ErrorAs(t, err, &rt)
	assert.Equal(t, gpucore.CodeHazard, rt.Code)

	require.NoError(t, dev.Barrier())
	assert.NoError(t, dev.Dispatch(first.Program.ID(), bindings, grid))
	assert.NoError(t, dev.Flush())
}

func TestDevice_Destroyed(t *testing.T) {
	dev, err := native.Open()
	if err != nil {
		t.Skipf("native backend tests skipped: %v", err)
	}
	dev.Destroy()
	dev.Destroy()

	_, err = dev.CreateImage(&gpucore.ImageDesc{Label: "x", Width: 1, Height: 1, Format: gpucore.FormatR8Uint})
	assert.ErrorIs(t, err, gpucore.ErrTornDown)
	err = dev.Barrier()
	var rt *gpucore.RuntimeDispatchError
	require.ErrorAs(t, err, &rt)
	assert.Equal(t, gpucore.CodeDeviceLost, rt.Code)
}
