package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelview/backend/software"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/resource"
)

type planFixture struct {
	screen *resource.Image
	f      *resource.Field
}

func newPlanFixture(t *testing.T) *planFixture {
	t.Helper()
	dev := software.New()
	t.Cleanup(dev.Destroy)
	m := resource.NewManager(dev)

	alloc := func(label string, slot uint32) *resource.Image {
		img, err := m.Allocate(gpucore.ImageDesc{Label: label, Width: 8, Height: 8, Format: gpucore.FormatRGBA32Float, Slot: slot})
		require.NoError(t, err)
		return img
	}
	screen := alloc("screen", 0)
	f, err := resource.NewField("f", alloc("fin", 1), alloc("fout", 2))
	require.NoError(t, err)
	return &planFixture{screen: screen, f: f}
}

func dispatch(label string, bs ...binding) Stage {
	return Stage{Kind: StageDispatch, Label: label, bindings: bs}
}

func (fx *planFixture) writeScreen() binding {
	return binding{slot: 0, src: imageSource(fx.screen), access: gpucore.AccessWrite}
}

func (fx *planFixture) readIn() binding {
	return binding{slot: 1, src: fieldSource(fx.f, fx.f.InSlot()), access: gpucore.AccessRead}
}

func (fx *planFixture) writeOut() binding {
	return binding{slot: 2, src: fieldSource(fx.f, fx.f.OutSlot()), access: gpucore.AccessWrite}
}

func (fx *planFixture) draw() Stage {
	return Stage{Kind: StageDraw, Label: "quad",
		bindings: []binding{{slot: 0, src: imageSource(fx.screen), access: gpucore.AccessRead}}}
}

func (fx *planFixture) valid() *Plan {
	return &Plan{
		Init: []Stage{dispatch("init", fx.writeScreen(), binding{slot: 1, src: fieldSource(fx.f, fx.f.InSlot()), access: gpucore.AccessWrite}), {Kind: StageBarrier}},
		Step: []Stage{dispatch("step", fx.writeScreen(), fx.readIn(), fx.writeOut()), {Kind: StageBarrier}, {Kind: StageSwap, field: fx.f}},
		Draw: []Stage{fx.draw()},
	}
}

func TestPlan_Validate(t *testing.T) {
	fx := newPlanFixture(t)
	p := fx.valid()
	require.NoError(t, p.Validate())

	assert.Equal(t, 0, fx.f.Parity(), "validation must not swap live fields")
	assert.Equal(t, "init:\n  dispatch init\n  barrier\nstep:\n  dispatch step\n  barrier\n  swap f\ndraw:\n  draw quad\n", p.String())
}

func TestPlan_ValidateHazards(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(fx *planFixture, p *Plan)
		want   string
	}{
		{"init without barrier", func(fx *planFixture, p *Plan) {
			p.Init = p.Init[:1]
		}, "init sequence ends without a barrier"},
		{"swap before barrier", func(fx *planFixture, p *Plan) {
			p.Step = []Stage{p.Step[0], p.Step[2], p.Step[1]}
		}, "swap of \"f\""},
		{"read after write", func(fx *planFixture, p *Plan) {
			p.Step = append([]Stage{dispatch("pre", fx.writeOut())}, p.Step...)
		}, "writes \"fout\""},
		{"draw after unbarriered dispatch", func(fx *planFixture, p *Plan) {
			p.Draw = []Stage{dispatch("overlay", fx.writeScreen()), fx.draw()}
		}, "draw quad reads \"screen\""},
		{"step without barrier", func(fx *planFixture, p *Plan) {
			p.Step = p.Step[:1]
		}, "step sequence ends without a barrier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newPlanFixture(t)
			p := fx.valid()
			tt.mutate(fx, p)

			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrHazard))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAsRuntimeError(t *testing.T) {
	here := gpucore.Caller(0)
	err := asRuntimeError("step", errors.New("lost"))

	var rt *gpucore.RuntimeDispatchError
	require.ErrorAs(t, err, &rt)
	assert.Equal(t, gpucore.CodeInvalidOperation, rt.Code)
	assert.Equal(t, "plan_test.go", rt.At.File)
	assert.Equal(t, here.Line+1, rt.At.Line)
	assert.Contains(t, err.Error(), rt.At.String())

	dev := gpucore.NewRuntimeError(gpucore.CodeHazard, "dispatch", nil)
	assert.Same(t, dev, asRuntimeError("step", dev), "device errors pass through")
}
