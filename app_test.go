package kernelview

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelview/backend"
	"github.com/gogpu/kernelview/backend/software"
	"github.com/gogpu/kernelview/frame"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernels"
	"github.com/gogpu/kernelview/pipeline"
)

type brokenLibrary struct {
	kernels.Library
}

func (brokenLibrary) Source(name string) (string, error) {
	if name == "hue_rotate" {
		return "@compute @workgroup_size(8, 8, 1)\nfn main( {", nil
	}
	return kernels.Library{}.Source(name)
}

func newSoftwareApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	app, err := New(append([]Option{WithBackend(backend.BackendSoftware)}, opts...)...)
	require.NoError(t, err)
	return app
}

func TestNew(t *testing.T) {
	app, err := New()
	require.NoError(t, err)
	assert.Equal(t, DefaultVariant, app.Description().Name)
	assert.Equal(t, 1280, app.Description().Width)

	app, err = New(WithVariant("raytrace"), WithSize(64, 48))
	require.NoError(t, err)
	assert.Equal(t, "raytrace", app.Description().Name)
	assert.Equal(t, 64, app.Description().Width)
	assert.Equal(t, 48, app.Description().Height)

	_, err = New(WithVariant("nope"))
	assert.ErrorIs(t, err, kernels.ErrNotFound)
}

func TestNew_DescriptionIsCopied(t *testing.T) {
	d, err := kernels.Variant("raytrace")
	require.NoError(t, err)
	app, err := New(WithDescription(d), WithSize(32, 32))
	require.NoError(t, err)
	assert.Equal(t, 32, app.Description().Width)
	assert.NotEqual(t, 32, d.Width, "caller's description untouched")
}

func TestNew_DescriptionIsDeepCopied(t *testing.T) {
	d, err := kernels.Variant("raytrace")
	require.NoError(t, err)
	require.NotNil(t, d.Step)
	d.Clear = nil
	d.Images[0].Layers = 0
	off := false
	d.Step.Barrier = &off

	app, err := New(WithDescription(d))
	require.NoError(t, err)
	got := app.Description()

	assert.Nil(t, d.Clear, "defaults are not written into the caller's slices")
	assert.Equal(t, 0, d.Images[0].Layers)
	assert.Equal(t, 1, got.Images[0].Layers)

	got.Images[0].Name = "renamed"
	got.Step.Swap[0] = "renamed"
	*got.Step.Barrier = true
	got.Clear[0] = 0.5
	assert.NotEqual(t, "renamed", d.Images[0].Name)
	assert.Equal(t, "color", d.Step.Swap[0])
	assert.False(t, *d.Step.Barrier)
	assert.Equal(t, 1.0, pipeline.DefaultClear[0], "package default untouched")
}

func TestNew_InvalidDescription(t *testing.T) {
	_, err := New(WithDescription(&pipeline.Description{Name: "empty"}))
	assert.ErrorIs(t, err, pipeline.ErrInvalidDescription)
}

func TestApp_Lifecycle(t *testing.T) {
	app := newSoftwareApp(t, WithVariant("raytrace"), WithSize(32, 16))

	assert.ErrorIs(t, app.Step(), gpucore.ErrNotInitialized)
	assert.ErrorIs(t, app.Draw(software.NewFramebuffer(32, 16)), gpucore.ErrNotInitialized)
	_, err := app.NewTarget()
	assert.ErrorIs(t, err, gpucore.ErrNotInitialized)
	assert.Nil(t, app.Orchestrator())

	require.NoError(t, app.Init())
	assert.ErrorIs(t, app.Init(), pipeline.ErrInitDone)
	assert.Equal(t, backend.BackendSoftware, app.Backend().Name())
	assert.Equal(t, "source", app.Compiler().Name())

	target, err := app.NewTarget()
	require.NoError(t, err)
	require.NoError(t, app.Step())
	require.NoError(t, app.Draw(target))
	img, err := target.ReadPixels()
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, uint64(1), app.Orchestrator().Steps())

	dev := app.Backend().Device().(*software.Device)
	require.NoError(t, app.Teardown())
	assert.Equal(t, 0, dev.Stats().Images)
	assert.Nil(t, app.Backend())

	assert.ErrorIs(t, app.Teardown(), gpucore.ErrTornDown)
	assert.ErrorIs(t, app.Step(), gpucore.ErrTornDown)
	assert.ErrorIs(t, app.Draw(target), gpucore.ErrTornDown)
	assert.ErrorIs(t, app.Init(), gpucore.ErrTornDown)
}

func TestApp_TeardownBeforeInit(t *testing.T) {
	app := newSoftwareApp(t)
	require.NoError(t, app.Teardown())
	assert.ErrorIs(t, app.Init(), gpucore.ErrTornDown)
}

func TestApp_UnknownBackend(t *testing.T) {
	app, err := New(WithBackend("metal"))
	require.NoError(t, err)
	err = app.Init()
	assert.ErrorIs(t, err, backend.ErrBackendNotAvailable)
	assert.ErrorIs(t, app.Step(), gpucore.ErrTornDown)
}

func TestApp_CompileErrorReleasesBackend(t *testing.T) {
	b := software.NewBackend()
	app, err := New(WithBackendInstance(b), WithVariant("raytrace"), WithSize(16, 16),
		WithLibrary(brokenLibrary{}))
	require.NoError(t, err)

	err = app.Init()
	var ce *gpucore.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "hue_rotate", ce.Stage)
	assert.NotEmpty(t, ce.Log)
	assert.True(t, gpucore.IsFatal(err))
	assert.Nil(t, b.Device(), "backend closed")
	assert.ErrorIs(t, app.Teardown(), gpucore.ErrTornDown)
}

// targetSurface feeds scripted events to a frame loop and draws into an
// offscreen target.
type targetSurface struct {
	events  [][]frame.Event
	target  gpucore.ReadableTarget
	present int
}

func (s *targetSurface) PollEvents() []frame.Event {
	if len(s.events) == 0 {
		return nil
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev
}

func (s *targetSurface) Target() gpucore.Target { return s.target }

func (s *targetSurface) Present() error {
	s.present++
	return nil
}

func TestApp_FrameLoop(t *testing.T) {
	app := newSoftwareApp(t, WithSize(96, 48))
	require.NoError(t, app.Init())
	target, err := app.NewTarget()
	require.NoError(t, err)

	surface := &targetSurface{
		target: target,
		events: [][]frame.Event{
			nil,
			{frame.KeyPress(frame.StepKey), frame.KeyPress(frame.StepKey)},
			{frame.KeyPress(frame.NoopKey)},
			{frame.Close()},
		},
	}
	loop := frame.NewLoop(surface, app)
	require.NoError(t, loop.Run())

	assert.Equal(t, frame.Stopped, loop.Status())
	assert.Equal(t, uint64(3), loop.Frames())
	assert.Equal(t, uint64(1), loop.Steps())
	assert.Equal(t, 3, surface.present)
	assert.ErrorIs(t, app.Teardown(), gpucore.ErrTornDown, "quit tore the app down")
}

func TestApp_FrameLoopStepError(t *testing.T) {
	app := newSoftwareApp(t, WithVariant("raytrace"), WithSize(16, 16))
	require.NoError(t, app.Init())

	surface := &targetSurface{
		target: software.NewFramebuffer(8, 8),
		events: [][]frame.Event{{frame.KeyPress(frame.StepKey)}},
	}
	// Tearing the app down behind the loop's back makes the step fail.
	require.NoError(t, app.Teardown())
	_, err := frame.NewLoop(surface, app).Iterate()
	assert.True(t, errors.Is(err, gpucore.ErrTornDown))
}
