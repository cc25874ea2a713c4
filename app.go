package kernelview

import (
	"errors"
	"fmt"

	"github.com/gogpu/kernelview/backend"
	_ "github.com/gogpu/kernelview/backend/software" // always-available fallback
	"github.com/gogpu/kernelview/frame"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
	"github.com/gogpu/kernelview/kernels"
	"github.com/gogpu/kernelview/pipeline"
)

type appState uint8

const (
	stateNew appState = iota
	stateRunning
	stateTornDown
)

// App owns the GPU context of one pipeline: its backend, device and
// orchestrator. Init acquires everything and runs the init stage; Teardown
// releases everything. Operations outside that window fail with
// gpucore.ErrNotInitialized or gpucore.ErrTornDown.
//
// App implements frame.Pipeline.
type App struct {
	opts    options
	desc    *pipeline.Description
	backend backend.Backend
	orch    *pipeline.Orchestrator
	state   appState
}

// New resolves the pipeline description and returns an App ready for Init.
func New(opts ...Option) (*App, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}
	if o.library == nil {
		o.library = kernels.Library{}
	}

	desc := o.desc
	if desc == nil {
		var err error
		if desc, err = kernels.Variant(o.variant); err != nil {
			return nil, err
		}
	} else {
		desc = desc.Clone()
	}
	if o.width != 0 || o.height != 0 {
		desc.Width, desc.Height = o.width, o.height
	}
	desc.ApplyDefaults()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &App{opts: o, desc: desc}, nil
}

// Init opens the backend, builds the pipeline and runs its init stage.
// On failure everything acquired so far is released and the App is torn
// down.
func (a *App) Init() error {
	switch a.state {
	case stateRunning:
		return pipeline.ErrInitDone
	case stateTornDown:
		return gpucore.ErrTornDown
	}

	b, err := a.openBackend()
	if err != nil {
		a.state = stateTornDown
		return err
	}
	a.backend = b

	compiler := a.opts.compiler
	if compiler == nil {
		compiler = b.Compiler()
	}
	Logger().Info("building pipeline", "variant", a.desc.Name, "backend", b.Name(),
		"compiler", compiler.Name(), "size", fmt.Sprintf("%dx%d", a.desc.Width, a.desc.Height))

	orch, err := pipeline.Build(b.Device(), compiler, a.desc, a.opts.library)
	if err != nil {
		a.closeBackend()
		a.state = stateTornDown
		return err
	}
	a.orch = orch
	a.state = stateRunning

	if err := orch.RunInit(); err != nil {
		return errors.Join(err, a.Teardown())
	}
	return nil
}

func (a *App) openBackend() (backend.Backend, error) {
	if b := a.opts.backend; b != nil {
		if err := b.Init(); err != nil {
			b.Close()
			return nil, fmt.Errorf("backend %s: %w", b.Name(), err)
		}
		return b, nil
	}
	if a.opts.backendName != "" {
		return backend.Open(a.opts.backendName)
	}
	return backend.InitDefault()
}

func (a *App) closeBackend() {
	if a.backend != nil {
		a.backend.Close()
		a.backend = nil
	}
}

func (a *App) usable() error {
	switch a.state {
	case stateNew:
		return gpucore.ErrNotInitialized
	case stateTornDown:
		return gpucore.ErrTornDown
	}
	return nil
}

// Step runs the step sequence once.
func (a *App) Step() error {
	if err := a.usable(); err != nil {
		return err
	}
	return a.orch.Step()
}

// Draw draws the display image into target and submits the frame.
func (a *App) Draw(target gpucore.Target) error {
	if err := a.usable(); err != nil {
		return err
	}
	return a.orch.Draw(target)
}

// NewTarget creates an offscreen target of the pipeline size.
func (a *App) NewTarget() (gpucore.ReadableTarget, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}
	return a.backend.NewTarget(a.desc.Width, a.desc.Height)
}

// Teardown releases the pipeline and closes the backend. A second call
// returns gpucore.ErrTornDown.
func (a *App) Teardown() error {
	switch a.state {
	case stateTornDown:
		return gpucore.ErrTornDown
	case stateNew:
		a.state = stateTornDown
		return nil
	}
	a.state = stateTornDown

	var err error
	if a.orch != nil {
		err = a.orch.Teardown()
	}
	a.closeBackend()
	Logger().Info("kernelview torn down", "variant", a.desc.Name)
	return err
}

// Description returns the pipeline description the App runs.
func (a *App) Description() *pipeline.Description { return a.desc }

// Orchestrator returns the pipeline, or nil outside Init..Teardown.
func (a *App) Orchestrator() *pipeline.Orchestrator {
	if a.state != stateRunning {
		return nil
	}
	return a.orch
}

// Backend returns the backend, or nil outside Init..Teardown.
func (a *App) Backend() backend.Backend { return a.backend }

// Compiler returns the compiler the App builds kernels with.
func (a *App) Compiler() kernel.Compiler {
	if a.opts.compiler != nil {
		return a.opts.compiler
	}
	if a.backend != nil {
		return a.backend.Compiler()
	}
	return nil
}

var _ frame.Pipeline = (*App)(nil)
