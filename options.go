package kernelview

import (
	"log/slog"

	"github.com/gogpu/kernelview/backend"
	"github.com/gogpu/kernelview/kernel"
	"github.com/gogpu/kernelview/pipeline"
)

// Option configures an App during creation.
//
// Example:
//
//	// lbm on the best available backend
//	app, err := kernelview.New()
//
//	// raytrace on the CPU device at a custom size
//	app, err := kernelview.New(
//	    kernelview.WithVariant("raytrace"),
//	    kernelview.WithBackend("software"),
//	    kernelview.WithSize(320, 200),
//	)
type Option func(*options)

type options struct {
	backendName string
	backend     backend.Backend
	compiler    kernel.Compiler
	variant     string
	desc        *pipeline.Description
	library     pipeline.Library
	width       int
	height      int
	logger      *slog.Logger
}

// DefaultVariant is the variant an App runs when none is given.
const DefaultVariant = "lbm"

func defaultOptions() options {
	return options{variant: DefaultVariant}
}

// WithBackend selects a registered backend by name ("native", "software").
// Without it the first backend that initializes, in priority order, is used.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backendName = name
	}
}

// WithBackendInstance uses b instead of a registered backend. The App
// initializes and closes it. Windows use it to share their GPU device.
func WithBackendInstance(b backend.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithCompiler overrides the kernel compiler of the backend.
func WithCompiler(c kernel.Compiler) Option {
	return func(o *options) {
		o.compiler = c
	}
}

// WithVariant selects an embedded pipeline description by name.
func WithVariant(name string) Option {
	return func(o *options) {
		o.variant = name
	}
}

// WithDescription runs d instead of an embedded variant.
func WithDescription(d *pipeline.Description) Option {
	return func(o *options) {
		o.desc = d
	}
}

// WithLibrary overrides where kernel sources and image fills come from.
func WithLibrary(lib pipeline.Library) Option {
	return func(o *options) {
		o.library = lib
	}
}

// WithSize overrides the pipeline extent. Zero keeps the description size.
func WithSize(width, height int) Option {
	return func(o *options) {
		o.width = width
		o.height = height
	}
}

// WithLogger installs l with SetLogger when the App is created.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
