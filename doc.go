// Package kernelview runs GPU compute pipelines and shows their output.
//
// # Overview
//
// A pipeline is a declarative description (see package pipeline) of fixed
// slot images, an init kernel, an optional step kernel and a draw pass that
// presents one image on a full-screen quad. kernelview allocates the images,
// compiles and links the kernels, runs the init stage once and then draws
// one frame per loop iteration, running the step kernel only when asked.
//
// # Quick Start
//
//	app, err := kernelview.New(kernelview.WithVariant("lbm"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Init(); err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Teardown()
//
//	target, _ := app.NewTarget()
//	_ = app.Step()
//	_ = app.Draw(target)
//	img, _ := target.ReadPixels()
//
// # Backends
//
// The "native" backend runs kernels on a Vulkan device through wgpu HAL.
// The "software" backend runs CPU reference kernels and is always
// available; it is chosen when no GPU adapter is present.
//
// # Architecture
//
//   - gpucore: device interface, handles and the error taxonomy
//   - resource: fixed-slot images and double-buffered fields
//   - kernel: compilation, reflection and linking of WGSL programs
//   - pipeline: descriptions, plans and the orchestrator
//   - frame: the event-driven frame loop
//   - backend, backend/native, backend/software: devices
//   - kernels: the embedded lbm and raytrace variants
package kernelview
