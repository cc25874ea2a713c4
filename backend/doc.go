// Package backend provides a pluggable GPU device abstraction.
//
// A Backend owns one gpucore.Device and the kernel.Compiler that produces
// modules for it. Two backends exist:
//
//   - "native": the wgpu HAL device (Vulkan), package backend/native
//   - "software": the CPU reference device, package backend/software
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime.
// Import the backend packages for their side effect:
//
//	import (
//		_ "github.com/gogpu/kernelview/backend/native"
//		_ "github.com/gogpu/kernelview/backend/software"
//	)
//
// # Backend Selection
//
// Use InitDefault() to initialize the best available backend, or Open() to
// request a specific backend by name:
//
//	// Native if a GPU adapter is present, software otherwise
//	b, err := backend.InitDefault()
//
//	// Or request a specific backend
//	b, err := backend.Open("software")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	dev := b.Device()
package backend
