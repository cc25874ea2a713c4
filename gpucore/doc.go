// Package gpucore provides shared GPU abstractions for kernelview.
//
// This package defines the [Device] interface, which abstracts over different
// GPU backend implementations, allowing the same orchestration protocol to run
// on:
//   - gogpu/wgpu (Pure Go WebGPU via HAL, backend/native)
//   - the CPU software device (backend/software)
//
// # Architecture
//
//	      +------------------------------+
//	      |  resource / kernel / pipeline |
//	      +---------------+--------------+
//	                      |
//	              gpucore.Device
//	                      |
//	       +--------------+--------------+
//	       |                             |
//	+------v-------+             +-------v------+
//	| native (HAL) |             |   software   |
//	+--------------+             +--------------+
//
// # Resource Management
//
// GPU objects are managed via opaque IDs ([ImageID], [ProgramID], ...).
// Devices own the mapping between IDs and backend objects.
//
// # Errors
//
// Failures are reported with a closed taxonomy: [AllocationError],
// [SlotConflictError], [CompileError], [LinkError] and
// [RuntimeDispatchError]. All of them are fatal to the application.
//
// # Dispatch Grid
//
// [GridFor] computes ceil(width/X) x ceil(height/Y) x 1 work-groups for a
// kernel's declared local size. Kernels ignore invocations that fall
// outside the image.
package gpucore
