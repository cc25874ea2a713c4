// Package native implements gpucore.Device on a wgpu HAL device (Vulkan).
//
// Kernels are compiled to SPIR-V with naga and run as compute pipelines.
// Draw programs render the full-screen quad either into an Offscreen target
// that can be read back, or into a Surface wrapping a window swapchain view.
//
// The backend registers itself as "native" on import. Builds with the
// nogpu tag leave the package empty, and backend selection falls back to
// the software device.
package native
