// Package kernel compiles WGSL stages and links them into GPU programs.
//
// Compilation has three parts: a structural check of the source, reflection
// of the declared interface (entry points, @workgroup_size, group 0 resource
// bindings, vertex inputs), and translation by a [Compiler]. [NagaCompiler]
// produces SPIR-V for the HAL device; [SourceCompiler] only validates, for
// devices that run kernels on the host.
//
//	vs, err := kernel.CompileStage(c, "quad_vs", quadSrc, gpucore.StageVertex)
//	fs, err := kernel.CompileStage(c, "quad_fs", quadSrc, gpucore.StageFragment)
//	prog, err := kernel.Link(device, "draw", vs, fs)
//	screen, err := prog.ResolveParameter("screen")
//
// Rejected source is reported as *gpucore.CompileError and failed linking
// as *gpucore.LinkError, both carrying the diagnostic log verbatim.
package kernel
