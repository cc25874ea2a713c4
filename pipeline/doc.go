// Package pipeline builds and runs the fixed compute-and-draw protocol of a
// kernelview variant.
//
// A Description (TOML) names the images, the double-buffered fields, the
// init and step kernels and the displayed image. Build allocates the images
// through a resource.Manager, compiles and links every program, creates the
// quad vertex buffer, and derives a Plan:
//
//	init: dispatch init, barrier
//	step: dispatch step, barrier, swap fields
//	draw: draw quad sampling the display image
//
// The plan is validated before anything runs: a stage touching an image
// written by an earlier stage with no barrier in between is rejected with
// ErrHazard.
//
// Every failure past Build is fatal by design of the protocol; the caller
// tears down and exits.
package pipeline
