package kernel

import (
	"fmt"

	"github.com/gogpu/naga"
)

// Compiler translates WGSL source into a GPU-loadable form.
//
// Implementations return an error whose text is the compiler diagnostic.
// A nil slice with a nil error means the source was accepted but the
// device consumes WGSL directly.
type Compiler interface {
	// Name identifies the compiler in diagnostics.
	Name() string

	// Compile translates source. label names the source in diagnostics.
	Compile(label, source string) ([]uint32, error)
}

// NagaCompiler compiles WGSL to SPIR-V with naga.
type NagaCompiler struct{}

// Name returns "naga".
func (NagaCompiler) Name() string { return "naga" }

// Compile compiles WGSL source to SPIR-V uint32 words.
func (NagaCompiler) Compile(_ string, source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, err
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("spir-v output is %d bytes, not a multiple of 4", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// SourceCompiler runs naga's front end (parse, lower, validate) without
// generating code. Devices that execute kernels on the host use it: they
// need the checked declarations, not a binary.
type SourceCompiler struct{}

// Name returns "source".
func (SourceCompiler) Name() string { return "source" }

// Compile checks source and returns nil words. The error text is naga's
// diagnostic.
func (SourceCompiler) Compile(_ string, source string) ([]uint32, error) {
	if _, err := frontEnd(source); err != nil {
		return nil, err
	}
	return nil, nil
}
