// Package kernels holds the WGSL kernels and pipeline descriptions of the
// kernelview variants, and their CPU reference implementations for the
// software backend.
//
// Compute kernels are labeled by file name (lbm_init.wgsl is "lbm_init").
// The draw program quad.wgsl provides the stages "quad_vs" and "quad_fs".
package kernels

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/gogpu/kernelview/backend/software"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/pipeline"
)

//go:embed *.wgsl *.toml
var files embed.FS

// ErrNotFound is returned for unknown kernel, variant or fill names.
var ErrNotFound = errors.New("kernels: not found")

func init() {
	software.RegisterKernel("lbm_init", lbmInit)
	software.RegisterKernel("lbm_step", lbmStep)
	software.RegisterKernel("scene_init", sceneInit)
	software.RegisterKernel("hue_rotate", hueRotate)
	software.RegisterFragment("quad_fs", quadFragment)
}

// Library resolves kernel sources from the embedded files and provides the
// host-side image fills.
type Library struct{}

// Source returns the WGSL source of the kernel or draw program called name.
func (Library) Source(name string) (string, error) {
	data, err := files.ReadFile(name + ".wgsl")
	if err != nil {
		return "", fmt.Errorf("%w: kernel %q", ErrNotFound, name)
	}
	return string(data), nil
}

// Fill generates the initial contents of an image. The only fill is
// "cylinder", an r8uint obstacle mask.
func (Library) Fill(name string, desc gpucore.ImageDesc) ([]byte, error) {
	switch name {
	case "cylinder":
		if desc.Format != gpucore.FormatR8Uint {
			return nil, fmt.Errorf("kernels: cylinder fill needs r8uint, image %q is %s", desc.Label, desc.Format)
		}
		return Cylinder(desc.Width, desc.Height), nil
	default:
		return nil, fmt.Errorf("%w: fill %q", ErrNotFound, name)
	}
}

var _ pipeline.Library = Library{}

// Cylinder returns a width x height r8uint mask with 1 inside a disc
// centered at (width/4, height/2) of radius height/9 and 0 elsewhere.
func Cylinder(width, height int) []byte {
	mask := make([]byte, width*height)
	cx, cy := width/4, height/2
	r := height / 9
	for y := range height {
		for x := range width {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				mask[y*width+x] = 1
			}
		}
	}
	return mask
}

// Variants returns the names of the embedded pipeline descriptions.
func Variants() []string {
	matches, _ := fs.Glob(files, "*.toml")
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(path.Base(m), ".toml"))
	}
	sort.Strings(names)
	return names
}

// Variant parses the embedded pipeline description called name.
func Variant(name string) (*pipeline.Description, error) {
	data, err := files.ReadFile(name + ".toml")
	if err != nil {
		return nil, fmt.Errorf("%w: variant %q (have %v)", ErrNotFound, name, Variants())
	}
	d, err := pipeline.ParseDescription(data)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %w", name, err)
	}
	return d, nil
}
