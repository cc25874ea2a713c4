package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/kernelview/gpucore"
)

// Default description values.
const (
	DefaultWidth     = 1280
	DefaultHeight    = 640
	DefaultProgram   = "quad"
	DefaultParameter = "screen"
)

// DefaultClear is the white clear color of the draw pass.
var DefaultClear = [4]float64{1, 1, 1, 1}

// ErrInvalidDescription is returned for descriptions that reference
// unknown names or declare conflicting resources.
var ErrInvalidDescription = errors.New("pipeline: invalid description")

// Description declares a pipeline: the images to allocate, the kernels that
// initialize and step them, and the image the draw pass displays.
type Description struct {
	Name   string      `toml:"name"`
	Title  string      `toml:"title"`
	Width  int         `toml:"width"`
	Height int         `toml:"height"`
	Clear  []float64   `toml:"clear"`
	Images []ImageSpec `toml:"image"`
	Fields []FieldSpec `toml:"field"`

	Init DispatchSpec  `toml:"init"`
	Step *DispatchSpec `toml:"step"`
	Draw DrawSpec      `toml:"draw"`
}

// ImageSpec declares one image. Every image has the pipeline extent.
type ImageSpec struct {
	Name   string `toml:"name"`
	Slot   uint32 `toml:"slot"`
	Format string `toml:"format"`
	Layers int    `toml:"layers"`

	// Fill names a host-side generator whose output is uploaded to layer 0
	// after allocation. Empty means the image starts zeroed.
	Fill string `toml:"fill"`
}

// FieldSpec pairs two images into a double-buffered field.
type FieldSpec struct {
	Name string `toml:"name"`
	In   string `toml:"in"`
	Out  string `toml:"out"`
}

// DispatchSpec declares a compute stage.
type DispatchSpec struct {
	Kernel string `toml:"kernel"`

	// Extent names the image or field whose size sets the dispatch grid.
	// Empty means the displayed image.
	Extent string `toml:"extent"`

	// Barrier controls the barrier after the dispatch. Nil means true.
	Barrier *bool `toml:"barrier"`

	// Swap lists the fields whose roles are exchanged after the stage.
	Swap []string `toml:"swap"`
}

// DrawSpec declares the draw pass.
type DrawSpec struct {
	// Program is the source name of the draw program. Its stages are
	// labeled Program+"_vs" and Program+"_fs".
	Program string `toml:"program"`

	// Image names the image or field displayed. A field displays its In
	// role.
	Image string `toml:"image"`

	// Parameter is the name of the draw program's sampled image.
	Parameter string `toml:"parameter"`
}

// BarrierAfter reports whether a barrier follows the dispatch.
func (s *DispatchSpec) BarrierAfter() bool {
	return s.Barrier == nil || *s.Barrier
}

// ParseDescription decodes a TOML description. Unknown keys are rejected.
// Defaults are applied and the result is validated.
func ParseDescription(data []byte) (*Description, error) {
	var d Description
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDescription, strict.String())
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescription, err)
	}
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDescription reads and parses a TOML description file.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	d, err := ParseDescription(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Clone returns a deep copy of d. Slices and the optional step are not
// shared with d.
func (d *Description) Clone() *Description {
	c := *d
	c.Clear = slices.Clone(d.Clear)
	c.Images = slices.Clone(d.Images)
	c.Fields = slices.Clone(d.Fields)
	c.Init = d.Init.clone()
	if d.Step != nil {
		step := d.Step.clone()
		c.Step = &step
	}
	return &c
}

func (s *DispatchSpec) clone() DispatchSpec {
	c := *s
	c.Swap = slices.Clone(s.Swap)
	if s.Barrier != nil {
		b := *s.Barrier
		c.Barrier = &b
	}
	return c
}

// ApplyDefaults fills zero values with defaults.
func (d *Description) ApplyDefaults() {
	if d.Width <= 0 {
		d.Width = DefaultWidth
	}
	if d.Height <= 0 {
		d.Height = DefaultHeight
	}
	if d.Title == "" {
		d.Title = d.Name
	}
	if len(d.Clear) == 0 {
		d.Clear = slices.Clone(DefaultClear[:])
	}
	for i := range d.Images {
		if d.Images[i].Layers <= 0 {
			d.Images[i].Layers = 1
		}
	}
	if d.Draw.Program == "" {
		d.Draw.Program = DefaultProgram
	}
	if d.Draw.Parameter == "" {
		d.Draw.Parameter = DefaultParameter
	}
}

// ClearColor returns the clear color as an RGBA array.
func (d *Description) ClearColor() [4]float64 {
	var c [4]float64
	copy(c[:], d.Clear)
	return c
}

// Validate checks that every name resolves and no two images share a
// slot or a name.
func (d *Description) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidDescription, fmt.Sprintf(format, args...))
	}

	if len(d.Clear) != 4 {
		return fail("clear has %d components, want 4", len(d.Clear))
	}
	if len(d.Images) == 0 {
		return fail("no images")
	}

	images := make(map[string]bool, len(d.Images))
	slots := make(map[uint32]string, len(d.Images))
	for _, img := range d.Images {
		if img.Name == "" {
			return fail("image at slot %d has no name", img.Slot)
		}
		if images[img.Name] {
			return fail("image %q declared twice", img.Name)
		}
		if prev, ok := slots[img.Slot]; ok {
			return fail("images %q and %q share slot %d", prev, img.Name, img.Slot)
		}
		if _, err := gpucore.ParseImageFormat(img.Format); err != nil {
			return fail("image %q: %v", img.Name, err)
		}
		if img.Layers != 1 && img.Layers != gpucore.ArrayLayers {
			return fail("image %q: layers must be 1 or %d, got %d", img.Name, gpucore.ArrayLayers, img.Layers)
		}
		images[img.Name] = true
		slots[img.Slot] = img.Name
	}

	fields := make(map[string]bool, len(d.Fields))
	used := make(map[string]string)
	for _, f := range d.Fields {
		if f.Name == "" || images[f.Name] || fields[f.Name] {
			return fail("field name %q is empty or already used", f.Name)
		}
		for _, role := range []string{f.In, f.Out} {
			if !images[role] {
				return fail("field %q: unknown image %q", f.Name, role)
			}
			if other, ok := used[role]; ok {
				return fail("image %q belongs to fields %q and %q", role, other, f.Name)
			}
			used[role] = f.Name
		}
		fields[f.Name] = true
	}

	known := func(name string) bool { return images[name] || fields[name] }

	if !known(d.Draw.Image) {
		return fail("draw: unknown image %q", d.Draw.Image)
	}
	stages := []struct {
		name string
		spec *DispatchSpec
	}{{"init", &d.Init}, {"step", d.Step}}
	for _, st := range stages {
		if st.spec == nil {
			continue
		}
		if st.spec.Kernel == "" {
			return fail("%s: no kernel", st.name)
		}
		if st.spec.Extent != "" && !known(st.spec.Extent) {
			return fail("%s: unknown extent %q", st.name, st.spec.Extent)
		}
		for _, f := range st.spec.Swap {
			if !fields[f] {
				return fail("%s: swap of unknown field %q", st.name, f)
			}
		}
	}
	return nil
}
