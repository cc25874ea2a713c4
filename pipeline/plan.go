package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
	"github.com/gogpu/kernelview/resource"
)

// ErrHazard is returned when a plan touches an image written by an earlier
// stage that was not followed by a barrier.
var ErrHazard = errors.New("pipeline: unsynchronized image access")

// StageKind is the kind of a plan stage.
type StageKind uint8

// Stage kinds.
const (
	StageDispatch StageKind = iota + 1
	StageBarrier
	StageSwap
	StageDraw
)

func (k StageKind) String() string {
	switch k {
	case StageDispatch:
		return "dispatch"
	case StageBarrier:
		return "barrier"
	case StageSwap:
		return "swap"
	case StageDraw:
		return "draw"
	default:
		return fmt.Sprintf("StageKind(%d)", uint8(k))
	}
}

// source is an image, or the role of a field bound at slot.
type source struct {
	image *resource.Image
	field *resource.Field
	slot  uint32
}

func imageSource(img *resource.Image) source { return source{image: img} }

func fieldSource(f *resource.Field, slot uint32) source {
	return source{field: f, slot: slot}
}

// resolve returns the image currently behind the source.
func (s source) resolve() *resource.Image {
	if s.field == nil {
		return s.image
	}
	img, _ := s.field.Resolve(s.slot)
	return img
}

// resolveAt returns the image behind the source when the field has been
// swapped odd times (parity true) relative to its current roles.
func (s source) resolveAt(parity map[*resource.Field]bool) *resource.Image {
	if s.field == nil || !parity[s.field] {
		return s.resolve()
	}
	if s.slot == s.field.InSlot() {
		return s.field.Out()
	}
	return s.field.In()
}

func (s source) String() string {
	if s.field != nil {
		return fmt.Sprintf("%s@%d", s.field.Name(), s.slot)
	}
	return s.image.Label()
}

// binding is one image binding of a stage.
type binding struct {
	slot   uint32
	src    source
	access gpucore.Access
}

// Stage is one step of a plan.
type Stage struct {
	Kind    StageKind
	Label   string
	Program *kernel.Program

	extent   source
	bindings []binding
	field    *resource.Field
}

func (st *Stage) String() string {
	switch st.Kind {
	case StageDispatch, StageDraw:
		return fmt.Sprintf("%s %s", st.Kind, st.Label)
	case StageSwap:
		return "swap " + st.field.Name()
	default:
		return st.Kind.String()
	}
}

// Plan is the fixed command protocol of a pipeline: the init sequence run
// once, the step sequence run on demand, and the draw sequence run every
// frame.
type Plan struct {
	Init []Stage
	Step []Stage
	Draw []Stage
}

// String renders the plan one stage per line.
func (p *Plan) String() string {
	var sb strings.Builder
	for _, seq := range []struct {
		name   string
		stages []Stage
	}{{"init", p.Init}, {"step", p.Step}, {"draw", p.Draw}} {
		fmt.Fprintf(&sb, "%s:\n", seq.name)
		for i := range seq.stages {
			fmt.Fprintf(&sb, "  %s\n", &seq.stages[i])
		}
	}
	return sb.String()
}

// Validate simulates the frame protocol (init, two frames with a step and
// one without) and rejects any stage that touches an image written since
// the last barrier. A sequence must also end with every write behind a
// barrier, so stopping between sequences never leaves work unsynchronized.
func (p *Plan) Validate() error {
	sim := &simulation{
		dirty:  make(map[*resource.Image]string),
		parity: make(map[*resource.Field]bool),
	}
	order := []struct {
		name   string
		stages []Stage
	}{
		{"init", p.Init},
		{"step", p.Step}, {"draw", p.Draw},
		{"step", p.Step}, {"draw", p.Draw},
		{"draw", p.Draw},
	}
	for _, seq := range order {
		for i := range seq.stages {
			if err := sim.apply(&seq.stages[i]); err != nil {
				return fmt.Errorf("%s sequence: %w", seq.name, err)
			}
		}
		if len(sim.dirty) > 0 {
			var names []string
			for img, by := range sim.dirty {
				names = append(names, fmt.Sprintf("%q (written by %s)", img.Label(), by))
			}
			return fmt.Errorf("%w: %s sequence ends without a barrier after %s",
				ErrHazard, seq.name, strings.Join(names, ", "))
		}
	}
	return nil
}

type simulation struct {
	dirty  map[*resource.Image]string
	parity map[*resource.Field]bool
}

func (s *simulation) apply(st *Stage) error {
	switch st.Kind {
	case StageBarrier:
		clear(s.dirty)
	case StageSwap:
		for _, img := range []*resource.Image{st.field.In(), st.field.Out()} {
			if by, ok := s.dirty[img]; ok {
				return fmt.Errorf("%w: swap of %q while %q is unbarriered after %s",
					ErrHazard, st.field.Name(), img.Label(), by)
			}
		}
		s.parity[st.field] = !s.parity[st.field]
	case StageDispatch, StageDraw:
		var written []*resource.Image
		for _, b := range st.bindings {
			img := b.src.resolveAt(s.parity)
			if by, ok := s.dirty[img]; ok {
				verb := "reads"
				if !b.access.Reads() {
					verb = "writes"
				}
				return fmt.Errorf("%w: %s %s %q (slot %d) written by %s without a barrier",
					ErrHazard, st, verb, img.Label(), b.slot, by)
			}
			if b.access.Writes() {
				written = append(written, img)
			}
		}
		for _, img := range written {
			s.dirty[img] = st.String()
		}
	}
	return nil
}
