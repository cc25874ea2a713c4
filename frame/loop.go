package frame

import (
	"errors"
	"fmt"

	"github.com/gogpu/kernelview/gpucore"
)

// ErrStopped is returned by Iterate once the loop has stopped.
var ErrStopped = errors.New("frame: loop stopped")

// Surface is the window (or offscreen stand-in) a loop presents to.
type Surface interface {
	// PollEvents returns the events that arrived since the last call,
	// in arrival order, without blocking.
	PollEvents() []Event

	// Target returns the draw target of the current frame.
	Target() gpucore.Target

	// Present shows the drawn frame. It may block until vertical sync.
	Present() error
}

// Pipeline is the work a loop drives. *pipeline.Orchestrator implements it.
type Pipeline interface {
	Step() error
	Draw(target gpucore.Target) error
	Teardown() error
}

// Status is the state of a Loop.
type Status uint8

// Loop states. Stopped is terminal.
const (
	Running Status = iota
	Stopped
)

func (s Status) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// State reports the outcome of one iteration.
type State struct {
	Status Status

	// Pending is the number of TriggerStep actions seen in the iteration.
	// At most one step runs however many were seen.
	Pending int

	// Stepped reports whether the iteration ran a step.
	Stepped bool

	// Frame is the number of frames presented so far.
	Frame uint64
}

// Loop runs the frame protocol of one pipeline. It is driven from a single
// goroutine.
type Loop struct {
	surface  Surface
	pipeline Pipeline

	status Status
	frame  uint64
	steps  uint64
	toggle uint64
}

// NewLoop creates a running loop.
func NewLoop(surface Surface, p Pipeline) *Loop {
	return &Loop{surface: surface, pipeline: p}
}

// Status returns the current state.
func (l *Loop) Status() Status { return l.status }

// Frames returns the number of frames presented.
func (l *Loop) Frames() uint64 { return l.frame }

// Steps returns the number of steps run.
func (l *Loop) Steps() uint64 { return l.steps }

// Iterate runs one iteration: drain input, step at most once, draw and
// present.
//
// A Quit action stops the loop before any further GPU work and tears the
// pipeline down. When a step, draw or present fails the pipeline is torn
// down too and the error is returned; the loop is stopped either way.
func (l *Loop) Iterate() (State, error) {
	st := State{Status: l.status, Frame: l.frame}
	if l.status == Stopped {
		return st, ErrStopped
	}

	quit := false
	for _, ev := range l.surface.PollEvents() {
		switch Map(ev) {
		case ActionQuit:
			slogger().Debug("quit requested", "event", ev.Kind.String())
			quit = true
		case ActionTriggerStep:
			st.Pending++
		case ActionToggleNoop:
			l.toggle++
			slogger().Debug("toggle", "count", l.toggle)
		case ActionIgnore:
			if ev.Kind == EventResize {
				slogger().Debug("resize ignored", "width", ev.Width, "height", ev.Height)
			}
		}
		if quit {
			break
		}
	}

	if quit {
		err := l.stop()
		st.Status = l.status
		return st, err
	}

	if st.Pending > 0 {
		if err := l.pipeline.Step(); err != nil {
			return l.fail(st, "step", err)
		}
		l.steps++
		st.Stepped = true
	}
	if err := l.pipeline.Draw(l.surface.Target()); err != nil {
		return l.fail(st, "draw", err)
	}
	if err := l.surface.Present(); err != nil {
		return l.fail(st, "present", err)
	}
	l.frame++
	st.Frame = l.frame
	return st, nil
}

// Run iterates until the loop stops. It returns nil after a Quit and the
// first error otherwise; in both cases the pipeline has been torn down.
func (l *Loop) Run() error {
	for l.status == Running {
		if _, err := l.Iterate(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops a running loop and tears the pipeline down, as a Quit action
// would. Stopping a stopped loop does nothing.
func (l *Loop) Stop() error {
	if l.status == Stopped {
		return nil
	}
	return l.stop()
}

func (l *Loop) stop() error {
	l.status = Stopped
	slogger().Info("frame loop stopped", "frames", l.frame, "steps", l.steps)
	if err := l.pipeline.Teardown(); err != nil {
		return fmt.Errorf("frame: teardown: %w", err)
	}
	return nil
}

func (l *Loop) fail(st State, op string, err error) (State, error) {
	slogger().Error("frame failed", "op", op, "frame", l.frame, "err", err)
	if terr := l.stop(); terr != nil {
		err = errors.Join(err, terr)
	}
	st.Status = l.status
	return st, err
}
