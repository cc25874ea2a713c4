package frame

import (
	"fmt"

	"github.com/gogpu/gpucontext"
)

// EventKind is the kind of an input event.
type EventKind uint8

// Event kinds.
const (
	EventKey EventKind = iota + 1
	EventClose
	EventResize
)

func (k EventKind) String() string {
	switch k {
	case EventKey:
		return "key"
	case EventClose:
		return "close"
	case EventResize:
		return "resize"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one window input event.
type Event struct {
	Kind EventKind

	// Key is the pressed key of an EventKey.
	Key gpucontext.Key

	// Width and Height are the new size of an EventResize.
	Width, Height int
}

// KeyPress returns a key event.
func KeyPress(key gpucontext.Key) Event { return Event{Kind: EventKey, Key: key} }

// Close returns a window close event.
func Close() Event { return Event{Kind: EventClose} }

// Action is what an input event asks the loop to do.
type Action uint8

// Actions.
const (
	ActionIgnore Action = iota
	ActionQuit
	ActionTriggerStep
	ActionToggleNoop
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionQuit:
		return "quit"
	case ActionTriggerStep:
		return "trigger-step"
	case ActionToggleNoop:
		return "toggle-noop"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Key bindings.
const (
	QuitKey = gpucontext.KeyEscape
	StepKey = gpucontext.KeyEnter
	NoopKey = gpucontext.KeyTab
)

// keyActions maps keys to actions. Keys not listed are ignored.
var keyActions = map[gpucontext.Key]Action{
	QuitKey: ActionQuit,
	StepKey: ActionTriggerStep,
	NoopKey: ActionToggleNoop,
}

// Map returns the action for ev.
func Map(ev Event) Action {
	switch ev.Kind {
	case EventClose:
		return ActionQuit
	case EventKey:
		return keyActions[ev.Key]
	default:
		return ActionIgnore
	}
}
