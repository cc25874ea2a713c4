package gpucore

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Sentinel errors shared by devices and the orchestration layer.
var (
	// ErrReleased is returned when a resource is used or released after
	// it was already released.
	ErrReleased = errors.New("gpucore: resource already released")

	// ErrNotInitialized is returned when an operation runs before Init.
	ErrNotInitialized = errors.New("gpucore: not initialized")

	// ErrTornDown is returned when an operation runs after teardown.
	ErrTornDown = errors.New("gpucore: already torn down")

	// ErrUnknownFormat is returned for unrecognized image formats.
	ErrUnknownFormat = errors.New("gpucore: unknown image format")

	// ErrUnknownImage is returned when an ImageID is not live on a device.
	ErrUnknownImage = errors.New("gpucore: unknown image")

	// ErrUnknownProgram is returned when a ProgramID is not live on a device.
	ErrUnknownProgram = errors.New("gpucore: unknown program")

	// ErrUnknownBuffer is returned when a BufferID is not live on a device.
	ErrUnknownBuffer = errors.New("gpucore: unknown buffer")

	// ErrUnsupportedTarget is returned when a draw target does not belong
	// to the device.
	ErrUnsupportedTarget = errors.New("gpucore: unsupported render target")
)

// Location is the file:line of the call that issued a failing operation.
type Location struct {
	File string
	Line int
}

// Caller returns the location of a caller on the current stack. Caller(0)
// is the function that calls Caller, Caller(1) its caller, and so on.
func Caller(skip int) Location {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Location{}
	}
	return Location{File: filepath.Base(file), Line: line}
}

func (l Location) String() string {
	if l.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// suffix formats l as ", file:line", or nothing when unknown.
func (l Location) suffix() string {
	if l.File == "" {
		return ""
	}
	return ", " + l.String()
}

// AllocationError reports that a device rejected an image allocation.
type AllocationError struct {
	Desc ImageDesc
	Err  error
	At   Location
}

// NewAllocationError builds an AllocationError located at the caller of
// NewAllocationError.
func NewAllocationError(desc ImageDesc, err error) *AllocationError {
	return &AllocationError{Desc: desc, Err: err, At: Caller(1)}
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate image %q (%dx%dx%d %s, slot %d%s): %v",
		e.Desc.Label, e.Desc.Width, e.Desc.Height, e.Desc.LayerCount(),
		e.Desc.Format, e.Desc.Slot, e.At.suffix(), e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// SlotConflictError reports an allocation at a slot that already holds a
// live image.
type SlotConflictError struct {
	Slot      uint32
	Existing  string
	Requested string
	At        Location
}

// NewSlotConflictError builds a SlotConflictError located at the caller of
// NewSlotConflictError.
func NewSlotConflictError(slot uint32, existing, requested string) *SlotConflictError {
	return &SlotConflictError{Slot: slot, Existing: existing, Requested: requested, At: Caller(1)}
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("slot %d already holds live image %q (requested %q%s)",
		e.Slot, e.Existing, e.Requested, e.At.suffix())
}

// CompileError reports that kernel source was rejected. Log carries the
// compiler diagnostic verbatim and is never empty.
type CompileError struct {
	Stage string
	Kind  StageKind
	Log   string
	At    Location
}

// NewCompileError builds a CompileError located at the caller of
// NewCompileError.
func NewCompileError(stage string, kind StageKind, log string) *CompileError {
	return &CompileError{Stage: stage, Kind: kind, Log: log, At: Caller(1)}
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s stage %q%s:\n%s", e.Kind, e.Stage, e.At.suffix(), e.Log)
}

// LinkError reports that compiled stages could not be combined into a
// program. Log carries the diagnostic verbatim and is never empty.
type LinkError struct {
	Program string
	Log     string
	At      Location
}

// NewLinkError builds a LinkError located at the caller of NewLinkError.
func NewLinkError(program, log string) *LinkError {
	return &LinkError{Program: program, Log: log, At: Caller(1)}
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link program %q%s:\n%s", e.Program, e.At.suffix(), e.Log)
}

// ErrorCode classifies a runtime dispatch failure.
type ErrorCode uint32

// Error codes. Values follow the classic graphics API error enumeration.
const (
	CodeInvalidEnum      ErrorCode = 0x0500
	CodeInvalidValue     ErrorCode = 0x0501
	CodeInvalidOperation ErrorCode = 0x0502
	CodeOutOfMemory      ErrorCode = 0x0505
	CodeHazard           ErrorCode = 0x0506
	CodeOutOfBounds      ErrorCode = 0x0507
	CodeDeviceLost       ErrorCode = 0x0508
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidEnum:
		return "invalid enum"
	case CodeInvalidValue:
		return "invalid value"
	case CodeInvalidOperation:
		return "invalid operation"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeHazard:
		return "unsynchronized access"
	case CodeOutOfBounds:
		return "out of bounds"
	case CodeDeviceLost:
		return "device lost"
	default:
		return fmt.Sprintf("code 0x%04x", uint32(c))
	}
}

// RuntimeDispatchError reports a failed dispatch, barrier, draw or submit.
// At is the call that issued the failing operation.
type RuntimeDispatchError struct {
	Code ErrorCode
	Op   string
	Err  error
	At   Location
}

// NewRuntimeError builds a RuntimeDispatchError located at the caller of
// NewRuntimeError.
func NewRuntimeError(code ErrorCode, op string, err error) *RuntimeDispatchError {
	return &RuntimeDispatchError{Code: code, Op: op, Err: err, At: Caller(1)}
}

// NewRuntimeErrorAt is NewRuntimeError for helpers. skip is the number of
// frames above the caller of NewRuntimeErrorAt to report: 1 locates the
// helper's caller.
func NewRuntimeErrorAt(skip int, code ErrorCode, op string, err error) *RuntimeDispatchError {
	return &RuntimeDispatchError{Code: code, Op: op, Err: err, At: Caller(skip + 1)}
}

func (e *RuntimeDispatchError) Error() string {
	msg := fmt.Sprintf("[0x%04x %s] at %s%s", uint32(e.Code), e.Code, e.Op, e.At.suffix())
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeDispatchError) Unwrap() error { return e.Err }

// IsFatal reports whether err belongs to the orchestration error taxonomy
// (allocation, slot conflict, compile, link or runtime dispatch).
func IsFatal(err error) bool {
	var (
		alloc *AllocationError
		slot  *SlotConflictError
		comp  *CompileError
		link  *LinkError
		rt    *RuntimeDispatchError
	)
	return errors.As(err, &alloc) || errors.As(err, &slot) ||
		errors.As(err, &comp) || errors.As(err, &link) || errors.As(err, &rt)
}
