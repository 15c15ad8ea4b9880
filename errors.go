package nativehook

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/k2io/nativehook/internal/arch"
	"github.com/k2io/nativehook/internal/codemem"
	"github.com/k2io/nativehook/internal/trampoline"
)

var (
	// ErrAlreadyHooked means the address, or part of its patch window, is already patched
	ErrAlreadyHooked = errors.New("address already patched")
	// ErrDoubleHook is the former name of ErrAlreadyHooked
	ErrDoubleHook = ErrAlreadyHooked
	// ErrNotPatched means no patch record exists for the address
	ErrNotPatched = errors.New("address not patched")
	// ErrRegionTooLarge means a raw patch exceeds MaxPatchSize
	ErrRegionTooLarge = errors.New("patch region too large")
	// ErrInstrumentUnsupported means the build has no native callback bridge
	ErrInstrumentUnsupported = errors.New("instrumentation requires cgo")
	// ErrImageNotFound means no loaded image matches the name
	ErrImageNotFound = errors.New("image not found")
	// ErrSymbolNotFound means the image does not reference the symbol
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Stage errors classify which step of an install failed.
var (
	ErrAnalysisFailed   = errors.New("analysis failed")
	ErrTrampolineFailed = errors.New("trampoline construction failed")
	ErrWriteFailed      = errors.New("patch write failed")
)

// Causes reported by the pipeline stages.
var (
	ErrUnsupportedInstruction = arch.ErrUnsupportedInstruction
	ErrOutOfBounds            = arch.ErrOutOfBounds
	ErrRelocationRange        = arch.ErrRelocationRange
	ErrNoReachableMemory      = trampoline.ErrNoReachableMemory
	ErrNoSpaceInRange         = codemem.ErrNoSpaceInRange
)

// HookError describes a failed operation on a target address. Both Stage
// and Err match with errors.Is.
type HookError struct {
	Op     string
	Target uintptr
	Stage  error
	Err    error
}

func (e *HookError) Error() string {
	if e.Stage == nil {
		return fmt.Sprintf("%s %#x: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s %#x: %v: %v", e.Op, e.Target, e.Stage, e.Err)
}

func (e *HookError) Unwrap() []error {
	if e.Stage == nil {
		return []error{e.Err}
	}
	return []error{e.Stage, e.Err}
}

func opError(op string, target uintptr, stage, err error) error {
	return &HookError{Op: op, Target: target, Stage: stage, Err: err}
}

// stageOf maps a trampoline.Build failure to its stage.
func stageOf(err error) error {
	var ae *trampoline.AnalysisError
	if errors.As(err, &ae) {
		return ErrAnalysisFailed
	}
	return ErrTrampolineFailed
}
