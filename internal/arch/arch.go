// Package arch defines the architecture backend shared by the analyzer,
// the trampoline builder and the instrumentation dispatcher.
//
// A backend knows four things about its instruction set: where an
// instruction ends, whether it depends on its own address, how to re-encode
// it somewhere else, and how to branch. Everything else in the engine is
// architecture independent.
package arch

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedInstruction means an instruction in the patch window cannot be relocated.
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	// ErrOutOfBounds means decoding needs bytes past the readable scan window.
	ErrOutOfBounds = errors.New("instruction window out of bounds")
	// ErrRelocationRange means a relocated displacement no longer fits its encoding.
	ErrRelocationRange = errors.New("relocated displacement out of range")
	// ErrBranchRange means a near branch cannot reach its destination.
	ErrBranchRange = errors.New("branch destination out of range")
)

// MaxScan bounds how far the analyzer reads past the start address.
const MaxScan = 64

// Kind classifies an instruction for relocation.
type Kind int

const (
	// Plain instructions are copied verbatim.
	Plain Kind = iota
	// Branch is an unconditional PC-relative jump.
	Branch
	// CondBranch is a conditional PC-relative jump.
	CondBranch
	// Call is a PC-relative call.
	Call
	// PCRelData reads or materializes a PC-relative address.
	PCRelData
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Branch:
		return "branch"
	case CondBranch:
		return "cond-branch"
	case Call:
		return "call"
	case PCRelData:
		return "pc-rel-data"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Insn is one decoded instruction of a patch window.
type Insn struct {
	Addr uintptr
	Len  int
	Raw  []byte
	Kind Kind
	// Target is the absolute address referenced by a position-dependent instruction.
	Target uintptr
	// Terminal is set for returns, unconditional jumps and traps.
	Terminal bool
	Text     string
}

// PositionDependent reports whether the instruction must be rewritten when moved.
func (in Insn) PositionDependent() bool {
	return in.Kind != Plain
}

// Backend is implemented once per target architecture.
type Backend interface {
	Name() string
	// Decode decodes the single instruction at the start of code, located at pc.
	Decode(code []byte, pc uintptr) (Insn, error)
	// RelocatedSize is the size of the instruction once relocated.
	RelocatedSize(in Insn) int
	// Relocate re-encodes in for placement at pc, referencing target.
	Relocate(in Insn, pc, target uintptr) ([]byte, error)
	// DataRange is the largest displacement a relocated PC-relative data
	// reference may have, or 0 when data references are always made absolute.
	DataRange() uintptr

	NearJumpSize() int
	FarJumpSize() int
	// NearRange is the reach of the near jump, in bytes, in either direction.
	NearRange() uintptr
	JumpNear(from, to uintptr) ([]byte, error)
	JumpFar(from, to uintptr) []byte
	// Pad returns n bytes of filler used after an entry stub.
	Pad(n int) []byte

	// Dispatcher emits the instrumentation stub placed at pc. It saves a
	// register context, calls bridge(ctx, target) and resumes at resume.
	Dispatcher(pc, target, bridge, resume uintptr) []byte
	DispatcherSize() int
	// ContextSize is the byte size of the saved register context.
	ContextSize() int
}

// Reachable reports whether a displacement from -> to fits within rng.
func Reachable(from, to, rng uintptr) bool {
	if to >= from {
		return to-from <= rng
	}
	return from-to <= rng
}
