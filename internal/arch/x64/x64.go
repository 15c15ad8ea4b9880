// Package x64 is the amd64 backend. Decoding uses x86asm; branches that are
// moved into a trampoline are always rewritten into absolute forms so the
// trampoline can live anywhere, while RIP-relative data operands keep their
// encoding with an adjusted displacement.
package x64

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/k2io/nativehook/internal/arch"
)

const (
	nearJumpSize = 5  // JMP rel32
	farJumpSize  = 14 // JMP [RIP+0]; .quad
	callAbsSize  = 16 // CALL [RIP+2]; JMP +8; .quad
	condAbsSize  = 18 // Jcc +2; JMP +14; JMP [RIP+0]; .quad
	maxInsnLen   = 15

	// keep clear of the exact int32 limits
	maxRel32 = uintptr(0x7fff0000)
)

// Backend implements arch.Backend for amd64.
type Backend struct{}

// New returns the amd64 backend.
func New() Backend {
	return Backend{}
}

func (Backend) Name() string {
	return "amd64"
}

func (Backend) Decode(code []byte, pc uintptr) (arch.Insn, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		if err == x86asm.ErrTruncated {
			return arch.Insn{}, errors.Wrap(arch.ErrOutOfBounds, err.Error())
		}
		return arch.Insn{}, errors.Wrap(arch.ErrUnsupportedInstruction, err.Error())
	}
	// a lone prefix is what x86asm returns for a cut-off instruction
	if inst.Op == 0 {
		if len(code) < maxInsnLen {
			return arch.Insn{}, errors.Wrapf(arch.ErrOutOfBounds, "partial instruction at %#x, %d bytes left", pc, len(code))
		}
		return arch.Insn{}, errors.Wrapf(arch.ErrUnsupportedInstruction, "undecodable bytes % x at %#x", code[:inst.Len], pc)
	}
	in := arch.Insn{
		Addr: pc,
		Len:  inst.Len,
		Raw:  append([]byte(nil), code[:inst.Len]...),
		Text: x86asm.IntelSyntax(inst, uint64(pc), nil),
	}
	next := pc + uintptr(inst.Len)
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch a := a.(type) {
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				in.Kind = arch.PCRelData
				in.Target = next + uintptr(a.Disp)
			}
		case x86asm.Rel:
			in.Target = next + uintptr(int64(a))
			switch inst.Op {
			case x86asm.JMP:
				in.Kind = arch.Branch
			case x86asm.CALL:
				in.Kind = arch.Call
			case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
				x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
				x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
				x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
				in.Kind = arch.CondBranch
			default:
				return arch.Insn{}, errors.Wrapf(arch.ErrUnsupportedInstruction, "relative operand in %s", in.Text)
			}
		}
	}
	if in.Kind == arch.PCRelData && inst.PCRel != 4 {
		return arch.Insn{}, errors.Wrapf(arch.ErrUnsupportedInstruction, "RIP-relative operand of %d bytes in %s", inst.PCRel, in.Text)
	}
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.UD0, x86asm.UD1, x86asm.UD2, x86asm.HLT:
		in.Terminal = true
	case x86asm.INT:
		in.Terminal = in.Raw[inst.Len-1] == 0xcc
	}
	return in, nil
}

func (b Backend) RelocatedSize(in arch.Insn) int {
	switch in.Kind {
	case arch.Branch:
		return farJumpSize
	case arch.Call:
		return callAbsSize
	case arch.CondBranch:
		_, prefix, err := condEncoding(in)
		if err != nil {
			return 0
		}
		return len(prefix) + condAbsSize
	}
	return in.Len
}

func (b Backend) Relocate(in arch.Insn, pc, target uintptr) ([]byte, error) {
	switch in.Kind {
	case arch.Plain:
		return append([]byte(nil), in.Raw...), nil
	case arch.PCRelData:
		inst, err := x86asm.Decode(in.Raw, 64)
		if err != nil {
			return nil, errors.Wrap(arch.ErrUnsupportedInstruction, err.Error())
		}
		next := pc + uintptr(in.Len)
		if !arch.Reachable(next, target, maxRel32) {
			return nil, errors.Wrapf(arch.ErrRelocationRange, "%#x is not reachable from %#x", target, next)
		}
		code := append([]byte(nil), in.Raw...)
		binary.LittleEndian.PutUint32(code[inst.PCRelOff:], uint32(int32(int64(target)-int64(next))))
		return code, nil
	case arch.Branch:
		return b.JumpFar(pc, target), nil
	case arch.Call:
		code := []byte{
			0xff, 0x15, 0x02, 0x00, 0x00, 0x00, // CALL [RIP+2]
			0xeb, 0x08, // JMP +8
		}
		return binary.LittleEndian.AppendUint64(code, uint64(target)), nil
	case arch.CondBranch:
		op, prefix, err := condEncoding(in)
		if err != nil {
			return nil, err
		}
		code := append([]byte(nil), prefix...)
		code = append(code,
			op, 0x02, // Jcc +2 (taken)
			0xeb, 0x0e, // JMP +14 (not taken)
		)
		return append(code, b.JumpFar(pc+uintptr(len(code)), target)...), nil
	}
	return nil, errors.Wrapf(arch.ErrUnsupportedInstruction, "kind %v", in.Kind)
}

// condEncoding returns the rel8 opcode equivalent to a conditional branch
// and the prefixes that must be kept with it.
func condEncoding(in arch.Insn) (byte, []byte, error) {
	inst, err := x86asm.Decode(in.Raw, 64)
	if err != nil {
		return 0, nil, errors.Wrap(arch.ErrUnsupportedInstruction, err.Error())
	}
	off := inst.PCRelOff
	switch inst.PCRel {
	case 1:
		op := in.Raw[off-1]
		if op >= 0x70 && op <= 0x7f {
			return op, nil, nil
		}
		// JCXZ/LOOP family: the address-size prefix selects the counter register
		return op, in.Raw[:off-1], nil
	case 4:
		if off >= 2 && in.Raw[off-2] == 0x0f && in.Raw[off-1]&0xf0 == 0x80 {
			return 0x70 | in.Raw[off-1]&0x0f, nil, nil
		}
	}
	return 0, nil, errors.Wrapf(arch.ErrUnsupportedInstruction, "conditional branch encoding of %s", in.Text)
}

func (Backend) DataRange() uintptr {
	return maxRel32
}

func (Backend) NearJumpSize() int {
	return nearJumpSize
}

func (Backend) FarJumpSize() int {
	return farJumpSize
}

func (Backend) NearRange() uintptr {
	return maxRel32
}

func (Backend) JumpNear(from, to uintptr) ([]byte, error) {
	next := from + nearJumpSize
	if !arch.Reachable(next, to, maxRel32) {
		return nil, errors.Wrapf(arch.ErrBranchRange, "jmp rel32 from %#x to %#x", from, to)
	}
	code := []byte{0xe9} // JMP rel32
	return binary.LittleEndian.AppendUint32(code, uint32(int32(int64(to)-int64(next)))), nil
}

func (Backend) JumpFar(_, to uintptr) []byte {
	code := []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00} // JMP [RIP+0]
	return binary.LittleEndian.AppendUint64(code, uint64(to))
}

func (Backend) Pad(n int) []byte {
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = 0xcc // INT3
	}
	return pad
}
