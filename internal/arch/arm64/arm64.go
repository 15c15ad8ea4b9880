// Package arm64 is the AArch64 backend. Every position-dependent
// instruction moved into a trampoline is expanded into an absolute sequence
// through X17 (IP1), the intra-procedure-call scratch register.
package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/k2io/nativehook/internal/arch"
)

const (
	insnSize     = 4
	nearJumpSize = 4  // B imm26
	farJumpSize  = 16 // LDR X17, #8; BR X17; .quad
	nearRange    = uintptr(1<<27 - 0x1000)

	scratch = 17 // X17

	opNOP = 0xd503201f
)

// Backend implements arch.Backend for arm64.
type Backend struct{}

// New returns the arm64 backend.
func New() Backend {
	return Backend{}
}

func (Backend) Name() string {
	return "arm64"
}

func (Backend) Decode(code []byte, pc uintptr) (arch.Insn, error) {
	if len(code) < insnSize {
		return arch.Insn{}, errors.Wrapf(arch.ErrOutOfBounds, "%d bytes left at %#x", len(code), pc)
	}
	enc := binary.LittleEndian.Uint32(code)
	in := arch.Insn{
		Addr: pc,
		Len:  insnSize,
		Raw:  append([]byte(nil), code[:insnSize]...),
	}
	inst, err := arm64asm.Decode(code[:insnSize])
	if err == nil {
		in.Text = arm64asm.GNUSyntax(inst)
	} else {
		in.Text = fmt.Sprintf(".inst %#08x", enc)
	}
	switch {
	case enc&0x7c000000 == 0x14000000: // B, BL
		in.Target = pc + uintptr(signExtend(enc&0x3ffffff, 26)<<2)
		if enc&0x80000000 != 0 {
			in.Kind = arch.Call
		} else {
			in.Kind = arch.Branch
			in.Terminal = true
		}
	case enc&0xff000010 == 0x54000000, // B.cond
		enc&0x7e000000 == 0x34000000: // CBZ, CBNZ
		in.Kind = arch.CondBranch
		in.Target = pc + uintptr(signExtend(enc>>5&0x7ffff, 19)<<2)
	case enc&0x7e000000 == 0x36000000: // TBZ, TBNZ
		in.Kind = arch.CondBranch
		in.Target = pc + uintptr(signExtend(enc>>5&0x3fff, 14)<<2)
	case enc&0x1f000000 == 0x10000000: // ADR, ADRP
		in.Kind = arch.PCRelData
		imm := signExtend(enc>>5&0x7ffff<<2|enc>>29&3, 21)
		if enc&0x80000000 != 0 {
			in.Target = pc&^0xfff + uintptr(imm<<12)
		} else {
			in.Target = pc + uintptr(imm)
		}
	case enc&0x3b000000 == 0x18000000: // LDR (literal), LDRSW (literal), PRFM (literal)
		if enc>>30 == 3 && enc&(1<<26) != 0 {
			return arch.Insn{}, errors.Wrapf(arch.ErrUnsupportedInstruction, "reserved literal load %#08x", enc)
		}
		in.Kind = arch.PCRelData
		in.Target = pc + uintptr(signExtend(enc>>5&0x7ffff, 19)<<2)
	case enc&0xfffffc1f == 0xd65f0000, // RET
		enc&0xfffffc1f == 0xd61f0000, // BR
		enc == 0xd65f0bff, enc == 0xd65f0fff, // RETAA, RETAB
		enc&0xffe0001f == 0xd4200000, // BRK
		enc&0xffff0000 == 0: // UDF
		in.Terminal = true
	}
	if err == nil && in.Kind == arch.Plain {
		for _, a := range inst.Args {
			if a == nil {
				break
			}
			if _, ok := a.(arm64asm.PCRel); ok {
				return arch.Insn{}, errors.Wrapf(arch.ErrUnsupportedInstruction, "pc-relative %s", in.Text)
			}
		}
	}
	return in, nil
}

func (Backend) RelocatedSize(in arch.Insn) int {
	enc := binary.LittleEndian.Uint32(in.Raw)
	switch in.Kind {
	case arch.Branch:
		return farJumpSize
	case arch.Call:
		return 20
	case arch.CondBranch:
		return 24
	case arch.PCRelData:
		if enc&0x1f000000 == 0x10000000 {
			return 16
		}
		if enc>>30 == 3 {
			return insnSize // PRFM becomes NOP
		}
		return 20
	}
	return insnSize
}

func (b Backend) Relocate(in arch.Insn, pc, target uintptr) ([]byte, error) {
	enc := binary.LittleEndian.Uint32(in.Raw)
	switch in.Kind {
	case arch.Plain:
		return append([]byte(nil), in.Raw...), nil
	case arch.Branch:
		return b.JumpFar(pc, target), nil
	case arch.Call:
		return words(target,
			ldrLiteral(scratch, 12),
			0xd63f0000|scratch<<5, // BLR X17
			branch(12),
		), nil
	case arch.CondBranch:
		var taken uint32
		if enc&0x7e000000 == 0x36000000 {
			taken = enc&^(0x3fff<<5) | 2<<5
		} else {
			taken = enc&^(0x7ffff<<5) | 2<<5
		}
		return words(target,
			taken,
			branch(20),
			ldrLiteral(scratch, 8),
			0xd61f0000|scratch<<5, // BR X17
		), nil
	case arch.PCRelData:
		rt := enc & 0x1f
		if enc&0x1f000000 == 0x10000000 {
			return words(target,
				ldrLiteral(rt, 8),
				branch(12),
			), nil
		}
		load, ok := literalLoad(enc)
		if !ok {
			return binary.LittleEndian.AppendUint32(nil, opNOP), nil
		}
		return words(target,
			ldrLiteral(scratch, 12),
			load|scratch<<5|rt,
			branch(12),
		), nil
	}
	return nil, errors.Wrapf(arch.ErrUnsupportedInstruction, "kind %v", in.Kind)
}

// literalLoad maps a literal load onto the equivalent [X17] load.
func literalLoad(enc uint32) (uint32, bool) {
	simd := enc&(1<<26) != 0
	switch enc >> 30 {
	case 0:
		if simd {
			return 0xbd400000, true // LDR St
		}
		return 0xb9400000, true // LDR Wt
	case 1:
		if simd {
			return 0xfd400000, true // LDR Dt
		}
		return 0xf9400000, true // LDR Xt
	case 2:
		if simd {
			return 0x3dc00000, true // LDR Qt
		}
		return 0xb9800000, true // LDRSW Xt
	}
	return 0, false
}

func (Backend) DataRange() uintptr {
	return 0
}

func (Backend) NearJumpSize() int {
	return nearJumpSize
}

func (Backend) FarJumpSize() int {
	return farJumpSize
}

func (Backend) NearRange() uintptr {
	return nearRange
}

func (Backend) JumpNear(from, to uintptr) ([]byte, error) {
	if !arch.Reachable(from, to, nearRange) || (to-from)%insnSize != 0 {
		return nil, errors.Wrapf(arch.ErrBranchRange, "b from %#x to %#x", from, to)
	}
	return binary.LittleEndian.AppendUint32(nil, branch(int64(to)-int64(from))), nil
}

func (Backend) JumpFar(_, to uintptr) []byte {
	return words(to,
		ldrLiteral(scratch, 8),
		0xd61f0000|scratch<<5, // BR X17
	)
}

func (Backend) Pad(n int) []byte {
	pad := make([]byte, 0, n)
	for len(pad)+insnSize <= n {
		pad = binary.LittleEndian.AppendUint32(pad, opNOP)
	}
	return pad
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

// ldrLiteral encodes LDR Xt, #off.
func ldrLiteral(rt uint32, off int64) uint32 {
	return 0x58000000 | uint32(off>>2)&0x7ffff<<5 | rt
}

// branch encodes B #off.
func branch(off int64) uint32 {
	return 0x14000000 | uint32(off>>2)&0x3ffffff
}

// words encodes insns followed by a 64-bit literal.
func words(literal uintptr, insns ...uint32) []byte {
	code := make([]byte, 0, 4*len(insns)+8)
	for _, w := range insns {
		code = binary.LittleEndian.AppendUint32(code, w)
	}
	return binary.LittleEndian.AppendUint64(code, uint64(literal))
}
