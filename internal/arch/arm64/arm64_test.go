package arm64

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/k2io/nativehook/internal/arch"
)

const pc = uintptr(0x400000)

func le(w uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, w)
}

func decode(t *testing.T, w uint32) arch.Insn {
	t.Helper()
	in, err := New().Decode(le(w), pc)
	require.NoError(t, err)
	return in
}

func TestDecode_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		word     uint32
		kind     arch.Kind
		target   uintptr
		terminal bool
	}{
		{"stp x29, x30", 0xa9bf7bfd, arch.Plain, 0, false},
		{"b +16", 0x14000004, arch.Branch, pc + 16, true},
		{"b -4", 0x17ffffff, arch.Branch, pc - 4, true},
		{"bl +8", 0x94000002, arch.Call, pc + 8, false},
		{"b.eq +8", 0x54000040, arch.CondBranch, pc + 8, false},
		{"cbz x0, +12", 0xb4000060, arch.CondBranch, pc + 12, false},
		{"tbnz w0, #3, +8", 0x37180040, arch.CondBranch, pc + 8, false},
		{"adr x0, +16", 0x10000080, arch.PCRelData, pc + 16, false},
		{"adrp x0, +1 page", 0xb0000000, arch.PCRelData, pc + 0x1000, false},
		{"ldr x1, +8", 0x58000041, arch.PCRelData, pc + 8, false},
		{"ret", 0xd65f03c0, arch.Plain, 0, true},
		{"br x16", 0xd61f0200, arch.Plain, 0, true},
		{"brk #0", 0xd4200000, arch.Plain, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := decode(t, tt.word)
			require.Equal(t, 4, in.Len)
			require.Equal(t, tt.kind, in.Kind)
			require.Equal(t, tt.target, in.Target)
			require.Equal(t, tt.terminal, in.Terminal)
		})
	}
}

func TestDecode_Short(t *testing.T) {
	_, err := New().Decode([]byte{0xfd, 0x7b}, pc)
	require.True(t, errors.Is(err, arch.ErrOutOfBounds))
}

func words32(code []byte) []uint32 {
	var w []uint32
	for i := 0; i+4 <= len(code); i += 4 {
		w = append(w, binary.LittleEndian.Uint32(code[i:]))
	}
	return w
}

func TestRelocate_Sizes(t *testing.T) {
	be := New()
	to := uintptr(0x7f0000000000)
	for _, w := range []uint32{0x14000004, 0x94000002, 0x54000040, 0xb4000060, 0x37180040, 0x10000080, 0xb0000000, 0x58000041, 0xa9bf7bfd} {
		in := decode(t, w)
		code, err := be.Relocate(in, to, in.Target)
		require.NoError(t, err)
		require.Len(t, code, be.RelocatedSize(in), "%#08x", w)
	}
}

func TestRelocate_CondBranch(t *testing.T) {
	be := New()
	in := decode(t, 0x54000040) // b.eq +8
	code, err := be.Relocate(in, 0x7f0000000000, in.Target)
	require.NoError(t, err)

	w := words32(code[:16])
	require.Equal(t, uint32(0x54000040), w[0]) // b.eq +8 to the absolute branch
	require.Equal(t, branch(20), w[1])
	require.Equal(t, ldrLiteral(scratch, 8), w[2])
	require.Equal(t, uint64(in.Target), binary.LittleEndian.Uint64(code[16:]))
}

func TestRelocate_ADRP(t *testing.T) {
	be := New()
	in := decode(t, 0xb0000000) // adrp x0
	code, err := be.Relocate(in, 0x7f0000000000, in.Target)
	require.NoError(t, err)
	w := words32(code[:8])
	require.Equal(t, ldrLiteral(0, 8), w[0])
	require.Equal(t, branch(12), w[1])
	require.Equal(t, uint64(pc+0x1000), binary.LittleEndian.Uint64(code[8:]))
}

func TestRelocate_LiteralLoad(t *testing.T) {
	be := New()
	in := decode(t, 0x58000041) // ldr x1, +8
	code, err := be.Relocate(in, 0x7f0000000000, in.Target)
	require.NoError(t, err)
	w := words32(code[:12])
	require.Equal(t, ldrLiteral(scratch, 12), w[0])
	require.Equal(t, uint32(0xf9400000|scratch<<5|1), w[1])
	require.Equal(t, uint64(pc+8), binary.LittleEndian.Uint64(code[12:]))
}

func TestJumps(t *testing.T) {
	be := New()
	code, err := be.JumpNear(pc, pc+16)
	require.NoError(t, err)
	require.Equal(t, le(0x14000004), code)

	code, err = be.JumpNear(pc, pc-4)
	require.NoError(t, err)
	require.Equal(t, le(0x17ffffff), code)

	_, err = be.JumpNear(pc, pc+1<<30)
	require.True(t, errors.Is(err, arch.ErrBranchRange))
	_, err = be.JumpNear(pc, pc+2)
	require.True(t, errors.Is(err, arch.ErrBranchRange))

	far := be.JumpFar(pc, 0x7f0000001234)
	require.Len(t, far, farJumpSize)
	require.Equal(t, []uint32{0x58000051, 0xd61f0220}, words32(far[:8]))
	require.Equal(t, uint64(0x7f0000001234), binary.LittleEndian.Uint64(far[8:]))
}

func TestPad(t *testing.T) {
	require.Equal(t, []uint32{opNOP, opNOP}, words32(New().Pad(8)))
	require.Empty(t, New().Pad(0))
}

func TestDispatcher(t *testing.T) {
	be := New()
	code := be.Dispatcher(0x1000, 0x2000, 0x3000, 0x4000)
	require.Equal(t, len(code), be.DispatcherSize())
	require.Zero(t, len(code)%8)
	n := len(code)
	require.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(code[n-24:]))
	require.Equal(t, uint64(0x3000), binary.LittleEndian.Uint64(code[n-16:]))
	require.Equal(t, uint64(0x4000), binary.LittleEndian.Uint64(code[n-8:]))
	require.Equal(t, subSP(contextSize), words32(code[:4])[0])
	require.Equal(t, 400, be.ContextSize())
}

func TestRegisterContext_Args(t *testing.T) {
	var c RegisterContext
	require.True(t, c.SetArg(7, 9))
	require.Equal(t, uint64(9), c.Arg(7))
	require.False(t, c.SetArg(8, 1))
	c.LR = 0xabc
	require.Equal(t, uintptr(0xabc), c.ReturnAddress())
}
