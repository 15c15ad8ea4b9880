package x64

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/k2io/nativehook/internal/arch"
)

const pc = uintptr(0x400000)

func decode(t *testing.T, code ...byte) arch.Insn {
	t.Helper()
	in, err := New().Decode(code, pc)
	require.NoError(t, err)
	return in
}

func TestDecode_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		kind     arch.Kind
		target   uintptr
		terminal bool
	}{
		{"push rbp", []byte{0x55}, arch.Plain, 0, false},
		{"jmp rel8", []byte{0xeb, 0x10}, arch.Branch, pc + 2 + 0x10, true},
		{"jmp rel32 back", []byte{0xe9, 0xfb, 0xff, 0xff, 0xff}, arch.Branch, pc, true},
		{"call rel32", []byte{0xe8, 0x00, 0x01, 0x00, 0x00}, arch.Call, pc + 5 + 0x100, false},
		{"jne rel8", []byte{0x75, 0x04}, arch.CondBranch, pc + 6, false},
		{"jbe rel32", []byte{0x0f, 0x86, 0x20, 0x00, 0x00, 0x00}, arch.CondBranch, pc + 6 + 0x20, false},
		{"lea rip", []byte{0x48, 0x8d, 0x05, 0x10, 0x00, 0x00, 0x00}, arch.PCRelData, pc + 7 + 0x10, false},
		{"ret", []byte{0xc3}, arch.Plain, 0, true},
		{"int3", []byte{0xcc}, arch.Plain, 0, true},
		{"ud2", []byte{0x0f, 0x0b}, arch.Plain, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := decode(t, tt.code...)
			require.Equal(t, len(tt.code), in.Len)
			require.Equal(t, tt.kind, in.Kind)
			require.Equal(t, tt.target, in.Target)
			require.Equal(t, tt.terminal, in.Terminal)
			require.NotEmpty(t, in.Text)
		})
	}
}

func TestDecode_Truncated(t *testing.T) {
	_, err := New().Decode([]byte{0x48, 0x8d}, pc)
	require.True(t, errors.Is(err, arch.ErrOutOfBounds))
}

func TestRelocate_Branch(t *testing.T) {
	be := New()
	in := decode(t, 0xeb, 0x10)
	code, err := be.Relocate(in, 0x7f0000000000, in.Target)
	require.NoError(t, err)
	require.Len(t, code, be.RelocatedSize(in))
	require.Equal(t, []byte{0xff, 0x25, 0, 0, 0, 0}, code[:6])
	require.Equal(t, uint64(in.Target), binary.LittleEndian.Uint64(code[6:]))
}

func TestRelocate_Call(t *testing.T) {
	be := New()
	in := decode(t, 0xe8, 0x00, 0x01, 0x00, 0x00)
	code, err := be.Relocate(in, 0x7f0000000000, in.Target)
	require.NoError(t, err)
	require.Len(t, code, callAbsSize)
	require.Equal(t, []byte{0xff, 0x15, 0x02, 0, 0, 0, 0xeb, 0x08}, code[:8])
	require.Equal(t, uint64(in.Target), binary.LittleEndian.Uint64(code[8:]))
}

func TestRelocate_CondBranch(t *testing.T) {
	be := New()
	for _, raw := range [][]byte{{0x75, 0x04}, {0x0f, 0x85, 0x04, 0x00, 0x00, 0x00}} {
		in := decode(t, raw...)
		code, err := be.Relocate(in, 0x7f0000000000, in.Target)
		require.NoError(t, err)
		require.Len(t, code, condAbsSize)
		require.Equal(t, []byte{0x75, 0x02, 0xeb, 0x0e, 0xff, 0x25}, code[:6])
		require.Equal(t, uint64(in.Target), binary.LittleEndian.Uint64(code[10:]))
	}
}

func TestRelocate_PCRelData(t *testing.T) {
	be := New()
	in := decode(t, 0x48, 0x8d, 0x05, 0x10, 0x00, 0x00, 0x00)

	to := pc + 0x1000
	code, err := be.Relocate(in, to, in.Target)
	require.NoError(t, err)
	disp := int32(binary.LittleEndian.Uint32(code[3:]))
	require.Equal(t, in.Target, uintptr(int64(to)+7+int64(disp)))

	_, err = be.Relocate(in, 0x7f0000000000, in.Target)
	require.True(t, errors.Is(err, arch.ErrRelocationRange))
}

func TestJumpNear(t *testing.T) {
	be := New()
	code, err := be.JumpNear(pc, pc+0x100)
	require.NoError(t, err)
	require.Equal(t, []byte{0xe9, 0xfb, 0x00, 0x00, 0x00}, code)

	code, err = be.JumpNear(pc, pc-0x10)
	require.NoError(t, err)
	require.Equal(t, []byte{0xe9, 0xeb, 0xff, 0xff, 0xff}, code)

	_, err = be.JumpNear(pc, 0x7f0000000000)
	require.True(t, errors.Is(err, arch.ErrBranchRange))
}

func TestPad(t *testing.T) {
	require.Equal(t, []byte{0xcc, 0xcc, 0xcc}, New().Pad(3))
	require.Empty(t, New().Pad(0))
}

func TestRegisterContext_Args(t *testing.T) {
	var c RegisterContext
	for i := 0; i < 6; i++ {
		require.True(t, c.SetArg(i, uint64(i+1)))
	}
	require.Equal(t, uint64(1), c.RDI)
	require.Equal(t, uint64(2), c.RSI)
	require.Equal(t, uint64(3), c.RDX)
	require.Equal(t, uint64(4), c.RCX)
	require.Equal(t, uint64(5), c.R8)
	require.Equal(t, uint64(6), c.R9)
	require.Equal(t, uint64(6), c.Arg(5))
	require.False(t, c.SetArg(6, 7))

	stack := []uint64{0xdead, 70, 80}
	c.RSP = uint64(uintptr(unsafe.Pointer(&stack[0])))
	require.Equal(t, uint64(70), c.Arg(6))
	require.Equal(t, uint64(80), c.Arg(7))
	require.Equal(t, uintptr(0xdead), c.ReturnAddress())
}

func TestDispatcher(t *testing.T) {
	be := New()
	code := be.Dispatcher(0x1000, 0x2000, 0x3000, 0x4000)
	require.Equal(t, len(code), be.DispatcherSize())
	require.Equal(t, byte(0x9c), code[0])
	tail := code[len(code)-farJumpSize:]
	require.Equal(t, uint64(0x4000), binary.LittleEndian.Uint64(tail[6:]))
	require.Equal(t, byte(0x9d), code[len(code)-farJumpSize-1])
	require.Equal(t, 264, be.ContextSize())
}
