package x64

import (
	"encoding/binary"
	"unsafe"
)

// RegisterContext is the register snapshot built by the dispatcher on the
// stack. Field order is the dispatcher's push order and must not change.
type RegisterContext struct {
	XMM [8][2]uint64

	RAX, RCX, RDX, RBX uint64
	// RSP holds the stack pointer at function entry. Changes are not restored.
	RSP, RBP, RSI, RDI uint64

	R8, R9, R10, R11, R12, R13, R14, R15 uint64

	RFLAGS uint64
}

const (
	contextSize = 8*16 + 16*8 + 8
	gprOffset   = 8 * 16
	rspOffset   = gprOffset + 4*8
)

var _ [contextSize]byte = [unsafe.Sizeof(RegisterContext{})]byte{}

// Arg returns the i-th integer argument of the System V calling convention.
func (c *RegisterContext) Arg(i int) uint64 {
	if p := c.argReg(i); p != nil {
		return *p
	}
	return *(*uint64)(unsafe.Pointer(uintptr(c.RSP) + uintptr(8*(i-5))))
}

// SetArg overwrites the i-th register argument. Stack arguments are read-only.
func (c *RegisterContext) SetArg(i int, v uint64) bool {
	if p := c.argReg(i); p != nil {
		*p = v
		return true
	}
	return false
}

// ReturnAddress is the caller's return address on top of the entry stack.
func (c *RegisterContext) ReturnAddress() uintptr {
	return *(*uintptr)(unsafe.Pointer(uintptr(c.RSP)))
}

func (c *RegisterContext) argReg(i int) *uint64 {
	switch i {
	case 0:
		return &c.RDI
	case 1:
		return &c.RSI
	case 2:
		return &c.RDX
	case 3:
		return &c.RCX
	case 4:
		return &c.R8
	case 5:
		return &c.R9
	}
	return nil
}

func (Backend) ContextSize() int {
	return contextSize
}

func (b Backend) DispatcherSize() int {
	return len(b.Dispatcher(0, 0, 0, 0))
}

// Dispatcher emits:
//
//	pushfq; push r15..r8, rdi, rsi, rbp, rsp, rbx, rdx, rcx, rax
//	lea rsp, [rsp-128]; movdqu [rsp+16*i], xmm(i)
//	fix up the saved rsp, call bridge(rsp, target) on an aligned stack
//	restore everything except rsp; jmp [rip+0] -> resume
func (b Backend) Dispatcher(pc, target, bridge, resume uintptr) []byte {
	code := []byte{0x9c} // PUSHFQ
	for r := 15; r >= 8; r-- {
		code = append(code, 0x41, 0x50+byte(r-8)) // PUSH r8..r15
	}
	for r := 7; r >= 0; r-- {
		code = append(code, 0x50+byte(r)) // PUSH rdi..rax
	}
	code = append(code, 0x48, 0x8d, 0x64, 0x24, 0x80) // LEA RSP, [RSP-128]
	for i := 0; i < 8; i++ {
		code = append(code, 0xf3, 0x0f, 0x7f, 0x44|byte(i)<<3, 0x24, byte(16*i)) // MOVDQU [RSP+16*i], XMMi
	}
	code = append(code, 0x48, 0x8d, 0x84, 0x24) // LEA RAX, [RSP+contextSize]
	code = binary.LittleEndian.AppendUint32(code, contextSize)
	code = append(code, 0x48, 0x89, 0x84, 0x24) // MOV [RSP+rspOffset], RAX
	code = binary.LittleEndian.AppendUint32(code, rspOffset)
	code = append(code, 0x48, 0x89, 0xe7) // MOV RDI, RSP
	code = append(code, 0x48, 0xbe)       // MOV RSI, imm64
	code = binary.LittleEndian.AppendUint64(code, uint64(target))
	code = append(code, 0x48, 0x89, 0xe3)       // MOV RBX, RSP
	code = append(code, 0x48, 0x83, 0xe4, 0xf0) // AND RSP, -16
	code = append(code, 0x48, 0xb8)             // MOV RAX, imm64
	code = binary.LittleEndian.AppendUint64(code, uint64(bridge))
	code = append(code, 0xff, 0xd0)       // CALL RAX
	code = append(code, 0x48, 0x89, 0xdc) // MOV RSP, RBX
	for i := 0; i < 8; i++ {
		code = append(code, 0xf3, 0x0f, 0x6f, 0x44|byte(i)<<3, 0x24, byte(16*i)) // MOVDQU XMMi, [RSP+16*i]
	}
	code = append(code, 0x48, 0x8d, 0xa4, 0x24) // LEA RSP, [RSP+128]
	code = binary.LittleEndian.AppendUint32(code, 128)
	code = append(code, 0x58, 0x59, 0x5a, 0x5b)       // POP rax, rcx, rdx, rbx
	code = append(code, 0x48, 0x8d, 0x64, 0x24, 0x08) // LEA RSP, [RSP+8]
	code = append(code, 0x5d, 0x5e, 0x5f)             // POP rbp, rsi, rdi
	for r := 8; r <= 15; r++ {
		code = append(code, 0x41, 0x58+byte(r-8)) // POP r8..r15
	}
	code = append(code, 0x9d) // POPFQ
	return append(code, b.JumpFar(pc+uintptr(len(code)), resume)...)
}
