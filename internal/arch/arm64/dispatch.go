package arm64

import (
	"encoding/binary"
	"unsafe"
)

// RegisterContext is the register snapshot built by the dispatcher on the
// stack. The layout is shared with the emitted code.
type RegisterContext struct {
	X  [29]uint64
	FP uint64
	LR uint64
	// SP holds the stack pointer at function entry. Changes are not restored.
	SP   uint64
	NZCV uint64
	_    uint64
	Q    [8][2]uint64
}

const (
	contextSize = 400
	spOffset    = 31 * 8
	nzcvOffset  = spOffset + 8
	qOffset     = 272
)

var _ [contextSize]byte = [unsafe.Sizeof(RegisterContext{})]byte{}

// Arg returns the i-th integer argument of the AAPCS64 calling convention.
func (c *RegisterContext) Arg(i int) uint64 {
	if i < 8 {
		return c.X[i]
	}
	return *(*uint64)(unsafe.Pointer(uintptr(c.SP) + uintptr(8*(i-8))))
}

// SetArg overwrites the i-th register argument. Stack arguments are read-only.
func (c *RegisterContext) SetArg(i int, v uint64) bool {
	if i < 8 {
		c.X[i] = v
		return true
	}
	return false
}

// ReturnAddress is the link register at function entry.
func (c *RegisterContext) ReturnAddress() uintptr {
	return uintptr(c.LR)
}

func (Backend) ContextSize() int {
	return contextSize
}

func (b Backend) DispatcherSize() int {
	return len(b.Dispatcher(0, 0, 0, 0))
}

// Dispatcher saves X0-X30, SP, NZCV and Q0-Q7 below the entry SP, calls
// bridge(ctx, target), restores everything but SP and branches to resume.
func (b Backend) Dispatcher(pc, target, bridge, resume uintptr) []byte {
	var w []uint32
	w = append(w, subSP(contextSize))
	for r := uint32(0); r < 30; r += 2 {
		w = append(w, stp64(r, r+1, 8*r))
	}
	w = append(w,
		strX(30, 240),
		addSP(16, contextSize), // ADD X16, SP, #contextSize
		strX(16, spOffset),
		0xd53b4200|16, // MRS X16, NZCV
		strX(16, nzcvOffset),
	)
	for q := uint32(0); q < 8; q += 2 {
		w = append(w, stpQ(q, q+1, qOffset+16*q))
	}
	w = append(w, 0x910003e0) // MOV X0, SP
	ldrTarget := len(w)
	w = append(w, 0) // LDR X1, =target
	ldrBridge := len(w)
	w = append(w, 0) // LDR X16, =bridge
	w = append(w,
		0xd63f0000|16<<5, // BLR X16
		ldrX(16, nzcvOffset),
		0xd51b4200|16, // MSR NZCV, X16
	)
	for q := uint32(0); q < 8; q += 2 {
		w = append(w, ldpQ(q, q+1, qOffset+16*q))
	}
	for r := uint32(0); r < 30; r += 2 {
		w = append(w, ldp64(r, r+1, 8*r))
	}
	w = append(w, ldrX(30, 240), addSP(31, contextSize))
	ldrResume := len(w)
	w = append(w, 0, 0xd61f0000|scratch<<5) // LDR X17, =resume; BR X17
	if len(w)%2 != 0 {
		w = append(w, opNOP)
	}
	pool := len(w)
	w[ldrTarget] = ldrLiteral(1, int64(4*(pool-ldrTarget)))
	w[ldrBridge] = ldrLiteral(16, int64(4*(pool+2-ldrBridge)))
	w[ldrResume] = ldrLiteral(scratch, int64(4*(pool+4-ldrResume)))

	code := make([]byte, 0, 4*len(w)+24)
	for _, insn := range w {
		code = binary.LittleEndian.AppendUint32(code, insn)
	}
	code = binary.LittleEndian.AppendUint64(code, uint64(target))
	code = binary.LittleEndian.AppendUint64(code, uint64(bridge))
	return binary.LittleEndian.AppendUint64(code, uint64(resume))
}

// SUB SP, SP, #imm
func subSP(imm uint32) uint32 {
	return 0xd10003ff | imm<<10
}

// ADD Xd, SP, #imm (Xd == 31 is SP)
func addSP(rd, imm uint32) uint32 {
	return 0x910003e0 | imm<<10 | rd
}

// STP Xt1, Xt2, [SP, #off]
func stp64(t1, t2, off uint32) uint32 {
	return 0xa9000000 | (off/8)&0x7f<<15 | t2<<10 | 31<<5 | t1
}

// LDP Xt1, Xt2, [SP, #off]
func ldp64(t1, t2, off uint32) uint32 {
	return 0xa9400000 | (off/8)&0x7f<<15 | t2<<10 | 31<<5 | t1
}

// STP Qt1, Qt2, [SP, #off]
func stpQ(t1, t2, off uint32) uint32 {
	return 0xad000000 | (off/16)&0x7f<<15 | t2<<10 | 31<<5 | t1
}

// LDP Qt1, Qt2, [SP, #off]
func ldpQ(t1, t2, off uint32) uint32 {
	return 0xad400000 | (off/16)&0x7f<<15 | t2<<10 | 31<<5 | t1
}

// STR Xt, [SP, #off]
func strX(t, off uint32) uint32 {
	return 0xf9000000 | (off/8)<<10 | 31<<5 | t
}

// LDR Xt, [SP, #off]
func ldrX(t, off uint32) uint32 {
	return 0xf9400000 | (off/8)<<10 | 31<<5 | t
}
