package arch

import (
	"github.com/pkg/errors"
)

// Window is the run of whole instructions an entry stub overwrites.
type Window struct {
	Start uintptr
	Len   int
	Insns []Insn
}

// End is the first address past the window.
func (w *Window) End() uintptr {
	return w.Start + uintptr(w.Len)
}

// HasPCRelData reports whether any instruction references data relative to its address.
func (w *Window) HasPCRelData() bool {
	for _, in := range w.Insns {
		if in.Kind == PCRelData {
			return true
		}
	}
	return false
}

// Original returns a copy of the window's original bytes.
func (w *Window) Original() []byte {
	buf := make([]byte, 0, w.Len)
	for _, in := range w.Insns {
		buf = append(buf, in.Raw...)
	}
	return buf
}

// Analyze returns the smallest run of whole instructions at start covering
// at least minLen bytes. code holds the readable bytes beginning at start; it
// should end at the containing mapping's end or at MaxScan, whichever is first.
func Analyze(b Backend, code []byte, start uintptr, minLen int) (*Window, error) {
	if minLen <= 0 {
		return nil, errors.Errorf("invalid minimum window %d", minLen)
	}
	if len(code) > MaxScan {
		code = code[:MaxScan]
	}
	w := &Window{Start: start}
	off := 0
	for off < minLen {
		if off >= len(code) {
			return nil, errors.Wrapf(ErrOutOfBounds, "need %d bytes at %#x, %d readable", minLen, start, len(code))
		}
		in, err := b.Decode(code[off:], start+uintptr(off))
		if err != nil {
			return nil, errors.Wrapf(err, "decode at %#x", start+uintptr(off))
		}
		off += in.Len
		w.Insns = append(w.Insns, in)
		if in.Terminal && off < minLen {
			return nil, errors.Wrapf(ErrUnsupportedInstruction, "function ends at %#x (%s) inside a %d byte window", in.Addr, in.Text, minLen)
		}
	}
	w.Len = off
	return w, nil
}

// Relocate lays the window's instructions out at to. Branches into the
// window are redirected to their relocated copies.
func Relocate(b Backend, w *Window, to uintptr) ([]byte, error) {
	offsets := make([]int, len(w.Insns))
	size := 0
	for i, in := range w.Insns {
		offsets[i] = size
		size += b.RelocatedSize(in)
	}
	out := make([]byte, 0, size)
	for i, in := range w.Insns {
		pc := to + uintptr(offsets[i])
		target := in.Target
		if in.Kind == Branch || in.Kind == CondBranch || in.Kind == Call {
			if target >= w.Start && target < w.End() {
				idx := w.index(target)
				if idx < 0 {
					return nil, errors.Wrapf(ErrUnsupportedInstruction, "branch at %#x into the middle of an instruction at %#x", in.Addr, target)
				}
				target = to + uintptr(offsets[idx])
			}
		}
		code, err := b.Relocate(in, pc, target)
		if err != nil {
			return nil, errors.Wrapf(err, "relocate %s at %#x", in.Text, in.Addr)
		}
		if len(code) != b.RelocatedSize(in) {
			return nil, errors.Errorf("relocated %s at %#x to %d bytes, expected %d", in.Text, in.Addr, len(code), b.RelocatedSize(in))
		}
		out = append(out, code...)
	}
	return out, nil
}

// RelocatedSize is the total size of the relocated window.
func RelocatedSize(b Backend, w *Window) int {
	size := 0
	for _, in := range w.Insns {
		size += b.RelocatedSize(in)
	}
	return size
}

func (w *Window) index(addr uintptr) int {
	for i, in := range w.Insns {
		if in.Addr == addr {
			return i
		}
	}
	return -1
}
