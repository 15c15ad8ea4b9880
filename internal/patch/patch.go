// Package patch writes live code. Every write runs under a Guard that makes
// the affected pages writable and puts each page's original protection back
// on every exit path.
package patch

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/k2io/nativehook/internal/procmaps"
)

// ErrNotMapped means part of the written range is not mapped.
var ErrNotMapped = procmaps.ErrNotMapped

var pageSize = uintptr(unix.Getpagesize())

type run struct {
	start uintptr
	size  uintptr
	prot  int
}

// Guard holds a set of pages writable until Release.
type Guard struct {
	runs     []run
	released bool
}

// Acquire makes [addr, addr+size) writable and executable.
func Acquire(addr uintptr, size int) (*Guard, error) {
	if size <= 0 {
		return &Guard{released: true}, nil
	}
	t, err := procmaps.Read()
	if err != nil {
		return nil, err
	}
	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)
	g := &Guard{}
	for p := start; p < end; p += pageSize {
		m, err := t.Find(p)
		if err != nil {
			return nil, err
		}
		if n := len(g.runs); n > 0 && g.runs[n-1].prot == m.Prot() && g.runs[n-1].start+g.runs[n-1].size == p {
			g.runs[n-1].size += pageSize
			continue
		}
		g.runs = append(g.runs, run{start: p, size: pageSize, prot: m.Prot()})
	}
	for i, r := range g.runs {
		if err := mprotect(r.start, r.size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
			g.runs = g.runs[:i]
			_ = g.Release()
			return nil, errors.Wrapf(err, "unprotect %#x", r.start)
		}
	}
	return g, nil
}

// Release restores the protection every page had before Acquire. It is
// safe to call more than once.
func (g *Guard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	var first error
	for _, r := range g.runs {
		if err := mprotect(r.start, r.size, r.prot); err != nil && first == nil {
			first = errors.Wrapf(err, "reprotect %#x", r.start)
		}
	}
	return first
}

// Write copies data to addr and flushes the instruction cache before the
// pages are protected again. A write that fits in one aligned machine word
// is a single atomic store, so concurrent executors see the old or the new
// bytes, never a mix. Wider writes are ordered by steps.
func Write(addr uintptr, data []byte) (err error) {
	if err := canFlush(); err != nil {
		return err
	}
	g, err := Acquire(addr, len(data))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	for _, s := range steps(addr, data) {
		store(addr+uintptr(s.off), s.data)
		flush(addr, len(data))
	}
	return nil
}

type step struct {
	off  int
	data []byte
}

// steps orders the stores of a write. A write wider than one word first
// parks entering threads on a self-branch stored atomically at addr, then
// fills in the tail, then stores the head word, so a thread arriving at addr
// runs the old code, spins briefly, or runs the new code. Threads already
// past addr when the write starts are not covered.
func steps(addr uintptr, data []byte) []step {
	if Atomic(addr, len(data)) || len(spin) == 0 {
		return []step{{0, data}}
	}
	head := int(wordSize - addr%wordSize)
	if head < len(spin) || head >= len(data) {
		return []step{{0, data}}
	}
	return []step{{0, spin}, {head, data[head:]}, {0, data[:head]}}
}

// Read copies n bytes at addr.
func Read(addr uintptr, n int) []byte {
	return append([]byte(nil), makeSlice(addr, uintptr(n))...)
}

// Atomic reports whether a write of n bytes at addr is a single store: it
// fits in one aligned machine word, or it is an aligned 64-bit pointer.
// Longer writes go through steps.
func Atomic(addr uintptr, n int) bool {
	if n == 8 && addr%8 == 0 {
		return true
	}
	base := addr &^ (wordSize - 1)
	return n > 0 && addr+uintptr(n) <= base+wordSize
}

func store(addr uintptr, data []byte) {
	switch {
	case !Atomic(addr, len(data)):
		copy(makeSlice(addr, uintptr(len(data))), data)
	case len(data) == 8 && addr%8 == 0:
		atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), binary.LittleEndian.Uint64(data))
	default:
		base := addr &^ (wordSize - 1)
		var buf [8]byte
		copy(buf[:wordSize], makeSlice(base, wordSize))
		copy(buf[addr-base:], data)
		if wordSize == 8 {
			atomic.StoreUint64((*uint64)(unsafe.Pointer(base)), binary.LittleEndian.Uint64(buf[:]))
		} else {
			atomic.StoreUint32((*uint32)(unsafe.Pointer(base)), binary.LittleEndian.Uint32(buf[:]))
		}
	}
}

func mprotect(addr, size uintptr, prot int) error {
	return unix.Mprotect(makeSlice(addr, size), prot)
}

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// ReadCode copies up to limit bytes at addr without leaving readable mappings.
func ReadCode(addr uintptr, limit int) ([]byte, error) {
	t, err := procmaps.Read()
	if err != nil {
		return nil, err
	}
	n := t.Readable(addr)
	if n == 0 {
		return nil, errors.Wrapf(ErrNotMapped, "code at %#x", addr)
	}
	if n > uintptr(limit) {
		n = uintptr(limit)
	}
	return Read(addr, int(n)), nil
}
