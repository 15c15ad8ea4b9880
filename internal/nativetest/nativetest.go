//go:build linux && cgo

package nativetest

/*
#include <stdint.h>
#include <unistd.h>

typedef uint64_t (*fn2)(uint64_t, uint64_t);

static uint64_t call2(uintptr_t fn, uint64_t a, uint64_t b) {
	return ((fn2)fn)(a, b);
}

static long call_getpid(void) {
	return (long)getpid();
}
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Call2 calls the native function fn(a, b). The call goes through cgo, so
// the code executes on a native stack.
func Call2(fn uintptr, a, b uint64) uint64 {
	return uint64(C.call2(C.uintptr_t(fn), C.uint64_t(a), C.uint64_t(b)))
}

// Getpid calls getpid through this executable's import table.
func Getpid() int {
	return int(C.call_getpid())
}

// Code is machine code loaded into its own read+execute mapping.
type Code struct {
	mem []byte
}

// Load maps code at the start of a fresh page.
func Load(code []byte) (*Code, error) {
	size := (len(code) + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, errors.Wrap(err, "mprotect")
	}
	return &Code{mem: mem}, nil
}

// Addr is the entry address.
func (c *Code) Addr() uintptr {
	return uintptr(unsafe.Pointer(&c.mem[0]))
}

// Bytes returns a copy of the first n bytes as currently in memory.
func (c *Code) Bytes(n int) []byte {
	return append([]byte(nil), c.mem[:n]...)
}

// Free unmaps the code.
func (c *Code) Free() error {
	return unix.Munmap(c.mem)
}
