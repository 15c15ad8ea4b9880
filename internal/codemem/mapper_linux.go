package codemem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/k2io/nativehook/internal/procmaps"
)

// System maps anonymous read+execute pages with mmap.
type System struct{}

func (System) Map(addr uintptr, size int) (uintptr, error) {
	flags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS)
	if addr != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	got, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		unix.PROT_READ|unix.PROT_EXEC, flags, ^uintptr(0), 0)
	if errno != 0 {
		return 0, errors.Wrapf(errno, "mmap %d bytes at %#x", size, addr)
	}
	// kernels before 4.17 treat the address as a hint
	if addr != 0 && got != addr {
		_ = System{}.Unmap(got, size)
		return 0, errors.Errorf("mmap placed %#x instead of %#x", got, addr)
	}
	return got, nil
}

func (System) Unmap(addr uintptr, size int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0); errno != 0 {
		return errors.Wrapf(errno, "munmap %#x", addr)
	}
	return nil
}

func (System) Gaps(lo, hi uintptr) ([]procmaps.Gap, error) {
	t, err := procmaps.Read()
	if err != nil {
		return nil, err
	}
	return t.Gaps(lo, hi), nil
}

func (System) PageSize() int {
	return unix.Getpagesize()
}
