//go:build arm64 && !cgo

package patch

import "github.com/pkg/errors"

const wordSize = 4

// b .
var spin = []byte{0x00, 0x00, 0x00, 0x14}

// ErrNoCacheFlush means the build cannot flush the instruction cache.
var ErrNoCacheFlush = errors.New("instruction cache flush requires cgo on arm64")

func canFlush() error {
	return ErrNoCacheFlush
}

func flush(uintptr, int) {}
