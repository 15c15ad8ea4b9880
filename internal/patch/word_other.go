//go:build !amd64 && !arm64

package patch

import "github.com/pkg/errors"

const wordSize = 8

var spin []byte

func canFlush() error {
	return errors.New("code patching is not supported on this architecture")
}

func flush(uintptr, int) {}
