package nativehook

import (
	"github.com/k2io/nativehook/internal/arch"
	"github.com/k2io/nativehook/internal/arch/arm64"
)

// RegisterContext is the register state at the instrumented address:
// X0-X28, FP, LR, SP, NZCV and Q0-Q7.
type RegisterContext = arm64.RegisterContext

func newBackend() arch.Backend {
	return arm64.New()
}
