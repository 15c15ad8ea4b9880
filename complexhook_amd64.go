package nativehook

import (
	"github.com/k2io/nativehook/internal/arch"
	"github.com/k2io/nativehook/internal/arch/x64"
)

// RegisterContext is the register state at the instrumented address:
// XMM0-7, the sixteen general purpose registers and RFLAGS.
type RegisterContext = x64.RegisterContext

func newBackend() arch.Backend {
	return x64.New()
}
