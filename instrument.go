package nativehook

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/k2io/nativehook/internal/trampoline"
)

// InstrumentHandler runs before the instrumented function with the
// register state at its first instruction. Changes to ctx, except the stack
// pointer, are visible to the function. ctx is only valid during the call.
type InstrumentHandler func(address uintptr, ctx *RegisterContext)

// handlers by instrumented address, read by the dispatcher without locking
var handlers sync.Map

// Instrument calls handler every time address executes, then runs the
// original code.
//
// The handler is reached through cgo, so the instrumented code must run on
// a native stack: C code, or a thread that entered C through cgo.
func Instrument(address uintptr, handler InstrumentHandler) error {
	if handler == nil {
		return opError("instrument", address, nil, errors.New("nil handler"))
	}
	bridge, err := bridgeEntry()
	if err != nil {
		return opError("instrument", address, nil, err)
	}
	_, err = install("instrument", KindInstrument, trampoline.Request{Target: address, Bridge: bridge}, func() func() {
		handlers.Store(address, handler)
		return func() { handlers.Delete(address) }
	})
	return err
}

// dispatch runs the handler for target. A dispatcher still running after
// Destroy finds no handler and just resumes.
func dispatch(target uintptr, ctx *RegisterContext) {
	v, ok := handlers.Load(target)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("instrument handler for %#x panicked: %v", target, r)
		}
	}()
	v.(InstrumentHandler)(target, ctx)
}
