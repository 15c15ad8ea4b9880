package nativehook

import (
	"sort"
	"sync"

	"github.com/k2io/nativehook/internal/codemem"
)

// Kind is what a patch record installed.
type Kind int

const (
	KindHook Kind = iota
	KindInstrument
	KindRawPatch
)

func (k Kind) String() string {
	switch k {
	case KindHook:
		return "hook"
	case KindInstrument:
		return "instrument"
	case KindRawPatch:
		return "raw-patch"
	}
	return "unknown"
}

// PatchRecord describes one active patch.
type PatchRecord struct {
	Target uintptr
	Length int
	// Original are the bytes Destroy writes back.
	Original []byte
	// Installed are the bytes written at Target.
	Installed []byte
	// Trampoline continues into the original function. Zero for raw patches.
	Trampoline uintptr
	// Relay is the block the entry stub branches to, if any.
	Relay uintptr
	Kind  Kind
	Near  bool
}

type hook struct {
	PatchRecord
	blocks []codemem.Block
}

func (h *hook) overlaps(addr uintptr, n int) bool {
	return addr < h.Target+uintptr(h.Length) && h.Target < addr+uintptr(n)
}

var (
	// hooks applied with target addresses as keys
	hooks = make(map[uintptr]*hook)
	// protect the hooks map
	hooksMu sync.RWMutex
	// serializes analyze, build, write and register
	lock sync.Mutex
)

func lookup(addr uintptr) *hook {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return hooks[addr]
}

// overlapping returns a record whose window intersects [addr, addr+n).
func overlapping(addr uintptr, n int) *hook {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	if h := hooks[addr]; h != nil {
		return h
	}
	for _, h := range hooks {
		if h.overlaps(addr, n) {
			return h
		}
	}
	return nil
}

func register(h *hook) {
	hooksMu.Lock()
	hooks[h.Target] = h
	hooksMu.Unlock()
}

func unregister(addr uintptr) {
	hooksMu.Lock()
	delete(hooks, addr)
	hooksMu.Unlock()
}

// Records returns a snapshot of the active patches sorted by target.
func Records() []PatchRecord {
	hooksMu.RLock()
	out := make([]PatchRecord, 0, len(hooks))
	for _, h := range hooks {
		r := h.PatchRecord
		r.Original = append([]byte(nil), r.Original...)
		r.Installed = append([]byte(nil), r.Installed...)
		out = append(out, r)
	}
	hooksMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
