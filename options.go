package nativehook

import (
	"sync/atomic"
)

// AllocNearCodeFunc returns size bytes of executable memory within rng bytes
// of pos, or 0 to let the engine map its own.
type AllocNearCodeFunc func(size int, pos, rng uintptr) uintptr

// Options configure installs. Each install takes one snapshot, so changes
// apply to later installs only.
type Options struct {
	// NearTrampoline prefers short entry stubs through a relay block mapped
	// within branch range of the target.
	NearTrampoline bool
	AllocNearCode  AllocNearCodeFunc
}

var options atomic.Pointer[Options]

func init() {
	options.Store(&Options{NearTrampoline: true})
}

// SetOptions replaces both options at once.
func SetOptions(nearTrampoline bool, alloc AllocNearCodeFunc) {
	options.Store(&Options{NearTrampoline: nearTrampoline, AllocNearCode: alloc})
}

// SetNearTrampoline toggles near trampolines for later installs.
func SetNearTrampoline(enable bool) {
	update(func(o *Options) { o.NearTrampoline = enable })
}

// RegisterAllocNearCodeCallback installs a host allocation strategy tried
// before the built-in allocator. nil removes it.
func RegisterAllocNearCodeCallback(fn AllocNearCodeFunc) {
	update(func(o *Options) { o.AllocNearCode = fn })
}

// CurrentOptions returns the options the next install will use.
func CurrentOptions() Options {
	return *options.Load()
}

func update(fn func(*Options)) {
	for {
		old := options.Load()
		next := *old
		fn(&next)
		if options.CompareAndSwap(old, &next) {
			return
		}
	}
}
