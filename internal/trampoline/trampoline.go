// Package trampoline builds the code an inline patch needs: the relocated
// copy of the overwritten instructions that continues into the original
// function, the relay block the entry stub branches to, and the entry stub
// itself.
package trampoline

import (
	"github.com/pkg/errors"

	"github.com/k2io/nativehook/internal/arch"
	"github.com/k2io/nativehook/internal/codemem"
	"github.com/k2io/nativehook/internal/patch"
)

// ErrNoReachableMemory means no placement satisfies the branch constraints.
var ErrNoReachableMemory = errors.New("no reachable memory for trampoline")

// AnalysisError marks a failure to find a relocatable instruction window.
type AnalysisError struct {
	Err error
}

func (e *AnalysisError) Error() string {
	return "analyze: " + e.Err.Error()
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Allocator supplies executable blocks.
type Allocator interface {
	Alloc(codemem.Request) (codemem.Block, error)
	Free(codemem.Block) error
}

// Config is the per-install environment.
type Config struct {
	Backend arch.Backend
	Alloc   Allocator
	// Near enables short entry stubs branching to a relay block close to the target.
	Near     bool
	Callback codemem.AllocFunc
	// Code returns the readable bytes at addr, at most arch.MaxScan of them.
	Code func(addr uintptr) ([]byte, error)
	// Write stores code into an allocated block.
	Write func(addr uintptr, code []byte) error
}

// Request describes what the entry stub redirects to.
type Request struct {
	Target uintptr
	// Replacement receives control for a hook.
	Replacement uintptr
	// Bridge is set for instrumentation: the relay holds a dispatcher calling
	// Bridge(ctx, Target) before resuming in the trampoline.
	Bridge uintptr
}

func (r Request) instrument() bool {
	return r.Bridge != 0
}

// Result is a built but not yet installed patch.
type Result struct {
	Window     *arch.Window
	Trampoline codemem.Block
	Relay      codemem.Block
	// Entry is the stub to write at the target, exactly Window.Len bytes.
	Entry []byte
	Near  bool
}

// Original is the code the entry stub replaces.
func (r *Result) Original() []byte {
	return r.Window.Original()
}

// Blocks lists the allocated blocks.
func (r *Result) Blocks() []codemem.Block {
	blocks := []codemem.Block{r.Trampoline}
	if r.Relay.Size != 0 {
		blocks = append(blocks, r.Relay)
	}
	return blocks
}

type builder struct {
	cfg    Config
	req    Request
	blocks []codemem.Block
}

// Build plans and emits a patch for req. Nothing at the target is modified;
// on failure every allocated block is freed.
func Build(cfg Config, req Request) (res *Result, err error) {
	if cfg.Write == nil {
		cfg.Write = patch.Write
	}
	if cfg.Code == nil {
		cfg.Code = func(addr uintptr) ([]byte, error) { return patch.ReadCode(addr, arch.MaxScan) }
	}
	b := &builder{cfg: cfg, req: req}
	defer func() {
		if err != nil {
			b.release()
		}
	}()
	code, err := cfg.Code(req.Target)
	if err != nil {
		return nil, &AnalysisError{Err: err}
	}
	if cfg.Near {
		res, err = b.near(code)
		if err == nil || !errors.Is(err, codemem.ErrNoSpaceInRange) {
			return res, err
		}
		b.release()
	}
	return b.far(code)
}

// near tries a short entry stub. It fails with codemem.ErrNoSpaceInRange
// when no relay fits in branch range, leaving the far form to the caller.
func (b *builder) near(code []byte) (*Result, error) {
	be := b.cfg.Backend
	if !b.req.instrument() {
		if _, err := be.JumpNear(b.req.Target, b.req.Replacement); err == nil {
			return b.finish(code, true, b.req.Replacement, codemem.Block{})
		}
	}
	relay, err := b.alloc(b.relaySize(), b.req.Target, be.NearRange(), true)
	if err != nil {
		return nil, err
	}
	return b.finish(code, true, relay.Addr, relay)
}

func (b *builder) far(code []byte) (*Result, error) {
	if !b.req.instrument() {
		return b.finish(code, false, b.req.Replacement, codemem.Block{})
	}
	relay, err := b.alloc(b.relaySize(), 0, 0, false)
	if err != nil {
		return nil, err
	}
	return b.finish(code, false, relay.Addr, relay)
}

func (b *builder) relaySize() int {
	if b.req.instrument() {
		return b.cfg.Backend.DispatcherSize()
	}
	return b.cfg.Backend.FarJumpSize()
}

// finish analyzes the window for the chosen stub size, emits the
// continue-original trampoline and the relay, and encodes the entry stub.
func (b *builder) finish(code []byte, near bool, dest uintptr, relay codemem.Block) (*Result, error) {
	be := b.cfg.Backend
	target := b.req.Target
	stub := be.FarJumpSize()
	if near {
		stub = be.NearJumpSize()
	}
	w, err := arch.Analyze(be, code, target, stub)
	if err != nil {
		return nil, &AnalysisError{Err: err}
	}

	size := arch.RelocatedSize(be, w) + be.FarJumpSize()
	var pos, rng uintptr
	if w.HasPCRelData() && be.DataRange() != 0 {
		pos, rng = target, be.DataRange()
	}
	tramp, err := b.alloc(size, pos, rng, false)
	if err != nil {
		return nil, err
	}
	body, err := arch.Relocate(be, w, tramp.Addr)
	if err != nil {
		return nil, err
	}
	body = append(body, be.JumpFar(tramp.Addr+uintptr(len(body)), w.End())...)
	if err := b.cfg.Write(tramp.Addr, body); err != nil {
		return nil, errors.Wrap(err, "write trampoline")
	}

	if relay.Size != 0 {
		var relayCode []byte
		if b.req.instrument() {
			relayCode = be.Dispatcher(relay.Addr, target, b.req.Bridge, tramp.Addr)
		} else {
			relayCode = be.JumpFar(relay.Addr, b.req.Replacement)
		}
		if err := b.cfg.Write(relay.Addr, relayCode); err != nil {
			return nil, errors.Wrap(err, "write relay")
		}
	}

	var entry []byte
	if near {
		entry, err = be.JumpNear(target, dest)
		if err != nil {
			return nil, err
		}
	} else {
		entry = be.JumpFar(target, dest)
	}
	entry = append(entry, be.Pad(w.Len-len(entry))...)
	if len(entry) != w.Len {
		return nil, errors.Errorf("entry stub is %d bytes for a %d byte window", len(entry), w.Len)
	}
	return &Result{
		Window:     w,
		Trampoline: tramp,
		Relay:      relay,
		Entry:      entry,
		Near:       near,
	}, nil
}

// alloc reports failures as ErrNoReachableMemory, except for the near relay
// whose codemem.ErrNoSpaceInRange selects the far form.
func (b *builder) alloc(size int, pos, rng uintptr, nearRelay bool) (codemem.Block, error) {
	blk, err := b.cfg.Alloc.Alloc(codemem.Request{Size: size, Pos: pos, Range: rng, Callback: b.cfg.Callback})
	if err != nil {
		if nearRelay {
			return blk, err
		}
		return blk, errors.Wrapf(ErrNoReachableMemory, "%d bytes near %#x: %v", size, pos, err)
	}
	b.blocks = append(b.blocks, blk)
	return blk, nil
}

func (b *builder) release() {
	for _, blk := range b.blocks {
		_ = b.cfg.Alloc.Free(blk)
	}
	b.blocks = nil
}
