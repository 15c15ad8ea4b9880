package nativehook

import (
	"bytes"
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/k2io/nativehook/internal/codemem"
	"github.com/k2io/nativehook/internal/patch"
	"github.com/k2io/nativehook/internal/trampoline"
)

// MaxPatchSize caps CodePatch and ReplaceCode.
const MaxPatchSize = 64

const regionSize = 64 << 10

var (
	backend   = newBackend()
	codeAlloc = codemem.New(codemem.System{}, regionSize)
)

// Hook redirects calls of address to replacement. The returned address
// runs the original function and may be called by the replacement.
func Hook(address, replacement uintptr) (uintptr, error) {
	if replacement == 0 {
		return 0, opError("hook", address, nil, errors.New("nil replacement"))
	}
	h, err := install("hook", KindHook, trampoline.Request{Target: address, Replacement: replacement}, nil)
	if err != nil {
		return 0, err
	}
	return h.Trampoline, nil
}

// CodePatch overwrites len(buffer) bytes at address. No history is kept;
// use ReplaceCode for a patch Destroy can undo.
func CodePatch(address uintptr, buffer []byte) error {
	if err := checkRaw("code-patch", address, buffer); err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	if other := overlapping(address, len(buffer)); other != nil {
		return opError("code-patch", address, nil, errors.Wrapf(ErrAlreadyHooked, "%s at %#x", other.Kind, other.Target))
	}
	if err := patch.Write(address, buffer); err != nil {
		return opError("code-patch", address, ErrWriteFailed, err)
	}
	logger.WithFields(log.Fields{"target": hex(address), "size": len(buffer)}).Debug("code patched")
	return nil
}

// ReplaceCode is CodePatch with a record, so Destroy restores the old bytes.
func ReplaceCode(address uintptr, buffer []byte) error {
	if err := checkRaw("replace-code", address, buffer); err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	if other := overlapping(address, len(buffer)); other != nil {
		return opError("replace-code", address, nil, errors.Wrapf(ErrAlreadyHooked, "%s at %#x", other.Kind, other.Target))
	}
	original, err := patch.ReadCode(address, len(buffer))
	if err != nil || len(original) != len(buffer) {
		return opError("replace-code", address, ErrWriteFailed, errors.Wrapf(patch.ErrNotMapped, "%d bytes at %#x", len(buffer), address))
	}
	if err := patch.Write(address, buffer); err != nil {
		return opError("replace-code", address, ErrWriteFailed, err)
	}
	register(&hook{PatchRecord: PatchRecord{
		Target:    address,
		Length:    len(buffer),
		Original:  original,
		Installed: append([]byte(nil), buffer...),
		Kind:      KindRawPatch,
	}})
	logger.WithFields(log.Fields{"target": hex(address), "size": len(buffer)}).Debug("code replaced")
	return nil
}

func checkRaw(op string, address uintptr, buffer []byte) error {
	switch {
	case len(buffer) == 0:
		return opError(op, address, nil, errors.New("empty patch"))
	case len(buffer) > MaxPatchSize:
		return opError(op, address, nil, errors.Wrapf(ErrRegionTooLarge, "%d bytes, max %d", len(buffer), MaxPatchSize))
	}
	return nil
}

// install runs analyze, build, write and register under the install lock.
// publish runs just before the entry stub goes live and returns its undo.
func install(op string, kind Kind, req trampoline.Request, publish func() func()) (*hook, error) {
	lock.Lock()
	defer lock.Unlock()

	if other := overlapping(req.Target, 1); other != nil {
		return nil, opError(op, req.Target, nil, errors.Wrapf(ErrAlreadyHooked, "%s at %#x", other.Kind, other.Target))
	}
	opts := options.Load()
	res, err := trampoline.Build(trampoline.Config{
		Backend:  backend,
		Alloc:    codeAlloc,
		Near:     opts.NearTrampoline,
		Callback: codemem.AllocFunc(opts.AllocNearCode),
	}, req)
	if err != nil {
		return nil, opError(op, req.Target, stageOf(err), err)
	}
	if other := overlapping(req.Target, res.Window.Len); other != nil {
		freeBlocks(res.Blocks())
		return nil, opError(op, req.Target, nil, errors.Wrapf(ErrAlreadyHooked, "window overlaps %s at %#x", other.Kind, other.Target))
	}

	unpublish := func() {}
	if publish != nil {
		unpublish = publish()
	}
	if err := patch.Write(req.Target, res.Entry); err != nil {
		rollback(req.Target, res)
		unpublish()
		return nil, opError(op, req.Target, ErrWriteFailed, err)
	}

	h := &hook{
		PatchRecord: PatchRecord{
			Target:     req.Target,
			Length:     res.Window.Len,
			Original:   res.Original(),
			Installed:  res.Entry,
			Trampoline: res.Trampoline.Addr,
			Relay:      res.Relay.Addr,
			Kind:       kind,
			Near:       res.Near,
		},
		blocks: res.Blocks(),
	}
	register(h)
	if isDebug.Load() {
		logger.WithFields(log.Fields{
			"target":     hex(req.Target),
			"window":     res.Window.Len,
			"trampoline": hex(res.Trampoline.Addr),
			"relay":      hex(res.Relay.Addr),
			"near":       res.Near,
		}).Debugf("%s installed", kind)
		for _, in := range res.Window.Insns {
			logger.Debugf("  %#x %-10s %s", in.Addr, in.Kind, in.Text)
		}
	}
	return h, nil
}

// rollback undoes a failed entry write. If the stub may have become
// visible, the original bytes go back and the blocks are retired, because a
// thread could already be running in them.
func rollback(target uintptr, res *trampoline.Result) {
	original := res.Original()
	if bytes.Equal(patch.Read(target, len(original)), original) {
		freeBlocks(res.Blocks())
		return
	}
	if err := patch.Write(target, original); err != nil {
		panic(fmt.Sprintf("nativehook: cannot restore %#x after a failed install: %v", target, err))
	}
	for _, b := range res.Blocks() {
		codeAlloc.Retire(b)
	}
}

func freeBlocks(blocks []codemem.Block) {
	for _, b := range blocks {
		if err := codeAlloc.Free(b); err != nil {
			logger.WithError(err).Warn("free code block")
		}
	}
}

// Destroy removes the patch at address and restores the original bytes.
// Trampoline memory is retired, never reused, since another thread may
// still be executing in it.
//
// Destroy panics if the live code no longer matches what was installed or
// the restore write fails: the record can no longer be trusted.
func Destroy(address uintptr) error {
	lock.Lock()
	defer lock.Unlock()

	h := lookup(address)
	if h == nil {
		return opError("destroy", address, nil, ErrNotPatched)
	}
	live := patch.Read(address, h.Length)
	if !bytes.Equal(live, h.Installed) {
		panic(fmt.Sprintf("nativehook: %s at %#x was modified behind the registry: % x, installed % x", h.Kind, address, live, h.Installed))
	}
	if err := patch.Write(address, h.Original); err != nil {
		panic(fmt.Sprintf("nativehook: restoring %s at %#x: %v", h.Kind, address, err))
	}
	unregister(address)
	if h.Kind == KindInstrument {
		handlers.Delete(address)
	}
	for _, b := range h.blocks {
		codeAlloc.Retire(b)
	}
	logger.WithFields(log.Fields{"target": hex(address), "kind": h.Kind.String()}).Debug("patch removed")
	return nil
}

func hex(addr uintptr) string {
	return fmt.Sprintf("%#x", addr)
}
