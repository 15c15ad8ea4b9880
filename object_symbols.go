package nativehook

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/k2io/nativehook/internal/dynlink"
	"github.com/k2io/nativehook/internal/objsym"
	"github.com/k2io/nativehook/internal/patch"
)

// Image is a loaded ELF image.
type Image = dynlink.Image

// Images lists the loaded images, main executable first.
func Images() ([]Image, error) {
	return dynlink.Images()
}

// SymbolResolver returns the address of symbol in the first image whose
// path contains image, or 0. An empty image or "self" searches every image
// in load order. Nothing is cached: images unloaded later leave stale
// addresses behind.
func SymbolResolver(image, symbol string) uintptr {
	images, err := dynlink.Images()
	if err != nil {
		logger.WithError(err).Debug("list images")
		return 0
	}
	for _, img := range dynlink.Match(images, image) {
		addr, err := dynlink.Lookup(img, symbol)
		if err != nil {
			logger.WithError(err).WithField("image", img.Path).Debug("symbol lookup")
			continue
		}
		if addr != 0 {
			return addr
		}
	}
	return 0
}

// ImportTableReplace points the import slots of symbol in the first
// matching image at replacement and returns the previous target. Calls the
// image makes through its PLT follow the new pointer; the callee itself is
// left untouched.
func ImportTableReplace(image, symbol string, replacement uintptr) (uintptr, error) {
	lock.Lock()
	defer lock.Unlock()

	images, err := dynlink.Images()
	if err != nil {
		return 0, errors.Wrap(err, "import-table-replace")
	}
	matched := dynlink.Match(images, image)
	if len(matched) == 0 {
		return 0, errors.Wrapf(ErrImageNotFound, "%q", image)
	}
	for _, img := range matched {
		slots, err := dynlink.ImportSlots(img, symbol)
		if err != nil {
			logger.WithError(err).WithField("image", img.Path).Debug("import slots")
			continue
		}
		if len(slots) == 0 {
			continue
		}
		original := uintptr(binary.LittleEndian.Uint64(patch.Read(slots[0], 8)))
		if err := rewriteSlots(slots, replacement); err != nil {
			return 0, errors.Wrapf(err, "import-table-replace %s in %s", symbol, img.Path)
		}
		logger.WithFields(log.Fields{
			"image":    img.Path,
			"symbol":   symbol,
			"slots":    len(slots),
			"original": hex(original),
		}).Debug("import replaced")
		return original, nil
	}
	return 0, errors.Wrapf(ErrSymbolNotFound, "%s imports in %q", symbol, image)
}

// slotWrite stores into import slots.
var slotWrite = patch.Write

// rewriteSlots points every slot at value. If a write fails, the slots
// already written get their old pointers back, so either all slots move or
// none do.
func rewriteSlots(slots []uintptr, value uintptr) error {
	old := make([][]byte, len(slots))
	for i, slot := range slots {
		old[i] = patch.Read(slot, 8)
	}
	buf := binary.LittleEndian.AppendUint64(nil, uint64(value))
	for i, slot := range slots {
		if err := slotWrite(slot, buf); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := slotWrite(slots[j], old[j]); rerr != nil {
					panic(fmt.Sprintf("nativehook: restoring import slot %#x: %v", slots[j], rerr))
				}
			}
			return errors.Wrapf(err, "slot %#x", slot)
		}
	}
	return nil
}

// GetSymbols reads the symbol table of an object file on disk.
func GetSymbols(name string) (map[string]uintptr, error) {
	f, err := objsym.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uintptr, len(syms))
	for _, s := range syms {
		out[s.Name] = uintptr(s.Addr)
	}
	return out, nil
}
