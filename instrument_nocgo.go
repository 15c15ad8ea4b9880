//go:build !cgo

package nativehook

func bridgeEntry() (uintptr, error) {
	return 0, ErrInstrumentUnsupported
}
