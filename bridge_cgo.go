//go:build cgo

package nativehook

/*
#include <stddef.h>
#include <stdint.h>

extern void instrumentDispatch(void *, size_t);

static uintptr_t dispatch_entry(void) {
	return (uintptr_t)instrumentDispatch;
}
*/
import "C"

func bridgeEntry() (uintptr, error) {
	return uintptr(C.dispatch_entry()), nil
}
