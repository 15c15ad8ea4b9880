//go:build cgo

package nativehook

/*
#include <stddef.h>
*/
import "C"

import "unsafe"

//export instrumentDispatch
func instrumentDispatch(ctx unsafe.Pointer, target C.size_t) {
	dispatch(uintptr(target), (*RegisterContext)(ctx))
}
