//go:build arm64 && cgo

package patch

/*
#include <stddef.h>
#include <stdint.h>

static void flush_icache(uintptr_t addr, size_t len) {
	char *p = (char *)addr;
	__builtin___clear_cache(p, p + len);
}
*/
import "C"

const wordSize = 4

// b .
var spin = []byte{0x00, 0x00, 0x00, 0x14}

func canFlush() error {
	return nil
}

func flush(addr uintptr, n int) {
	C.flush_icache(C.uintptr_t(addr), C.size_t(n))
}
