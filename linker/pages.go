//go:build linux && arm64

package linker

import (
	"debug/elf"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	pageOnce sync.Once
	pageSz   uintptr
)

func pageSize() uintptr {
	pageOnce.Do(func() {
		pageSz = uintptr(unix.Getpagesize())
	})
	return pageSz
}

func pageStart(addr uintptr) uintptr {
	return addr &^ (pageSize() - 1)
}

func pageEnd(addr uintptr) uintptr {
	return pageStart(addr + pageSize() - 1)
}

func alignUp(v, align uintptr) uintptr {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// vaddrToRuntime converts a file virtual address to its runtime address.
// All pointer math between the two address spaces goes through here or
// through Image.runtimeAddr so the bias convention stays auditable.
func vaddrToRuntime(base, bias, vaddr uintptr) uintptr {
	return base + vaddr - bias
}

func protFromFlags(flags uint32) int {
	prot := 0
	if flags&uint32(elf.PF_R) != 0 {
		prot |= unix.PROT_READ
	}
	if flags&uint32(elf.PF_W) != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&uint32(elf.PF_X) != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}
