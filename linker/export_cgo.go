//go:build linux && arm64 && cgo

package linker

/*
#include <stdint.h>

uintptr_t soload_dl_iterate_phdr_addr(void);
uintptr_t soload_dladdr_addr(void);
uintptr_t soload_tls_get_addr_addr(void);
uintptr_t soload_tlsdesc_resolver_addr(void);
uintptr_t soload_tls_block_dtor_addr(void);
*/
import "C"

// Inbound entry points. The C trampolines in export_trampoline.go hand
// control to these with plain integer arguments; they run on whatever
// thread the loaded code happens to be executing on.

//export soloadDlIteratePhdrGo
func soloadDlIteratePhdrGo(cb uintptr, data uintptr) uintptr {
	return uintptr(Backtrace().iteratePhdr(cb, data))
}

//export soloadDladdrGo
func soloadDladdrGo(addr uintptr, info uintptr) uintptr {
	return uintptr(Backtrace().dladdr(addr, info))
}

//export soloadTlsGetAddrGo
func soloadTlsGetAddrGo(ti uintptr) uintptr {
	return TLS().Address((*TlsIndex)(ptrFromUintptr(ti)))
}

//export soloadTlsdescResolverGo
func soloadTlsdescResolverGo(ti uintptr) uintptr {
	return TLS().descriptorOffset((*TlsIndex)(ptrFromUintptr(ti)))
}

//export soloadTlsBlockDtorGo
func soloadTlsBlockDtorGo(block uintptr) {
	TLS().destroyBlock(block)
}

func interposeDlIteratePhdrAddr() uintptr {
	return uintptr(C.soload_dl_iterate_phdr_addr())
}

func interposeDladdrAddr() uintptr {
	return uintptr(C.soload_dladdr_addr())
}

func tlsGetAddrAddr() uintptr {
	return uintptr(C.soload_tls_get_addr_addr())
}

func tlsdescResolverAddr() uintptr {
	return uintptr(C.soload_tlsdesc_resolver_addr())
}

func tlsBlockDtorAddr() uintptr {
	return uintptr(C.soload_tls_block_dtor_addr())
}
