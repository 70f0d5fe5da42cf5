//go:build linux && arm64 && cgo

package linker

/*
#include <stdint.h>
#include <stddef.h>

extern uintptr_t soloadDlIteratePhdrGo(uintptr_t cb, uintptr_t data);
extern uintptr_t soloadDladdrGo(uintptr_t addr, uintptr_t info);
extern uintptr_t soloadTlsGetAddrGo(uintptr_t ti);
extern uintptr_t soloadTlsdescResolverGo(uintptr_t ti);
extern void soloadTlsBlockDtorGo(uintptr_t block);

// C-ABI wrappers with the exact signatures loaded code expects. Their
// addresses are what relocation slots and pthread destructors receive.

static int soload_dl_iterate_phdr(void* cb, void* data) {
	return (int)soloadDlIteratePhdrGo((uintptr_t)cb, (uintptr_t)data);
}

static int soload_dladdr(const void* addr, void* info) {
	return (int)soloadDladdrGo((uintptr_t)addr, (uintptr_t)info);
}

static void* soload_tls_get_addr(void* ti) {
	return (void*)soloadTlsGetAddrGo((uintptr_t)ti);
}

static uintptr_t soload_tlsdesc_resolver(void* ti) {
	return soloadTlsdescResolverGo((uintptr_t)ti);
}

static void soload_tls_block_dtor(void* block) {
	soloadTlsBlockDtorGo((uintptr_t)block);
}

uintptr_t soload_dl_iterate_phdr_addr(void) {
	return (uintptr_t)&soload_dl_iterate_phdr;
}

uintptr_t soload_dladdr_addr(void) {
	return (uintptr_t)&soload_dladdr;
}

uintptr_t soload_tls_get_addr_addr(void) {
	return (uintptr_t)&soload_tls_get_addr;
}

uintptr_t soload_tlsdesc_resolver_addr(void) {
	return (uintptr_t)&soload_tlsdesc_resolver;
}

uintptr_t soload_tls_block_dtor_addr(void) {
	return (uintptr_t)&soload_tls_block_dtor;
}
*/
import "C"
