//go:build linux && arm64 && !cgo

package linker

import "sync"

// Without cgo there is no way to mint C-callable pointers into Go code,
// so interposition, TLSDESC resolution, __tls_get_addr export, and the
// pthread TLS-block destructor are unavailable. TLSDESC slots are left
// untouched; dl_iterate_phdr, dladdr and __tls_get_addr slots receive
// the ordinary symbol resolution instead of an interposer. A warning is
// logged once; outbound calls still work through the assembly stubs.

var exportWarnOnce sync.Once

func warnNoInbound() {
	exportWarnOnce.Do(func() {
		hostLog.Warn("built without cgo: dl interposition and TLSDESC resolution are disabled")
	})
}

func interposeDlIteratePhdrAddr() uintptr { warnNoInbound(); return 0 }
func interposeDladdrAddr() uintptr        { warnNoInbound(); return 0 }
func tlsGetAddrAddr() uintptr             { warnNoInbound(); return 0 }
func tlsdescResolverAddr() uintptr        { warnNoInbound(); return 0 }
func tlsBlockDtorAddr() uintptr           { return 0 }
