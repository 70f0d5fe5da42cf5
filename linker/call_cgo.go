//go:build linux && arm64 && cgo

package linker

/*
#include <stdint.h>

typedef uintptr_t (*soload_fn0)(void);
typedef uintptr_t (*soload_fn1)(uintptr_t);
typedef uintptr_t (*soload_fn2)(uintptr_t, uintptr_t);
typedef uintptr_t (*soload_fn3)(uintptr_t, uintptr_t, uintptr_t);

static uintptr_t soload_call0(uintptr_t fn) {
	return ((soload_fn0)fn)();
}

static uintptr_t soload_call1(uintptr_t fn, uintptr_t a0) {
	return ((soload_fn1)fn)(a0);
}

static uintptr_t soload_call2(uintptr_t fn, uintptr_t a0, uintptr_t a1) {
	return ((soload_fn2)fn)(a0, a1);
}

static uintptr_t soload_call3(uintptr_t fn, uintptr_t a0, uintptr_t a1, uintptr_t a2) {
	return ((soload_fn3)fn)(a0, a1, a2);
}
*/
import "C"

func cCall0(fn uintptr) uintptr {
	return uintptr(C.soload_call0(C.uintptr_t(fn)))
}

func cCall1(fn, a0 uintptr) uintptr {
	return uintptr(C.soload_call1(C.uintptr_t(fn), C.uintptr_t(a0)))
}

func cCall2(fn, a0, a1 uintptr) uintptr {
	return uintptr(C.soload_call2(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1)))
}

func cCall3(fn, a0, a1, a2 uintptr) uintptr {
	return uintptr(C.soload_call3(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1), C.uintptr_t(a2)))
}
