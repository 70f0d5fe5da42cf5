//go:build linux && arm64

package linker

import (
	"debug/elf"
	"fmt"
	"sync"
	"unsafe"

	"github.com/niqiuqiux/soload/logging"
)

var btLog = logging.Component("backtrace")

// MaxCustomLibs bounds the process-wide registry of manually loaded
// images visible through the interposed dl functions.
const MaxCustomLibs = 64

// dlPhdrInfo mirrors glibc/bionic struct dl_phdr_info.
type dlPhdrInfo struct {
	addr     uintptr
	name     uintptr
	phdr     uintptr
	phnum    uint16
	_        [6]byte
	adds     uint64
	subs     uint64
	tlsModID uintptr
	tlsData  uintptr
}

// dlInfo mirrors struct Dl_info.
type dlInfo struct {
	fname uintptr
	fbase uintptr
	sname uintptr
	saddr uintptr
}

type libInfo struct {
	inUse bool
	image *Image

	// Slot-owned allocations; the slot keeps them reachable while raw
	// pointers to them sit in info.
	phdrCopy  []elfPhdr
	nameBytes []byte
	symNames  [][]byte

	info              dlPhdrInfo
	ehFrameRegistered uintptr
}

// BacktraceRegistry makes manually loaded images visible to stack
// unwinders and introspection: it serves interposed dl_iterate_phdr /
// dladdr calls and registers eh_frame data with the compiler runtime.
type BacktraceRegistry struct {
	mu   sync.Mutex
	libs [MaxCustomLibs]libInfo
}

var (
	btOnce sync.Once
	btReg  *BacktraceRegistry
)

// Backtrace returns the process-wide registry.
func Backtrace() *BacktraceRegistry {
	btOnce.Do(func() {
		btReg = &BacktraceRegistry{}
	})
	return btReg
}

// Register clones the image's program headers into a free slot and
// fills the dl_phdr_info record served to iteration callbacks.
func (r *BacktraceRegistry) Register(img *Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := -1
	for i := range r.libs {
		if !r.libs[i].inUse {
			slot = i
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("%w: no backtrace slots for %s", ErrOutOfRegistrySlots, img.Path())
	}

	lib := &r.libs[slot]
	src := img.phdrs()
	lib.phdrCopy = make([]elfPhdr, len(src))
	copy(lib.phdrCopy, src)

	nameBytes, err := cStringBytes(img.Path())
	if err != nil {
		return err
	}
	lib.nameBytes = nameBytes

	lib.info = dlPhdrInfo{
		addr:  img.LoadBias(),
		name:  cStringPtr(lib.nameBytes),
		phdr:  uintptr(unsafe.Pointer(&lib.phdrCopy[0])),
		phnum: uint16(len(lib.phdrCopy)),
		adds:  1,
		subs:  0,
	}
	if img.TLSSegment() != nil {
		lib.info.tlsModID = uintptr(img.TLSModuleID())
	}

	lib.image = img
	lib.inUse = true
	lib.ehFrameRegistered = 0

	btLog.Debugf("registered %s for backtrace", img.Path())
	return nil
}

// Unregister drops the image's slot, deregistering its eh_frame first
// if one was handed to the compiler runtime.
func (r *BacktraceRegistry) Unregister(img *Image) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.libs {
		lib := &r.libs[i]
		if !lib.inUse || lib.image != img {
			continue
		}
		if lib.ehFrameRegistered != 0 {
			if api, err := hostFuncs(); err == nil && api.deregisterFrame != 0 {
				cCall1(api.deregisterFrame, lib.ehFrameRegistered)
			}
		}
		*lib = libInfo{}
		btLog.Debugf("unregistered %s", img.Path())
		return true
	}
	return false
}

// RegisterEhFrame hands the image's .eh_frame to __register_frame,
// decoding the PT_GNU_EH_FRAME descriptor when the section is not
// directly known.
func (r *BacktraceRegistry) RegisterEhFrame(img *Image) {
	api, err := hostFuncs()
	if err != nil || api.registerFrame == 0 {
		return
	}

	ehFrame := img.ehFrame
	if ehFrame == 0 && img.ehFrameHdr != 0 {
		hdr := memSlice(img.ehFrameHdr, img.ehFrameHdrSize)
		if ptr, ok := ehFramePtrFromHdr(hdr, img.ehFrameHdr, img.LoadBias()); ok {
			ehFrame = ptr
		}
	}
	if ehFrame == 0 {
		btLog.Debugf("no eh_frame found for %s", img.Path())
		return
	}

	cCall1(api.registerFrame, ehFrame)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.libs {
		if r.libs[i].inUse && r.libs[i].image == img {
			r.libs[i].ehFrameRegistered = ehFrame
			break
		}
	}
	btLog.Debugf("registered eh_frame for %s at 0x%x", img.Path(), ehFrame)
}

// UnregisterEhFrame undoes RegisterEhFrame.
func (r *BacktraceRegistry) UnregisterEhFrame(img *Image) {
	api, err := hostFuncs()
	if err != nil || api.deregisterFrame == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.libs {
		lib := &r.libs[i]
		if lib.inUse && lib.image == img && lib.ehFrameRegistered != 0 {
			cCall1(api.deregisterFrame, lib.ehFrameRegistered)
			lib.ehFrameRegistered = 0
			break
		}
	}
}

// iteratePhdr backs the interposed dl_iterate_phdr: the host iterates
// first with the caller's callback; unless it short-circuits, every
// registered image is offered afterwards.
func (r *BacktraceRegistry) iteratePhdr(cb, data uintptr) int {
	if api, err := hostFuncs(); err == nil && api.dlIteratePhdr != 0 {
		if ret := int(cCall2(api.dlIteratePhdr, cb, data)); ret != 0 {
			return ret
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.libs {
		lib := &r.libs[i]
		if !lib.inUse {
			continue
		}
		ret := int(cCall3(cb,
			uintptr(unsafe.Pointer(&lib.info)),
			unsafe.Sizeof(dlPhdrInfo{}), data))
		if ret != 0 {
			return ret
		}
	}
	return 0
}

// dladdr backs the interposed dladdr: host first, then the registered
// images' PT_LOAD ranges.
func (r *BacktraceRegistry) dladdr(addr, infoPtr uintptr) int {
	if api, err := hostFuncs(); err == nil && api.dladdr != 0 {
		if ret := int(cCall2(api.dladdr, addr, infoPtr)); ret != 0 {
			return ret
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.libs {
		lib := &r.libs[i]
		if !lib.inUse {
			continue
		}
		for j := range lib.phdrCopy {
			ph := &lib.phdrCopy[j]
			if elf.ProgType(ph.Type) != elf.PT_LOAD {
				continue
			}
			start := lib.info.addr + uintptr(ph.Vaddr)
			end := start + uintptr(ph.Memsz)
			if addr < start || addr >= end {
				continue
			}

			out := (*dlInfo)(ptrFromUintptr(infoPtr))
			out.fname = lib.info.name
			out.fbase = lib.info.addr
			out.sname = 0
			out.saddr = 0
			if sym, ok := lib.image.SymbolAt(addr); ok {
				if nameBytes, err := cStringBytes(sym.Name); err == nil {
					lib.symNames = append(lib.symNames, nameBytes)
					out.sname = cStringPtr(nameBytes)
					out.saddr = sym.Address
				}
			}
			return 1
		}
	}
	return 0
}
