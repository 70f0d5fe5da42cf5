//go:build linux && arm64

package linker

import (
	"debug/elf"
	"unsafe"
)

// relocTables gathers the dynamic-table entries the relocation pass
// needs, with d_ptr values already converted to runtime addresses.
type relocTables struct {
	rela    uintptr
	relaSz  uintptr
	relaEnt uintptr

	rel    uintptr
	relSz  uintptr
	relEnt uintptr

	relr   uintptr
	relrSz uintptr

	jmprel    uintptr
	jmprelSz  uintptr
	pltrelTag int64

	dynsym uintptr
	dynstr uintptr

	android       uintptr
	androidSz     uintptr
	androidIsRela bool

	relrEntBad bool
}

func collectRelocTables(img *Image) relocTables {
	var t relocTables
	for _, d := range img.runtimeDynamic() {
		ptr := img.runtimeAddr(d.Val)
		switch elf.DynTag(d.Tag) {
		case elf.DT_RELA:
			t.rela = ptr
		case elf.DT_RELASZ:
			t.relaSz = uintptr(d.Val)
		case elf.DT_RELAENT:
			t.relaEnt = uintptr(d.Val)
		case elf.DT_REL:
			t.rel = ptr
		case elf.DT_RELSZ:
			t.relSz = uintptr(d.Val)
		case elf.DT_RELENT:
			t.relEnt = uintptr(d.Val)
		case elfDT_RELR, elfDT_ANDROID_RELR:
			t.relr = ptr
		case elfDT_RELRSZ, elfDT_ANDROID_RELRSZ:
			t.relrSz = uintptr(d.Val)
		case elfDT_RELRENT, elfDT_ANDROID_RELRENT:
			if uintptr(d.Val) != wordSize {
				t.relrEntBad = true
			}
		case elf.DT_JMPREL:
			t.jmprel = ptr
		case elf.DT_PLTRELSZ:
			t.jmprelSz = uintptr(d.Val)
		case elf.DT_PLTREL:
			t.pltrelTag = int64(d.Val)
		case elf.DT_SYMTAB:
			t.dynsym = ptr
		case elf.DT_STRTAB:
			t.dynstr = ptr
		case elfDT_ANDROID_RELA:
			t.android = ptr
			t.androidIsRela = true
		case elfDT_ANDROID_RELASZ, elfDT_ANDROID_RELSZ:
			t.androidSz = uintptr(d.Val)
		case elfDT_ANDROID_REL:
			t.android = ptr
		}
	}
	return t
}

// processRelocations applies every relocation form the image carries:
// RELR, RELA, REL, the APS2 packed stream, and PLT entries.
func (l *Linker) processRelocations(img *Image) {
	t := collectRelocTables(img)
	if t.dynsym == 0 || t.dynstr == 0 {
		return
	}
	if t.relrEntBad {
		relocLog.Errorf("%s: unsupported RELR entry size", img.Path())
		return
	}

	loadBias := img.LoadBias()

	if t.relr != 0 && t.relrSz != 0 {
		processRelr(t.relr, t.relrSz, loadBias)
	}

	if t.rela != 0 && t.relaSz != 0 {
		ent := t.relaEnt
		if ent == 0 {
			ent = relaSize
		}
		for i := uintptr(0); i < t.relaSz/ent; i++ {
			r := (*elfRela)(ptrFromUintptr(t.rela + i*ent))
			l.processRelocation(img, relSymIdx(r.Info), relType(r.Info),
				r.Off, uint64(r.Addend), loadBias, t, true)
		}
	}

	if t.rel != 0 && t.relSz != 0 {
		ent := t.relEnt
		if ent == 0 {
			ent = relSize
		}
		for i := uintptr(0); i < t.relSz/ent; i++ {
			r := (*elfRel)(ptrFromUintptr(t.rel + i*ent))
			l.processRelocation(img, relSymIdx(r.Info), relType(r.Info),
				r.Off, 0, loadBias, t, false)
		}
	}

	if t.android != 0 && t.androidSz > 4 {
		stream := memSlice(t.android, t.androidSz)
		err := forEachPackedReloc(stream, t.androidIsRela,
			func(offset, info, addend uint64) {
				l.processRelocation(img, relSymIdx(info), relType(info),
					offset, addend, loadBias, t, t.androidIsRela)
			})
		if err != nil {
			relocLog.Errorf("%s: %v", img.Path(), err)
		}
	}

	if t.jmprel != 0 && t.jmprelSz != 0 {
		if elf.DynTag(t.pltrelTag) == elf.DT_RELA {
			for i := uintptr(0); i < t.jmprelSz/relaSize; i++ {
				r := (*elfRela)(ptrFromUintptr(t.jmprel + i*relaSize))
				l.processRelocation(img, relSymIdx(r.Info), relType(r.Info),
					r.Off, uint64(r.Addend), loadBias, t, true)
			}
		} else {
			for i := uintptr(0); i < t.jmprelSz/relSize; i++ {
				r := (*elfRel)(ptrFromUintptr(t.jmprel + i*relSize))
				l.processRelocation(img, relSymIdx(r.Info), relType(r.Info),
					r.Off, 0, loadBias, t, false)
			}
		}
	}
}

// processRelr applies a relative-relative relocation table: address
// entries (bit 0 clear) relocate one word and move the cursor, bitmap
// entries (bit 0 set) relocate up to 63 following words.
func processRelr(relr, relrSz, loadBias uintptr) {
	count := relrSz / wordSize
	var cursor uintptr

	for i := uintptr(0); i < count; i++ {
		entry := uintptr(readWord(relr + i*wordSize))
		if entry&1 == 0 {
			target := loadBias + entry
			writeWord(target, readWord(target)+uint64(loadBias))
			cursor = entry + wordSize
		} else {
			bitmap := entry >> 1
			for bit := uintptr(0); bitmap != 0 && bit < 63; bit, bitmap = bit+1, bitmap>>1 {
				if bitmap&1 != 0 {
					target := loadBias + cursor + bit*wordSize
					writeWord(target, readWord(target)+uint64(loadBias))
				}
			}
			cursor += 63 * wordSize
		}
	}
}

func (l *Linker) processRelocation(img *Image, symIdx, typ uint32,
	offset, addend uint64, loadBias uintptr, t relocTables, isRela bool) {

	target := loadBias + uintptr(offset)

	switch elf.R_AARCH64(typ) {
	case elf.R_AARCH64_NONE:

	case elf.R_AARCH64_COPY:
		relocLog.Warnf("%s: R_AARCH64_COPY relocation not supported", img.Path())

	case elf.R_AARCH64_RELATIVE:
		a := addend
		if !isRela {
			a = readWord(target)
		}
		writeWord(target, uint64(loadBias)+a)

	case elf.R_AARCH64_IRELATIVE:
		a := addend
		if !isRela {
			a = readWord(target)
		}
		resolver := loadBias + uintptr(a)
		resolved, err := callIfuncResolver(resolver)
		if err != nil {
			relocLog.Errorf("%s: irelative resolver at 0x%x: %v", img.Path(), resolver, err)
			return
		}
		writeWord(target, uint64(resolved))

	case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT, elf.R_AARCH64_ABS64,
		elf.R_AARCH64_TLS_DTPMOD64, elf.R_AARCH64_TLS_DTPREL64,
		elf.R_AARCH64_TLS_TPREL64, elf.R_AARCH64_TLSDESC:
		l.processSymbolRelocation(img, symIdx, typ, target, addend, t, isRela)

	default:
		relocLog.Errorf("%s: unsupported relocation type %d", img.Path(), typ)
	}
}

func (l *Linker) processSymbolRelocation(img *Image, symIdx, typ uint32,
	target uintptr, addend uint64, t relocTables, isRela bool) {

	sym := (*elfSym)(ptrFromUintptr(t.dynsym + uintptr(symIdx)*symSize))
	name := cStringFromPtr(t.dynstr + uintptr(sym.Name))

	lookup := l.findSymbolCached(name)
	if !lookup.valid {
		relocLog.Errorf("%s: undefined symbol: %s", img.Path(), name)
		return
	}

	// Unwinders and TLS accesses must see the manually loaded images,
	// so these resolve to the loader's implementations no matter which
	// image provides them.
	switch name {
	case "dl_iterate_phdr":
		if addr := interposeDlIteratePhdrAddr(); addr != 0 {
			writeWord(target, uint64(addr))
			return
		}
	case "dladdr":
		if addr := interposeDladdrAddr(); addr != 0 {
			writeWord(target, uint64(addr))
			return
		}
	case "__tls_get_addr":
		if addr := tlsGetAddrAddr(); addr != 0 {
			writeWord(target, uint64(addr))
			return
		}
	}

	switch elf.R_AARCH64(typ) {
	case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
		writeWord(target, uint64(lookup.address))

	case elf.R_AARCH64_ABS64:
		a := addend
		if !isRela {
			a = readWord(target)
		}
		writeWord(target, uint64(lookup.address)+a)

	case elf.R_AARCH64_TLS_DTPMOD64:
		if lookup.image == nil {
			relocLog.Errorf("TLS_DTPMOD requires a loaded image for symbol: %s", name)
			writeWord(target, 0)
			return
		}
		if lookup.image.TLSSegment() != nil {
			writeWord(target, lookup.image.TLSModuleID())
		} else {
			writeWord(target, 0)
		}

	case elf.R_AARCH64_TLS_DTPREL64:
		writeWord(target, sym.Value+addend)

	case elf.R_AARCH64_TLS_TPREL64:
		if lookup.image == nil {
			relocLog.Errorf("TLS_TPREL requires a loaded image for symbol: %s", name)
			writeWord(target, 0)
			return
		}
		ti := TlsIndex{
			Module: uintptr(lookup.image.TLSModuleID()),
			Offset: uintptr(sym.Value + addend),
		}
		block := TLS().Address(&ti)
		if block == 0 {
			relocLog.Errorf("failed to resolve TLS address for symbol: %s", name)
			writeWord(target, 0)
			return
		}
		writeWord(target, uint64(block-TLS().Address(nil)))

	case elf.R_AARCH64_TLSDESC:
		if lookup.image == nil {
			relocLog.Errorf("TLSDESC requires a loaded image for symbol: %s", name)
			writeWord(target, 0)
			writeWord(target+wordSize, 0)
			return
		}
		resolver := tlsdescResolverAddr()
		if resolver == 0 {
			relocLog.Warnf("TLSDESC for %s skipped: no resolver trampoline", name)
			return
		}
		ti := TLS().AllocateIndex(lookup.image, sym.Value, addend)
		l.tlsIndices = append(l.tlsIndices, ti)
		writeWord(target, uint64(resolver))
		writeWord(target+wordSize, uint64(uintptr(unsafe.Pointer(ti))))
	}
}
