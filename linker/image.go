//go:build linux && arm64

package linker

import (
	"debug/elf"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/niqiuqiux/soload/logging"
)

var imageLog = logging.Component("image")

// SymbolInfo describes a symbol located by address.
type SymbolInfo struct {
	Name    string
	Address uintptr
}

// Image is one parsed ELF shared object. It owns a private copy of the
// file bytes; header, section, symbol and hash pointers index into that
// buffer, while init/fini and eh_frame fields are runtime addresses.
type Image struct {
	path string
	data []byte
	base uintptr
	bias uintptr

	hdr *elfEhdr

	shdrs    []elfShdr
	shstrtab []byte

	dynsym     []elfSym
	dynstr     []byte
	dynsymShdr *elfShdr
	dynstrShdr *elfShdr

	// SysV hash
	nbucket uint32
	bucket  []uint32
	chain   []uint32

	// GNU hash
	gnuNbucket   uint32
	gnuSymndx    uint32
	gnuBloomSize uint32
	gnuShift2    uint32
	gnuBloom     []uint64
	gnuBucket    []uint32
	gnuChain     []uint32

	// .symtab
	symtab       []elfSym
	symtabStrtab []byte

	tlsSegment  *elfPhdr
	tlsModuleID uint64

	initFunc       uintptr
	finiFunc       uintptr
	initArray      uintptr
	initArrayCount uintptr
	finiArray      uintptr
	finiArrayCount uintptr

	ehFrame        uintptr
	ehFrameSize    uintptr
	ehFrameHdr     uintptr
	ehFrameHdrSize uintptr
}

// NewImage parses the shared object at path. When base is zero the
// process's existing mappings are searched for a library whose path
// contains path; the image adopts its base and canonical path, and
// creation fails if no such mapping exists.
func NewImage(path string, base uintptr) (*Image, error) {
	img := &Image{path: path, base: base}

	if base == 0 {
		canonical, found, ok := findMappedLibrary(path)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not loaded in this process", ErrNotFound, path)
		}
		img.base = found
		img.path = canonical
		imageLog.Debugf("adopted %s at base 0x%x", canonical, found)
	}

	data, err := os.ReadFile(img.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNotFound, img.path, err)
	}
	if uintptr(len(data)) <= ehdrSize {
		return nil, fmt.Errorf("%w: %s: file too small", ErrInvalidELF, img.path)
	}
	img.data = data
	img.hdr = (*elfEhdr)(unsafe.Pointer(&img.data[0]))

	if err := img.validateHeader(); err != nil {
		return nil, err
	}
	img.parseSections()
	if err := img.parseProgramHeaders(); err != nil {
		return nil, err
	}
	img.parseDynamic()
	img.locateEhFrame()
	return img, nil
}

func (img *Image) validateHeader() error {
	h := img.hdr
	fail := func(msg string) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidELF, img.path, msg)
	}

	if string(h.Ident[:4]) != elf.ELFMAG {
		return fail("bad magic")
	}
	if elf.Class(h.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return fail("not a 64-bit ELF file")
	}
	if elf.Data(h.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return fail("not little-endian")
	}
	if elf.Machine(h.Machine) != elf.EM_AARCH64 {
		return fail(fmt.Sprintf("not an AArch64 ELF file (machine=%d)", h.Machine))
	}
	typ := elf.Type(h.Type)
	if typ != elf.ET_DYN && typ != elf.ET_EXEC {
		return fail(fmt.Sprintf("not a shared object or executable (type=%d)", h.Type))
	}
	if h.Phoff == 0 || h.Phnum == 0 {
		return fail("no program headers")
	}
	if h.Phoff+uint64(h.Phnum)*uint64(phdrSize) > uint64(len(img.data)) {
		return fail("program header table out of bounds")
	}
	if h.Shoff != 0 && h.Shoff+uint64(h.Shnum)*uint64(shdrSize) > uint64(len(img.data)) {
		imageLog.Warnf("%s: section header table out of bounds, ignoring sections", img.path)
		img.hdr.Shoff = 0
		img.hdr.Shnum = 0
	}
	return nil
}

func (img *Image) fileU32s(off uint64, count uintptr) []uint32 {
	if off == 0 || count == 0 || off+uint64(count)*4 > uint64(len(img.data)) {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&img.data[off])), int(count))
}

func (img *Image) parseSections() {
	h := img.hdr
	if h.Shoff == 0 || h.Shnum == 0 {
		return
	}
	img.shdrs = unsafe.Slice((*elfShdr)(unsafe.Pointer(&img.data[h.Shoff])), int(h.Shnum))

	if int(h.Shstrndx) < len(img.shdrs) {
		str := &img.shdrs[h.Shstrndx]
		if str.Off+str.Size <= uint64(len(img.data)) {
			img.shstrtab = img.data[str.Off : str.Off+str.Size]
		}
	}

	for i := range img.shdrs {
		sh := &img.shdrs[i]
		switch elf.SectionType(sh.Type) {
		case elf.SHT_DYNSYM:
			if sh.Size > 0 && sh.Entsize == uint64(symSize) && sh.Off+sh.Size <= uint64(len(img.data)) {
				img.dynsymShdr = sh
				img.dynsym = unsafe.Slice(
					(*elfSym)(unsafe.Pointer(&img.data[sh.Off])), int(sh.Size/sh.Entsize))
			}

		case elf.SHT_SYMTAB:
			if img.sectionName(sh) != ".symtab" {
				break
			}
			if sh.Size == 0 || sh.Entsize != uint64(symSize) || sh.Off+sh.Size > uint64(len(img.data)) {
				break
			}
			img.symtab = unsafe.Slice(
				(*elfSym)(unsafe.Pointer(&img.data[sh.Off])), int(sh.Size/sh.Entsize))
			if int(sh.Link) < len(img.shdrs) {
				linked := &img.shdrs[sh.Link]
				if linked.Off+linked.Size <= uint64(len(img.data)) {
					img.symtabStrtab = img.data[linked.Off : linked.Off+linked.Size]
				}
			}

		case elf.SHT_HASH:
			words := img.fileU32s(sh.Off, uintptr(sh.Size/4))
			if len(words) >= 2 {
				nbucket := words[0]
				nchain := words[1]
				if uint64(2+nbucket+nchain) <= sh.Size/4 {
					img.nbucket = nbucket
					img.bucket = words[2 : 2+nbucket]
					img.chain = words[2+nbucket : 2+nbucket+nchain]
				}
			}

		case elf.SHT_GNU_HASH:
			words := img.fileU32s(sh.Off, uintptr(sh.Size/4))
			if len(words) < 4 {
				break
			}
			nbucket, symndx, bloomSize, shift2 := words[0], words[1], words[2], words[3]
			need := uint64(4) + uint64(bloomSize)*2 + uint64(nbucket)
			if bloomSize == 0 || need > sh.Size/4 {
				break
			}
			img.gnuNbucket = nbucket
			img.gnuSymndx = symndx
			img.gnuBloomSize = bloomSize
			img.gnuShift2 = shift2
			img.gnuBloom = unsafe.Slice(
				(*uint64)(unsafe.Pointer(&words[4])), int(bloomSize))
			rest := words[4+2*bloomSize:]
			img.gnuBucket = rest[:nbucket]
			img.gnuChain = rest[nbucket:]
		}
	}

	// dynstr via the dynsym section's link.
	if img.dynsymShdr != nil && int(img.dynsymShdr.Link) < len(img.shdrs) {
		linked := &img.shdrs[img.dynsymShdr.Link]
		if linked.Off+linked.Size <= uint64(len(img.data)) {
			img.dynstrShdr = linked
			img.dynstr = img.data[linked.Off : linked.Off+linked.Size]
		}
	}
	if img.dynstr == nil {
		img.dynsym = nil
		img.dynsymShdr = nil
	}
}

func (img *Image) sectionName(sh *elfShdr) string {
	if img.shstrtab == nil || sh.Name >= uint32(len(img.shstrtab)) {
		return ""
	}
	return cStringAt(img.shstrtab[sh.Name:])
}

// phdrs returns the program header table from the file buffer.
func (img *Image) phdrs() []elfPhdr {
	h := img.hdr
	return unsafe.Slice((*elfPhdr)(unsafe.Pointer(&img.data[h.Phoff])), int(h.Phnum))
}

func (img *Image) parseProgramHeaders() error {
	phdrs := img.phdrs()

	sawLoad := false
	var biasSet bool
	for i := range phdrs {
		ph := &phdrs[i]
		switch elf.ProgType(ph.Type) {
		case elf.PT_LOAD:
			sawLoad = true
			if ph.Off == 0 && !biasSet {
				img.bias = uintptr(ph.Vaddr)
				biasSet = true
			}
		case elf.PT_TLS:
			img.tlsSegment = ph
		case elf.PT_GNU_EH_FRAME:
			img.ehFrameHdr = img.runtimeAddr(ph.Vaddr)
			img.ehFrameHdrSize = uintptr(ph.Memsz)
		}
	}

	if !sawLoad {
		return fmt.Errorf("%w: %s: no PT_LOAD segment", ErrInvalidELF, img.path)
	}
	if !biasSet {
		for i := range phdrs {
			if elf.ProgType(phdrs[i].Type) == elf.PT_LOAD {
				img.bias = uintptr(phdrs[i].Vaddr - phdrs[i].Off)
				break
			}
		}
	}
	return nil
}

// runtimeDynamic returns the PT_DYNAMIC table as seen in the live
// mapping (relocatable d_ptr values still file-relative).
func (img *Image) runtimeDynamic() []elfDyn {
	for _, ph := range img.phdrs() {
		if elf.ProgType(ph.Type) != elf.PT_DYNAMIC {
			continue
		}
		addr := img.runtimeAddr(ph.Vaddr)
		count := uintptr(ph.Memsz) / dynSize
		if count == 0 {
			return nil
		}
		dyns := unsafe.Slice((*elfDyn)(ptrFromUintptr(addr)), int(count))
		for i, d := range dyns {
			if elf.DynTag(d.Tag) == elf.DT_NULL {
				return dyns[:i]
			}
		}
		return dyns
	}
	return nil
}

func (img *Image) parseDynamic() {
	for _, d := range img.runtimeDynamic() {
		ptr := img.runtimeAddr(d.Val)
		switch elf.DynTag(d.Tag) {
		case elf.DT_INIT:
			img.initFunc = ptr
		case elf.DT_FINI:
			img.finiFunc = ptr
		case elf.DT_INIT_ARRAY:
			img.initArray = ptr
		case elf.DT_INIT_ARRAYSZ:
			img.initArrayCount = uintptr(d.Val) / wordSize
		case elf.DT_FINI_ARRAY:
			img.finiArray = ptr
		case elf.DT_FINI_ARRAYSZ:
			img.finiArrayCount = uintptr(d.Val) / wordSize
		}
	}
}

func (img *Image) locateEhFrame() {
	for i := range img.shdrs {
		sh := &img.shdrs[i]
		if img.sectionName(sh) == ".eh_frame" {
			img.ehFrame = img.runtimeAddr(sh.Addr)
			img.ehFrameSize = uintptr(sh.Size)
		}
	}
}

// runtimeAddr converts a file virtual address to its live address.
func (img *Image) runtimeAddr(vaddr uint64) uintptr {
	return vaddrToRuntime(img.base, img.bias, uintptr(vaddr))
}

func (img *Image) Path() string         { return img.path }
func (img *Image) Base() uintptr        { return img.base }
func (img *Image) Bias() uintptr        { return img.bias }
func (img *Image) LoadBias() uintptr    { return img.base - img.bias }
func (img *Image) TLSSegment() *elfPhdr { return img.tlsSegment }
func (img *Image) TLSModuleID() uint64  { return img.tlsModuleID }

func (img *Image) setTLSModuleID(id uint64) { img.tlsModuleID = id }

func (img *Image) dynstrName(off uint32) string {
	if img.dynstr == nil || off >= uint32(len(img.dynstr)) {
		return ""
	}
	return cStringAt(img.dynstr[off:])
}

func (img *Image) gnuHashLookup(name string, hash uint32) (*elfSym, bool) {
	if img.gnuNbucket == 0 || img.gnuBloom == nil || img.dynsym == nil || img.dynstr == nil {
		return nil, false
	}

	const bloomBits = 64
	bloomWord := img.gnuBloom[(hash/bloomBits)%img.gnuBloomSize]
	mask := uint64(1)<<(hash%bloomBits) | uint64(1)<<((hash>>img.gnuShift2)%bloomBits)
	if bloomWord&mask != mask {
		return nil, false
	}

	symIdx := img.gnuBucket[hash%img.gnuNbucket]
	if symIdx < img.gnuSymndx {
		return nil, false
	}

	for {
		if symIdx >= uint32(len(img.dynsym)) ||
			symIdx-img.gnuSymndx >= uint32(len(img.gnuChain)) {
			return nil, false
		}
		chainVal := img.gnuChain[symIdx-img.gnuSymndx]
		sym := &img.dynsym[symIdx]

		if (chainVal^hash)>>1 == 0 &&
			name == img.dynstrName(sym.Name) &&
			elf.SectionIndex(sym.Shndx) != elf.SHN_UNDEF {
			return sym, true
		}
		if chainVal&1 != 0 {
			return nil, false
		}
		symIdx++
	}
}

func (img *Image) elfHashLookup(name string, hash uint32) (*elfSym, bool) {
	if img.nbucket == 0 || img.dynsym == nil || img.dynstr == nil {
		return nil, false
	}
	for n := img.bucket[hash%img.nbucket]; n != 0; {
		if n >= uint32(len(img.dynsym)) {
			return nil, false
		}
		sym := &img.dynsym[n]
		if name == img.dynstrName(sym.Name) && elf.SectionIndex(sym.Shndx) != elf.SHN_UNDEF {
			return sym, true
		}
		if n >= uint32(len(img.chain)) {
			return nil, false
		}
		n = img.chain[n]
	}
	return nil, false
}

func (img *Image) linearLookup(name string) (*elfSym, bool) {
	if img.symtab == nil || img.symtabStrtab == nil {
		return nil, false
	}
	for i := range img.symtab {
		sym := &img.symtab[i]
		st := stType(sym.Info)
		if (st != uint8(elf.STT_FUNC) && st != uint8(elf.STT_OBJECT)) ||
			sym.Size == 0 || elf.SectionIndex(sym.Shndx) == elf.SHN_UNDEF {
			continue
		}
		if sym.Name < uint32(len(img.symtabStrtab)) &&
			name == cStringAt(img.symtabStrtab[sym.Name:]) {
			return sym, true
		}
	}
	return nil, false
}

// SymbolOffset finds name in the image's own tables: GNU hash first,
// then SysV hash, then a linear .symtab scan. It returns the symbol's
// file virtual address along with its type and binding.
func (img *Image) SymbolOffset(name string) (offset uint64, typ, bind uint8, ok bool) {
	if sym, ok := img.gnuHashLookup(name, GnuHash(name)); ok {
		return sym.Value, stType(sym.Info), stBind(sym.Info), true
	}
	if sym, ok := img.elfHashLookup(name, ElfHash(name)); ok {
		return sym.Value, stType(sym.Info), stBind(sym.Info), true
	}
	if sym, ok := img.linearLookup(name); ok {
		return sym.Value, stType(sym.Info), stBind(sym.Info), true
	}
	return 0, 0, 0, false
}

// SymbolAddress resolves name to a runtime address, invoking ifunc
// resolvers with the platform hwcap convention.
func (img *Image) SymbolAddress(name string) (uintptr, uint8, bool) {
	offset, typ, bind, ok := img.SymbolOffset(name)
	if !ok || img.base == 0 {
		return 0, 0, false
	}
	addr := img.runtimeAddr(offset)

	if typ == sttGnuIfunc {
		imageLog.Debugf("resolving ifunc %s in %s", name, img.path)
		resolved, err := callIfuncResolver(addr)
		if err != nil {
			imageLog.Errorf("ifunc resolver for %s: %v", name, err)
			return 0, 0, false
		}
		addr = resolved
	}
	return addr, bind, true
}

func callIfuncResolver(resolver uintptr) (uintptr, error) {
	api, err := hostFuncs()
	if err != nil {
		return 0, err
	}
	arg := ifuncArg{
		size:   uint64(unsafe.Sizeof(ifuncArg{})),
		hwcap:  api.hwcap,
		hwcap2: api.hwcap2,
	}
	ret := cCall2(resolver, uintptr(api.hwcap|ifuncHwcapMarker), uintptr(unsafe.Pointer(&arg)))
	runtime.KeepAlive(&arg)
	return ret, nil
}

// SymbolAt scans .symtab for a defined symbol whose runtime range
// contains addr.
func (img *Image) SymbolAt(addr uintptr) (SymbolInfo, bool) {
	if img.symtab == nil || img.symtabStrtab == nil {
		return SymbolInfo{}, false
	}
	for i := range img.symtab {
		sym := &img.symtab[i]
		if sym.Value == 0 || sym.Size == 0 {
			continue
		}
		start := img.runtimeAddr(sym.Value)
		end := start + uintptr(sym.Size)
		if addr >= start && addr < end {
			name := ""
			if sym.Name < uint32(len(img.symtabStrtab)) {
				name = cStringAt(img.symtabStrtab[sym.Name:])
			}
			return SymbolInfo{Name: name, Address: start}, true
		}
	}
	return SymbolInfo{}, false
}

// NeededLibraries lists DT_NEEDED names, preferring the runtime
// DT_STRTAB over the file's section string table.
func (img *Image) NeededLibraries() []string {
	dyns := img.runtimeDynamic()
	if dyns == nil {
		return nil
	}

	var strtab uintptr
	for _, d := range dyns {
		if elf.DynTag(d.Tag) == elf.DT_STRTAB {
			strtab = img.runtimeAddr(d.Val)
			break
		}
	}

	var needed []string
	for _, d := range dyns {
		if elf.DynTag(d.Tag) != elf.DT_NEEDED {
			continue
		}
		var name string
		if strtab != 0 {
			name = cStringFromPtr(strtab + uintptr(d.Val))
		} else {
			name = img.dynstrName(uint32(d.Val))
		}
		if name != "" {
			needed = append(needed, name)
		}
	}
	return needed
}

func cStringAt(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
