// Package linker implements a self-contained dynamic loader for 64-bit
// ARM shared objects on Linux/Android: it maps ELF images, resolves
// dependencies, applies relocations, manages TLS blocks, and registers
// unwind information without going through the host's dlopen.
package linker

import (
	"debug/elf"
	"unsafe"
)

// Fixed-size ELF64 views. These alias debug/elf's wire structs so the
// in-memory parser can cast raw buffer offsets while constants and
// String() helpers stay stdlib.
type (
	elfEhdr = elf.Header64
	elfPhdr = elf.Prog64
	elfShdr = elf.Section64
	elfSym  = elf.Sym64
	elfDyn  = elf.Dyn64
	elfRela = elf.Rela64
	elfRel  = elf.Rel64
)

const (
	ehdrSize = unsafe.Sizeof(elfEhdr{})
	phdrSize = unsafe.Sizeof(elfPhdr{})
	shdrSize = unsafe.Sizeof(elfShdr{})
	symSize  = unsafe.Sizeof(elfSym{})
	dynSize  = unsafe.Sizeof(elfDyn{})
	relaSize = unsafe.Sizeof(elfRela{})
	relSize  = unsafe.Sizeof(elfRel{})
	wordSize = unsafe.Sizeof(uintptr(0))
)

// Not exported by debug/elf, except STT_GNU_IFUNC, which is repeated
// here as an untyped constant for comparison with uint8 symbol types.
const (
	sttGnuIfunc = 10 // STT_GNU_IFUNC

	auxvHwcap  = 16 // AT_HWCAP
	auxvHwcap2 = 26 // AT_HWCAP2

	// AArch64 ifunc resolvers receive hwcap with bit 62 set to signal
	// that the second argument points at an extended hwcap structure.
	ifuncHwcapMarker = uint64(1) << 62
)

// DynTag values not exported by debug/elf: the generic-ABI SHT_RELR
// tags and Android's packed/RELR relocation extensions.
const (
	elfDT_RELRSZ  elf.DynTag = 35
	elfDT_RELR    elf.DynTag = 36
	elfDT_RELRENT elf.DynTag = 37

	elfDT_ANDROID_REL    elf.DynTag = 0x6000000f
	elfDT_ANDROID_RELSZ  elf.DynTag = 0x60000010
	elfDT_ANDROID_RELA   elf.DynTag = 0x60000011
	elfDT_ANDROID_RELASZ elf.DynTag = 0x60000012

	elfDT_ANDROID_RELR    elf.DynTag = 0x6fffe000
	elfDT_ANDROID_RELRSZ  elf.DynTag = 0x6fffe001
	elfDT_ANDROID_RELRENT elf.DynTag = 0x6fffe003
)

// Android packed relocation stream.
const (
	packedMagic = "APS2"

	groupedByInfo        = 1
	groupedByOffsetDelta = 2
	groupedByAddend      = 4
	groupHasAddend       = 8
)

func stType(info uint8) uint8 { return info & 0xf }
func stBind(info uint8) uint8 { return info >> 4 }

func relSymIdx(info uint64) uint32 { return uint32(info >> 32) }
func relType(info uint64) uint32   { return uint32(info) }

// ifuncArg mirrors the __ifunc_arg_t structure handed to AArch64 ifunc
// resolvers: {size, AT_HWCAP, AT_HWCAP2}.
type ifuncArg struct {
	size   uint64
	hwcap  uint64
	hwcap2 uint64
}
