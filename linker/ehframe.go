package linker

import (
	"encoding/binary"

	"github.com/niqiuqiux/soload/leb128"
)

// DWARF pointer encodings used by .eh_frame_hdr.
const (
	dwEhPeAbsptr  = 0x00
	dwEhPeUleb128 = 0x01
	dwEhPeUdata2  = 0x02
	dwEhPeUdata4  = 0x03
	dwEhPeUdata8  = 0x04
	dwEhPeSleb128 = 0x09
	dwEhPeSdata2  = 0x0a
	dwEhPeSdata4  = 0x0b
	dwEhPeSdata8  = 0x0c
	dwEhPePcrel   = 0x10
	dwEhPeDatarel = 0x30
	dwEhPeOmit    = 0xff
)

// decodeDwarfPointer reads one encoded pointer from buf. fieldAddr is
// the runtime address of buf[0] (for PC-relative values) and dataBase
// the image base (for data-relative values).
func decodeDwarfPointer(buf []byte, encoding byte, fieldAddr, dataBase uintptr) (uintptr, bool) {
	if encoding == dwEhPeOmit {
		return 0, false
	}

	var value uintptr
	switch encoding & 0x0f {
	case dwEhPeAbsptr:
		if len(buf) < 8 {
			return 0, false
		}
		value = uintptr(binary.LittleEndian.Uint64(buf))
	case dwEhPeUleb128:
		value = uintptr(leb128.NewDecoder(buf).Uleb())
	case dwEhPeSleb128:
		value = uintptr(leb128.NewDecoder(buf).Sleb())
	case dwEhPeUdata2:
		if len(buf) < 2 {
			return 0, false
		}
		value = uintptr(binary.LittleEndian.Uint16(buf))
	case dwEhPeUdata4:
		if len(buf) < 4 {
			return 0, false
		}
		value = uintptr(binary.LittleEndian.Uint32(buf))
	case dwEhPeUdata8:
		if len(buf) < 8 {
			return 0, false
		}
		value = uintptr(binary.LittleEndian.Uint64(buf))
	case dwEhPeSdata2:
		if len(buf) < 2 {
			return 0, false
		}
		value = uintptr(int64(int16(binary.LittleEndian.Uint16(buf))))
	case dwEhPeSdata4:
		if len(buf) < 4 {
			return 0, false
		}
		value = uintptr(int64(int32(binary.LittleEndian.Uint32(buf))))
	case dwEhPeSdata8:
		if len(buf) < 8 {
			return 0, false
		}
		value = uintptr(binary.LittleEndian.Uint64(buf))
	default:
		return 0, false
	}

	if value != 0 {
		switch encoding & 0x70 {
		case dwEhPePcrel:
			value += fieldAddr
		case dwEhPeDatarel:
			value += dataBase
		}
	}
	return value, true
}

// ehFramePtrFromHdr extracts the runtime .eh_frame address from a
// PT_GNU_EH_FRAME descriptor. hdrAddr is the descriptor's runtime
// address, dataBase the image's load bias.
//
// Layout: version(1) eh_frame_ptr_enc(1) fde_count_enc(1) table_enc(1)
// followed by the encoded eh_frame_ptr.
func ehFramePtrFromHdr(hdr []byte, hdrAddr, dataBase uintptr) (uintptr, bool) {
	if len(hdr) < 5 {
		return 0, false
	}
	if hdr[0] != 1 {
		return 0, false
	}
	enc := hdr[1]
	if enc == dwEhPeOmit {
		return 0, false
	}
	return decodeDwarfPointer(hdr[4:], enc, hdrAddr+4, dataBase)
}
