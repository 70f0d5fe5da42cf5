//go:build linux && arm64

package linker

import (
	"debug/elf"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/niqiuqiux/soload/logging"
)

var segLog = logging.Component("segments")

// loadSpan computes the page-aligned span covering every PT_LOAD
// segment and the page start of the lowest one.
func loadSpan(phdrs []elfPhdr) (minVaddr, size uintptr) {
	lo := ^uintptr(0)
	hi := uintptr(0)
	for i := range phdrs {
		ph := &phdrs[i]
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if uintptr(ph.Vaddr) < lo {
			lo = uintptr(ph.Vaddr)
		}
		if end := uintptr(ph.Vaddr + ph.Memsz); end > hi {
			hi = end
		}
	}
	if hi == 0 && lo == ^uintptr(0) {
		return 0, 0
	}
	lo = pageStart(lo)
	hi = pageEnd(hi)
	return lo, hi - lo
}

// MapLibrary reserves address space for every PT_LOAD segment of the
// file at path and maps them in place. It returns the reservation base
// and size; the caller owns the mapping.
func MapLibrary(path string) (uintptr, uintptr, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: open %s: %v", ErrNotFound, path, err)
	}
	defer unix.Close(fd)

	ehdrBuf := make([]byte, ehdrSize)
	if n, err := unix.Pread(fd, ehdrBuf, 0); err != nil || n != len(ehdrBuf) {
		return 0, 0, fmt.Errorf("%w: %s: short ELF header read", ErrInvalidELF, path)
	}
	hdr := (*elfEhdr)(unsafe.Pointer(&ehdrBuf[0]))
	if hdr.Phnum == 0 {
		return 0, 0, fmt.Errorf("%w: %s: no program headers", ErrInvalidELF, path)
	}

	phdrBuf := make([]byte, uintptr(hdr.Phnum)*phdrSize)
	if n, err := unix.Pread(fd, phdrBuf, int64(hdr.Phoff)); err != nil || n != len(phdrBuf) {
		return 0, 0, fmt.Errorf("%w: %s: short program header read", ErrInvalidELF, path)
	}
	phdrs := unsafe.Slice((*elfPhdr)(unsafe.Pointer(&phdrBuf[0])), int(hdr.Phnum))

	minVaddr, mapSize := loadSpan(phdrs)
	if mapSize == 0 {
		return 0, 0, fmt.Errorf("%w: %s: no loadable segments", ErrInvalidELF, path)
	}

	reservation, err := unix.MmapPtr(-1, 0, nil, mapSize,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reserve %d bytes for %s: %v", ErrMapFailed, mapSize, path, err)
	}
	base := uintptr(reservation)
	bias := base - minVaddr

	for i := range phdrs {
		if elf.ProgType(phdrs[i].Type) != elf.PT_LOAD {
			continue
		}
		if err := mapSegment(fd, &phdrs[i], bias); err != nil {
			_ = unix.MunmapPtr(reservation, mapSize)
			return 0, 0, fmt.Errorf("%w: %s: %v", ErrMapFailed, path, err)
		}
	}

	segLog.Debugf("mapped %s at 0x%x (%d bytes)", path, base, mapSize)
	return base, mapSize, nil
}

// UnmapRange releases a reservation returned by MapLibrary.
func UnmapRange(base, size uintptr) {
	if base == 0 || size == 0 {
		return
	}
	_ = unix.MunmapPtr(ptrFromUintptr(base), size)
}

// mapSegment places one PT_LOAD segment inside the reservation: the
// file span page-aligned at its vaddr, an anonymous mapping for the
// memsz tail, and a zeroed partial page between filesz and memsz.
// Write+exec segments are mapped without exec first and upgraded after
// their contents are in place.
func mapSegment(fd int, ph *elfPhdr, bias uintptr) error {
	segStart := uintptr(ph.Vaddr) + bias
	segEnd := segStart + uintptr(ph.Memsz)
	fileEnd := segStart + uintptr(ph.Filesz)

	pgStart := pageStart(segStart)
	pgEnd := pageEnd(segEnd)
	filePage := pageStart(uintptr(ph.Off))
	fileLen := pageEnd(uintptr(ph.Off)+uintptr(ph.Filesz)) - filePage

	prot := protFromFlags(ph.Flags)
	needsExecUpgrade := prot&unix.PROT_WRITE != 0 && prot&unix.PROT_EXEC != 0
	if needsExecUpgrade {
		prot &^= unix.PROT_EXEC
	}

	if fileLen > 0 {
		if _, err := unix.MmapPtr(fd, int64(filePage), ptrFromUintptr(pgStart), fileLen,
			prot, unix.MAP_FIXED|unix.MAP_PRIVATE); err != nil {
			return fmt.Errorf("map segment at 0x%x: %v", pgStart, err)
		}
	}

	if pgEnd > pgStart+fileLen {
		bssStart := pgStart + fileLen
		bssLen := pgEnd - bssStart
		if _, err := unix.MmapPtr(-1, 0, ptrFromUintptr(bssStart), bssLen,
			prot, unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANONYMOUS); err != nil {
			return fmt.Errorf("map bss at 0x%x: %v", bssStart, err)
		}
		if prot&unix.PROT_WRITE != 0 {
			memZero(bssStart, bssLen)
		}
	}

	// Zero the writable tail of the last file page up to memsz.
	if ph.Flags&uint32(elf.PF_W) != 0 && fileEnd < segEnd {
		zeroLen := pageEnd(fileEnd) - fileEnd
		if tail := segEnd - fileEnd; tail < zeroLen {
			zeroLen = tail
		}
		memZero(fileEnd, zeroLen)
	}

	if needsExecUpgrade {
		if err := unix.Mprotect(memSlice(pgStart, pgEnd-pgStart), prot|unix.PROT_EXEC); err != nil {
			return fmt.Errorf("mprotect exec at 0x%x: %v", pgStart, err)
		}
	}
	return nil
}
