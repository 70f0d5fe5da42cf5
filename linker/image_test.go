//go:build linux && arm64

package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSO assembles a minimal AArch64 ET_DYN file with one PT_LOAD, a
// dynsym with "add" (global func) and "weakfn" (weak func), SysV and
// GNU hash tables over it, and a .symtab with "local_obj".
type testSO struct {
	withSysvHash bool
	withGnuHash  bool
	withSymtab   bool
	withTLS      bool
	zeroBloom    bool
}

const (
	testTextVaddr  = 0x10000
	testAddValue   = 0x10100
	testWeakValue  = 0x10200
	testLocalValue = 0x10300
)

func (cfg testSO) build(t *testing.T) []byte {
	t.Helper()

	le := binary.LittleEndian
	pack := func(v any) []byte {
		var b bytes.Buffer
		require.NoError(t, binary.Write(&b, le, v))
		return b.Bytes()
	}

	dynsym := []elfSym{
		{},
		{Name: 1, Info: 0x12, Shndx: 1, Value: testAddValue, Size: 8},   // add: GLOBAL FUNC
		{Name: 5, Info: 0x22, Shndx: 1, Value: testWeakValue, Size: 4},  // weakfn: WEAK FUNC
	}
	dynstr := []byte("\x00add\x00weakfn\x00")

	var hash []byte
	if cfg.withSysvHash {
		words := []uint32{1, 3, 1, 0, 2, 0} // nbucket, nchain, bucket[0], chain[0..2]
		hash = pack(words)
	}

	var gnuhash []byte
	if cfg.withGnuHash {
		hAdd := GnuHash("add")
		hWeak := GnuHash("weakfn")
		bloom := uint64(0)
		if !cfg.zeroBloom {
			for _, h := range []uint32{hAdd, hWeak} {
				bloom |= uint64(1) << (h % 64)
				bloom |= uint64(1) << ((h >> 6) % 64)
			}
		}
		var b bytes.Buffer
		require.NoError(t, binary.Write(&b, le, []uint32{1, 1, 1, 6})) // nbucket symndx bloomsize shift2
		require.NoError(t, binary.Write(&b, le, bloom))
		require.NoError(t, binary.Write(&b, le, []uint32{1}))                  // bucket
		require.NoError(t, binary.Write(&b, le, []uint32{hAdd &^ 1, hWeak | 1})) // chain
		gnuhash = b.Bytes()
	}

	var symtab []byte
	symstr := []byte("\x00local_obj\x00")
	if cfg.withSymtab {
		symtab = pack([]elfSym{
			{},
			{Name: 1, Info: 0x01, Shndx: 1, Value: testLocalValue, Size: 16}, // LOCAL OBJECT
		})
	}

	shstrtab := []byte("\x00.text\x00.dynsym\x00.dynstr\x00.hash\x00.gnu.hash\x00.symtab\x00.strtab\x00.shstrtab\x00")
	nameOff := func(name string) uint32 {
		idx := bytes.Index(shstrtab, append([]byte(name), 0))
		require.GreaterOrEqual(t, idx, 0)
		return uint32(idx)
	}

	phnum := 1
	if cfg.withTLS {
		phnum = 2
	}
	phdrOff := uint64(ehdrSize)
	blobOff := phdrOff + uint64(phnum)*uint64(phdrSize)

	place := func(b []byte) (off, size uint64) {
		off = blobOff
		blobOff += uint64(len(b))
		return off, uint64(len(b))
	}
	dynsymBytes := pack(dynsym)
	dynsymOff, dynsymSize := place(dynsymBytes)
	dynstrOff, dynstrSize := place(dynstr)
	hashOff, hashSize := place(hash)
	gnuOff, gnuSize := place(gnuhash)
	symtabOff, symtabSize := place(symtab)
	symstrOff, symstrSize := place(symstr)
	shstrOff, shstrSize := place(shstrtab)

	shoff := (blobOff + 7) &^ 7

	shdrs := []elfShdr{
		{},
		{Name: nameOff(".text"), Type: uint32(elf.SHT_PROGBITS), Addr: testTextVaddr, Size: 0x1000},
		{Name: nameOff(".dynsym"), Type: uint32(elf.SHT_DYNSYM), Off: dynsymOff, Size: dynsymSize, Link: 3, Entsize: uint64(symSize)},
		{Name: nameOff(".dynstr"), Type: uint32(elf.SHT_STRTAB), Off: dynstrOff, Size: dynstrSize},
		{Name: nameOff(".hash"), Type: uint32(elf.SHT_HASH), Off: hashOff, Size: hashSize, Link: 2, Entsize: 4},
		{Name: nameOff(".gnu.hash"), Type: uint32(elf.SHT_GNU_HASH), Off: gnuOff, Size: gnuSize, Link: 2},
		{Name: nameOff(".symtab"), Type: uint32(elf.SHT_SYMTAB), Off: symtabOff, Size: symtabSize, Link: 7, Entsize: uint64(symSize)},
		{Name: nameOff(".strtab"), Type: uint32(elf.SHT_STRTAB), Off: symstrOff, Size: symstrSize},
		{Name: nameOff(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: shstrSize},
	}

	hdr := elfEhdr{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   1,
		Phoff:     phdrOff,
		Shoff:     shoff,
		Ehsize:    uint16(ehdrSize),
		Phentsize: uint16(phdrSize),
		Phnum:     uint16(phnum),
		Shentsize: uint16(shdrSize),
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  8,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = 1

	phdrs := []elfPhdr{{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    0,
		Vaddr:  testTextVaddr,
		Paddr:  testTextVaddr,
		Filesz: 0x1000,
		Memsz:  0x1000,
		Align:  0x1000,
	}}
	if cfg.withTLS {
		phdrs = append(phdrs, elfPhdr{
			Type:   uint32(elf.PT_TLS),
			Flags:  uint32(elf.PF_R),
			Off:    0x800,
			Vaddr:  testTextVaddr + 0x800,
			Filesz: 8,
			Memsz:  32,
			Align:  16,
		})
	}

	var out bytes.Buffer
	out.Write(pack(hdr))
	out.Write(pack(phdrs))
	out.Write(dynsymBytes)
	out.Write(dynstr)
	out.Write(hash)
	out.Write(gnuhash)
	out.Write(symtab)
	out.Write(symstr)
	out.Write(shstrtab)
	for out.Len() < int(shoff) {
		out.WriteByte(0)
	}
	out.Write(pack(shdrs))
	return out.Bytes()
}

func writeTestSO(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libsynthetic.so")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestImage(t *testing.T, cfg testSO) *Image {
	t.Helper()
	path := writeTestSO(t, cfg.build(t))
	img, err := NewImage(path, testTextVaddr)
	require.NoError(t, err)
	return img
}

func TestImageRejectsCorruptHeaders(t *testing.T) {
	base := testSO{withSysvHash: true}.build(t)

	corrupt := func(mutate func([]byte)) error {
		data := append([]byte(nil), base...)
		mutate(data)
		path := writeTestSO(t, data)
		_, err := NewImage(path, testTextVaddr)
		return err
	}

	assert.ErrorIs(t, corrupt(func(d []byte) { d[0] = 'X' }), ErrInvalidELF)
	assert.ErrorIs(t, corrupt(func(d []byte) { d[elf.EI_CLASS] = byte(elf.ELFCLASS32) }), ErrInvalidELF)
	assert.ErrorIs(t, corrupt(func(d []byte) { d[elf.EI_DATA] = byte(elf.ELFDATA2MSB) }), ErrInvalidELF)
	assert.ErrorIs(t, corrupt(func(d []byte) {
		binary.LittleEndian.PutUint16(d[18:], uint16(elf.EM_X86_64))
	}), ErrInvalidELF)
	assert.ErrorIs(t, corrupt(func(d []byte) {
		binary.LittleEndian.PutUint16(d[16:], uint16(elf.ET_REL))
	}), ErrInvalidELF)
	// Program header table pushed past EOF.
	assert.ErrorIs(t, corrupt(func(d []byte) {
		binary.LittleEndian.PutUint64(d[32:], uint64(len(d)))
	}), ErrInvalidELF)
}

func TestImageMissingFile(t *testing.T) {
	_, err := NewImage(filepath.Join(t.TempDir(), "nope.so"), testTextVaddr)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImageBiasFromZeroOffsetLoad(t *testing.T) {
	img := newTestImage(t, testSO{withSysvHash: true})
	assert.Equal(t, uintptr(testTextVaddr), img.Bias())
	assert.Equal(t, uintptr(testTextVaddr), img.Base())
	assert.Equal(t, uintptr(0), img.LoadBias())
}

func TestSysvHashLookup(t *testing.T) {
	img := newTestImage(t, testSO{withSysvHash: true})

	off, typ, bind, ok := img.SymbolOffset("add")
	require.True(t, ok)
	assert.Equal(t, uint64(testAddValue), off)
	assert.Equal(t, uint8(elf.STT_FUNC), typ)
	assert.Equal(t, uint8(elf.STB_GLOBAL), bind)

	off, _, bind, ok = img.SymbolOffset("weakfn")
	require.True(t, ok)
	assert.Equal(t, uint64(testWeakValue), off)
	assert.Equal(t, uint8(elf.STB_WEAK), bind)

	_, _, _, ok = img.SymbolOffset("missing")
	assert.False(t, ok)
}

func TestGnuHashLookup(t *testing.T) {
	img := newTestImage(t, testSO{withGnuHash: true})

	off, typ, bind, ok := img.SymbolOffset("add")
	require.True(t, ok)
	assert.Equal(t, uint64(testAddValue), off)
	assert.Equal(t, uint8(elf.STT_FUNC), typ)
	assert.Equal(t, uint8(elf.STB_GLOBAL), bind)

	off, _, _, ok = img.SymbolOffset("weakfn")
	require.True(t, ok)
	assert.Equal(t, uint64(testWeakValue), off)
}

func TestGnuHashBloomMissNeverMatches(t *testing.T) {
	// A cleared bloom filter must short-circuit even though the
	// bucket and chain would match.
	img := newTestImage(t, testSO{withGnuHash: true, zeroBloom: true})

	_, _, _, ok := img.SymbolOffset("add")
	assert.False(t, ok)
	_, _, _, ok = img.SymbolOffset("weakfn")
	assert.False(t, ok)
}

func TestLookupDeterministic(t *testing.T) {
	img := newTestImage(t, testSO{withSysvHash: true, withGnuHash: true, withSymtab: true})
	first, _, _, ok := img.SymbolOffset("add")
	require.True(t, ok)
	for i := 0; i < 16; i++ {
		off, _, _, ok := img.SymbolOffset("add")
		require.True(t, ok)
		assert.Equal(t, first, off)
	}
}

func TestLinearSymtabLookup(t *testing.T) {
	img := newTestImage(t, testSO{withSymtab: true})

	off, typ, _, ok := img.SymbolOffset("local_obj")
	require.True(t, ok)
	assert.Equal(t, uint64(testLocalValue), off)
	assert.Equal(t, uint8(elf.STT_OBJECT), typ)
}

func TestSymbolAt(t *testing.T) {
	img := newTestImage(t, testSO{withSymtab: true})

	info, ok := img.SymbolAt(img.runtimeAddr(testLocalValue + 5))
	require.True(t, ok)
	assert.Equal(t, "local_obj", info.Name)
	assert.Equal(t, img.runtimeAddr(testLocalValue), info.Address)

	_, ok = img.SymbolAt(img.runtimeAddr(testLocalValue + 16))
	assert.False(t, ok)
}

func TestTLSSegmentDetection(t *testing.T) {
	img := newTestImage(t, testSO{withTLS: true})
	seg := img.TLSSegment()
	require.NotNil(t, seg)
	assert.Equal(t, uint64(32), seg.Memsz)
	assert.Equal(t, uint64(8), seg.Filesz)
	assert.Equal(t, uint64(16), seg.Align)

	plain := newTestImage(t, testSO{})
	assert.Nil(t, plain.TLSSegment())
}
