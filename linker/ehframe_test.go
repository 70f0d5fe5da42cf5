package linker

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niqiuqiux/soload/leb128"
)

func hdrWithEncoded(enc byte, field []byte) []byte {
	hdr := []byte{1, enc, dwEhPeOmit, dwEhPeOmit}
	return append(hdr, field...)
}

func TestEhFramePtrAbsolute(t *testing.T) {
	field := make([]byte, 8)
	binary.LittleEndian.PutUint64(field, 0x7f0000001000)
	hdr := hdrWithEncoded(dwEhPeAbsptr, field)

	ptr, ok := ehFramePtrFromHdr(hdr, 0xdead0000, 0x1000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x7f0000001000), ptr)
}

func TestEhFramePtrPcrelSdata4(t *testing.T) {
	// Value 0x40 relative to the encoded field's own address.
	field := make([]byte, 4)
	binary.LittleEndian.PutUint32(field, 0x40)
	hdr := hdrWithEncoded(dwEhPeSdata4|dwEhPePcrel, field)

	hdrAddr := uintptr(0x555500000000)
	ptr, ok := ehFramePtrFromHdr(hdr, hdrAddr, 0)
	require.True(t, ok)
	assert.Equal(t, hdrAddr+4+0x40, ptr)
}

func TestEhFramePtrPcrelNegative(t *testing.T) {
	field := make([]byte, 4)
	binary.LittleEndian.PutUint32(field, uint32(0xffffff00)) // -256
	hdr := hdrWithEncoded(dwEhPeSdata4|dwEhPePcrel, field)

	hdrAddr := uintptr(0x555500001000)
	ptr, ok := ehFramePtrFromHdr(hdr, hdrAddr, 0)
	require.True(t, ok)
	assert.Equal(t, hdrAddr+4-256, ptr)
}

func TestEhFramePtrDatarelUdata8(t *testing.T) {
	field := make([]byte, 8)
	binary.LittleEndian.PutUint64(field, 0x2000)
	hdr := hdrWithEncoded(dwEhPeUdata8|dwEhPeDatarel, field)

	ptr, ok := ehFramePtrFromHdr(hdr, 0x1234, 0x7f0000000000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x7f0000002000), ptr)
}

func TestEhFramePtrUleb(t *testing.T) {
	field := leb128.AppendUleb(nil, 0x1234)
	hdr := hdrWithEncoded(dwEhPeUleb128, field)

	ptr, ok := ehFramePtrFromHdr(hdr, 0, 0)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x1234), ptr)
}

func TestEhFramePtrUdata2(t *testing.T) {
	field := []byte{0x34, 0x12}
	hdr := hdrWithEncoded(dwEhPeUdata2, field)

	ptr, ok := ehFramePtrFromHdr(hdr, 0, 0)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x1234), ptr)
}

func TestEhFrameHdrRejectsBadVersion(t *testing.T) {
	field := make([]byte, 8)
	hdr := append([]byte{2, dwEhPeAbsptr, dwEhPeOmit, dwEhPeOmit}, field...)

	_, ok := ehFramePtrFromHdr(hdr, 0, 0)
	assert.False(t, ok)
}

func TestEhFrameHdrRejectsOmitAndShort(t *testing.T) {
	_, ok := ehFramePtrFromHdr([]byte{1, dwEhPeOmit, 0, 0, 0}, 0, 0)
	assert.False(t, ok)

	_, ok = ehFramePtrFromHdr([]byte{1, dwEhPeAbsptr}, 0, 0)
	assert.False(t, ok)

	// Truncated absptr field.
	_, ok = ehFramePtrFromHdr([]byte{1, dwEhPeAbsptr, 0, 0, 0x11, 0x22}, 0, 0)
	assert.False(t, ok)
}

func TestEhFrameZeroValueSkipsAdjustment(t *testing.T) {
	field := make([]byte, 4)
	hdr := hdrWithEncoded(dwEhPeSdata4|dwEhPePcrel, field)

	ptr, ok := ehFramePtrFromHdr(hdr, 0x1000, 0)
	require.True(t, ok)
	assert.Equal(t, uintptr(0), ptr)
}
