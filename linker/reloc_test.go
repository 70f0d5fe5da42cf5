//go:build linux && arm64

package linker

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProcessRelr drives the RELR walker over Go-owned memory: the
// "image" is a word array whose load bias is its own address, so a
// relocated word gains exactly that address.
func TestProcessRelr(t *testing.T) {
	words := make([]uint64, 70)
	for i := range words {
		words[i] = uint64(i)
	}
	loadBias := uintptr(unsafe.Pointer(&words[0]))

	table := []uint64{
		0, // address entry: relocate word 0, cursor -> 8
		// bitmap: bits 0 and 2 -> words 1 and 3
		(uint64(0b101) << 1) | 1,
	}
	relr := uintptr(unsafe.Pointer(&table[0]))

	processRelr(relr, uintptr(len(table))*wordSize, loadBias)
	runtime.KeepAlive(table)
	runtime.KeepAlive(words)

	assert.Equal(t, uint64(0)+uint64(loadBias), words[0])
	assert.Equal(t, uint64(1)+uint64(loadBias), words[1])
	assert.Equal(t, uint64(2), words[2])
	assert.Equal(t, uint64(3)+uint64(loadBias), words[3])
	for i := 4; i < len(words); i++ {
		require.Equal(t, uint64(i), words[i], "word %d must be untouched", i)
	}
}

// TestProcessRelrBitmapAdvancesCursor checks the 63-word stride after a
// bitmap entry.
func TestProcessRelrBitmapAdvancesCursor(t *testing.T) {
	words := make([]uint64, 130)
	loadBias := uintptr(unsafe.Pointer(&words[0]))

	table := []uint64{
		0,                    // word 0, cursor -> word 1
		1,                    // empty bitmap, cursor -> word 64
		(uint64(1) << 1) | 1, // bitmap bit 0 -> word 64
	}
	relr := uintptr(unsafe.Pointer(&table[0]))

	processRelr(relr, uintptr(len(table))*wordSize, loadBias)
	runtime.KeepAlive(table)
	runtime.KeepAlive(words)

	assert.Equal(t, uint64(loadBias), words[0])
	assert.Equal(t, uint64(loadBias), words[64])
	assert.Equal(t, uint64(0), words[1])
	assert.Equal(t, uint64(0), words[63])
	assert.Equal(t, uint64(0), words[65])
}
