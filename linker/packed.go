package linker

import (
	"fmt"

	"github.com/niqiuqiux/soload/leb128"
)

// forEachPackedReloc walks an Android APS2 packed relocation stream and
// invokes fn once per expanded entry. Addends are stateful: decoded
// values accumulate into a running total, per the format. A REL-form
// stream carrying addends is malformed.
func forEachPackedReloc(data []byte, isRela bool, fn func(offset, info, addend uint64)) error {
	if len(data) < 4 || string(data[:4]) != packedMagic {
		return fmt.Errorf("%w: bad magic", ErrMalformedPackedReloc)
	}

	dec := leb128.NewDecoder(data[4:])
	numRelocs := dec.Uleb()
	rOffset := uint64(dec.Sleb())

	var (
		rInfo  uint64
		addend uint64
	)

	for done := uint64(0); done < numRelocs; {
		if !dec.HasMore() {
			return fmt.Errorf("%w: truncated stream (%d/%d entries)",
				ErrMalformedPackedReloc, done, numRelocs)
		}

		groupSize := dec.Uleb()
		groupFlags := dec.Uleb()
		if groupSize == 0 || groupSize > numRelocs-done {
			return fmt.Errorf("%w: bad group size %d", ErrMalformedPackedReloc, groupSize)
		}

		var groupOffsetDelta uint64
		if groupFlags&groupedByOffsetDelta != 0 {
			groupOffsetDelta = uint64(dec.Sleb())
		}
		if groupFlags&groupedByInfo != 0 {
			rInfo = dec.Uleb()
		}
		if groupFlags&groupHasAddend != 0 {
			if !isRela {
				return fmt.Errorf("%w: REL stream carries addends", ErrMalformedPackedReloc)
			}
			if groupFlags&groupedByAddend != 0 {
				addend += uint64(dec.Sleb())
			}
		}

		for j := uint64(0); j < groupSize; j++ {
			if groupFlags&groupedByOffsetDelta != 0 {
				rOffset += groupOffsetDelta
			} else {
				rOffset += uint64(dec.Sleb())
			}
			if groupFlags&groupedByInfo == 0 {
				rInfo = dec.Uleb()
			}
			if isRela && groupFlags&groupHasAddend != 0 && groupFlags&groupedByAddend == 0 {
				addend += uint64(dec.Sleb())
			}
			fn(rOffset, rInfo, addend)
		}
		done += groupSize
	}
	return nil
}
