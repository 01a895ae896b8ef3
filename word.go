package bitmap_alloc

import "math/bits"

// Word is the scan granule of every bitmap in this package. Run scans walk
// the bitmap a word at a time and finish a partial word with
// count-trailing-zeros, so the word width defines how many units one probe
// covers.
type Word uint

const (
	// WordWidth is the number of bits in a Word. It must divide the number
	// of units per page evenly.
	WordWidth = uint(bits.UintSize)

	wordBytes = WordWidth / 8

	// WordMax is the all-ones Word.
	WordMax Word = ^Word(0)
)

func countTrailingZeros(w Word) uint {
	return uint(bits.TrailingZeros(uint(w)))
}
