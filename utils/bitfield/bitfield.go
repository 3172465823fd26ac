// Package bitfield implements a fixed-size bit set used for per-slot
// bookkeeping in steering tables.
package bitfield

const wordBits = 64

// Bitfield is a fixed-size bit set. The zero value is unusable; create
// one with New.
type Bitfield []uint64

// New returns a Bitfield able to hold n bits, all cleared.
func New(n int) Bitfield {
	return make(Bitfield, (n+wordBits-1)/wordBits)
}

func (b Bitfield) Set(i int) {
	b[i/wordBits] |= 1 << uint(i%wordBits)
}

func (b Bitfield) Clear(i int) {
	b[i/wordBits] &^= 1 << uint(i%wordBits)
}

func (b Bitfield) IsSet(i int) bool {
	return b[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// None reports whether every bit is cleared.
func (b Bitfield) None() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}
