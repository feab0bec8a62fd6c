// Package bitmask implements the fixed-width 256-bit position mask.
//
// Bits are 1-indexed starting at the most significant bit of the first word,
// so walking bit numbers upward walks the mask from its high end down. The
// persisted form is the 32-byte big-endian image of the mask.
package bitmask

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"iter"
	"math/bits"
)

// Size is the number of addressable bits.
const Size = 256

// Mask is a 256-bit set of 1-indexed bits.
type Mask [Size / 64]uint64

func locate(bit int) (word int, shift uint) {
	if bit < 1 || bit > Size {
		panic(fmt.Sprintf("bitmask: bit %d out of range", bit))
	}
	i := bit - 1
	return i / 64, uint(63 - i%64)
}

// IsSet reports whether bit is set.
func (m Mask) IsSet(bit int) bool {
	w, s := locate(bit)
	return m[w]&(1<<s) != 0
}

// Set turns bit on or off.
func (m *Mask) Set(bit int, on bool) {
	w, s := locate(bit)
	if on {
		m[w] |= 1 << s
	} else {
		m[w] &^= 1 << s
	}
}

// IsZero reports whether no bit is set.
func (m Mask) IsZero() bool {
	return m[0]|m[1]|m[2]|m[3] == 0
}

// Count returns the number of set bits.
func (m Mask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// Next returns the first set bit at or after from, or 0 if there is none.
func (m Mask) Next(from int) int {
	if from < 1 {
		from = 1
	}
	for bit := from; bit <= Size; {
		i := bit - 1
		w := i / 64
		if word := m[w] << uint(i%64); word != 0 {
			return bit + bits.LeadingZeros64(word)
		}
		bit = (w+1)*64 + 1
	}
	return 0
}

// All yields the set bits in ascending order.
func (m Mask) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		for bit := m.Next(1); bit != 0; bit = m.Next(bit + 1) {
			if !yield(bit) {
				return
			}
			if bit == Size {
				return
			}
		}
	}
}

// Range returns only the bits of m within [first, last].
func (m Mask) Range(first, last int) Mask {
	var out Mask
	for bit := m.Next(first); bit != 0 && bit <= last; bit = m.Next(bit + 1) {
		out.Set(bit, true)
		if bit == Size {
			break
		}
	}
	return out
}

// ShiftDown moves every bit b to b-n. Bits at or below n are dropped.
func (m Mask) ShiftDown(n int) Mask {
	if n <= 0 {
		return m
	}
	if n >= Size {
		return Mask{}
	}
	ws, bs := n/64, uint(n%64)
	var out Mask
	for i := range out {
		src := i + ws
		if src >= len(m) {
			break
		}
		out[i] = m[src] << bs
		if bs != 0 && src+1 < len(m) {
			out[i] |= m[src+1] >> (64 - bs)
		}
	}
	return out
}

// Or returns the union of m and o.
func (m Mask) Or(o Mask) Mask {
	for i := range m {
		m[i] |= o[i]
	}
	return m
}

// Bytes returns the 32-byte big-endian image of the mask.
func (m Mask) Bytes() []byte {
	out := make([]byte, Size/8)
	for i, w := range m {
		binary.BigEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// FromBytes decodes a mask from its 32-byte image. An empty slice decodes to
// the zero mask.
func FromBytes(b []byte) (Mask, error) {
	var m Mask
	if len(b) == 0 {
		return m, nil
	}
	if len(b) != Size/8 {
		return m, fmt.Errorf("bitmask: expected %d bytes, got %d", Size/8, len(b))
	}
	for i := range m {
		m[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return m, nil
}

func (m Mask) String() string {
	return hex.EncodeToString(m.Bytes())
}
