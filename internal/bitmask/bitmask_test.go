package bitmask

import (
	"slices"
	"testing"
)

func maskOf(bits ...int) Mask {
	var m Mask
	for _, b := range bits {
		m.Set(b, true)
	}
	return m
}

func TestSetAndIsSet(t *testing.T) {
	m := maskOf(1, 64, 65, 256)
	for _, b := range []int{1, 64, 65, 256} {
		if !m.IsSet(b) {
			t.Errorf("bit %d should be set", b)
		}
	}
	if m.IsSet(2) || m.IsSet(255) {
		t.Error("unexpected bit set")
	}
	m.Set(64, false)
	if m.IsSet(64) {
		t.Error("bit 64 should be cleared")
	}
	if m.Count() != 3 {
		t.Errorf("expected 3 bits, got %d", m.Count())
	}
}

func TestBitOneIsMostSignificant(t *testing.T) {
	m := maskOf(1)
	b := m.Bytes()
	if b[0] != 0x80 {
		t.Errorf("bit 1 should be the high bit of byte 0, got %x", b[0])
	}
	m = maskOf(256)
	b = m.Bytes()
	if b[31] != 0x01 {
		t.Errorf("bit 256 should be the low bit of byte 31, got %x", b[31])
	}
}

func TestNext(t *testing.T) {
	m := maskOf(3, 64, 130, 256)
	tests := []struct{ from, want int }{
		{0, 3}, {1, 3}, {3, 3}, {4, 64}, {65, 130}, {131, 256}, {256, 256},
	}
	for _, tt := range tests {
		if got := m.Next(tt.from); got != tt.want {
			t.Errorf("Next(%d) = %d, want %d", tt.from, got, tt.want)
		}
	}
	if got := (Mask{}).Next(1); got != 0 {
		t.Errorf("empty mask Next = %d", got)
	}
	if got := maskOf(5).Next(6); got != 0 {
		t.Errorf("Next past last bit = %d", got)
	}
}

func TestAllAscending(t *testing.T) {
	want := []int{1, 2, 90, 91, 200, 256}
	got := slices.Collect(maskOf(want...).All())
	if !slices.Equal(got, want) {
		t.Errorf("All() = %v, want %v", got, want)
	}
	// Restartable: a second walk yields the same sequence.
	m := maskOf(want...)
	seq := m.All()
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if !slices.Equal(first, second) {
		t.Error("sequence is not restartable")
	}
}

func TestRange(t *testing.T) {
	m := maskOf(1, 90, 91, 135, 136, 256)
	got := slices.Collect(m.Range(91, 135).All())
	if !slices.Equal(got, []int{91, 135}) {
		t.Errorf("Range(91,135) = %v", got)
	}
}

func TestShiftDown(t *testing.T) {
	m := maskOf(1, 5, 64, 65, 130, 256)
	got := slices.Collect(m.ShiftDown(4).All())
	want := []int{1, 60, 61, 126, 252}
	if !slices.Equal(got, want) {
		t.Errorf("ShiftDown(4) = %v, want %v", got, want)
	}
	got = slices.Collect(m.ShiftDown(64).All())
	want = []int{1, 66, 192}
	if !slices.Equal(got, want) {
		t.Errorf("ShiftDown(64) = %v, want %v", got, want)
	}
	if !m.ShiftDown(256).IsZero() {
		t.Error("ShiftDown(256) should clear the mask")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	m := maskOf(1, 17, 99, 200, 256)
	got, err := FromBytes(m.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != m {
		t.Errorf("round trip mismatch: %s vs %s", got, m)
	}
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short input")
	}
}
