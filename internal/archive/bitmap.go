package archive

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size bit set addressed by slot index. The writer sets
// one bit per pointer-holding slot; the mapper walks the set bits to apply
// the relocation delta.
type Bitmap struct {
	words []uint64
	n     int // number of valid slots
}

// NewBitmap creates a bitmap covering n slots.
func NewBitmap(n int) *Bitmap {
	return &Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// Len returns the number of slots the bitmap covers.
func (b *Bitmap) Len() int { return b.n }

// Set marks slot i.
func (b *Bitmap) Set(i int) {
	b.words[i/64] |= 1 << (i % 64)
}

// Get reports whether slot i is marked.
func (b *Bitmap) Get(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Count returns the number of marked slots.
func (b *Bitmap) Count() int {
	c := 0
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// ForEachSet calls fn for every marked slot in ascending order.
func (b *Bitmap) ForEachSet(fn func(i int)) {
	for wi, w := range b.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			fn(wi*64 + bit)
			w &= w - 1
		}
	}
}

// RelocBitmaps is the content of the bm region: one bitmap over the packed
// core span at raw-pointer granularity, and one over the heap span at
// narrow-reference granularity.
type RelocBitmaps struct {
	Raw    *Bitmap // 1 bit per WordSize bytes of mc+rw+ro
	Narrow *Bitmap // 1 bit per 4 bytes of the archived heap span
}

// EncodedSize returns the serialized size of the bitmaps in bytes.
func (r *RelocBitmaps) EncodedSize() int {
	return 16 + 8*len(r.Raw.words) + 8*len(r.Narrow.words)
}

// Encode serializes the bitmaps into dst, which must be at least
// EncodedSize bytes. The layout is two u64 slot counts followed by the raw
// and narrow bitmap words, little-endian.
func (r *RelocBitmaps) Encode(dst []byte) error {
	if len(dst) < r.EncodedSize() {
		return fmt.Errorf("bm region too small: %d bytes for %d", len(dst), r.EncodedSize())
	}
	binary.LittleEndian.PutUint64(dst[0:], uint64(r.Raw.n))
	binary.LittleEndian.PutUint64(dst[8:], uint64(r.Narrow.n))
	p := 16
	for _, w := range r.Raw.words {
		binary.LittleEndian.PutUint64(dst[p:], w)
		p += 8
	}
	for _, w := range r.Narrow.words {
		binary.LittleEndian.PutUint64(dst[p:], w)
		p += 8
	}
	return nil
}

// DecodeRelocBitmaps parses a bm region payload.
func DecodeRelocBitmaps(src []byte) (*RelocBitmaps, error) {
	if len(src) < 16 {
		return nil, fmt.Errorf("bm region truncated: %d bytes", len(src))
	}
	rawN := binary.LittleEndian.Uint64(src[0:])
	narrowN := binary.LittleEndian.Uint64(src[8:])
	if rawN > uint64(MaxSharedDelta/WordSize) || narrowN > uint64(MaxSharedDelta/4) {
		return nil, fmt.Errorf("bm region corrupt: %d raw / %d narrow slots", rawN, narrowN)
	}
	raw := NewBitmap(int(rawN))
	narrow := NewBitmap(int(narrowN))
	need := 16 + 8*len(raw.words) + 8*len(narrow.words)
	if len(src) < need {
		return nil, fmt.Errorf("bm region truncated: %d bytes, need %d", len(src), need)
	}
	p := 16
	for i := range raw.words {
		raw.words[i] = binary.LittleEndian.Uint64(src[p:])
		p += 8
	}
	for i := range narrow.words {
		narrow.words[i] = binary.LittleEndian.Uint64(src[p:])
		p += 8
	}
	return &RelocBitmaps{Raw: raw, Narrow: narrow}, nil
}
