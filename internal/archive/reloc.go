package archive

// Pointer-field encodings understood by the relocation machinery. The set
// is a registry rather than a hard-coded pair so further encodings can be
// added without touching the mapper: each encoding defines its slot width,
// and how a stored value is decoded to an address, shifted by a delta, and
// re-encoded.
type PtrEncoding uint8

const (
	// EncRaw is a full-width absolute pointer in a word-sized slot.
	EncRaw PtrEncoding = iota
	// EncNarrow is a 32-bit scaled absolute reference: the slot stores
	// address >> NarrowShift, so the target must be 1<<NarrowShift aligned.
	// Heap regions use narrow references exclusively.
	EncNarrow
)

// NarrowShift is the scale of narrow references. With a shift of 4 a narrow
// slot addresses a 64 GiB range at 16-byte object alignment.
const NarrowShift = 4

// SlotSize returns the stored width of the encoding in bytes.
func (e PtrEncoding) SlotSize() int {
	if e == EncNarrow {
		return 4
	}
	return WordSize
}

// TargetAlign returns the address alignment the encoding requires of its
// target.
func (e PtrEncoding) TargetAlign() uint64 {
	if e == EncNarrow {
		return 1 << NarrowShift
	}
	return 1
}

func encodeNarrow(addr uint64) uint32 { return uint32(addr >> NarrowShift) }

func decodeNarrow(v uint32) uint64 { return uint64(v) << NarrowShift }

// shiftNarrow relocates an encoded narrow value by delta. delta must be a
// multiple of the narrow alignment; archive bases are page-aligned, so it
// always is.
func shiftNarrow(v uint32, delta int64) uint32 {
	return v + uint32(delta>>NarrowShift)
}
