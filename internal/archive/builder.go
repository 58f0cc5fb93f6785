package archive

import (
	"encoding/binary"
	"fmt"
)

// Ref names a staged allocation as (region, offset). Staged content is
// always offset-addressed; absolute addresses only come into existence when
// the writer materializes pointers against the requested base.
type Ref struct {
	Region RegionKind
	Offset uint32
}

// ptrField is one registered pointer-valued slot.
type ptrField struct {
	at       Ref
	target   Ref
	addr     uint64 // absolute target, used when absolute is set
	absolute bool
	enc      PtrEncoding
}

// DumpStats accumulates dump-time accounting, reported by the dump tool.
type DumpStats struct {
	SymbolCount int
	SymbolBytes int
	StringCount int
	StringBytes int
}

// NoteSymbol records one interned symbol of n bytes.
func (s *DumpStats) NoteSymbol(n int) { s.SymbolCount++; s.SymbolBytes += n }

// NoteString records one archived string of n bytes.
func (s *DumpStats) NoteString(n int) { s.StringCount++; s.StringBytes += n }

// WindowsAlignment is the archive alignment required for archives that
// will be mapped on Windows: file mapping views need file offsets at the
// allocation granularity (64 KiB), so every region boundary must sit on
// one. The 4096 default maps everywhere else.
const WindowsAlignment = 1 << 16

// BuilderConfig configures an archive dump.
type BuilderConfig struct {
	RequestedBase uint64 // preferred mapping base (static archives)
	Alignment     uint64 // region alignment, at least 1<<NarrowShift, power of two; WindowsAlignment for archives loaded on Windows
	Dynamic       bool   // build a dynamic archive
	AnchorBase    uint64 // dynamic: offset of this archive's base from the static requested base
	AnchorGap     uint64 // dynamic: recorded gap above the static mapped top

	MiscCodeCapacity  int // staging capacity of mc
	ReadWriteCapacity int // staging capacity of rw
	ReadOnlyCapacity  int // staging capacity of ro
	SymbolCapacity    int // transient symbol staging, not packed into the archive
}

// DynamicConfig derives the dump configuration for a dynamic archive
// anchored gap bytes above the mapped top of the archive described by
// static.
func DynamicConfig(static *Header, gap uint64) BuilderConfig {
	return BuilderConfig{
		RequestedBase: static.RequestedBase,
		Alignment:     static.Alignment,
		Dynamic:       true,
		AnchorBase:    static.NonHeapSize() + gap,
		AnchorGap:     gap,
	}
}

// Builder stages an archive dump: three packed core regions, a transient
// symbol staging buffer, optional heap region blobs and the registry of
// pointer-valued slots the relocation bitmap is computed from.
type Builder struct {
	cfg     BuilderConfig
	core    [NumCoreRegions]*DumpRegion
	symbols *DumpRegion
	heap    [NumRegions][]byte // indexed by heap region kind; nil when unused
	ptrs    []ptrField
	stats   DumpStats
}

// Layout is the packed shape of an archive: per-region sizes and offsets
// from the archive base, with no unused capacity between regions.
type Layout struct {
	Alignment  uint64
	Sizes      [NumRegions]uint64
	MapOffset  [NumRegions]uint64
	Used       [NumRegions]bool
	CoreEnd    uint64 // end of mc+rw+ro
	NonHeapEnd uint64 // end of bm
	HeapStart  uint64 // == NonHeapEnd
	Total      uint64
}

const defaultStagingCapacity = 8 << 20

// NewBuilder creates a dump staging context.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Alignment == 0 {
		cfg.Alignment = 4096
	}
	if cfg.Alignment&(cfg.Alignment-1) != 0 || cfg.Alignment < 1<<NarrowShift {
		return nil, fmt.Errorf("archive: bad alignment %d", cfg.Alignment)
	}
	if cfg.RequestedBase%cfg.Alignment != 0 {
		return nil, fmt.Errorf("archive: requested base 0x%x not %d-aligned", cfg.RequestedBase, cfg.Alignment)
	}
	if cfg.Dynamic && cfg.AnchorBase == 0 {
		return nil, fmt.Errorf("archive: dynamic dump needs an anchor base")
	}
	if cfg.AnchorBase%cfg.Alignment != 0 {
		return nil, fmt.Errorf("archive: anchor base 0x%x not %d-aligned", cfg.AnchorBase, cfg.Alignment)
	}
	if !cfg.Dynamic && cfg.AnchorBase != 0 {
		return nil, fmt.Errorf("archive: static dump cannot be anchored")
	}
	for _, c := range []*int{&cfg.MiscCodeCapacity, &cfg.ReadWriteCapacity, &cfg.ReadOnlyCapacity, &cfg.SymbolCapacity} {
		if *c == 0 {
			*c = defaultStagingCapacity
		}
	}
	b := &Builder{cfg: cfg}
	b.core[RegionMC] = NewDumpRegion("mc", cfg.MiscCodeCapacity)
	b.core[RegionRW] = NewDumpRegion("rw", cfg.ReadWriteCapacity)
	b.core[RegionRO] = NewDumpRegion("ro", cfg.ReadOnlyCapacity)
	b.symbols = NewDumpRegion("symbols", cfg.SymbolCapacity)
	return b, nil
}

// Stats returns the dump accounting, for updating by metadata producers.
func (b *Builder) Stats() *DumpStats { return &b.stats }

// Alloc bump-allocates n bytes from one of the core staging regions.
func (b *Builder) Alloc(kind RegionKind, n int) (Ref, []byte, error) {
	if !kind.IsCore() {
		return Ref{}, nil, fmt.Errorf("archive: cannot allocate from region %s", kind)
	}
	off, buf, err := b.core[kind].Alloc(n)
	if err != nil {
		return Ref{}, nil, err
	}
	return Ref{Region: kind, Offset: off}, buf, nil
}

// MiscCodeAlloc allocates from the mc region.
func (b *Builder) MiscCodeAlloc(n int) (Ref, []byte, error) { return b.Alloc(RegionMC, n) }

// ReadWriteAlloc allocates from the rw region.
func (b *Builder) ReadWriteAlloc(n int) (Ref, []byte, error) { return b.Alloc(RegionRW, n) }

// ReadOnlyAlloc allocates from the ro region.
func (b *Builder) ReadOnlyAlloc(n int) (Ref, []byte, error) { return b.Alloc(RegionRO, n) }

// SymbolAlloc allocates from the transient symbol staging buffer. Symbol
// staging is independent of the packed regions and never reaches the file.
func (b *Builder) SymbolAlloc(n int) ([]byte, error) {
	_, buf, err := b.symbols.Alloc(n)
	return buf, err
}

// addHeapRegion attaches a heap blob at the first free slot in [first,last].
func (b *Builder) addHeapRegion(data []byte, first, last RegionKind) (RegionKind, error) {
	if b.cfg.Dynamic {
		return 0, fmt.Errorf("archive: dynamic archives carry no heap regions")
	}
	for k := first; k <= last; k++ {
		if b.heap[k] == nil {
			padded := make([]byte, alignUp64(uint64(len(data)), b.cfg.Alignment))
			copy(padded, data)
			b.heap[k] = padded
			return k, nil
		}
	}
	return 0, fmt.Errorf("archive: no free heap region slot in %s..%s", first, last)
}

// AddClosedHeapRegion attaches a reachability-closed heap blob. At most
// MaxClosedHeapRegions may be added.
func (b *Builder) AddClosedHeapRegion(data []byte) (RegionKind, error) {
	return b.addHeapRegion(data, FirstClosedHeapRegion, LastClosedHeapRegion)
}

// AddOpenHeapRegion attaches an open heap blob. At most MaxOpenHeapRegions
// may be added.
func (b *Builder) AddOpenHeapRegion(data []byte) (RegionKind, error) {
	return b.addHeapRegion(data, FirstOpenHeapRegion, LastOpenHeapRegion)
}

func (b *Builder) slotLen(r Ref) int {
	if r.Region.IsCore() {
		return b.core[r.Region].Used()
	}
	return len(b.heap[r.Region])
}

// RecordPointer registers the slot at as holding a reference to target,
// with the given encoding. Raw pointers live in core regions and target
// core regions; narrow references live in heap regions and target heap
// regions, which relocate as one span.
func (b *Builder) RecordPointer(at, target Ref, enc PtrEncoding) error {
	if err := b.checkSlot(at, enc); err != nil {
		return err
	}
	switch enc {
	case EncRaw:
		if !target.Region.IsCore() {
			return fmt.Errorf("archive: raw pointer at %s+0x%x cannot target region %s", at.Region, at.Offset, target.Region)
		}
	case EncNarrow:
		if !target.Region.IsHeap() {
			return fmt.Errorf("archive: narrow reference at %s+0x%x cannot target region %s", at.Region, at.Offset, target.Region)
		}
		if uint64(target.Offset)%enc.TargetAlign() != 0 {
			return fmt.Errorf("archive: narrow target %s+0x%x not %d-aligned", target.Region, target.Offset, enc.TargetAlign())
		}
	}
	b.ptrs = append(b.ptrs, ptrField{at: at, target: target, enc: enc})
	return nil
}

// RecordPointerAddr registers a raw slot holding an absolute metadata
// address outside this archive's own regions. Dynamic archives use this for
// references into the static archive; the address must be expressed against
// the dump-time requested base so the load-time delta applies to it.
func (b *Builder) RecordPointerAddr(at Ref, addr uint64) error {
	if err := b.checkSlot(at, EncRaw); err != nil {
		return err
	}
	b.ptrs = append(b.ptrs, ptrField{at: at, addr: addr, absolute: true, enc: EncRaw})
	return nil
}

func (b *Builder) checkSlot(at Ref, enc PtrEncoding) error {
	switch enc {
	case EncRaw:
		if !at.Region.IsCore() {
			return fmt.Errorf("archive: raw pointer slot in region %s", at.Region)
		}
	case EncNarrow:
		if !at.Region.IsHeap() {
			return fmt.Errorf("archive: narrow slot in region %s", at.Region)
		}
	default:
		return fmt.Errorf("archive: unknown pointer encoding %d", enc)
	}
	w := enc.SlotSize()
	if int(at.Offset)%w != 0 {
		return fmt.Errorf("archive: slot %s+0x%x not %d-aligned", at.Region, at.Offset, w)
	}
	if int(at.Offset)+w > b.slotLen(at) {
		return fmt.Errorf("archive: slot %s+0x%x outside staged content", at.Region, at.Offset)
	}
	return nil
}

func alignUp64(n, align uint64) uint64 { return (n + align - 1) &^ (align - 1) }

// bitmapWords returns the serialized word count for n slots.
func bitmapWords(n uint64) uint64 { return (n + 63) / 64 }

// computeLayout packs region sizes into the canonical order with no unused
// capacity between regions. It is pure: packing a packed shape again yields
// the identical result. An archive whose last offset would not fit the
// 32-bit bound fails here, before any file output.
func computeLayout(coreUsed [NumCoreRegions]int, heap [NumRegions][]byte, align, anchorBase uint64) (*Layout, error) {
	l := &Layout{Alignment: align}
	off := uint64(0)
	for k := RegionMC; k <= RegionRO; k++ {
		l.Sizes[k] = alignUp64(uint64(coreUsed[k]), align)
		l.MapOffset[k] = off
		l.Used[k] = true
		off += l.Sizes[k]
	}
	l.CoreEnd = off

	var heapTotal uint64
	for k := FirstClosedHeapRegion; k <= LastOpenHeapRegion; k++ {
		heapTotal += uint64(len(heap[k])) // blobs are pre-padded to alignment
	}
	// Check the offset bound before sizing the bitmaps: the bound is what
	// keeps the bitmap slot counts sane in the first place.
	if anchorBase+l.CoreEnd+heapTotal > MaxSharedDelta {
		return nil, fmt.Errorf("archive: packed size 0x%x at anchor 0x%x exceeds the 32-bit offset bound",
			l.CoreEnd+heapTotal, anchorBase)
	}
	bm := &RelocBitmaps{
		Raw:    NewBitmap(int(l.CoreEnd / WordSize)),
		Narrow: NewBitmap(int(heapTotal / 4)),
	}
	l.Sizes[RegionBM] = alignUp64(uint64(bm.EncodedSize()), align)
	l.MapOffset[RegionBM] = off
	l.Used[RegionBM] = true
	off += l.Sizes[RegionBM]
	l.NonHeapEnd = off
	l.HeapStart = off

	for k := FirstClosedHeapRegion; k <= LastOpenHeapRegion; k++ {
		if heap[k] == nil {
			continue
		}
		l.Sizes[k] = uint64(len(heap[k]))
		l.MapOffset[k] = off
		l.Used[k] = true
		off += l.Sizes[k]
	}
	l.Total = off

	if anchorBase+l.Total > MaxSharedDelta {
		return nil, fmt.Errorf("archive: packed size 0x%x at anchor 0x%x exceeds the 32-bit offset bound", l.Total, anchorBase)
	}
	return l, nil
}

// Pack computes the final packed layout from the current staging state.
func (b *Builder) Pack() (*Layout, error) {
	var used [NumCoreRegions]int
	for k := RegionMC; k <= RegionRO; k++ {
		used[k] = b.core[k].Used()
	}
	return computeLayout(used, b.heap, b.cfg.Alignment, b.cfg.AnchorBase)
}

// requestedStart is the dump-time absolute base of this archive.
func (b *Builder) requestedStart() uint64 { return b.cfg.RequestedBase + b.cfg.AnchorBase }

// materialize bakes every registered pointer slot as an absolute (or
// scaled absolute) value against the requested base, and marks the
// corresponding relocation bitmap bit.
func (b *Builder) materialize(l *Layout, bm *RelocBitmaps) error {
	for _, f := range b.ptrs {
		addr := f.addr
		if !f.absolute {
			addr = b.requestedStart() + l.MapOffset[f.target.Region] + uint64(f.target.Offset)
		}
		slotOff := l.MapOffset[f.at.Region] + uint64(f.at.Offset)
		switch f.enc {
		case EncRaw:
			buf, err := b.core[f.at.Region].ViewAt(f.at.Offset, WordSize)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(buf, addr)
			bm.Raw.Set(int(slotOff / WordSize))
		case EncNarrow:
			if addr%(1<<NarrowShift) != 0 {
				return fmt.Errorf("archive: narrow target 0x%x not %d-aligned", addr, 1<<NarrowShift)
			}
			blob := b.heap[f.at.Region]
			binary.LittleEndian.PutUint32(blob[f.at.Offset:], encodeNarrow(addr))
			bm.Narrow.Set(int((slotOff - l.HeapStart) / 4))
		}
	}
	return nil
}

// WriteArchive packs the staged regions, computes the relocation bitmaps
// and emits the archive file. Nothing is written if packing fails.
func (b *Builder) WriteArchive(path string) (*Header, error) {
	l, err := b.Pack()
	if err != nil {
		return nil, err
	}
	bm := &RelocBitmaps{
		Raw:    NewBitmap(int(l.CoreEnd / WordSize)),
		Narrow: NewBitmap(int((l.Total - l.HeapStart) / 4)),
	}
	if err := b.materialize(l, bm); err != nil {
		return nil, err
	}

	bmBytes := make([]byte, l.Sizes[RegionBM])
	if err := bm.Encode(bmBytes); err != nil {
		return nil, err
	}

	var payload [NumRegions][]byte
	for k := RegionMC; k <= RegionRO; k++ {
		padded := make([]byte, l.Sizes[k])
		copy(padded, b.core[k].Bytes())
		payload[k] = padded
	}
	payload[RegionBM] = bmBytes
	for k := FirstClosedHeapRegion; k <= LastOpenHeapRegion; k++ {
		payload[k] = b.heap[k]
	}

	hdr := &Header{
		Magic:         MagicStatic,
		Version:       FormatVersion,
		WordSize:      WordSize,
		LittleEndian:  true,
		NarrowShift:   NarrowShift,
		Alignment:     b.cfg.Alignment,
		RequestedBase: b.cfg.RequestedBase,
		PayloadOffset: alignUp64(HeaderSize, b.cfg.Alignment),
		PayloadSize:   l.Total,
	}
	if b.cfg.Dynamic {
		hdr.Magic = MagicDynamic
		hdr.AnchorOffset = b.cfg.AnchorGap
	}
	for k := RegionKind(0); k < NumRegions; k++ {
		if !l.Used[k] {
			continue
		}
		hdr.Regions[k] = RegionDesc{
			FileOffset: hdr.PayloadOffset + l.MapOffset[k],
			Size:       l.Sizes[k],
			MapOffset:  l.MapOffset[k],
			Perm:       k.Perm(),
			Used:       true,
		}
	}
	if err := writeArchiveFile(path, hdr, payload); err != nil {
		return nil, err
	}
	return hdr, nil
}
