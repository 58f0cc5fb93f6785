package archive

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func mustAlloc(t *testing.T, b *Builder, kind RegionKind, n int) (Ref, []byte) {
	t.Helper()
	ref, buf, err := b.Alloc(kind, n)
	if err != nil {
		t.Fatalf("Alloc(%s, %d) failed: %v", kind, n, err)
	}
	return ref, buf
}

func TestPackCanonicalOrder(t *testing.T) {
	b, err := NewBuilder(BuilderConfig{RequestedBase: 0x800000000, Alignment: 4096})
	if err != nil {
		t.Fatal(err)
	}
	mustAlloc(t, b, RegionMC, 100)
	mustAlloc(t, b, RegionRW, 5000)
	mustAlloc(t, b, RegionRO, 9000)
	if _, err := b.AddClosedHeapRegion(make([]byte, 300)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddOpenHeapRegion(make([]byte, 100)); err != nil {
		t.Fatal(err)
	}

	l, err := b.Pack()
	if err != nil {
		t.Fatal(err)
	}

	// Regions appear in canonical order, abut exactly, and sum to the
	// total: no unused staging capacity survives packing.
	var prevEnd uint64
	var sum uint64
	for k := RegionKind(0); k < NumRegions; k++ {
		if !l.Used[k] {
			continue
		}
		if l.MapOffset[k] != prevEnd {
			t.Errorf("Region %s at 0x%x, expected to abut previous end 0x%x", k, l.MapOffset[k], prevEnd)
		}
		if l.Sizes[k]%l.Alignment != 0 {
			t.Errorf("Region %s size 0x%x not aligned", k, l.Sizes[k])
		}
		prevEnd = l.MapOffset[k] + l.Sizes[k]
		sum += l.Sizes[k]
	}
	if sum != l.Total {
		t.Errorf("Region sizes sum 0x%x != total 0x%x", sum, l.Total)
	}
	if l.MapOffset[RegionRW] <= l.MapOffset[RegionMC] ||
		l.MapOffset[RegionRO] <= l.MapOffset[RegionRW] ||
		l.MapOffset[RegionBM] <= l.MapOffset[RegionRO] ||
		l.MapOffset[FirstClosedHeapRegion] <= l.MapOffset[RegionBM] ||
		l.MapOffset[FirstOpenHeapRegion] <= l.MapOffset[FirstClosedHeapRegion] {
		t.Error("Canonical region order violated")
	}
}

func TestPackIdempotent(t *testing.T) {
	b, err := NewBuilder(BuilderConfig{RequestedBase: 0x800000000, Alignment: 4096})
	if err != nil {
		t.Fatal(err)
	}
	mustAlloc(t, b, RegionMC, 4096)
	mustAlloc(t, b, RegionRW, 8192)
	mustAlloc(t, b, RegionRO, 16384)

	l1, err := b.Pack()
	if err != nil {
		t.Fatal(err)
	}
	l2, err := b.Pack()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(l1, l2) {
		t.Errorf("Packing an already-packed sequence changed the layout:\n%+v\n%+v", l1, l2)
	}
}

func TestPackWorkedExample(t *testing.T) {
	// mc=4096, rw=8192, ro=16384 at requested base 0x800000000: ro must
	// land at base+4096+8192 = 0x800003000.
	b, err := NewBuilder(BuilderConfig{RequestedBase: 0x800000000, Alignment: 4096})
	if err != nil {
		t.Fatal(err)
	}
	mustAlloc(t, b, RegionMC, 4096)
	mustAlloc(t, b, RegionRW, 8192)
	mustAlloc(t, b, RegionRO, 16384)

	l, err := b.Pack()
	if err != nil {
		t.Fatal(err)
	}
	if l.Sizes[RegionMC] != 4096 || l.Sizes[RegionRW] != 8192 || l.Sizes[RegionRO] != 16384 {
		t.Fatalf("Packed sizes changed: %v", l.Sizes)
	}
	if l.MapOffset[RegionRO] != 0x3000 {
		t.Errorf("Expected ro at +0x3000, got +0x%x", l.MapOffset[RegionRO])
	}
	if got := uint64(0x800000000) + l.MapOffset[RegionRO]; got != 0x800003000 {
		t.Errorf("Expected ro base 0x800003000, got 0x%x", got)
	}
	if l.CoreEnd != 4096+8192+16384 {
		t.Errorf("Expected core end 0x7000, got 0x%x", l.CoreEnd)
	}
}

func TestPackOffsetBound(t *testing.T) {
	// Exceeding the 32-bit offset bound fails deterministically, with no
	// staging memory committed and no file written.
	var huge [NumCoreRegions]int
	huge[RegionMC] = 0x30000000
	huge[RegionRW] = 0x30000000
	huge[RegionRO] = 0x30000000
	var noHeap [NumRegions][]byte
	if _, err := computeLayout(huge, noHeap, 4096, 0); err == nil {
		t.Error("Expected offset-bound failure for 0x90000000 core bytes")
	}

	// A dynamic archive anchored near the bound overflows even when small.
	b, err := NewBuilder(BuilderConfig{
		RequestedBase: 0x800000000,
		Alignment:     4096,
		Dynamic:       true,
		AnchorBase:    0x7FFFF000,
	})
	if err != nil {
		t.Fatal(err)
	}
	mustAlloc(t, b, RegionRW, 64)
	out := filepath.Join(t.TempDir(), "dyn.msa")
	if _, err := b.WriteArchive(out); err == nil {
		t.Fatal("Expected dump failure past the offset bound")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("Dump failure must not leave an archive file behind")
	}
}

func TestWriteArchiveWindowsAlignment(t *testing.T) {
	// Windows file views need every region file offset on the 64 KiB
	// allocation granularity; dumping with WindowsAlignment must put every
	// boundary there.
	b, err := NewBuilder(BuilderConfig{RequestedBase: 0x800000000, Alignment: WindowsAlignment})
	if err != nil {
		t.Fatal(err)
	}
	mustAlloc(t, b, RegionMC, 100)
	mustAlloc(t, b, RegionRW, 5000)
	mustAlloc(t, b, RegionRO, 9000)
	if _, err := b.AddClosedHeapRegion(make([]byte, 300)); err != nil {
		t.Fatal(err)
	}

	hdr, err := b.WriteArchive(filepath.Join(t.TempDir(), "win.msa"))
	if err != nil {
		t.Fatal(err)
	}
	if hdr.PayloadOffset%WindowsAlignment != 0 {
		t.Errorf("Payload offset 0x%x not on the allocation granularity", hdr.PayloadOffset)
	}
	for k := RegionKind(0); k < NumRegions; k++ {
		r := hdr.Regions[k]
		if !r.Used {
			continue
		}
		if r.FileOffset%WindowsAlignment != 0 {
			t.Errorf("Region %s file offset 0x%x not on the allocation granularity", k, r.FileOffset)
		}
		if r.MapOffset%WindowsAlignment != 0 {
			t.Errorf("Region %s map offset 0x%x not on the allocation granularity", k, r.MapOffset)
		}
	}
}

func TestRecordPointerValidation(t *testing.T) {
	b, err := NewBuilder(BuilderConfig{RequestedBase: 0x800000000, Alignment: 4096})
	if err != nil {
		t.Fatal(err)
	}
	rw, _ := mustAlloc(t, b, RegionRW, 64)
	ro, _ := mustAlloc(t, b, RegionRO, 64)
	heap, err := b.AddClosedHeapRegion(make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		at      Ref
		target  Ref
		enc     PtrEncoding
		wantErr bool
	}{
		{"raw_core_to_core", rw, ro, EncRaw, false},
		{"raw_unaligned_slot", Ref{RegionRW, rw.Offset + 4}, ro, EncRaw, true},
		{"raw_slot_past_top", Ref{RegionRW, 256}, ro, EncRaw, true},
		{"raw_into_heap", rw, Ref{heap, 0}, EncRaw, true},
		{"raw_slot_in_heap", Ref{heap, 0}, ro, EncRaw, true},
		{"narrow_heap_to_heap", Ref{heap, 0}, Ref{heap, 16}, EncNarrow, false},
		{"narrow_unaligned_target", Ref{heap, 0}, Ref{heap, 8}, EncNarrow, true},
		{"narrow_slot_in_core", rw, Ref{heap, 16}, EncNarrow, true},
		{"narrow_into_core", Ref{heap, 0}, ro, EncNarrow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.RecordPointer(tt.at, tt.target, tt.enc)
			if (err != nil) != tt.wantErr {
				t.Errorf("RecordPointer: err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteArchiveMaterializesPointers(t *testing.T) {
	b, err := NewBuilder(BuilderConfig{RequestedBase: 0x800000000, Alignment: 4096})
	if err != nil {
		t.Fatal(err)
	}
	mcRef, _ := mustAlloc(t, b, RegionMC, 4096)
	rwRef, _ := mustAlloc(t, b, RegionRW, 8192)
	roRef, _ := mustAlloc(t, b, RegionRO, 16384)

	// A slot in rw pointing 0x2000 into ro: dump-time value must be
	// 0x800003000 + 0x2000 = 0x800005000.
	target := Ref{Region: RegionRO, Offset: roRef.Offset + 0x2000}
	if err := b.RecordPointer(rwRef, target, EncRaw); err != nil {
		t.Fatal(err)
	}
	if err := b.RecordPointer(Ref{RegionMC, mcRef.Offset + 8}, rwRef, EncRaw); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "static.msa")
	hdr, err := b.WriteArchive(path)
	if err != nil {
		t.Fatal(err)
	}

	fm, err := OpenFileMap(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fm.Close()

	rwData, err := fm.ReadRegion(RegionRW)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(rwData[rwRef.Offset:]); got != 0x800005000 {
		t.Errorf("Expected materialized pointer 0x800005000, got 0x%x", got)
	}

	bmData, err := fm.ReadRegion(RegionBM)
	if err != nil {
		t.Fatal(err)
	}
	bm, err := DecodeRelocBitmaps(bmData)
	if err != nil {
		t.Fatal(err)
	}
	if bm.Raw.Count() != 2 {
		t.Errorf("Expected 2 flagged raw slots, got %d", bm.Raw.Count())
	}
	slot := (hdr.Regions[RegionRW].MapOffset + uint64(rwRef.Offset)) / WordSize
	if !bm.Raw.Get(int(slot)) {
		t.Errorf("Expected bitmap bit for rw slot %d", slot)
	}
}
