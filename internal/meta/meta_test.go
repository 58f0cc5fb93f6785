package meta

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/orizon-lang/metashare/internal/archive"
)

const testBase = uint64(0x800000000)

func newTestArchiver(t *testing.T) (*Archiver, *archive.Builder) {
	t.Helper()
	b, err := archive.NewBuilder(archive.BuilderConfig{RequestedBase: testBase, Alignment: 4096})
	if err != nil {
		t.Fatal(err)
	}
	return NewArchiver(b), b
}

func dumpAndOpen(t *testing.T, b *archive.Builder) (*archive.Header, *archive.FileMap) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.msa")
	hdr, err := b.WriteArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	fm, err := archive.OpenFileMap(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fm.Close() })
	return hdr, fm
}

func TestInternSymbolDedup(t *testing.T) {
	a, b := newTestArchiver(t)

	ref1, err := a.InternSymbol("java/lang/Object")
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := a.InternSymbol("java/lang/Object")
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Errorf("Interning twice produced distinct refs: %+v vs %+v", ref1, ref2)
	}
	other, err := a.InternSymbol("main")
	if err != nil {
		t.Fatal(err)
	}
	if other == ref1 {
		t.Error("Distinct symbols share a ref")
	}
	if ref1.Region != archive.RegionRO {
		t.Errorf("Symbols belong in ro, got %s", ref1.Region)
	}

	if s := b.Stats(); s.SymbolCount != 2 {
		t.Errorf("Expected 2 interned symbols, got %d", s.SymbolCount)
	}

	_, fm := dumpAndOpen(t, b)
	ro, err := fm.ReadRegion(archive.RegionRO)
	if err != nil {
		t.Fatal(err)
	}
	name := "java/lang/Object"
	if got := binary.LittleEndian.Uint32(ro[ref1.Offset:]); got != uint32(len(name)) {
		t.Errorf("Expected length prefix %d, got %d", len(name), got)
	}
	if got := string(ro[ref1.Offset+4 : int(ref1.Offset)+4+len(name)]); got != name {
		t.Errorf("Expected symbol bytes %q, got %q", name, got)
	}
}

func TestAddClassDescriptor(t *testing.T) {
	a, b := newTestArchiver(t)

	if err := a.AddClass(ClassInfo{Name: "java/lang/Object", Flags: 0x21, Methods: 14}); err != nil {
		t.Fatal(err)
	}
	if err := a.AddClass(ClassInfo{
		Name:      "java/lang/String",
		Super:     "java/lang/Object",
		Flags:     0x31,
		Methods:   94,
		Constants: []string{"value", "hash", "java/lang/Object"},
	}); err != nil {
		t.Fatal(err)
	}

	objRef, ok := a.Class("java/lang/Object")
	if !ok {
		t.Fatal("Archived class not findable")
	}
	strRef, _ := a.Class("java/lang/String")
	nameRef, err := a.InternSymbol("java/lang/String") // already interned; same ref
	if err != nil {
		t.Fatal(err)
	}

	hdr, fm := dumpAndOpen(t, b)
	rw, err := fm.ReadRegion(archive.RegionRW)
	if err != nil {
		t.Fatal(err)
	}
	desc := rw[strRef.Offset:]

	roBase := testBase + hdr.Regions[archive.RegionRO].MapOffset
	rwBase := testBase + hdr.Regions[archive.RegionRW].MapOffset
	mcBase := testBase + hdr.Regions[archive.RegionMC].MapOffset

	if got := binary.LittleEndian.Uint64(desc[0:]); got != roBase+uint64(nameRef.Offset) {
		t.Errorf("Name pointer = 0x%x, want 0x%x", got, roBase+uint64(nameRef.Offset))
	}
	if got := binary.LittleEndian.Uint64(desc[8:]); got != rwBase+uint64(objRef.Offset) {
		t.Errorf("Super pointer = 0x%x, want 0x%x", got, rwBase+uint64(objRef.Offset))
	}
	if got := binary.LittleEndian.Uint32(desc[32:]); got != 0x31 {
		t.Errorf("Flags = 0x%x, want 0x31", got)
	}
	if got := binary.LittleEndian.Uint32(desc[36:]); got != 94 {
		t.Errorf("Method count = %d, want 94", got)
	}

	// A root class has a null super slot.
	objDesc := rw[objRef.Offset:]
	if got := binary.LittleEndian.Uint64(objDesc[8:]); got != 0 {
		t.Errorf("Root class super pointer = 0x%x, want 0", got)
	}

	// Constant pool: entry count, then raw symbol pointers into ro.
	ro, err := fm.ReadRegion(archive.RegionRO)
	if err != nil {
		t.Fatal(err)
	}
	cpoolAddr := binary.LittleEndian.Uint64(desc[16:])
	cpool := ro[cpoolAddr-roBase:]
	if got := binary.LittleEndian.Uint32(cpool); got != 3 {
		t.Errorf("Constant pool count = %d, want 3", got)
	}
	valueRef, _ := a.InternSymbol("value")
	if got := binary.LittleEndian.Uint64(cpool[8:]); got != roBase+uint64(valueRef.Offset) {
		t.Errorf("Constant 0 = 0x%x, want symbol %q at 0x%x", got, "value", roBase+uint64(valueRef.Offset))
	}

	// Entry stub: code template plus the descriptor pointer it dispatches on.
	mc, err := fm.ReadRegion(archive.RegionMC)
	if err != nil {
		t.Fatal(err)
	}
	stubAddr := binary.LittleEndian.Uint64(desc[24:])
	stub := mc[stubAddr-mcBase:]
	if !bytes.Equal(stub[:8], stubTemplate[:]) {
		t.Errorf("Stub code = % x, want template % x", stub[:8], stubTemplate)
	}
	if got := binary.LittleEndian.Uint64(stub[8:]); got != rwBase+uint64(strRef.Offset) {
		t.Errorf("Stub dispatch slot = 0x%x, want descriptor 0x%x", got, rwBase+uint64(strRef.Offset))
	}
}

func TestAddClassErrors(t *testing.T) {
	a, _ := newTestArchiver(t)
	if err := a.AddClass(ClassInfo{Name: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := a.AddClass(ClassInfo{Name: "A"}); err == nil {
		t.Error("Expected error for duplicate class")
	}
	if err := a.AddClass(ClassInfo{Name: "B", Super: "NotArchived"}); err == nil {
		t.Error("Expected error for missing super class")
	}
}

func TestArchiveStrings(t *testing.T) {
	a, b := newTestArchiver(t)
	if err := a.AddClass(ClassInfo{Name: "java/lang/String"}); err != nil {
		t.Fatal(err)
	}

	strs := []string{"hello", "shared archive"}
	kind, err := a.ArchiveStrings(strs)
	if err != nil {
		t.Fatal(err)
	}
	if !kind.IsClosedHeap() {
		t.Fatalf("Strings landed in %s, want a closed heap region", kind)
	}

	hdr, fm := dumpAndOpen(t, b)
	heap, err := fm.ReadRegion(kind)
	if err != nil {
		t.Fatal(err)
	}
	heapBase := testBase + hdr.Regions[kind].MapOffset

	for i, s := range strs {
		h := heap[i*stringHeaderSize:]
		if got := binary.LittleEndian.Uint32(h[4:]); got != uint32(len(s)) {
			t.Errorf("String %d length = %d, want %d", i, got, len(s))
		}
		// The payload reference is a scaled absolute value against the
		// requested base.
		addr := uint64(binary.LittleEndian.Uint32(h)) << hdr.NarrowShift
		payload := heap[addr-heapBase:]
		if got := string(payload[:len(s)]); got != s {
			t.Errorf("String %d payload = %q, want %q", i, got, s)
		}
		if addr%16 != 0 {
			t.Errorf("String %d payload at 0x%x not 16-aligned", i, addr)
		}
	}

	if st := b.Stats(); st.StringCount != 2 || st.StringBytes != len(strs[0])+len(strs[1]) {
		t.Errorf("String stats = %+v", st)
	}

	if _, err := a.ArchiveStrings(nil); err == nil {
		t.Error("Expected error archiving zero strings")
	}
}
