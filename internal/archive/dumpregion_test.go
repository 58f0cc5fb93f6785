package archive

import (
	"errors"
	"testing"
)

func TestDumpRegionAlloc(t *testing.T) {
	d := NewDumpRegion("ro", 64)

	off, buf, err := d.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc(10) failed: %v", err)
	}
	if off != 0 || len(buf) != 10 {
		t.Errorf("Expected offset 0 len 10, got offset %d len %d", off, len(buf))
	}

	// The bump pointer advances to the next word boundary.
	off2, _, err := d.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc(8) failed: %v", err)
	}
	if off2 != 16 {
		t.Errorf("Expected word-aligned offset 16, got %d", off2)
	}
	if d.Used() != 24 {
		t.Errorf("Expected top 24, got %d", d.Used())
	}
}

func TestDumpRegionAllocAligned(t *testing.T) {
	d := NewDumpRegion("mc", 128)
	if _, _, err := d.Alloc(1); err != nil {
		t.Fatal(err)
	}
	off, _, err := d.AllocAligned(16, 32)
	if err != nil {
		t.Fatal(err)
	}
	if off != 32 {
		t.Errorf("Expected offset 32, got %d", off)
	}

	if _, _, err := d.AllocAligned(8, 3); err == nil {
		t.Error("Expected error for non-power-of-two alignment")
	}
}

func TestDumpRegionOutOfSpace(t *testing.T) {
	d := NewDumpRegion("rw", 32)
	if _, _, err := d.Alloc(24); err != nil {
		t.Fatal(err)
	}

	_, _, err := d.Alloc(16)
	if err == nil {
		t.Fatal("Expected out-of-space failure")
	}
	var oos *OutOfSpaceError
	if !errors.As(err, &oos) {
		t.Fatalf("Expected OutOfSpaceError, got %T", err)
	}
	if oos.Region != "rw" || oos.Requested != 16 || oos.Capacity != 32 {
		t.Errorf("Bad error detail: %+v", oos)
	}

	// The region is never grown: top is unchanged after the failure.
	if d.Used() != 24 {
		t.Errorf("Expected top 24 after failed alloc, got %d", d.Used())
	}
}

func TestDumpRegionViewAt(t *testing.T) {
	d := NewDumpRegion("ro", 64)
	off, buf, err := d.Alloc(8)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf, "abcdefgh")

	view, err := d.ViewAt(off, 8)
	if err != nil {
		t.Fatal(err)
	}
	if string(view) != "abcdefgh" {
		t.Errorf("Expected staged bytes, got %q", view)
	}
	if _, err := d.ViewAt(off, 16); err == nil {
		t.Error("Expected error for view past top")
	}
}
