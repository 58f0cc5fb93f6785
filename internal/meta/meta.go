// Package meta populates a shared archive with runtime metadata: interned
// symbols and constant pools in the read-only region, class descriptors in
// the read-write region, interpreter entry stubs in the misc-code region
// and archived string objects in a closed heap region. It is a client of
// the archive builder, not part of the mapping core; the selection of
// archived classes is up to the caller.
package meta

import (
	"encoding/binary"
	"fmt"

	"github.com/orizon-lang/metashare/internal/archive"
)

// Archived class descriptor layout (rw region):
//
//	+0  name    raw ptr -> ro symbol
//	+8  super   raw ptr -> rw class descriptor, 0 for roots
//	+16 cpool   raw ptr -> ro constant pool
//	+24 entry   raw ptr -> mc interpreter entry stub
//	+32 flags   u32
//	+36 methods u32
const classDescSize = 40

// Entry stubs are a jump-through-pointer trampoline: 8 bytes of code
// template followed by the raw class pointer the interpreter dispatches on.
const stubSize = 16

// x86-64 `jmp [rip+2]`, landing on the pointer slot at +8.
var stubTemplate = [8]byte{0xFF, 0x25, 0x02, 0x00, 0x00, 0x00, 0xCC, 0xCC}

// ClassInfo describes one class to archive.
type ClassInfo struct {
	Name      string   `yaml:"name"`
	Super     string   `yaml:"super,omitempty"`
	Flags     uint32   `yaml:"flags,omitempty"`
	Methods   int      `yaml:"methods,omitempty"`
	Constants []string `yaml:"constants,omitempty"`
}

// Archiver stages metadata into an archive builder.
type Archiver struct {
	b       *archive.Builder
	symbols map[string]archive.Ref
	classes map[string]archive.Ref
}

// NewArchiver wraps a dump builder.
func NewArchiver(b *archive.Builder) *Archiver {
	return &Archiver{b: b, symbols: make(map[string]archive.Ref), classes: make(map[string]archive.Ref)}
}

// InternSymbol stores s once in the read-only region as a length-prefixed
// byte string and returns its ref. A transient copy also goes through the
// symbol staging buffer, which canonicalizes symbols during the dump but is
// never packed into the archive.
func (a *Archiver) InternSymbol(s string) (archive.Ref, error) {
	if ref, ok := a.symbols[s]; ok {
		return ref, nil
	}
	staged, err := a.b.SymbolAlloc(len(s))
	if err != nil {
		return archive.Ref{}, err
	}
	copy(staged, s)

	ref, buf, err := a.b.ReadOnlyAlloc(4 + len(s))
	if err != nil {
		return archive.Ref{}, err
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(s)))
	copy(buf[4:], s)
	a.symbols[s] = ref
	a.b.Stats().NoteSymbol(len(s))
	return ref, nil
}

// Class returns the descriptor ref of a previously added class.
func (a *Archiver) Class(name string) (archive.Ref, bool) {
	ref, ok := a.classes[name]
	return ref, ok
}

// AddClass archives one class descriptor with its constant pool and entry
// stub. A named super class must already have been added.
func (a *Archiver) AddClass(c ClassInfo) error {
	if _, dup := a.classes[c.Name]; dup {
		return fmt.Errorf("meta: class %q archived twice", c.Name)
	}
	var super archive.Ref
	hasSuper := false
	if c.Super != "" {
		var ok bool
		if super, ok = a.classes[c.Super]; !ok {
			return fmt.Errorf("meta: class %q: super %q not archived yet", c.Name, c.Super)
		}
		hasSuper = true
	}

	nameRef, err := a.InternSymbol(c.Name)
	if err != nil {
		return err
	}

	// Constant pool: count, pad, then one raw symbol pointer per entry.
	cpoolRef, cpool, err := a.b.ReadOnlyAlloc(8 + 8*len(c.Constants))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(cpool, uint32(len(c.Constants)))
	for i, cs := range c.Constants {
		symRef, err := a.InternSymbol(cs)
		if err != nil {
			return err
		}
		slot := archive.Ref{Region: cpoolRef.Region, Offset: cpoolRef.Offset + 8 + uint32(8*i)}
		if err := a.b.RecordPointer(slot, symRef, archive.EncRaw); err != nil {
			return err
		}
	}

	stubRef, stub, err := a.b.MiscCodeAlloc(stubSize)
	if err != nil {
		return err
	}
	copy(stub, stubTemplate[:])

	classRef, desc, err := a.b.ReadWriteAlloc(classDescSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(desc[32:], c.Flags)
	binary.LittleEndian.PutUint32(desc[36:], uint32(c.Methods))

	fields := []struct {
		off    uint32
		target archive.Ref
		record bool
	}{
		{0, nameRef, true},
		{8, super, hasSuper},
		{16, cpoolRef, true},
		{24, stubRef, true},
	}
	for _, f := range fields {
		if !f.record {
			continue
		}
		slot := archive.Ref{Region: classRef.Region, Offset: classRef.Offset + f.off}
		if err := a.b.RecordPointer(slot, f.target, archive.EncRaw); err != nil {
			return err
		}
	}
	// The stub's dispatch slot points back at the descriptor.
	dispatch := archive.Ref{Region: stubRef.Region, Offset: stubRef.Offset + 8}
	if err := a.b.RecordPointer(dispatch, classRef, archive.EncRaw); err != nil {
		return err
	}

	a.classes[c.Name] = classRef
	return nil
}

// Archived string object layout (closed heap region):
//
//	+0  payload  narrow ref -> character bytes in the same region
//	+4  length   u32
//	+8  pad to 16
const stringHeaderSize = 16

// ArchiveStrings packs the interned string objects into one closed heap
// region: a table of string headers followed by the 16-byte aligned
// character payloads, linked by narrow references.
func (a *Archiver) ArchiveStrings(strs []string) (archive.RegionKind, error) {
	if len(strs) == 0 {
		return 0, fmt.Errorf("meta: no strings to archive")
	}
	headerBytes := stringHeaderSize * len(strs)
	blob := make([]byte, 0, headerBytes*2)
	blob = append(blob, make([]byte, headerBytes)...)

	payloadOff := make([]uint32, len(strs))
	for i, s := range strs {
		off := (len(blob) + 15) &^ 15
		blob = append(blob, make([]byte, off-len(blob))...)
		payloadOff[i] = uint32(off)
		blob = append(blob, s...)
		binary.LittleEndian.PutUint32(blob[i*stringHeaderSize+4:], uint32(len(s)))
		a.b.Stats().NoteString(len(s))
	}

	kind, err := a.b.AddClosedHeapRegion(blob)
	if err != nil {
		return 0, err
	}
	for i := range strs {
		slot := archive.Ref{Region: kind, Offset: uint32(i * stringHeaderSize)}
		target := archive.Ref{Region: kind, Offset: payloadOff[i]}
		if err := a.b.RecordPointer(slot, target, archive.EncNarrow); err != nil {
			return 0, err
		}
	}
	return kind, nil
}
