package archive

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// FileMap is an open archive file: a validated header plus access to the
// raw region byte ranges. The mapper consumes it as a supplier of region
// descriptors and file-backed spans.
type FileMap struct {
	path string
	f    *os.File
	hdr  *Header
}

// OpenFileMap opens an archive file and validates its magic, version and
// payload checksum. Any validation failure here is a non-retryable load
// failure: the file is not a usable archive for this runtime.
func OpenFileMap(path string) (*FileMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fm := &FileMap{path: path, f: f}
	if err := fm.validate(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fm, nil
}

func (fm *FileMap) validate() error {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(fm.f, raw); err != nil {
		return fmt.Errorf("archive: read header: %w", err)
	}
	hdr, err := DecodeHeader(raw)
	if err != nil {
		return err
	}
	if err := hdr.CheckVersion(); err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	if _, err := fm.f.Seek(int64(hdr.PayloadOffset), io.SeekStart); err != nil {
		return err
	}
	if _, err := io.CopyN(crc, fm.f, int64(hdr.PayloadSize)); err != nil {
		return fmt.Errorf("archive: read payload: %w", err)
	}
	if crc.Sum32() != hdr.Checksum {
		return fmt.Errorf("%w: file 0x%08x, header 0x%08x", ErrBadChecksum, crc.Sum32(), hdr.Checksum)
	}
	fm.hdr = hdr
	return nil
}

// Header returns the validated archive header.
func (fm *FileMap) Header() *Header { return fm.hdr }

// Path returns the archive file path.
func (fm *FileMap) Path() string { return fm.path }

// File returns the underlying file for mapping region spans.
func (fm *FileMap) File() *os.File { return fm.f }

// ReadRegion reads the full packed content of region k from the file.
func (fm *FileMap) ReadRegion(k RegionKind) ([]byte, error) {
	r := fm.hdr.Regions[k]
	if !r.Used {
		return nil, fmt.Errorf("archive: region %s not present", k)
	}
	b := make([]byte, r.Size)
	if _, err := fm.f.ReadAt(b, int64(r.FileOffset)); err != nil {
		return nil, fmt.Errorf("archive: read region %s: %w", k, err)
	}
	return b, nil
}

// Close releases the file handle. Mapped regions stay valid: private file
// mappings outlive the descriptor.
func (fm *FileMap) Close() error { return fm.f.Close() }

// writeArchiveFile emits a finished archive: header, then the packed
// regions at their recorded file offsets. payload entries follow the
// canonical region order; nil entries are unused regions.
func writeArchiveFile(path string, hdr *Header, payload [NumRegions][]byte) error {
	crc := crc32.NewIEEE()
	for k := RegionKind(0); k < NumRegions; k++ {
		if hdr.Regions[k].Used {
			crc.Write(payload[k])
		}
	}
	hdr.Checksum = crc.Sum32()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(hdr.Encode()); err != nil {
		return err
	}
	for k := RegionKind(0); k < NumRegions; k++ {
		r := hdr.Regions[k]
		if !r.Used {
			continue
		}
		if _, err := f.WriteAt(payload[k], int64(r.FileOffset)); err != nil {
			return fmt.Errorf("write region %s: %w", k, err)
		}
	}
	return f.Sync()
}
