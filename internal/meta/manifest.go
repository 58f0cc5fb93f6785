package meta

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/orizon-lang/metashare/internal/archive"
)

// Address is a uint64 that also accepts hexadecimal YAML scalars, quoted or
// not, since mapping bases are conventionally written as hex.
type Address uint64

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (a *Address) UnmarshalYAML(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", s, err)
	}
	*a = Address(v)
	return nil
}

// Manifest is the YAML description the dump tool builds an archive from.
type Manifest struct {
	Output        string      `yaml:"output"`
	RequestedBase Address     `yaml:"requested_base"`
	Alignment     uint64      `yaml:"alignment,omitempty"`
	Classes       []ClassInfo `yaml:"classes"`
	Strings       []string    `yaml:"strings,omitempty"`
}

// LoadManifest reads and validates a dump manifest.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Output == "" {
		return nil, fmt.Errorf("%s: manifest has no output path", path)
	}
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("%s: manifest archives no classes", path)
	}
	return &m, nil
}

// BuildArchive stages every class and string in the manifest and writes the
// archive file. Any staging overflow or size-bound violation aborts the
// dump with no file produced.
func BuildArchive(m *Manifest) (*archive.Header, *archive.DumpStats, error) {
	b, err := archive.NewBuilder(archive.BuilderConfig{
		RequestedBase: uint64(m.RequestedBase),
		Alignment:     m.Alignment,
	})
	if err != nil {
		return nil, nil, err
	}
	a := NewArchiver(b)
	for _, c := range m.Classes {
		if err := a.AddClass(c); err != nil {
			return nil, nil, err
		}
	}
	if len(m.Strings) > 0 {
		if _, err := a.ArchiveStrings(m.Strings); err != nil {
			return nil, nil, err
		}
	}
	hdr, err := b.WriteArchive(m.Output)
	if err != nil {
		return nil, nil, err
	}
	return hdr, b.Stats(), nil
}
