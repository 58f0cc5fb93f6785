// Command metashare-dump builds a shared metadata archive from a YAML
// manifest describing the classes and strings to archive.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/orizon-lang/metashare/internal/archive"
	"github.com/orizon-lang/metashare/internal/meta"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		showVersion  = flag.Bool("version", false, "show version information")
		manifestPath = flag.String("manifest", "", "dump manifest (YAML)")
		outPath      = flag.String("out", "", "override the manifest output path")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("metashare-dump v%s (%s)\n", version, commit)
		return
	}
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "usage: metashare-dump -manifest <file> [-out <archive>]")
		os.Exit(2)
	}

	m, err := meta.LoadManifest(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metashare-dump: %v\n", err)
		os.Exit(1)
	}
	if *outPath != "" {
		m.Output = *outPath
	}

	hdr, stats, err := meta.BuildArchive(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metashare-dump: dump aborted: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s (format %s, requested base 0x%x)\n", m.Output, hdr.Version, hdr.RequestedBase)
	for k := archive.RegionKind(0); k < archive.NumRegions; k++ {
		r := hdr.Regions[k]
		if !r.Used {
			continue
		}
		fmt.Printf("  %-3s %8d bytes at +0x%06x  %s\n", k, r.Size, r.MapOffset, r.Perm)
	}
	fmt.Printf("  symbols: %d (%d bytes), strings: %d (%d bytes)\n",
		stats.SymbolCount, stats.SymbolBytes, stats.StringCount, stats.StringBytes)
}
