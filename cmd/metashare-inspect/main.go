// Command metashare-inspect validates a shared metadata archive file and
// prints its header and region table.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/orizon-lang/metashare/internal/archive"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: metashare-inspect <archive>...")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	color.NoColor = color.NoColor || !isatty.IsTerminal(os.Stdout.Fd())

	exit := 0
	for _, path := range flag.Args() {
		if err := inspect(path); err != nil {
			color.Red("%s: %v", path, err)
			exit = 1
		}
	}
	os.Exit(exit)
}

func inspect(path string) error {
	fm, err := archive.OpenFileMap(path)
	if err != nil {
		return err
	}
	defer fm.Close()

	hdr := fm.Header()
	role := "static"
	if hdr.Dynamic() {
		role = "dynamic"
	}

	bold := color.New(color.Bold)
	bold.Printf("%s: %s archive, format %s\n", path, role, hdr.Version)
	fmt.Printf("  alignment      0x%x\n", hdr.Alignment)
	if hdr.Dynamic() {
		fmt.Printf("  anchor offset  0x%x above the static mapped top\n", hdr.AnchorOffset)
	} else {
		fmt.Printf("  requested base 0x%x\n", hdr.RequestedBase)
	}
	fmt.Printf("  payload        %d bytes at file offset 0x%x, crc 0x%08x\n",
		hdr.PayloadSize, hdr.PayloadOffset, hdr.Checksum)

	for k := archive.RegionKind(0); k < archive.NumRegions; k++ {
		r := hdr.Regions[k]
		if !r.Used {
			continue
		}
		fmt.Printf("  %-3s %10d bytes  map +0x%08x  file +0x%08x  %s\n",
			k, r.Size, r.MapOffset, r.FileOffset, r.Perm)
	}

	bmData, err := fm.ReadRegion(archive.RegionBM)
	if err != nil {
		return err
	}
	bm, err := archive.DecodeRelocBitmaps(bmData)
	if err != nil {
		return err
	}
	fmt.Printf("  relocations: %d raw pointer slots, %d narrow slots\n",
		bm.Raw.Count(), bm.Narrow.Count())
	color.Green("%s: ok", path)
	return nil
}
