// Command ubictl is a thin administrative front-end over the device
// package: it builds or attaches a file-backed image, then runs exactly one
// volume/LEB operation per invocation. Subcommand dispatch is hand-rolled
// over flag.FlagSet, in the teacher's own "no framework" style (see
// biscuit/scripts/features.go) rather than a CLI library from the corpus.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ubicore/ubi/config"
	"github.com/ubicore/ubi/device"
	"github.com/ubicore/ubi/filedisk"
	"github.com/ubicore/ubi/ioblk"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ubictl <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands: init, info, read, write, unmap, scrub, stats")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:], log)
	case "info":
		err = runInfo(os.Args[2:], log)
	case "read":
		err = runRead(os.Args[2:], log)
	case "write":
		err = runWrite(os.Args[2:], log)
	case "unmap":
		err = runUnmap(os.Args[2:], log)
	case "scrub":
		err = runScrub(os.Args[2:], log)
	case "stats":
		err = runStats(os.Args[2:], log)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	image := fs.String("image", "", "path to the image file to create")
	cfgPath := fs.String("config", "", "optional JSON geometry/tunables file")
	volID := fs.Int("volid", -1, "volume id to create (optional)")
	reserved := fs.Int("reserved", 4, "reserved PEBs for the volume")
	volType := fs.String("type", "dynamic", "volume type: dynamic or static")
	name := fs.String("name", "", "volume name")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("init: -image is required")
	}

	geo, tun := loadConfig(*cfgPath)
	disk, err := filedisk.Create(*image, geo.PEBCount, geo.PEBSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	d, err := device.New(disk, geo, tun, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer d.Shutdown()

	if *volID >= 0 {
		vt := ioblk.VolDynamic
		if *volType == "static" {
			vt = ioblk.VolStatic
		}
		if err := d.CreateVolume(*volID, *reserved, 1, vt, *name); err != nil {
			return fmt.Errorf("init: create_volume: %w", err)
		}
	}
	d.Flush()
	fmt.Printf("initialized %s: %d PEBs of %d bytes\n", *image, geo.PEBCount, geo.PEBSize)
	return nil
}

func runInfo(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	image := fs.String("image", "", "path to the image file")
	cfgPath := fs.String("config", "", "optional JSON geometry/tunables file")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("info: -image is required")
	}

	geo, tun := loadConfig(*cfgPath)
	disk, err := filedisk.Open(*image, geo.PEBCount, geo.PEBSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	d, info, err := device.Attach(disk, geo, tun, log)
	if err != nil {
		return fmt.Errorf("info: attach: %w", err)
	}
	defer d.Shutdown()

	fmt.Printf("read_only=%t bad_pebs=%d free=%d erase=%d corrupt=%d\n",
		d.ReadOnly(), len(info.Bad), len(info.Free), len(info.Erase), len(info.Corr))
	fmt.Printf("ec: min=%d max=%d mean=%d max_sqnum=%d\n", info.MinEC, info.MaxEC, info.MeanEC, info.MaxSQNum)
	for _, volID := range d.VolumeTable().List() {
		fmt.Printf("volume %d: type=%s\n", volID, d.VolumeTable().VolType(volID))
	}
	return nil
}

func runRead(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	image := fs.String("image", "", "path to the image file")
	cfgPath := fs.String("config", "", "optional JSON geometry/tunables file")
	volID := fs.Int("volid", 0, "volume id")
	lnum := fs.Int("lnum", 0, "logical eraseblock number")
	off := fs.Int("off", 0, "byte offset within the LEB")
	size := fs.Int("size", 128, "number of bytes to read")
	checked := fs.Bool("checked", false, "verify data CRC for static volumes")
	strict := fs.Bool("strict", false, "fail with not-mapped instead of reading 0xFF for an unmapped LEB")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("read: -image is required")
	}

	geo, tun := loadConfig(*cfgPath)
	disk, err := filedisk.Open(*image, geo.PEBCount, geo.PEBSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	d, _, err := device.Attach(disk, geo, tun, log)
	if err != nil {
		return fmt.Errorf("read: attach: %w", err)
	}
	defer d.Shutdown()

	buf := make([]byte, *size)
	if err := d.Read(*volID, *lnum, *off, buf, *checked, *strict); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	os.Stdout.Write(buf)
	return nil
}

func runWrite(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	image := fs.String("image", "", "path to the image file")
	cfgPath := fs.String("config", "", "optional JSON geometry/tunables file")
	volID := fs.Int("volid", 0, "volume id")
	lnum := fs.Int("lnum", 0, "logical eraseblock number")
	off := fs.Int("off", 0, "byte offset within the LEB")
	data := fs.String("data", "", "bytes to write, taken literally")
	atomic := fs.Bool("atomic", false, "replace the whole LEB as one linearizable step")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("write: -image is required")
	}

	geo, tun := loadConfig(*cfgPath)
	disk, err := filedisk.Open(*image, geo.PEBCount, geo.PEBSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	d, _, err := device.Attach(disk, geo, tun, log)
	if err != nil {
		return fmt.Errorf("write: attach: %w", err)
	}
	defer d.Shutdown()

	buf := []byte(*data)
	if *atomic {
		err = d.AtomicLEBChange(*volID, *lnum, buf)
	} else {
		err = d.Write(*volID, *lnum, buf, *off)
	}
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	d.Flush()
	return nil
}

func runUnmap(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("unmap", flag.ExitOnError)
	image := fs.String("image", "", "path to the image file")
	cfgPath := fs.String("config", "", "optional JSON geometry/tunables file")
	volID := fs.Int("volid", 0, "volume id")
	lnum := fs.Int("lnum", 0, "logical eraseblock number")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("unmap: -image is required")
	}

	geo, tun := loadConfig(*cfgPath)
	disk, err := filedisk.Open(*image, geo.PEBCount, geo.PEBSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	d, _, err := device.Attach(disk, geo, tun, log)
	if err != nil {
		return fmt.Errorf("unmap: attach: %w", err)
	}
	defer d.Shutdown()

	if err := d.Unmap(*volID, *lnum); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	d.Flush()
	return nil
}

func runScrub(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("scrub", flag.ExitOnError)
	image := fs.String("image", "", "path to the image file")
	cfgPath := fs.String("config", "", "optional JSON geometry/tunables file")
	pnum := fs.Int("pnum", -1, "physical eraseblock to schedule for scrubbing")
	fs.Parse(args)
	if *image == "" || *pnum < 0 {
		return fmt.Errorf("scrub: -image and -pnum are required")
	}

	geo, tun := loadConfig(*cfgPath)
	disk, err := filedisk.Open(*image, geo.PEBCount, geo.PEBSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	d, _, err := device.Attach(disk, geo, tun, log)
	if err != nil {
		return fmt.Errorf("scrub: attach: %w", err)
	}
	defer d.Shutdown()

	if err := d.ScrubPEB(*pnum); err != nil {
		return fmt.Errorf("scrub: %w", err)
	}
	d.Flush()
	fmt.Printf("scrub completed for pnum=%d\n", *pnum)
	return nil
}

func runStats(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	image := fs.String("image", "", "path to the image file")
	cfgPath := fs.String("config", "", "optional JSON geometry/tunables file")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("stats: -image is required")
	}

	geo, tun := loadConfig(*cfgPath)
	disk, err := filedisk.Open(*image, geo.PEBCount, geo.PEBSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	d, _, err := device.Attach(disk, geo, tun, log)
	if err != nil {
		return fmt.Errorf("stats: attach: %w", err)
	}
	defer d.Shutdown()

	st := d.Stats()
	fmt.Printf("free=%d used=%d scrub=%d erroneous=%d protect=%d erase_pending=%d moving=%d\n",
		st.Free, st.Used, st.Scrub, st.Erroneous, st.Protect, st.ErasePending, st.Moving)
	fmt.Printf("good=%d bad=%d min_ec=%d max_ec=%d\n", st.Good, st.Bad, st.MinEC, st.MaxEC)
	return nil
}

func loadConfig(path string) (config.Geometry, config.Tunables) {
	if path == "" {
		return config.Default()
	}
	geo, tun, err := config.Load(path)
	if err != nil {
		geo, tun = config.Default()
	}
	return geo, tun
}
