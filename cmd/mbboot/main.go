package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/mbboot/internal/boot"
	"github.com/tinyrange/mbboot/internal/config"
	"github.com/tinyrange/mbboot/internal/console"
	"github.com/tinyrange/mbboot/internal/debug"
	"github.com/tinyrange/mbboot/internal/multiboot"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mbboot: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mbboot", flag.ContinueOnError)

	configPath := fs.String("config", "", "Platform description (default: built-in platform)")
	kernelPath := fs.String("kernel", "", "Multiboot kernel image to load")
	tracePath := fs.String("trace", "", "Record loader trace signals to the given file")
	readTrace := fs.String("read-trace", "", "Print the records in a trace file and exit")
	writeConfig := fs.String("write-config", "", "Write the platform description with defaults filled in to the given file and exit")
	headerOnly := fs.Bool("header", false, "Locate and print the Multiboot header without loading the image")
	dumpPath := fs.String("dump", "", "Write the loaded image, including BSS, to the given file")
	showConsole := fs.Bool("console", term.IsTerminal(int(os.Stderr.Fd())), "Print the guest text console when loading fails")
	verbose := fs.Bool("v", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *readTrace != "" {
		return debug.EachFile(*readTrace, func(r debug.Record) error {
			_, err := fmt.Println(r)
			return err
		})
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}

	if *writeConfig != "" {
		if err := config.WriteTemplate(*writeConfig, cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote platform description to %q\n", *writeConfig)
		return nil
	}

	if *kernelPath == "" {
		return errors.New("no kernel image given (-kernel)")
	}

	var opts []boot.Option
	if *tracePath != "" {
		trace, err := debug.OpenFile(*tracePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := trace.Close(); err != nil {
				slog.Warn("close trace", "err", err)
			}
		}()
		opts = append(opts, boot.WithTrace(trace))
	}

	m, err := boot.NewMachine(cfg, opts...)
	if err != nil {
		return err
	}

	if err := preload(m, *kernelPath); err != nil {
		return err
	}

	if *headerOnly {
		return printHeader(m, cfg)
	}

	mirror := console.NewMirror(m.Console())
	defer mirror.Close()

	h, res, err := m.Boot(mirror)
	if err != nil {
		if *showConsole {
			for _, line := range mirror.Snapshot() {
				fmt.Fprintln(os.Stderr, line)
			}
		}
		return fmt.Errorf("boot %s: %w", *kernelPath, err)
	}

	if *dumpPath != "" {
		if err := dumpImage(m, res.Plan, *dumpPath); err != nil {
			return err
		}
	}

	fmt.Printf("entry=%#08x eax=%#08x ebx=%#08x\n", h.Entry, h.Magic, h.InfoAddr)
	return nil
}

func preload(m *boot.Machine, path string) error {
	img, err := boot.OpenImage(path)
	if err != nil {
		return err
	}
	defer img.Close()

	r := img.Reader()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(img.Size(), "preload "+path)
		defer bar.Close()
		r = io.TeeReader(r, bar)
	}
	return m.Preload(r, img.Size())
}

func printHeader(m *boot.Machine, cfg config.Platform) error {
	hdr, addr, err := multiboot.Locate(m.PreloadBuffer(), cfg.Loader.SearchLimit)
	if err != nil {
		return err
	}

	fmt.Printf("header at %#x (offset %#x)\n", addr, addr-m.PreloadBuffer().MemoryBase())
	fmt.Printf("  flags         %#08x\n", uint32(hdr.Flags))
	fmt.Printf("  checksum      %#08x\n", hdr.Checksum)
	fmt.Printf("  header_addr   %#08x\n", hdr.HeaderAddr)
	fmt.Printf("  load_addr     %#08x\n", hdr.LoadAddr)
	fmt.Printf("  load_end_addr %#08x\n", hdr.LoadEndAddr)
	fmt.Printf("  bss_end_addr  %#08x\n", hdr.BSSEndAddr)
	fmt.Printf("  entry_addr    %#08x\n", hdr.EntryAddr)

	if err := multiboot.Validate(hdr, cfg.Loader.PageSize); err != nil {
		fmt.Printf("not loadable: %v\n", err)
	}
	return nil
}

func dumpImage(m *boot.Machine, plan multiboot.LoadPlan, path string) error {
	size := plan.End() - uint64(plan.LoadAddr)
	data := make([]byte, size)
	if _, err := m.RAM().ReadAt(data, int64(plan.LoadAddr)); err != nil {
		return fmt.Errorf("read loaded image: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Info("dumped loaded image", "path", path, "bytes", size)
	return nil
}
