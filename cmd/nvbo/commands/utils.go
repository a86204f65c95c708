package commands

import (
	"fmt"
	"io"

	"github.com/spf13/viper"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/nouveau"
	"github.com/gogpu/nouveau/backend"
	"github.com/gogpu/nouveau/drm"

	// Register the kernels selectable with --backend.
	_ "github.com/gogpu/nouveau/backend/native"
	_ "github.com/gogpu/nouveau/backend/soft"
)

// session is an open kernel and device.
type session struct {
	name   string
	kernel drm.Kernel
	dev    *nouveau.Device
}

// openSession opens the configured backend and wraps it in a device.
func openSession() (*session, error) {
	name := viper.GetString("backend")
	var (
		k   drm.Kernel
		err error
	)
	if name == "" || name == "auto" {
		k, name, err = backend.Default()
	} else {
		k, err = backend.Open(name)
	}
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}

	dev, err := nouveau.Open(k,
		nouveau.WithChipset(viper.GetInt("chipset")),
		nouveau.WithScratchSize(uint64(viper.GetSizeInBytes("scratch-size"))),
		nouveau.WithWaitTimeout(viper.GetDuration("wait-timeout")),
	)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	return &session{name: name, kernel: k, dev: dev}, nil
}

func (s *session) Close() error {
	err := s.dev.Close()
	if kerr := s.kernel.Close(); err == nil {
		err = kerr
	}
	return err
}

// newPrinter returns a printer for the configured language.
func newPrinter() *message.Printer {
	tag, err := language.Parse(viper.GetString("lang"))
	if err != nil {
		tag = language.English
	}
	return message.NewPrinter(tag)
}

// printStats writes the device counters with localized numbers.
func printStats(w io.Writer, p *message.Printer, s nouveau.Stats) {
	p.Fprintf(w, "Buffers:        %d live, %d kernel allocations\n", s.Buffers, s.KernelBuffers)
	p.Fprintf(w, "Channels:       %d\n", s.Channels)
	p.Fprintf(w, "Flushes:        %d (%d forced)\n", s.Flushes, s.ForcedFlushes)
	p.Fprintf(w, "Migrations:     %d (%d failed)\n", s.Migrations, s.MigrationFailures)
	p.Fprintf(w, "Scratch heap:   %d hits, %d misses, %d retries\n", s.ScratchHits, s.ScratchMisses, s.ScratchRetries)
	p.Fprintf(w, "Fence waits:    %d\n", s.Waits)
}
