package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/spf13/cobra"

	"github.com/gogpu/nouveau/backend"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show backend and channel information",
	Long: `Open the configured backend, allocate one channel and report the
objects and heaps it was set up with.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

// adapterReporter is implemented by kernels that run on a GPU adapter.
type adapterReporter interface {
	AdapterInfo() gpucontext.AdapterInfo
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ch, err := s.dev.OpenChannel(context.Background())
	if err != nil {
		return err
	}
	defer ch.Free(context.Background())

	w := cmd.OutOrStdout()
	p := newPrinter()
	fmt.Fprintf(w, "Backend:        %s (registered: %s)\n", s.name, strings.Join(backend.Available(), ", "))
	if a, ok := s.kernel.(adapterReporter); ok {
		info := a.AdapterInfo()
		fmt.Fprintf(w, "Adapter:        %s (%s)\n", info.Name, info.Type)
	}
	fmt.Fprintf(w, "Chipset:        %#x\n", s.dev.Chipset())
	fmt.Fprintf(w, "Channel:        %d\n", ch.ID())
	fmt.Fprintf(w, "M2MF class:     %#04x on subchannel %d\n", ch.M2MF().Class(), ch.M2MF().Subchannel())
	fmt.Fprintf(w, "Context DMA:    VRAM %#x, GART %#x\n", uint32(ch.VRAMDMA()), uint32(ch.GARTDMA()))
	p.Fprintf(w, "Pushbuffer:     %d free words\n", ch.Remaining())
	hs := ch.ScratchStats()
	p.Fprintf(w, "Scratch heap:   %d bytes, %d free\n", hs.Size, hs.Free)
	return nil
}
