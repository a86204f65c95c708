package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/nouveau"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk a buffer through every domain",
	Long: `Copy a user buffer into video memory through the scratch heap, read it
back through the staging buffer, then migrate a second buffer from host
memory to GART, to VRAM and back, checking the contents at every step.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().Int("size", 4096, "buffer size in bytes")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	size, _ := cmd.Flags().GetInt("size")
	if size <= 0 || size > nouveau.DefaultStagingSize {
		return fmt.Errorf("size must be between 1 and %d, got %d", nouveau.DefaultStagingSize, size)
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	w := cmd.OutOrStdout()
	ch, err := s.dev.OpenChannel(ctx)
	if err != nil {
		return err
	}

	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i*31 + 7)
	}

	// User memory reaches the GPU through the channel's scratch heap.
	user, err := s.dev.WrapUser(bytes.Clone(want))
	if err != nil {
		return err
	}
	defer user.Unref()
	vram, err := s.dev.NewBO(ctx, nouveau.FlagVRAM, 0, uint64(size))
	if err != nil {
		return err
	}
	defer vram.Unref()

	if err := ch.Copy(ctx, vram, 0, uint32(size), user, 0, uint32(size), uint32(size), 1); err != nil {
		return fmt.Errorf("copy to vram: %w", err)
	}
	fmt.Fprintf(w, "copy   user -> %v (scratch placement: %v)\n", vram.Domain(), user.InScratch())

	got := make([]byte, size)
	if err := ch.Download(ctx, vram, 0, uint32(size), got, uint32(size), 1); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if !bytes.Equal(got, want) {
		return errors.New("download returned different bytes")
	}
	fmt.Fprintf(w, "read   %v -> host, %d bytes verified\n", vram.Domain(), size)

	b, err := s.dev.NewBO(ctx, 0, 0, uint64(size))
	if err != nil {
		return err
	}
	defer b.Unref()
	data, err := b.Map(ctx, nouveau.FlagWR)
	if err != nil {
		return err
	}
	copy(data, want)
	if err := b.Unmap(); err != nil {
		return err
	}
	for _, step := range []nouveau.Flags{nouveau.FlagGART, nouveau.FlagVRAM, 0} {
		from := b.Domain()
		if err := b.SetStatus(ctx, step); err != nil {
			return fmt.Errorf("migrate to %v: %w", step, err)
		}
		data, err := b.Map(ctx, nouveau.FlagRD)
		if err != nil {
			return err
		}
		ok := bytes.Equal(data, want)
		_ = b.Unmap()
		if !ok {
			return fmt.Errorf("contents lost migrating %v -> %v", from, b.Domain())
		}
		fmt.Fprintf(w, "move   %v -> %v\n", from, b.Domain())
	}

	if err := ch.Sync(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w)
	printStats(w, newPrinter(), s.dev.Stats())
	return nil
}
