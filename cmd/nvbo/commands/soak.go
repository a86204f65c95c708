package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/nouveau"
)

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "Run random copies on several channels at once",
	Long: `Each channel copies randomly sized user buffers into VRAM or GART
buffers in batches, then maps the destinations and checks every byte.
Channels run concurrently on one device.`,
	RunE: runSoak,
}

func init() {
	f := soakCmd.Flags()
	f.Int("iterations", 256, "copies per channel")
	f.Int("channels", 2, "number of concurrent channels")
	f.Int("max-size", 16<<10, "largest buffer in bytes")
	f.Int("window", 16, "copies queued before the destinations are checked")
	f.Uint64("seed", 1, "random seed")
	rootCmd.AddCommand(soakCmd)
}

type soakConfig struct {
	iterations int
	maxSize    int
	window     int
	seed       uint64
}

func runSoak(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	channels, _ := f.GetInt("channels")
	var cfg soakConfig
	cfg.iterations, _ = f.GetInt("iterations")
	cfg.maxSize, _ = f.GetInt("max-size")
	cfg.window, _ = f.GetInt("window")
	cfg.seed, _ = f.GetUint64("seed")
	if channels <= 0 || cfg.maxSize <= 0 || cfg.window <= 0 {
		return errors.New("channels, max-size and window must be positive")
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	errs := make([]error, channels)
	var wg sync.WaitGroup
	for i := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := soakChannel(context.Background(), s.dev, cfg, uint64(i)); err != nil {
				errs[i] = fmt.Errorf("channel %d: %w", i, err)
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	p := newPrinter()
	p.Fprintf(w, "%d copies on %d channels in %v\n\n", cfg.iterations*channels, channels, time.Since(start).Round(time.Millisecond))
	printStats(w, p, s.dev.Stats())
	return nil
}

// soakCopy is one queued copy and the bytes its destination must hold.
type soakCopy struct {
	src, dst *nouveau.BO
	want     []byte
}

func soakChannel(ctx context.Context, dev *nouveau.Device, cfg soakConfig, stream uint64) error {
	ch, err := dev.OpenChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Free(ctx)

	r := rand.New(rand.NewPCG(cfg.seed, stream))
	placements := []nouveau.Flags{nouveau.FlagVRAM, nouveau.FlagGART, nouveau.FlagMem}
	live := make([]soakCopy, 0, cfg.window)

	check := func() error {
		var errs []error
		for _, c := range live {
			got, err := c.dst.Map(ctx, nouveau.FlagRD)
			if err != nil {
				errs = append(errs, err)
			} else {
				if !bytes.Equal(got, c.want) {
					errs = append(errs, fmt.Errorf("%d-byte copy into %v differs", len(c.want), c.dst.Domain()))
				}
				_ = c.dst.Unmap()
			}
			c.src.Unref()
			c.dst.Unref()
		}
		live = live[:0]
		return errors.Join(errs...)
	}

	for range cfg.iterations {
		lines := 1 + r.IntN(8)
		lineLen := max(1+r.IntN(cfg.maxSize)/lines, 1)
		want := make([]byte, lineLen*lines)
		for i := range want {
			want[i] = byte(r.Uint32())
		}

		src, err := dev.WrapUser(bytes.Clone(want))
		if err != nil {
			return err
		}
		dst, err := dev.NewBO(ctx, placements[r.IntN(len(placements))], 0, uint64(len(want)))
		if err != nil {
			src.Unref()
			return errors.Join(err, check())
		}
		live = append(live, soakCopy{src: src, dst: dst, want: want})

		pitch := uint32(lineLen)
		if err := ch.Copy(ctx, dst, 0, pitch, src, 0, pitch, pitch, lines); err != nil {
			return errors.Join(err, check())
		}
		if len(live) == cfg.window {
			if err := check(); err != nil {
				return err
			}
		}
	}
	return check()
}
