package commands

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/gogpu/nouveau"
)

var glyphsCmd = &cobra.Command{
	Use:   "glyphs [text]",
	Short: "Assemble a glyph atlas in video memory",
	Long: `Every glyph mask of the text is wrapped as a user buffer and copied into
an atlas in video memory, the way a 2D driver uploads glyphs for text
rendering. The atlas is then read back and printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGlyphs,
}

func init() {
	rootCmd.AddCommand(glyphsCmd)
}

// glyphMask is one rasterized glyph, packed one byte per pixel.
type glyphMask struct {
	x, y, w, h int
	pix        []byte
}

// layoutGlyphs rasterizes text with face and assigns atlas columns.
func layoutGlyphs(face font.Face, text string) (masks []glyphMask, width, height int) {
	m := face.Metrics()
	height = m.Height.Ceil()
	dot := fixed.P(0, m.Ascent.Ceil())
	for _, r := range text {
		dr, mask, maskp, advance, ok := face.Glyph(dot, r)
		if !ok {
			dr, mask, maskp, advance, _ = face.Glyph(dot, '?')
		}
		g := glyphMask{x: dr.Min.X, y: dr.Min.Y, w: dr.Dx(), h: dr.Dy()}
		if g.w > 0 && g.h > 0 && g.y >= 0 && g.y+g.h <= height {
			a := image.NewAlpha(image.Rect(0, 0, g.w, g.h))
			draw.Draw(a, a.Bounds(), mask, maskp, draw.Src)
			g.pix = a.Pix
			masks = append(masks, g)
		}
		dot.X += advance
	}
	return masks, dot.X.Ceil(), height
}

func runGlyphs(cmd *cobra.Command, args []string) error {
	text := "nouveau"
	if len(args) == 1 {
		text = args[0]
	}
	if text == "" {
		return fmt.Errorf("nothing to draw")
	}
	masks, width, height := layoutGlyphs(basicfont.Face7x13, text)

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	ch, err := s.dev.OpenChannel(ctx)
	if err != nil {
		return err
	}
	atlas, err := s.dev.NewBO(ctx, nouveau.FlagVRAM, 0, uint64(width*height))
	if err != nil {
		return err
	}
	defer atlas.Unref()
	blank := make([]byte, width*height)
	if err := ch.Upload(ctx, atlas, 0, uint32(width), blank, uint32(width), height); err != nil {
		return err
	}

	for _, g := range masks {
		bo, err := s.dev.WrapUser(g.pix)
		if err != nil {
			return err
		}
		// The channel keeps the glyph alive until its copy is submitted.
		err = ch.Copy(ctx, atlas, uint64(g.y*width+g.x), uint32(width), bo, 0, uint32(g.w), uint32(g.w), g.h)
		bo.Unref()
		if err != nil {
			return fmt.Errorf("copy glyph: %w", err)
		}
	}

	out := make([]byte, width*height)
	if err := ch.Download(ctx, atlas, 0, uint32(width), out, uint32(width), height); err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	renderAtlas(w, out, width, height)
	fmt.Fprintln(w)
	printStats(w, newPrinter(), s.dev.Stats())
	return nil
}

// renderAtlas prints the atlas coverage as text.
func renderAtlas(w io.Writer, pix []byte, width, height int) {
	var sb strings.Builder
	for y := range height {
		sb.Reset()
		for _, a := range pix[y*width : (y+1)*width] {
			switch {
			case a >= 0xc0:
				sb.WriteByte('#')
			case a >= 0x40:
				sb.WriteByte('+')
			default:
				sb.WriteByte(' ')
			}
		}
		fmt.Fprintln(w, strings.TrimRight(sb.String(), " "))
	}
}
