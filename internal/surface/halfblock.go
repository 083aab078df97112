package surface

import (
	"fmt"
	"image"
	"strings"
)

const upperHalf = "▀"

// RenderHalfBlocks downsamples img to cols x rows terminal cells. Each cell
// covers two pixel rows: the glyph takes the top colour, the background the
// bottom one.
func RenderHalfBlocks(img *image.RGBA, cols, rows int) []string {
	if img == nil || cols <= 0 || rows <= 0 {
		return nil
	}
	b := img.Rect
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	lines := make([]string, 0, rows)
	var sb strings.Builder
	for ry := 0; ry < rows; ry++ {
		sb.Reset()
		topY := b.Min.Y + (2*ry)*h/(2*rows)
		botY := b.Min.Y + (2*ry+1)*h/(2*rows)
		for cx := 0; cx < cols; cx++ {
			x := b.Min.X + cx*w/cols
			tr, tg, tb := rgbAt(img, x, topY)
			br, bg, bb := rgbAt(img, x, botY)
			fmt.Fprintf(&sb, "\x1b[38;2;%d;%d;%dm\x1b[48;2;%d;%d;%dm%s", tr, tg, tb, br, bg, bb, upperHalf)
		}
		sb.WriteString("\x1b[0m")
		lines = append(lines, sb.String())
	}
	return lines
}

func rgbAt(img *image.RGBA, x, y int) (uint8, uint8, uint8) {
	i := img.PixOffset(x, y)
	return img.Pix[i], img.Pix[i+1], img.Pix[i+2]
}
