// Package imaging renders the JPEGs the relay produces itself: the
// placeholder shown before a camera's first frame and the synthetic test
// card used by the development publisher.
package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var bars = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

const quality = 75

var errBadSize = errors.New("imaging: width and height must be positive")

// Placeholder renders a dark frame with centred text lines.
func Placeholder(width, height int, lines ...string) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errBadSize
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 32, G: 32, B: 32, A: 255}), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil() + 4
	top := (height - lineHeight*len(lines)) / 2
	for i, line := range lines {
		w := font.MeasureString(face, line).Ceil()
		drawText(img, (width-w)/2, top+lineHeight*(i+1), line, color.White)
	}
	return encode(img)
}

// TestCard renders colour bars with the label and frame counter drawn on a
// black band, so consecutive frames are visibly different.
func TestCard(width, height int, label string, frame uint64) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errBadSize
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	barWidth := max(width/len(bars), 1)
	shift := int(frame % uint64(width))
	for y := range height {
		for x := range width {
			idx := ((x + shift) % width) / barWidth
			if idx >= len(bars) {
				idx = len(bars) - 1
			}
			img.SetRGBA(x, y, bars[idx])
		}
	}

	band := image.Rect(0, height-24, width, height)
	draw.Draw(img, band, image.NewUniform(color.Black), image.Point{}, draw.Src)
	drawText(img, 8, height-8, label+"  #"+strconv.FormatUint(frame, 10), color.White)

	return encode(img)
}

func drawText(dst draw.Image, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
