package synthetic

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Frame is one media unit flowing between nodes. Frames are shared by the
// tee: nodes that change pixels work on a copy.
type Frame struct {
	Seq     uint64
	PTS     time.Duration // since the backend started playing
	Image   *image.RGBA   // raw video, nil when encoded
	JPEG    []byte        // encoded video, nil when raw
	Caption string        // caption composited into Image, if any
}

// Size is the payload size used for the queue byte cap.
func (f *Frame) Size() uint64 {
	if f.JPEG != nil {
		return uint64(len(f.JPEG))
	}
	if f.Image != nil {
		return uint64(len(f.Image.Pix))
	}
	return 0
}

func (f *Frame) withImage(img *image.RGBA) *Frame {
	return &Frame{Seq: f.Seq, PTS: f.PTS, Image: img, Caption: f.Caption}
}

func (f *Frame) withJPEG(data []byte) *Frame {
	return &Frame{Seq: f.Seq, PTS: f.PTS, JPEG: data, Caption: f.Caption}
}

// testPattern paints a frame whose content identifies its sequence number:
// a background hue cycling per second and a bar sweeping across.
func testPattern(seq uint64, width, height, fps int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	second := seq / uint64(fps)
	bg := color.RGBA{R: uint8(second * 53), G: uint8(second * 97), B: uint8(second * 151), A: 255}
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	barW := width / 16
	if barW < 1 {
		barW = 1
	}
	x := int(seq%uint64(fps)) * (width - barW) / max(fps-1, 1)
	bar := image.Rect(x, 0, x+barW, height)
	draw.Draw(img, bar, image.NewUniform(color.White), image.Point{}, draw.Src)

	return img
}

// drawCaption returns a copy of src with text drawn along the bottom edge.
func drawCaption(src *image.RGBA, text string) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	face := basicfont.Face7x13
	band := image.Rect(bounds.Min.X, bounds.Max.Y-face.Height-6, bounds.Max.X, bounds.Max.Y)
	draw.Draw(dst, band, image.NewUniform(color.RGBA{A: 160}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, A: 255}),
		Face: face,
		Dot:  fixed.P(bounds.Min.X+8, bounds.Max.Y-6),
	}
	d.DrawString(text)
	return dst
}

// scale resizes src to w×h.
func scale(src *image.RGBA, w, h int) *image.RGBA {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeJPEG(data []byte) (*image.RGBA, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("jpeg decode: %w", err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}
