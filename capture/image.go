package capture

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
)

// Format enumerates the supported screenshot file formats.
type Format int

const (
	PNG Format = iota
	TGA
	JPEG
)

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "png":
		return PNG, nil
	case "tga":
		return TGA, nil
	case "jpg", "jpeg":
		return JPEG, nil
	}
	return PNG, fmt.Errorf("capture: unknown format %q", s)
}

// Ext returns the file extension for the format, dot included.
func (f Format) Ext() string {
	switch f {
	case TGA:
		return ".tga"
	case JPEG:
		return ".jpg"
	}
	return ".png"
}

// CaptureSource selects where pixel data is read from.
type CaptureSource int

const (
	Texture CaptureSource = iota
	BackBuffer
	LeftBackBuffer
	RightBackBuffer
)

// EyeIndex identifies which eye a capture belongs to in stereo setups.
type EyeIndex int

const (
	Mono EyeIndex = iota
	StereoLeft
	StereoRight
)

// Suffix returns the filename suffix for the eye; empty for mono.
func (e EyeIndex) Suffix() string {
	switch e {
	case StereoLeft:
		return "L"
	case StereoRight:
		return "R"
	}
	return ""
}

// Image is a raw RGBA pixel buffer with the top row first. Slots reuse the
// backing storage between jobs, so an Image handed to the pipeline is copied
// before the call returns.
type Image struct {
	W, H int
	Pix  []byte // 4 bytes per pixel, W*4 bytes per row
}

// NewImage allocates a zeroed RGBA image.
func NewImage(w, h int) *Image {
	return &Image{W: w, H: h, Pix: make([]byte, w*h*4)}
}

// CopyFrom resizes the buffer if needed and copies src's pixels into it.
func (img *Image) CopyFrom(src *Image) {
	img.W, img.H = src.W, src.H
	if cap(img.Pix) < len(src.Pix) {
		img.Pix = make([]byte, len(src.Pix))
	}
	img.Pix = img.Pix[:len(src.Pix)]
	copy(img.Pix, src.Pix)
}

// FlipVertical reverses the row order in place. OpenGL readbacks arrive with
// the bottom row first.
func (img *Image) FlipVertical() {
	stride := img.W * 4
	tmp := make([]byte, stride)
	for top, bot := 0, img.H-1; top < bot; top, bot = top+1, bot-1 {
		a := img.Pix[top*stride : (top+1)*stride]
		b := img.Pix[bot*stride : (bot+1)*stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}

// Encode writes the image to w in the given format.
func (img *Image) Encode(w io.Writer, format Format) error {
	switch format {
	case TGA:
		return img.encodeTGA(w)
	case JPEG:
		return jpeg.Encode(w, img.rgba(), &jpeg.Options{Quality: 90})
	}
	return png.Encode(w, img.rgba())
}

func (img *Image) rgba() *image.RGBA {
	return &image.RGBA{
		Pix:    img.Pix,
		Stride: img.W * 4,
		Rect:   image.Rect(0, 0, img.W, img.H),
	}
}

// encodeTGA writes an uncompressed type-2 TGA. Pixels are stored as BGRA
// with the bottom row first, per the format's default origin.
func (img *Image) encodeTGA(w io.Writer) error {
	header := [18]byte{
		2: 2, // uncompressed true-color
	}
	header[12] = byte(img.W)
	header[13] = byte(img.W >> 8)
	header[14] = byte(img.H)
	header[15] = byte(img.H >> 8)
	header[16] = 32 // bits per pixel
	header[17] = 8  // alpha depth
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	stride := img.W * 4
	row := make([]byte, stride)
	for y := img.H - 1; y >= 0; y-- {
		src := img.Pix[y*stride : (y+1)*stride]
		for x := 0; x < img.W; x++ {
			row[x*4+0] = src[x*4+2]
			row[x*4+1] = src[x*4+1]
			row[x*4+2] = src[x*4+0]
			row[x*4+3] = src[x*4+3]
		}
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
