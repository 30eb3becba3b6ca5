// Package faceimg holds the grayscale image helpers shared by the store, the matcher and the frame loop.
package faceimg

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
)

// ToGray converts img to an 8-bit grayscale image whose bounds start at the origin.
// A *image.Gray already anchored at (0,0) is returned as is.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return out
	}
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Crop copies the region r of frame into a new grayscale image.
// The region is clipped to the frame; an empty intersection returns nil.
func Crop(frame *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Intersect(frame.Bounds())
	if r.Empty() {
		return nil
	}
	return ToGray(frame.SubImage(r))
}

// ToRGB expands a grayscale image into three identical colour channels.
func ToRGB(g *image.Gray) *image.RGBA {
	b := g.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := g.GrayAt(b.Min.X+x, b.Min.Y+y).Y
			out.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 0xff})
		}
	}
	return out
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decodes png, jpeg or bmp data into grayscale.
func Decode(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return ToGray(img), nil
}

// ReadFile loads an image file from disk as grayscale.
func ReadFile(path string) (*image.Gray, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
