package faceimg

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrop(t *testing.T) {
	frame := image.NewGray(image.Rect(0, 0, 10, 10))
	frame.SetGray(3, 4, color.Gray{Y: 99})

	c := Crop(frame, image.Rect(3, 4, 6, 8))
	require.NotNil(t, c)
	assert.Equal(t, image.Rect(0, 0, 3, 4), c.Bounds(), "crops are re-anchored at the origin")
	assert.Equal(t, uint8(99), c.GrayAt(0, 0).Y)

	c.SetGray(0, 0, color.Gray{Y: 1})
	assert.Equal(t, uint8(99), frame.GrayAt(3, 4).Y, "crop is a copy")

	assert.Equal(t, image.Rect(0, 0, 2, 2), Crop(frame, image.Rect(8, 8, 20, 20)).Bounds())
	assert.Nil(t, Crop(frame, image.Rect(20, 20, 30, 30)))
}

func TestToRGB(t *testing.T) {
	g := image.NewGray(image.Rect(2, 2, 4, 3))
	g.SetGray(2, 2, color.Gray{Y: 10})
	g.SetGray(3, 2, color.Gray{Y: 250})

	rgb := ToRGB(g)
	assert.Equal(t, image.Rect(0, 0, 2, 1), rgb.Bounds())
	assert.Equal(t, color.RGBA{R: 10, G: 10, B: 10, A: 255}, rgb.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 250, G: 250, B: 250, A: 255}, rgb.RGBAAt(1, 0))
}

func TestPNGRoundTrip(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 5, 3))
	for i := range g.Pix {
		g.Pix[i] = uint8(i * 17)
	}
	data, err := EncodePNG(g)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, g.Pix, back.Pix)

	_, err = Decode([]byte("garbage"))
	assert.Error(t, err)
}

func TestToGrayFromColour(t *testing.T) {
	src := image.NewRGBA(image.Rect(1, 1, 3, 2))
	src.SetRGBA(1, 1, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	g := ToGray(src)
	assert.Equal(t, image.Rect(0, 0, 2, 1), g.Bounds())
	assert.Equal(t, uint8(255), g.Pix[0])
	assert.Equal(t, uint8(0), g.Pix[1])
}
