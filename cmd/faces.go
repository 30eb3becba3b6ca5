package cmd

import (
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/lookout/internal/faceimg"
	"github.com/andresmejia3/lookout/internal/pipeline"
)

var errNoFace = errors.New("no faces detected")

// loadFace reads an image file as grayscale. With a detector, only the largest detected face is kept.
func loadFace(path string, det pipeline.Detector) (*image.Gray, error) {
	img, err := faceimg.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if det == nil {
		return img, nil
	}
	r, n := largestFace(det.Detect(img))
	if n == 0 {
		return nil, errNoFace
	}
	if n > 1 {
		fmt.Fprintf(os.Stderr, "⚠️  Multiple faces detected (%d) in %s. Using the largest face.\n", n, path)
	}
	face := faceimg.Crop(img, r)
	if face == nil {
		return nil, errNoFace
	}
	return face, nil
}

// largestFace returns the region with the biggest area and how many regions there were.
func largestFace(regions []image.Rectangle) (image.Rectangle, int) {
	var best image.Rectangle
	maxArea := -1
	for _, r := range regions {
		if area := r.Dx() * r.Dy(); area > maxArea {
			maxArea = area
			best = r
		}
	}
	return best, len(regions)
}
