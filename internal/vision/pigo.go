package vision

import (
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// Pigo detection parameters
const (
	pigoMinSize      = 30
	pigoShiftFactor  = 0.1
	pigoScaleFactor  = 1.1
	pigoIoUThreshold = 0.2
	pigoMinQuality   = 5.0
)

// PigoDetector finds faces with the pure-Go pigo cascade.
type PigoDetector struct {
	classifier *pigo.Pigo
	minQuality float32
}

// LoadPigoDetector reads and unpacks a pigo facefinder cascade.
func LoadPigoDetector(path string) (*PigoDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}
	return &PigoDetector{classifier: classifier, minQuality: pigoMinQuality}, nil
}

// Detect returns square face regions in frame coordinates.
func (d *PigoDetector) Detect(frame *image.Gray) []image.Rectangle {
	b := frame.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	pixels := frame.Pix
	if frame.Stride != w || b.Min != (image.Point{}) {
		pixels = make([]uint8, w*h)
		for y := 0; y < h; y++ {
			copy(pixels[y*w:(y+1)*w], frame.Pix[frame.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	}

	params := pigo.CascadeParams{
		MinSize:     pigoMinSize,
		MaxSize:     max(w, h),
		ShiftFactor: pigoShiftFactor,
		ScaleFactor: pigoScaleFactor,
		ImageParams: pigo.ImageParams{Pixels: pixels, Rows: h, Cols: w, Dim: w},
	}
	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, pigoIoUThreshold)

	var out []image.Rectangle
	for _, det := range dets {
		if det.Q < d.minQuality {
			continue
		}
		// Row and Col are the centre, Scale the side length.
		half := det.Scale / 2
		r := image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half).Add(b.Min)
		out = append(out, r.Intersect(b))
	}
	return out
}
