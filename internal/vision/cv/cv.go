//go:build !nocv

// Package cv wraps OpenCV (through gocv) for live capture, Haar detection and the preview window.
// It needs cgo and an OpenCV installation; everything else in lookout builds without it.
package cv

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/lookout/internal/faceimg"
	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/vision"
	"gocv.io/x/gocv"
)

// Haar detector settings.
const (
	scaleFactor  = 1.1
	minNeighbors = 5
	minFaceSize  = 30
)

// Preview window size.
const (
	windowWidth  = 800
	windowHeight = 600
)

// Camera reads frames from a local capture device.
type Camera struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	index   int
}

// OpenCamera opens the capture device with the given index.
func OpenCamera(device int) (*Camera, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", device, err)
	}
	return &Camera{capture: capture, mat: gocv.NewMat()}, nil
}

// Next grabs one frame. A failed read is reported, never retried.
func (c *Camera) Next(ctx context.Context) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return pipeline.Frame{}, errors.New("camera returned no frame")
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return pipeline.Frame{}, err
	}
	c.index++
	return pipeline.Frame{Index: c.index, Gray: faceimg.ToGray(img), Color: img}, nil
}

func (c *Camera) Close() error {
	c.mat.Close()
	return c.capture.Close()
}

// CascadeDetector runs an OpenCV Haar cascade.
type CascadeDetector struct {
	classifier gocv.CascadeClassifier
}

// LoadCascade reads a Haar cascade XML file.
func LoadCascade(path string) (*CascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade classifier from %s", path)
	}
	return &CascadeDetector{classifier: classifier}, nil
}

func (d *CascadeDetector) Detect(frame *image.Gray) []image.Rectangle {
	mat, err := gocv.ImageGrayToMatGray(frame)
	if err != nil {
		return nil
	}
	defer mat.Close()
	origin := frame.Bounds().Min
	rects := d.classifier.DetectMultiScaleWithParams(mat, scaleFactor, minNeighbors, 0,
		image.Pt(minFaceSize, minFaceSize), image.Point{})
	for i := range rects {
		rects[i] = rects[i].Add(origin)
	}
	return rects
}

func (d *CascadeDetector) Close() error { return d.classifier.Close() }

// Window shows annotated frames. Pressing q ends the loop.
type Window struct {
	win *gocv.Window
}

func NewWindow(title string) *Window {
	win := gocv.NewWindow(title)
	win.ResizeWindow(windowWidth, windowHeight)
	return &Window{win: win}
}

func (w *Window) Render(f pipeline.Frame, anns []pipeline.Annotation) error {
	var src image.Image = f.Color
	if src == nil {
		src = f.Gray
	}
	mat, err := gocv.ImageToMatRGB(src)
	if err != nil {
		return err
	}
	defer mat.Close()

	for _, a := range anns {
		c := vision.StateColor(a.State)
		gocv.Rectangle(&mat, a.Region, c, 2)
		gocv.PutText(&mat, a.Status, image.Pt(a.Region.Min.X, a.Region.Min.Y-10), gocv.FontHersheySimplex, 0.9, c, 2)
		for i, line := range a.Lines()[1:] {
			gocv.PutText(&mat, line, image.Pt(a.Region.Min.X, a.Region.Max.Y+20+25*i), gocv.FontHersheySimplex, 0.5, c, 2)
		}
	}

	shown := gocv.NewMat()
	defer shown.Close()
	gocv.Resize(mat, &shown, image.Pt(windowWidth, windowHeight), 0, 0, gocv.InterpolationLinear)
	w.win.IMShow(shown)
	if w.win.WaitKey(1)&0xFF == 'q' {
		return pipeline.ErrStop
	}
	return nil
}

func (w *Window) Close() error { return w.win.Close() }
