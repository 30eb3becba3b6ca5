//go:build !nocv

package cmd

import (
	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/vision/cv"
)

const haveOpenCV = true

func openCamera(device int) (pipeline.FrameSource, error) {
	return cv.OpenCamera(device)
}

func openHaar(path string) (pipeline.Detector, func() error, error) {
	d, err := cv.LoadCascade(path)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

func openWindow(title string) (pipeline.Renderer, func() error, error) {
	w := cv.NewWindow(title)
	return w, w.Close, nil
}
