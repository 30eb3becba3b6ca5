//go:build nocv

package cmd

import (
	"errors"

	"github.com/andresmejia3/lookout/internal/pipeline"
)

// Built with -tags nocv: only ffmpeg input, the pigo detector and snapshots are available.
const haveOpenCV = false

var errNoOpenCV = errors.New("built without OpenCV (nocv tag): use --input, --detector pigo and --headless")

func openCamera(int) (pipeline.FrameSource, error) { return nil, errNoOpenCV }

func openHaar(string) (pipeline.Detector, func() error, error) { return nil, nil, errNoOpenCV }

func openWindow(string) (pipeline.Renderer, func() error, error) { return nil, nil, errNoOpenCV }
