package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	Green = color.RGBA{G: 255, A: 255}
	Red   = color.RGBA{R: 255, A: 255}
)

// StateColor is green for known faces and red for new ones.
func StateColor(s pipeline.State) color.RGBA {
	if s == pipeline.StateNew {
		return Red
	}
	return Green
}

// Annotate draws a box per face with the status above it and the info lines below.
func Annotate(src image.Image, anns []pipeline.Annotation) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	for _, a := range anns {
		c := StateColor(a.State)
		strokeRect(dst, a.Region, c, 2)

		d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: basicfont.Face7x13}
		d.Dot = fixed.P(a.Region.Min.X, a.Region.Min.Y-10)
		d.DrawString(a.Status)
		lines := a.Lines()[1:]
		for i, line := range lines {
			d.Dot = fixed.P(a.Region.Min.X, a.Region.Max.Y+20+15*i)
			d.DrawString(line)
		}
	}
	return dst
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color, width int) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}

// SnapshotRenderer writes annotated frames to a directory for headless runs.
// By default only frames in which a new identity appeared are kept.
type SnapshotRenderer struct {
	dir     string
	prefix  string
	all     bool
	log     logrus.FieldLogger
	written int
}

// NewSnapshotRenderer creates dir. prefix namespaces the files of one run.
func NewSnapshotRenderer(dir, prefix string, all bool, log logrus.FieldLogger) (*SnapshotRenderer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotRenderer{dir: dir, prefix: prefix, all: all, log: log}, nil
}

func (r *SnapshotRenderer) Render(f pipeline.Frame, anns []pipeline.Annotation) error {
	if !r.all && !hasNew(anns) {
		return nil
	}
	src := f.Color
	if src == nil {
		src = f.Gray
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Annotate(src, anns), &jpeg.Options{Quality: 90}); err != nil {
		return err
	}
	path := filepath.Join(r.dir, fmt.Sprintf("%s_%06d.jpg", r.prefix, f.Index))
	if err := renameio.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return err
	}
	r.written++
	r.log.WithFields(logrus.Fields{"frame": f.Index, "path": path}).Debug("Snapshot written")
	return nil
}

// Written is the number of snapshots saved so far.
func (r *SnapshotRenderer) Written() int { return r.written }

func hasNew(anns []pipeline.Annotation) bool {
	for _, a := range anns {
		if a.State == pipeline.StateNew {
			return true
		}
	}
	return false
}
