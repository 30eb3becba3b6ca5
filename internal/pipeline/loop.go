package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
)

// ErrStop is returned by a Renderer to end the loop normally (e.g. the user pressed q).
var ErrStop = errors.New("stop requested")

// Frame is one captured picture: the grayscale copy the pipeline works on and the
// original for display.
type Frame struct {
	Index int
	Gray  *image.Gray
	Color image.Image
}

// FrameSource produces frames. io.EOF ends a finite source; any other error is fatal.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Detector locates faces in a grayscale frame.
type Detector interface {
	Detect(frame *image.Gray) []image.Rectangle
}

// Renderer shows or stores the annotated frame.
type Renderer interface {
	Render(frame Frame, anns []Annotation) error
}

// Run processes frames until the source ends, the renderer stops it, or ctx is cancelled.
// A capture failure ends the loop with an error and is not retried. The store is flushed
// on the way out regardless.
func (o *Orchestrator) Run(ctx context.Context, src FrameSource, det Detector, r Renderer) (Stats, error) {
	err := o.run(ctx, src, det, r)
	if ferr := o.store.Flush(); ferr != nil {
		o.log.WithError(ferr).Error("Failed to persist identity table")
		if err == nil {
			err = ferr
		}
	}
	return o.stats, err
}

func (o *Orchestrator) run(ctx context.Context, src FrameSource, det Detector, r Renderer) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to capture video frame: %w", err)
		}

		anns, err := o.ProcessFrame(ctx, f.Gray, det.Detect(f.Gray))
		if err != nil {
			return fmt.Errorf("frame %d: %w", f.Index, err)
		}
		if o.hook != nil {
			o.hook(f, anns)
		}
		if r != nil {
			if err := r.Render(f, anns); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return fmt.Errorf("failed to render frame %d: %w", f.Index, err)
			}
		}
		if o.flushEvery > 0 && o.stats.Frames%o.flushEvery == 0 {
			if err := o.store.Flush(); err != nil {
				o.log.WithError(err).Warn("Periodic flush failed")
			}
		}
	}
}
