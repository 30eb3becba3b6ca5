// Package attributes estimates age and gender for a face crop through an external model.
package attributes

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/lookout/internal/faceimg"
)

// ErrEmptyFace is returned for a nil or zero-sized crop.
var ErrEmptyFace = errors.New("empty face crop")

// Attributes are the demographic estimates for one face.
type Attributes struct {
	Age    int    `json:"age"`
	Gender string `json:"gender"`
}

func (a Attributes) String() string {
	return fmt.Sprintf("Age: %d, Gender: %s", a.Age, a.Gender)
}

// Estimator is what the frame loop consumes.
type Estimator interface {
	Estimate(ctx context.Context, face *image.Gray) (Attributes, error)
}

// Backend is the external model. It expects a three channel image.
type Backend interface {
	Analyze(ctx context.Context, face *image.RGBA) (Attributes, error)
}

// Adapter turns grayscale crops into what the backend expects. It never substitutes a
// default on failure: backend errors reach the caller.
type Adapter struct {
	backend Backend
}

// NewAdapter wraps b.
func NewAdapter(b Backend) *Adapter {
	return &Adapter{backend: b}
}

// Estimate expands face to RGB and delegates to the backend.
func (a *Adapter) Estimate(ctx context.Context, face *image.Gray) (Attributes, error) {
	if face == nil || face.Bounds().Empty() {
		return Attributes{}, ErrEmptyFace
	}
	attrs, err := a.backend.Analyze(ctx, faceimg.ToRGB(face))
	if err != nil {
		return Attributes{}, fmt.Errorf("attribute estimation failed: %w", err)
	}
	return attrs, nil
}
