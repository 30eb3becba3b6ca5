// Package gallery decides whether a face crop belongs to an identity already in the store.
package gallery

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/andresmejia3/lookout/internal/identity"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// DefaultThreshold is the mean absolute 8-bit intensity difference below which two crops are the same face.
const DefaultThreshold = 50.0

// ReferenceSource enumerates stored reference images in storage order.
type ReferenceSource interface {
	References() []identity.Reference
}

// Matcher compares a crop against every stored reference and accepts the first one
// under the threshold. It is deliberately not a nearest-neighbour search: when several
// identities are close enough, the one stored earliest wins.
type Matcher struct {
	src       ReferenceSource
	threshold float64
	log       logrus.FieldLogger

	mu    sync.Mutex
	cache map[string]cached
}

// cached is a decoded reference and the modification time it was decoded at.
type cached struct {
	modTime time.Time
	img     *image.Gray
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithThreshold replaces DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(m *Matcher) { m.threshold = t }
}

// WithLogger sets the logger for skipped references.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Matcher) { m.log = l }
}

// New builds a Matcher over src.
func New(src ReferenceSource, opts ...Option) *Matcher {
	m := &Matcher{
		src:       src,
		threshold: DefaultThreshold,
		log:       logrus.StandardLogger(),
		cache:     make(map[string]cached),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Threshold returns the acceptance threshold in use.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match returns the id of the first stored identity whose reference differs from face
// by less than the threshold. Unreadable references are skipped.
func (m *Matcher) Match(face *image.Gray) (string, bool) {
	for _, ref := range m.src.References() {
		img, err := m.reference(ref)
		if err != nil {
			m.log.WithError(err).WithField("identity", ref.ID).Debug("Skipping unreadable reference image")
			continue
		}
		if Difference(img, face) < m.threshold {
			return ref.ID, true
		}
	}
	return "", false
}

// reference returns the decoded image for ref. A decode is reused while the file's
// modification time is unchanged.
func (m *Matcher) reference(ref identity.Reference) (*image.Gray, error) {
	m.mu.Lock()
	c, ok := m.cache[ref.ID]
	m.mu.Unlock()
	if ok && c.modTime.Equal(ref.ModTime) {
		return c.img, nil
	}

	img, err := ref.Load()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[ref.ID] = cached{modTime: ref.ModTime, img: img}
	m.mu.Unlock()
	return img, nil
}

// Difference resizes ref to the dimensions of face and returns their mean absolute difference.
func Difference(ref, face *image.Gray) float64 {
	return MeanAbsDiff(Resize(ref, face.Bounds().Size()), face)
}

// Resize scales img to size with nearest-neighbour sampling.
func Resize(img *image.Gray, size image.Point) *image.Gray {
	if img.Bounds().Size() == size && img.Bounds().Min == (image.Point{}) {
		return img
	}
	dst := image.NewGray(image.Rectangle{Max: size})
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// MeanAbsDiff is the mean of |a-b| over all pixels. Images of different size, or empty
// images, are infinitely far apart.
func MeanAbsDiff(a, b *image.Gray) float64 {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Size() != bb.Size() || ab.Empty() {
		return math.Inf(1)
	}
	w, h := ab.Dx(), ab.Dy()
	var sum int64
	for y := 0; y < h; y++ {
		ra := a.Pix[a.PixOffset(ab.Min.X, ab.Min.Y+y):]
		rb := b.Pix[b.PixOffset(bb.Min.X, bb.Min.Y+y):]
		for x := 0; x < w; x++ {
			d := int64(ra[x]) - int64(rb[x])
			if d < 0 {
				d = -d
			}
			sum += d
		}
	}
	return float64(sum) / float64(w*h)
}
