package gallery

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/lookout/internal/faceimg"
	"github.com/andresmejia3/lookout/internal/identity"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refList []identity.Reference

func (r refList) References() []identity.Reference { return r }

func fill(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func writeRef(t *testing.T, dir, id string, img *image.Gray) identity.Reference {
	t.Helper()
	data, err := faceimg.EncodePNG(img)
	require.NoError(t, err)
	path := filepath.Join(dir, id+".png")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return identity.Reference{ID: id, Path: path}
}

func newMatcher(refs refList) *Matcher {
	logger, _ := test.NewNullLogger()
	return New(refs, WithLogger(logger))
}

func TestMatchReturnsOwnIdentity(t *testing.T) {
	dir := t.TempDir()
	face := image.NewGray(image.Rect(0, 0, 40, 48))
	for i := range face.Pix {
		face.Pix[i] = uint8(i * 7)
	}
	refs := refList{
		writeRef(t, dir, "face_1", fill(40, 48, 255)),
		writeRef(t, dir, "face_2", face),
	}

	m := newMatcher(refs)
	for i := 0; i < 3; i++ {
		id, ok := m.Match(face)
		require.True(t, ok)
		assert.Equal(t, "face_2", id)
	}
}

func TestMatchThresholdIsStrict(t *testing.T) {
	dir := t.TempDir()
	refs := refList{writeRef(t, dir, "face_1", fill(20, 20, 100))}
	m := newMatcher(refs)

	tests := []struct {
		name  string
		value uint8
		match bool
	}{
		{name: "Difference 49 above", value: 149, match: true},
		{name: "Difference 49 below", value: 51, match: true},
		{name: "Difference exactly 50", value: 150, match: false},
		{name: "Difference 50 below", value: 50, match: false},
		{name: "Difference 0", value: 100, match: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := m.Match(fill(20, 20, tt.value))
			assert.Equal(t, tt.match, ok)
		})
	}
}

func TestMatchPrefersEarliestIdentity(t *testing.T) {
	dir := t.TempDir()
	refs := refList{
		writeRef(t, dir, "face_1", fill(16, 16, 100)),
		writeRef(t, dir, "face_2", fill(16, 16, 120)),
	}
	m := newMatcher(refs)

	// face_2 is closer (2 vs 18) but face_1 was stored first.
	id, ok := m.Match(fill(16, 16, 118))
	require.True(t, ok)
	assert.Equal(t, "face_1", id)

	// Outside face_1's threshold only face_2 accepts.
	id, ok = m.Match(fill(16, 16, 160))
	require.True(t, ok)
	assert.Equal(t, "face_2", id)
}

func TestMatchNoCandidate(t *testing.T) {
	dir := t.TempDir()
	m := newMatcher(refList{writeRef(t, dir, "face_1", fill(16, 16, 0))})
	_, ok := m.Match(fill(16, 16, 255))
	assert.False(t, ok)

	_, ok = newMatcher(nil).Match(fill(16, 16, 255))
	assert.False(t, ok, "empty gallery never matches")
}

func TestMatchSkipsCorruptReference(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "face_1.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0644))
	refs := refList{
		{ID: "face_1", Path: bad},
		{ID: "face_2", Path: filepath.Join(dir, "missing.png")},
		writeRef(t, dir, "face_3", fill(16, 16, 80)),
	}

	id, ok := newMatcher(refs).Match(fill(16, 16, 80))
	require.True(t, ok)
	assert.Equal(t, "face_3", id)
}

func TestMatchResizesReference(t *testing.T) {
	dir := t.TempDir()
	// Left half dark, right half bright at two different scales.
	small := image.NewGray(image.Rect(0, 0, 10, 10))
	large := image.NewGray(image.Rect(0, 0, 40, 40))
	for y := 0; y < 10; y++ {
		for x := 5; x < 10; x++ {
			small.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	for y := 0; y < 40; y++ {
		for x := 20; x < 40; x++ {
			large.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	m := newMatcher(refList{writeRef(t, dir, "face_1", small)})
	id, ok := m.Match(large)
	require.True(t, ok)
	assert.Equal(t, "face_1", id)
}

func TestMeanAbsDiff(t *testing.T) {
	assert.Equal(t, 0.0, MeanAbsDiff(fill(4, 4, 9), fill(4, 4, 9)))
	assert.Equal(t, 25.0, MeanAbsDiff(fill(4, 4, 50), fill(4, 4, 25)))
	assert.True(t, math.IsInf(MeanAbsDiff(fill(4, 4, 0), fill(5, 4, 0)), 1))

	// Sub-images are compared by their own bounds.
	base := fill(8, 8, 10)
	sub := base.SubImage(image.Rect(4, 4, 8, 8)).(*image.Gray)
	assert.Equal(t, 0.0, MeanAbsDiff(sub, fill(4, 4, 10)))
}

func TestResize(t *testing.T) {
	out := Resize(fill(3, 3, 42), image.Pt(7, 5))
	assert.Equal(t, image.Rect(0, 0, 7, 5), out.Bounds())
	for _, p := range out.Pix {
		assert.Equal(t, uint8(42), p)
	}
}

func TestMatchReloadsReplacedReference(t *testing.T) {
	dir := t.TempDir()
	ref := writeRef(t, dir, "face_1", fill(16, 16, 0))
	ref.ModTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m := newMatcher(refList{ref})

	_, ok := m.Match(fill(16, 16, 200))
	require.False(t, ok)

	// The id is reused for a different image after a reset elsewhere.
	replaced := writeRef(t, dir, "face_1", fill(16, 16, 200))
	replaced.ModTime = ref.ModTime.Add(time.Minute)
	m.src = refList{replaced}

	id, ok := m.Match(fill(16, 16, 200))
	require.True(t, ok)
	assert.Equal(t, "face_1", id)
}
