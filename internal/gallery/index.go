package gallery

import (
	"image"
	"sync"

	"github.com/coder/hnsw"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// DescriptorSize is the side of the square thumbnail a descriptor is sampled from.
const DescriptorSize = 32

// Neighbor is one result of an index search.
type Neighbor struct {
	ID       string
	Distance float32
}

// Index is an approximate nearest-neighbour index over downsampled reference images.
// It only ranks candidates for reporting; match decisions always go through Matcher.
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[string]
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.EuclideanDistance
	return &Index{graph: g}
}

// Descriptor samples img down to DescriptorSize x DescriptorSize intensities in [0,1].
func Descriptor(img *image.Gray) []float32 {
	thumb := image.NewGray(image.Rect(0, 0, DescriptorSize, DescriptorSize))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)
	vec := make([]float32, len(thumb.Pix))
	for i, p := range thumb.Pix {
		vec[i] = float32(p) / 255
	}
	return vec
}

// Add inserts or replaces the descriptor of id.
func (x *Index) Add(id string, img *image.Gray) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.graph.Add(hnsw.MakeNode(id, Descriptor(img)))
}

// Build adds every readable reference from src and returns how many were skipped.
func (x *Index) Build(src ReferenceSource, log logrus.FieldLogger) int {
	skipped := 0
	for _, ref := range src.References() {
		img, err := ref.Load()
		if err != nil {
			log.WithError(err).WithField("identity", ref.ID).Debug("Skipping unreadable reference image")
			skipped++
			continue
		}
		x.Add(ref.ID, img)
	}
	return skipped
}

// Len returns the number of indexed identities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.graph.Len()
}

// Nearest returns up to k identities ordered by descriptor distance.
func (x *Index) Nearest(img *image.Gray, k int) []Neighbor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.graph.Len() == 0 || k <= 0 {
		return nil
	}
	query := Descriptor(img)
	nodes := x.graph.Search(query, k)
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Neighbor{ID: n.Key, Distance: hnsw.EuclideanDistance(query, n.Value)})
	}
	return out
}
