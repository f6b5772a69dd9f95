// Package dataset produces labelled leaf images for the disease detector:
// synthetic leaves, image folders on disk, and the adapter that feeds either
// to the training loop.
package dataset

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/monitoring"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinLeafSize is the smallest canvas the blotch geometry fits on.
const MinLeafSize = 48

var (
	leafGreen  = color.RGBA{R: 34, G: 139, B: 34, A: 255}
	darkBrown  = color.RGBA{R: 101, G: 67, B: 33, A: 255}
	rustBrown  = color.RGBA{R: 139, G: 69, B: 19, A: 255}
	chloroYell = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// LeafGenerator draws synthetic leaves: a green canvas, optional brown disc
// spots (p=0.7), optional yellow patches (p=0.4) and Gaussian pixel noise.
//
// By default content is independent of the label it is paired with. With
// ConditionOnLabel the healthy class is drawn clean and every disease class
// carries spots, giving the classifier real signal.
type LeafGenerator struct {
	Size             int
	ConditionOnLabel bool

	seed  uint64
	rng   *rand.Rand
	noise distuv.Normal
}

// NewLeafGenerator returns a generator whose output is a pure function of seed.
func NewLeafGenerator(size int, seed uint64, conditionOnLabel bool) (*LeafGenerator, error) {
	if size < MinLeafSize {
		return nil, fmt.Errorf("%w: leaf size %d below minimum %d", mlerr.ErrInvalidArgument, size, MinLeafSize)
	}
	g := newLeafGenerator(size, rand.NewPCG(seed, seed^0x1eaf), conditionOnLabel)
	g.seed = seed
	return g, nil
}

func newLeafGenerator(size int, src *rand.PCG, conditionOnLabel bool) *LeafGenerator {
	return &LeafGenerator{
		Size:             size,
		ConditionOnLabel: conditionOnLabel,
		rng:              rand.New(src),
		noise:            distuv.Normal{Mu: 0, Sigma: 10, Src: src},
	}
}

// Image draws one leaf with the random blotch pattern.
func (g *LeafGenerator) Image() *image.RGBA {
	return g.draw(g.rng.Float64() > 0.3, g.rng.Float64() > 0.6)
}

// ImageFor draws a leaf to pair with class. Without ConditionOnLabel it is
// the same as Image.
func (g *LeafGenerator) ImageFor(class string) *image.RGBA {
	if !g.ConditionOnLabel {
		return g.Image()
	}
	if class == catalog.HealthyClass {
		return g.draw(false, false)
	}
	return g.draw(true, g.rng.Float64() > 0.6)
}

func (g *LeafGenerator) draw(spots, yellow bool) *image.RGBA {
	size := g.Size
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = leafGreen.R, leafGreen.G, leafGreen.B, 255
	}

	if spots {
		for range g.between(1, 5) {
			cx, cy := g.between(20, size-20), g.between(20, size-20)
			r := g.between(5, 15)
			for y := max(0, cy-r); y < min(size, cy+r); y++ {
				for x := max(0, cx-r); x < min(size, cx+r); x++ {
					if (y-cy)*(y-cy)+(x-cx)*(x-cx) > r*r {
						continue
					}
					if g.rng.Float64() > 0.5 {
						img.SetRGBA(x, y, darkBrown)
					} else {
						img.SetRGBA(x, y, rustBrown)
					}
				}
			}
		}
	}

	if yellow {
		for range g.between(1, 3) {
			x0, y0 := g.between(0, size-30), g.between(0, size-30)
			x1 := min(size, x0+g.between(10, 30))
			y1 := min(size, y0+g.between(10, 30))
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					img.SetRGBA(x, y, chloroYell)
				}
			}
		}
	}

	for i := 0; i < len(img.Pix); i++ {
		if i%4 == 3 {
			continue
		}
		v := float64(img.Pix[i]) + math.Trunc(g.noise.Rand())
		img.Pix[i] = uint8(math.Max(0, math.Min(255, v)))
	}
	return img
}

// between returns a uniform integer in [lo, hi].
func (g *LeafGenerator) between(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo+1)
}

// Images is an in-memory labelled image set. Labels index Classes.
type Images struct {
	Classes []string
	Images  []image.Image
	Labels  []int
}

func (s *Images) Len() int { return len(s.Images) }

// ClassNames returns the names Labels index into.
func (s *Images) ClassNames() []string { return append([]string(nil), s.Classes...) }

func (s *Images) Label(idx int) int { return s.Labels[idx] }

func (s *Images) Image(idx int) (image.Image, error) {
	if idx < 0 || idx >= len(s.Images) {
		return nil, fmt.Errorf("%w: image %d of %d", mlerr.ErrInvalidIndex, idx, len(s.Images))
	}
	return s.Images[idx], nil
}

// Key identifies an image for caching.
func (s *Images) Key(idx int) string { return fmt.Sprintf("mem:%d", idx) }

// layout assigns n/len(classes) samples per class, grouped in class order.
func (g *LeafGenerator) layout(n int, classes []string) ([]int, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: no classes", mlerr.ErrInvalidArgument)
	}
	perClass := n / len(classes)
	if perClass == 0 {
		return nil, fmt.Errorf("%w: %d images cannot cover %d classes", mlerr.ErrInvalidArgument, n, len(classes))
	}
	if !g.ConditionOnLabel {
		monitoring.Logf("Warning: synthetic leaf content is independent of its label; " +
			"set condition_on_label to generate learnable disease images")
	}
	labels := make([]int, 0, perClass*len(classes))
	for label := range classes {
		for range perClass {
			labels = append(labels, label)
		}
	}
	return labels, nil
}

// Generate draws n/len(classes) leaves per class, grouped in class order, and
// keeps them all in memory.
func (g *LeafGenerator) Generate(n int, classes []string) (*Images, error) {
	labels, err := g.layout(n, classes)
	if err != nil {
		return nil, err
	}
	out := &Images{
		Classes: append([]string(nil), classes...),
		Images:  make([]image.Image, len(labels)),
		Labels:  labels,
	}
	for i, label := range labels {
		out.Images[i] = g.ImageFor(classes[label])
	}
	return out, nil
}

// Lazy lays out the same classes as Generate but draws nothing up front.
func (g *LeafGenerator) Lazy(n int, classes []string) (*Leaves, error) {
	labels, err := g.layout(n, classes)
	if err != nil {
		return nil, err
	}
	return &Leaves{
		Classes:          append([]string(nil), classes...),
		Labels:           labels,
		size:             g.Size,
		seed:             g.seed,
		conditionOnLabel: g.ConditionOnLabel,
	}, nil
}

// Leaves is a synthetic image set drawn on demand. Image(idx) renders from a
// stream seeded by (seed, idx), so a sample is identical on every call and
// only the images in flight occupy memory.
type Leaves struct {
	Classes []string
	Labels  []int

	size             int
	seed             uint64
	conditionOnLabel bool
}

func (s *Leaves) Len() int { return len(s.Labels) }

// ClassNames returns the names Labels index into.
func (s *Leaves) ClassNames() []string { return append([]string(nil), s.Classes...) }

func (s *Leaves) Label(idx int) int { return s.Labels[idx] }

func (s *Leaves) Image(idx int) (image.Image, error) {
	if idx < 0 || idx >= len(s.Labels) {
		return nil, fmt.Errorf("%w: image %d of %d", mlerr.ErrInvalidIndex, idx, len(s.Labels))
	}
	g := newLeafGenerator(s.size, rand.NewPCG(s.seed, uint64(idx)), s.conditionOnLabel)
	return g.ImageFor(s.Classes[s.Labels[idx]]), nil
}

// Key identifies an image for caching.
func (s *Leaves) Key(idx int) string { return fmt.Sprintf("leaf:%d", idx) }
