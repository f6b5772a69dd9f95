package training

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/agrisense/agroml/mlerr"
)

// StratifiedSplit partitions sample indices by class so that every class
// contributes round(fraction*count) samples to held and the rest to kept.
// Both returned slices are sorted ascending. The split is a pure function of
// labels, fraction and seed.
func StratifiedSplit(labels []int, fraction float64, seed uint64) (kept, held []int, err error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, nil, fmt.Errorf("%w: split fraction %v outside (0,1)", mlerr.ErrInvalidArgument, fraction)
	}

	byClass := make(map[int][]int)
	for i, y := range labels {
		byClass[y] = append(byClass[y], i)
	}
	classes := make([]int, 0, len(byClass))
	for y := range byClass {
		classes = append(classes, y)
	}
	slices.Sort(classes)

	rng := rand.New(rand.NewPCG(seed, 0x5b1175))
	for _, y := range classes {
		idx := byClass[y]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		n := int(math.Round(fraction * float64(len(idx))))
		held = append(held, idx[:n]...)
		kept = append(kept, idx[n:]...)
	}

	if len(held) == 0 || len(kept) == 0 {
		return nil, nil, fmt.Errorf("%w: split of %d samples at %v leaves an empty side",
			mlerr.ErrInvalidArgument, len(labels), fraction)
	}
	slices.Sort(kept)
	slices.Sort(held)
	return kept, held, nil
}
