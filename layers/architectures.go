package layers

import (
	"fmt"

	"github.com/agrisense/agroml/mlerr"
)

// CropClassifier builds the tabular MLP: a Dense+ReLU block per hidden width,
// each followed by dropout when its rate is positive, then a Dense head with
// one logit per class.
func CropClassifier(batchSize, numFeatures int, hidden []int, dropout []float64, numClasses int) (*ModelSpec, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("%w: need at least 2 classes, got %d", mlerr.ErrInvalidArgument, numClasses)
	}
	mb := NewModelBuilder([]int{batchSize, numFeatures})
	addHidden(mb, hidden, dropout)
	return mb.AddDense(numClasses, true, "logits").Compile()
}

// DiseaseClassifier builds the image model over [3, imageSize, imageSize]
// inputs: average pooling as a fixed feature extractor, then the same dense
// head as CropClassifier.
func DiseaseClassifier(batchSize, imageSize, poolSize int, hidden []int, dropout []float64, numClasses int) (*ModelSpec, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("%w: need at least 2 classes, got %d", mlerr.ErrInvalidArgument, numClasses)
	}
	mb := NewModelBuilder([]int{batchSize, 3, imageSize, imageSize})
	mb.AddAvgPool2D(poolSize, "pool")
	addHidden(mb, hidden, dropout)
	return mb.AddDense(numClasses, true, "logits").Compile()
}

func addHidden(mb *ModelBuilder, hidden []int, dropout []float64) {
	for i, units := range hidden {
		mb.AddDense(units, true, fmt.Sprintf("dense%d", i+1))
		mb.AddReLU(fmt.Sprintf("relu%d", i+1))
		if i < len(dropout) && dropout[i] > 0 {
			mb.AddDropout(dropout[i], fmt.Sprintf("dropout%d", i+1))
		}
	}
}
