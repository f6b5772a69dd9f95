package training

import (
	"bytes"
	"math"
	"testing"

	"github.com/agrisense/agroml/config"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/optimizer"
	"github.com/agrisense/agroml/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newTrainer(t *testing.T, m Module, lr float64, cfg TrainerConfig) *Trainer {
	t.Helper()
	opt, err := optimizer.New("adam", lr)
	require.NoError(t, err)
	tr, err := NewTrainer(m, opt, cfg)
	require.NoError(t, err)
	return tr
}

func TestTrainerLearnsSeparableClusters(t *testing.T) {
	train := clusters(t, 40, 1)
	valid := clusters(t, 10, 2)
	test := clusters(t, 10, 3)

	var bestCalls []int
	var progress bytes.Buffer
	net := newNetwork(t, 5)
	tr := newTrainer(t, net, 0.02, TrainerConfig{
		Epochs:        15,
		BatchSize:     16,
		Workers:       2,
		Seed:          1,
		Scheduler:     config.SchedulerConfig{Type: config.SchedulerPlateau, Factor: 0.2, Patience: 5},
		EarlyStopping: config.EarlyStoppingConfig{Patience: 10},
		Progress:      &progress,
		OnBest: func(epoch int, _ EpochRecord, params []*tensor.Tensor) error {
			bestCalls = append(bestCalls, epoch)
			assert.Len(t, params, len(net.Parameters()))
			return nil
		},
	})
	assert.Equal(t, Untrained, tr.State())

	history, err := tr.Fit(train, valid, test)
	require.NoError(t, err)
	assert.Equal(t, Trained, tr.State())
	assert.True(t, history.Frozen())
	assert.LessOrEqual(t, history.Len(), 15)
	assert.False(t, net.IsTraining())

	last, ok := history.Last()
	require.True(t, ok)
	assert.Greater(t, last.ValAccuracy, 0.95)
	assert.Less(t, last.TrainLoss, history.Records()[0].TrainLoss)

	_, testAcc, ok := history.TestMetrics()
	require.True(t, ok)
	assert.Greater(t, testAcc, 0.95)

	require.NotEmpty(t, bestCalls)
	assert.Equal(t, 0, bestCalls[0])
	assert.Equal(t, history.BestEpoch(), bestCalls[len(bestCalls)-1])
	assert.NotNil(t, tr.BestParameters())
	assert.Contains(t, progress.String(), "Epoch 1/15")

	res := tr.TestResult()
	require.NotNil(t, res)
	assert.Equal(t, 30, res.Matrix.TotalSamples)
	assert.Equal(t, testAcc, res.Accuracy)
	assert.Equal(t, testAcc, res.Matrix.GetAccuracy())

	_, err = tr.Train(train, valid)
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument, "a trainer runs once")
}

func TestTrainerStopsEarlyAndRestoresBestLoss(t *testing.T) {
	train := clusters(t, 30, 1)

	// Validation labels are rotated, so learning the training task only
	// increases validation loss.
	valid := clusters(t, 10, 2)
	for i := range valid.Y {
		valid.Y[i] = (valid.Y[i] + 1) % len(clusterCenters)
	}

	net := newNetwork(t, 3)
	tr := newTrainer(t, net, 0.05, TrainerConfig{
		Epochs:        20,
		BatchSize:     10,
		Seed:          4,
		Scheduler:     config.SchedulerConfig{Type: config.SchedulerConstant},
		EarlyStopping: config.EarlyStoppingConfig{Patience: 3},
	})

	history, err := tr.Train(train, valid)
	require.NoError(t, err)
	assert.True(t, history.StoppedEarly())
	assert.Less(t, history.Len(), 20)

	records := history.Records()
	bestLoss, bestEpoch := math.Inf(1), -1
	for _, r := range records {
		if r.ValLoss < bestLoss {
			bestLoss, bestEpoch = r.ValLoss, r.Epoch
		}
	}
	assert.Equal(t, bestEpoch+3+1, history.Len(), "stops patience epochs after the best")

	res, err := tr.Evaluate(valid)
	require.NoError(t, err)
	assert.InDelta(t, bestLoss, res.Loss, 1e-9, "parameters come from the best-loss epoch")
	assert.Nil(t, tr.TestResult())
}

// rotatedClusters returns training data and a validation set whose labels
// disagree with it.
func rotatedClusters(t *testing.T) (train, valid *MatrixDataset) {
	t.Helper()
	train = clusters(t, 30, 1)
	valid = clusters(t, 10, 2)
	for i := range valid.Y {
		valid.Y[i] = (valid.Y[i] + 1) % len(clusterCenters)
	}
	return train, valid
}

func TestTrainerPatienceEndingOnFinalEpochIsNotEarlyStop(t *testing.T) {
	cfg := TrainerConfig{
		Epochs:        20,
		BatchSize:     10,
		Seed:          4,
		Scheduler:     config.SchedulerConfig{Type: config.SchedulerConstant},
		EarlyStopping: config.EarlyStoppingConfig{Patience: 3},
	}
	train, valid := rotatedClusters(t)
	first, err := newTrainer(t, newNetwork(t, 3), 0.05, cfg).Train(train, valid)
	require.NoError(t, err)
	require.True(t, first.StoppedEarly())

	cfg.Epochs = first.Len()
	train, valid = rotatedClusters(t)
	tr := newTrainer(t, newNetwork(t, 3), 0.05, cfg)
	history, err := tr.Train(train, valid)
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs, history.Len())
	assert.False(t, history.StoppedEarly(), "every configured epoch ran")

	bestLoss := math.Inf(1)
	for _, r := range history.Records() {
		bestLoss = math.Min(bestLoss, r.ValLoss)
	}
	res, err := tr.Evaluate(valid)
	require.NoError(t, err)
	assert.InDelta(t, bestLoss, res.Loss, 1e-9, "best-loss parameters are still restored")
}

func TestTrainerReducesLearningRateOnPlateau(t *testing.T) {
	train := clusters(t, 30, 1)
	valid := clusters(t, 10, 2)
	for i := range valid.Y {
		valid.Y[i] = (valid.Y[i] + 1) % len(clusterCenters)
	}

	tr := newTrainer(t, newNetwork(t, 3), 0.05, TrainerConfig{
		Epochs:        6,
		BatchSize:     10,
		Scheduler:     config.SchedulerConfig{Type: config.SchedulerPlateau, Factor: 0.2, Patience: 1, MinLearningRate: 0.005},
		EarlyStopping: config.EarlyStoppingConfig{Patience: 50},
	})
	history, err := tr.Train(train, valid)
	require.NoError(t, err)

	records := history.Records()
	require.Len(t, records, 6)
	assert.Equal(t, 0.05, records[0].LearningRate)
	for i := 1; i < len(records); i++ {
		assert.LessOrEqual(t, records[i].LearningRate, records[i-1].LearningRate)
		assert.GreaterOrEqual(t, records[i].LearningRate, 0.005)
	}
	assert.Equal(t, 0.005, records[len(records)-1].LearningRate)
}

// fixedModule emits the same logit for every class.
type fixedModule struct {
	classes  int
	value    float64
	training bool
	params   []*tensor.Tensor
}

func (m *fixedModule) Forward(x *mat.Dense) (*mat.Dense, error) {
	r, _ := x.Dims()
	out := mat.NewDense(r, m.classes, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < m.classes; j++ {
			out.Set(i, j, m.value)
		}
	}
	return out, nil
}
func (m *fixedModule) Backward(*mat.Dense) error { return nil }
func (m *fixedModule) Parameters() []*tensor.Tensor { return m.params }
func (m *fixedModule) ZeroGrad() {}
func (m *fixedModule) Train() { m.training = true }
func (m *fixedModule) Eval() { m.training = false }
func (m *fixedModule) IsTraining() bool { return m.training }
func (m *fixedModule) Snapshot() []*tensor.Tensor { return tensor.Snapshot(m.params) }
func (m *fixedModule) Restore(saved []*tensor.Tensor) error { return tensor.Restore(m.params, saved) }
func (m *fixedModule) NumClasses() int { return m.classes }

func TestTrainerFailsOnNumericDivergence(t *testing.T) {
	m := &fixedModule{classes: 3, value: math.NaN(), params: []*tensor.Tensor{tensor.New("w", 2)}}
	tr := newTrainer(t, m, 0.01, TrainerConfig{Epochs: 3, BatchSize: 8})

	history, err := tr.Train(clusters(t, 5, 1), clusters(t, 2, 2))
	assert.ErrorIs(t, err, mlerr.ErrNumericDivergence)
	assert.Nil(t, history)
	assert.Equal(t, Failed, tr.State())
	assert.Nil(t, tr.BestParameters())

	_, err = tr.Evaluate(clusters(t, 2, 3))
	assert.ErrorIs(t, err, mlerr.ErrUnfitted)
	_, err = tr.Train(clusters(t, 5, 1), clusters(t, 2, 2))
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument, "failed is terminal")
}

func TestTrainerEvaluateBeforeTraining(t *testing.T) {
	tr := newTrainer(t, newNetwork(t, 1), 0.01, TrainerConfig{Epochs: 1, BatchSize: 4})
	_, err := tr.Evaluate(clusters(t, 2, 1))
	assert.ErrorIs(t, err, mlerr.ErrUnfitted)
}

func TestNewTrainerRejects(t *testing.T) {
	opt, err := optimizer.New("sgd", 0.1)
	require.NoError(t, err)
	_, err = NewTrainer(newNetwork(t, 1), opt, TrainerConfig{Epochs: 0, BatchSize: 4})
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
	_, err = NewTrainer(nil, opt, TrainerConfig{Epochs: 1, BatchSize: 4})
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
	_, err = NewTrainer(newNetwork(t, 1), opt, TrainerConfig{Epochs: 1, BatchSize: 4, Scheduler: config.SchedulerConfig{Type: "bogus"}})
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}
