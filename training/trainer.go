package training

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/agrisense/agroml/config"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/monitoring"
	"github.com/agrisense/agroml/optimizer"
	"github.com/agrisense/agroml/tensor"
)

// State is the lifecycle position of a Trainer.
type State int

const (
	Untrained State = iota
	Training
	Trained
	Failed
)

func (s State) String() string {
	switch s {
	case Untrained:
		return "untrained"
	case Training:
		return "training"
	case Trained:
		return "trained"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TrainerConfig holds configuration for training
type TrainerConfig struct {
	Epochs        int
	BatchSize     int
	Workers       int    // Parallel sample loaders per batch
	Seed          uint64 // Shuffle seed
	Scheduler     config.SchedulerConfig
	EarlyStopping config.EarlyStoppingConfig

	// Progress, when set, receives a per-batch progress bar.
	Progress io.Writer

	// OnBest is called with a parameter snapshot whenever validation accuracy
	// reaches a new maximum. Errors are logged and training continues.
	OnBest func(epoch int, record EpochRecord, params []*tensor.Tensor) error
}

// Trainer manages the training process
type Trainer struct {
	model     Module
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	config    TrainerConfig
	state     State
	best      []*tensor.Tensor
	test      *EvaluationResult
}

// NewTrainer creates a new Trainer in the Untrained state.
func NewTrainer(model Module, opt optimizer.Optimizer, cfg TrainerConfig) (*Trainer, error) {
	if model == nil || opt == nil {
		return nil, fmt.Errorf("%w: trainer needs a model and an optimizer", mlerr.ErrInvalidArgument)
	}
	if cfg.Epochs <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: epochs (%d) and batch size (%d) must be positive",
			mlerr.ErrInvalidArgument, cfg.Epochs, cfg.BatchSize)
	}
	sched, err := NewScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		model:     model,
		optimizer: opt,
		scheduler: sched,
		config:    cfg,
	}, nil
}

// State returns the current lifecycle state.
func (t *Trainer) State() State { return t.state }

// Scheduler returns the learning-rate policy in use.
func (t *Trainer) Scheduler() LRScheduler { return t.scheduler }

// BestParameters returns a copy of the parameters from the epoch with the
// highest validation accuracy, or nil before any epoch completed.
func (t *Trainer) BestParameters() []*tensor.Tensor {
	if t.best == nil {
		return nil
	}
	return tensor.Snapshot(t.best)
}

// TestResult returns the evaluation of the test set passed to Fit, or nil
// when Fit ran without one.
func (t *Trainer) TestResult() *EvaluationResult { return t.test }

// Train runs the epoch loop and returns the frozen history.
func (t *Trainer) Train(train, valid Dataset) (*History, error) {
	return t.Fit(train, valid, nil)
}

// Fit runs the epoch loop on train, scheduling on valid, then evaluates test
// once if it is non-nil. A trainer can be fitted only once.
func (t *Trainer) Fit(train, valid, test Dataset) (*History, error) {
	if t.state != Untrained {
		return nil, fmt.Errorf("%w: trainer is %s", mlerr.ErrInvalidArgument, t.state)
	}
	if train == nil || valid == nil {
		return nil, fmt.Errorf("%w: training and validation sets are required", mlerr.ErrInvalidArgument)
	}
	t.state = Training

	history, err := t.run(train, valid)
	if err != nil {
		t.state = Failed
		t.best = nil
		t.model.Eval()
		return nil, err
	}
	t.state = Trained

	if test != nil {
		res, err := t.Evaluate(test)
		if err != nil {
			return nil, fmt.Errorf("evaluate test split: %w", err)
		}
		if err := history.SetTestMetrics(res.Loss, res.Accuracy); err != nil {
			return nil, err
		}
		monitoring.Logf("Test: loss=%.4f acc=%.2f%% (%d samples)", res.Loss, res.Accuracy*100, res.Matrix.TotalSamples)
		t.test = res
	}
	history.Freeze()
	return history, nil
}

func (t *Trainer) run(train, valid Dataset) (*History, error) {
	trainLoader, err := NewDataLoader(train, t.config.BatchSize, true, t.config.Workers, t.config.Seed)
	if err != nil {
		return nil, fmt.Errorf("training loader: %w", err)
	}
	validLoader, err := NewDataLoader(valid, t.config.BatchSize, false, t.config.Workers, t.config.Seed)
	if err != nil {
		return nil, fmt.Errorf("validation loader: %w", err)
	}

	history := NewHistory()
	stopper := NewEarlyStopping(t.config.EarlyStopping.Patience, t.config.EarlyStopping.MinDelta)
	baseLR := t.optimizer.GetLearningRate()
	lr := baseLR
	bestAcc := math.Inf(-1)

	monitoring.Logf("Starting training run %s: %d epochs, %d train / %d validation samples, %s, %s",
		history.RunID(), t.config.Epochs, train.Len(), valid.Len(), t.optimizer.Name(), t.scheduler.GetName())

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		epochStart := time.Now()

		t.model.Train()
		trainLoss, trainAcc, err := t.runEpoch(trainLoader, true, epoch)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}

		t.model.Eval()
		validLoss, validAcc, err := t.runEpoch(validLoader, false, epoch)
		if err != nil {
			return nil, fmt.Errorf("validation epoch %d failed: %w", epoch, err)
		}

		record := EpochRecord{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValLoss:       validLoss,
			ValAccuracy:   validAcc,
			LearningRate:  lr,
		}
		if err := history.Append(record); err != nil {
			return nil, err
		}
		monitoring.Logf("%s", formatEpochSummary(t.config.Epochs, record, time.Since(epochStart)))

		if validAcc > bestAcc {
			bestAcc = validAcc
			t.best = t.model.Snapshot()
			if t.config.OnBest != nil {
				if err := t.config.OnBest(epoch, record, t.BestParameters()); err != nil {
					monitoring.Logf("Warning: failed to checkpoint best model at epoch %d: %v", epoch+1, err)
				}
			}
		}

		next := t.nextLR(epoch, validLoss, lr, baseLR)
		if next != lr {
			if next < lr {
				monitoring.Logf("Reducing learning rate: %.2g -> %.2g", lr, next)
			}
			lr = next
			t.optimizer.UpdateLearningRate(lr)
		}

		if stopper.Observe(epoch, validLoss, t.model) {
			if err := stopper.RestoreBest(t.model); err != nil {
				return nil, fmt.Errorf("restore best parameters: %w", err)
			}
			if epoch+1 == t.config.Epochs {
				monitoring.Logf("Validation loss plateaued in the final epoch; restored parameters from epoch %d (val_loss=%.4f)",
					stopper.BestEpoch()+1, stopper.BestLoss())
				break
			}
			history.markStoppedEarly()
			monitoring.Logf("Early stopping after %d epochs; restored parameters from epoch %d (val_loss=%.4f)",
				epoch+1, stopper.BestEpoch()+1, stopper.BestLoss())
			break
		}
	}

	t.model.Eval()
	return history, nil
}

func (t *Trainer) nextLR(epoch int, validLoss, current, baseLR float64) float64 {
	if ms, ok := t.scheduler.(MetricScheduler); ok {
		return ms.Step(validLoss, current)
	}
	return t.scheduler.GetLR(epoch+1, 0, baseLR)
}

// runEpoch iterates loader once. With update set, one optimizer step is
// applied per batch. It returns the sample-weighted mean loss and accuracy.
func (t *Trainer) runEpoch(loader *DataLoader, update bool, epoch int) (float64, float64, error) {
	loader.Reset()

	var bar *ProgressBar
	if update && t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.config.Epochs), loader.Len())
	}

	var totalLoss float64
	var totalCorrect, totalSamples, batchCount int
	for {
		batch, err := loader.Next()
		if err != nil {
			return 0, 0, err
		}
		if batch == nil {
			break
		}

		res, err := t.step(batch, update)
		if err != nil {
			return 0, 0, err
		}

		n := len(batch.Labels)
		totalLoss += res.Loss * float64(n)
		totalCorrect += res.Correct
		totalSamples += n
		batchCount++

		if bar != nil {
			bar.Update(batchCount, map[string]float64{
				"loss": totalLoss / float64(totalSamples),
				"acc":  float64(totalCorrect) / float64(totalSamples),
			})
		}
		monitoring.Debugf("epoch %d batch %d/%d loss=%.4f", epoch+1, batchCount, loader.Len(), res.Loss)
	}
	if bar != nil {
		bar.Finish()
	}
	if totalSamples == 0 {
		return 0, 0, fmt.Errorf("%w: loader produced no samples", mlerr.ErrInvalidArgument)
	}
	return totalLoss / float64(totalSamples), float64(totalCorrect) / float64(totalSamples), nil
}

func (t *Trainer) step(batch *Batch, update bool) (*LossResult, error) {
	logits, err := t.model.Forward(batch.Data)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	res, err := CrossEntropyLoss(logits, batch.Labels)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		return nil, fmt.Errorf("%w: loss is %v", mlerr.ErrNumericDivergence, res.Loss)
	}
	if !update {
		return res, nil
	}

	t.model.ZeroGrad()
	if err := t.model.Backward(res.Grad); err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}
	if err := t.optimizer.Step(t.model.Parameters()); err != nil {
		return nil, fmt.Errorf("optimizer step: %w", err)
	}
	return res, nil
}

// EvaluationResult summarizes a pass over a dataset without updates.
type EvaluationResult struct {
	Loss     float64
	Accuracy float64
	Matrix   *ConfusionMatrix
}

// Evaluate runs the trained model over ds in evaluation mode.
func (t *Trainer) Evaluate(ds Dataset) (*EvaluationResult, error) {
	if t.state != Trained {
		return nil, fmt.Errorf("%w: trainer is %s", mlerr.ErrUnfitted, t.state)
	}
	return Evaluate(t.model, ds, t.config.BatchSize, t.config.Workers)
}

// Evaluate computes loss, accuracy and a confusion matrix for m over ds.
func Evaluate(m Module, ds Dataset, batchSize, workers int) (*EvaluationResult, error) {
	loader, err := NewDataLoader(ds, batchSize, false, workers, 0)
	if err != nil {
		return nil, err
	}
	loader.Reset()
	wasTraining := m.IsTraining()
	m.Eval()
	defer func() {
		if wasTraining {
			m.Train()
		}
	}()

	cm := NewConfusionMatrix(m.NumClasses())
	var totalLoss float64
	for {
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		logits, err := m.Forward(batch.Data)
		if err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
		res, err := CrossEntropyLoss(logits, batch.Labels)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
			return nil, fmt.Errorf("%w: loss is %v", mlerr.ErrNumericDivergence, res.Loss)
		}
		totalLoss += res.Loss * float64(len(batch.Labels))
		for i, y := range batch.Labels {
			if err := cm.Add(y, tensor.Argmax(logits.RawRowView(i))); err != nil {
				return nil, err
			}
		}
	}
	return &EvaluationResult{
		Loss:     totalLoss / float64(cm.TotalSamples),
		Accuracy: cm.GetAccuracy(),
		Matrix:   cm,
	}, nil
}
