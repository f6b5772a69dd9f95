// Package pipeline runs the end-to-end crop recommendation and disease
// detection lifecycles: data, preprocessing, training, bundling, inference
// and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/agrisense/agroml/checkpoints"
	"github.com/agrisense/agroml/config"
	"github.com/agrisense/agroml/engine"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/monitoring"
	"github.com/agrisense/agroml/optimizer"
	"github.com/agrisense/agroml/tensor"
	"github.com/agrisense/agroml/training"
)

// BestModelFile is the best-validation-accuracy checkpoint written into
// TrainOptions.CheckpointDir.
const BestModelFile = "best_model.json"

// TrainOptions override the configured training knobs for one run. Zero
// values keep the configuration.
type TrainOptions struct {
	Epochs          int
	BatchSize       int
	ValidationSplit float64

	// CheckpointDir, when set, receives best_model.json each time validation
	// accuracy improves. The file is removed if the run fails.
	CheckpointDir string

	// Progress, when set, receives per-batch progress bars.
	Progress io.Writer
}

func (o TrainOptions) apply(cfg config.TrainingConfig) (config.TrainingConfig, error) {
	if o.Epochs < 0 || o.BatchSize < 0 {
		return cfg, fmt.Errorf("%w: epochs (%d) and batch size (%d) must not be negative",
			mlerr.ErrInvalidArgument, o.Epochs, o.BatchSize)
	}
	if o.ValidationSplit < 0 || o.ValidationSplit >= 1 {
		return cfg, fmt.Errorf("%w: validation split %v outside (0,1)", mlerr.ErrInvalidArgument, o.ValidationSplit)
	}
	if o.Epochs > 0 {
		cfg.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		cfg.BatchSize = o.BatchSize
	}
	if o.ValidationSplit > 0 {
		cfg.ValidationSplit = o.ValidationSplit
	}
	return cfg, nil
}

// splits holds sample indices of the three disjoint partitions.
type splits struct {
	train, valid, test []int
}

// split holds out a stratified test partition, then carves a stratified
// validation partition out of the rest.
func split(labels []int, cfg config.TrainingConfig, seed uint64) (splits, error) {
	kept, test, err := training.StratifiedSplit(labels, cfg.TestSplit, seed)
	if err != nil {
		return splits{}, fmt.Errorf("test split: %w", err)
	}
	keptLabels := make([]int, len(kept))
	for i, idx := range kept {
		keptLabels[i] = labels[idx]
	}
	tr, va, err := training.StratifiedSplit(keptLabels, cfg.ValidationSplit, seed+1)
	if err != nil {
		return splits{}, fmt.Errorf("validation split: %w", err)
	}
	s := splits{train: make([]int, len(tr)), valid: make([]int, len(va)), test: test}
	for i, j := range tr {
		s.train[i] = kept[j]
	}
	for i, j := range va {
		s.valid[i] = kept[j]
	}
	if len(s.train) == 0 || len(s.valid) == 0 || len(s.test) == 0 {
		return splits{}, fmt.Errorf("%w: %d samples leave an empty partition (train %d, validation %d, test %d)",
			mlerr.ErrInvalidArgument, len(labels), len(s.train), len(s.valid), len(s.test))
	}
	return s, nil
}

func subsets(ds training.Dataset, evalDS training.Dataset, s splits) (train, valid, test training.Dataset, err error) {
	if train, err = training.NewSubsetDataset(ds, s.train); err != nil {
		return nil, nil, nil, err
	}
	if valid, err = training.NewSubsetDataset(evalDS, s.valid); err != nil {
		return nil, nil, nil, err
	}
	if test, err = training.NewSubsetDataset(evalDS, s.test); err != nil {
		return nil, nil, nil, err
	}
	return train, valid, test, nil
}

// fitRun describes one training run shared by both pipelines.
type fitRun struct {
	net     *engine.Network
	cfg     config.TrainingConfig
	opts    TrainOptions
	seed    uint64
	workers int
	classes []string
}

// fit trains r.net in place and returns the frozen history. On failure any
// best-model checkpoint written during the run is removed.
func (r fitRun) fit(train, valid, test training.Dataset) (*training.History, error) {
	opt, err := optimizer.New(r.cfg.Optimizer, r.cfg.LearningRate)
	if err != nil {
		return nil, err
	}
	tcfg := training.TrainerConfig{
		Epochs:        r.cfg.Epochs,
		BatchSize:     r.cfg.BatchSize,
		Workers:       r.workers,
		Seed:          r.seed,
		Scheduler:     r.cfg.Scheduler,
		EarlyStopping: r.cfg.EarlyStopping,
		Progress:      r.opts.Progress,
	}
	var bestPath string
	if r.opts.CheckpointDir != "" {
		bestPath = filepath.Join(r.opts.CheckpointDir, BestModelFile)
		tcfg.OnBest = r.bestCheckpointHook(bestPath, opt)
	}

	trainer, err := training.NewTrainer(r.net, opt, tcfg)
	if err != nil {
		return nil, err
	}
	history, err := trainer.Fit(train, valid, test)
	if err != nil {
		if bestPath != "" {
			if rmErr := os.Remove(bestPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				monitoring.Logf("Warning: failed to remove untrusted checkpoint %s: %v", bestPath, rmErr)
			}
		}
		return nil, err
	}

	if res := trainer.TestResult(); res != nil {
		monitoring.Logf("Classification report:\n%s", res.Matrix.Report(r.classes))
	}
	return history, nil
}

func (r fitRun) bestCheckpointHook(path string, opt optimizer.Optimizer) func(int, training.EpochRecord, []*tensor.Tensor) error {
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	return func(epoch int, rec training.EpochRecord, params []*tensor.Tensor) error {
		cp, err := checkpoints.NewCheckpoint(r.net.Spec(), params, time.Now())
		if err != nil {
			return err
		}
		cp.TrainingState = checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         opt.GetStepCount(),
			LearningRate: rec.LearningRate,
			BestLoss:     rec.ValLoss,
			BestAccuracy: rec.ValAccuracy,
		}
		if cp.OptimizerState, err = opt.GetState(); err != nil {
			return err
		}
		cp.Metadata.Description = fmt.Sprintf("best validation accuracy %.4f at epoch %d", rec.ValAccuracy, epoch+1)
		return saver.SaveCheckpoint(cp, path)
	}
}

// exportDir resolves the destination of an export.
func exportDir(cfg config.ExportConfig, dir, modelType string) string {
	if dir != "" {
		return dir
	}
	return filepath.Join(cfg.Dir, modelType)
}

func export(ctx context.Context, cfg config.ExportConfig, b *checkpoints.Bundle, dir string, formats []string) ([]checkpoints.ExportResult, error) {
	if b == nil {
		return nil, fmt.Errorf("export: %w", mlerr.ErrUnfitted)
	}
	if len(formats) == 0 {
		formats = cfg.Formats
	}
	return checkpoints.NewManagerFromConfig(cfg).Export(ctx, b, exportDir(cfg, dir, b.Metadata.ModelType), formats...)
}
