// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package training

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antflydb/duet/lib/features"
	"github.com/antflydb/duet/lib/tensor"
)

// Trainable is the model surface the loop drives.
type Trainable interface {
	// BatchLoss computes the summed loss over a batch plus per-task metric
	// means (keys like "i_acc", "e_f1", "m_acc").
	BatchLoss(batch *features.ModelBatch, training bool, rng *rand.Rand) (*tensor.Tensor, map[string]float64, error)
	// Params returns every named tensor, trainable or not.
	Params() []tensor.NamedParam
}

// Config controls one training run.
type Config struct {
	// Epochs is the number of passes over the data.
	Epochs int
	// BatchSizes is [min] or [min, max] for a linear ramp across epochs.
	BatchSizes []int
	// Strategy orders examples into batches.
	Strategy Strategy
	// LearningRate for Adam.
	LearningRate float64
	// Regularization is the L2 constant on embedding-layer weights.
	Regularization float64
	// EvalEpochs evaluates the holdout every N epochs (0 = only at the end).
	EvalEpochs int
	// EvalExamples is the validation holdout size (0 disables validation).
	EvalExamples int
	// Checkpoint keeps the best-validation parameters instead of the last.
	Checkpoint bool
	// CheckpointDir receives the best checkpoint file on completion.
	CheckpointDir string
	// Seed makes runs reproducible. Zero draws a time-based seed.
	Seed int64
	// Logger for logging (nil = no logging).
	Logger *zap.Logger
}

// ResolveSeed returns the seed itself when set, or a time-derived one when
// zero so unseeded runs do not repeat.
func ResolveSeed(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return time.Now().UnixNano()
}

// Report summarizes a finished run.
type Report struct {
	RunID          string
	Epochs         int
	FinalLoss      float64
	BestValidation float64
	Metrics        map[string]float64
}

// Trainer runs the optimization loop.
type Trainer struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a trainer.
func New(cfg Config) *Trainer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: logger}
}

// Run trains the model on the batch data until the configured number of
// epochs or context cancellation.
func (t *Trainer) Run(ctx context.Context, model Trainable, data *features.ModelBatch) (*Report, error) {
	runID := uuid.NewString()
	seed := ResolveSeed(t.cfg.Seed)
	rng := rand.New(rand.NewSource(seed))
	opt := NewAdam(t.cfg.LearningRate)
	params := model.Params()

	train, holdout := t.split(data, rng)
	t.logger.Info("training started",
		zap.String("run_id", runID),
		zap.Int("examples", train.Size()),
		zap.Int("validation_examples", holdoutSize(holdout)),
		zap.Int("epochs", t.cfg.Epochs))

	report := &Report{RunID: runID, Metrics: map[string]float64{}}
	best := bestTracker{dir: t.cfg.CheckpointDir, enabled: t.cfg.Checkpoint && holdout != nil}
	if err := best.open(); err != nil {
		return nil, err
	}
	defer best.cleanup()

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training: run %s interrupted: %w", runID, err)
		}

		order := EpochOrder(t.cfg.Strategy, train.Size(), train.LabelIDs, epoch, seed)
		size := BatchSize(t.cfg.BatchSizes, epoch, t.cfg.Epochs)

		var epochLoss float64
		batches := 0
		metrics := map[string]float64{}
		for start := 0; start < len(order); start += size {
			end := min(start+size, len(order))
			batch := train.Select(order[start:end])

			tensor.ZeroGrads(params)
			loss, batchMetrics, err := model.BatchLoss(batch, true, rng)
			if err != nil {
				return nil, fmt.Errorf("training: epoch %d: %w", epoch, err)
			}
			loss.Backward()
			ApplyL2(params, t.cfg.Regularization)
			opt.Step(params)

			epochLoss += loss.Value()
			batches++
			for k, v := range batchMetrics {
				metrics[k] += v
			}
		}
		if batches > 0 {
			epochLoss /= float64(batches)
			for k := range metrics {
				metrics[k] /= float64(batches)
			}
		}
		recordEpoch(runID, epochLoss)
		report.Epochs = epoch + 1
		report.FinalLoss = epochLoss
		report.Metrics = metrics

		fields := []zap.Field{zap.Int("epoch", epoch), zap.Float64("loss", epochLoss)}
		for k, v := range metrics {
			fields = append(fields, zap.Float64(k, v))
		}

		if holdout != nil && t.evalNow(epoch) {
			valLoss, _, err := model.BatchLoss(holdout, false, rng)
			if err != nil {
				return nil, fmt.Errorf("training: validation at epoch %d: %w", epoch, err)
			}
			recordValidation(runID, valLoss.Value())
			report.BestValidation = valLoss.Value()
			fields = append(fields, zap.Float64("val_loss", valLoss.Value()))
			if err := best.observe(valLoss.Value(), params); err != nil {
				return nil, err
			}
		}
		t.logger.Info("epoch finished", fields...)
	}

	if err := best.finish(params); err != nil {
		return nil, err
	}
	if best.hasBest {
		report.BestValidation = best.bestLoss
	}
	t.logger.Info("training finished",
		zap.String("run_id", runID),
		zap.Float64("loss", report.FinalLoss))
	return report, nil
}

func (t *Trainer) evalNow(epoch int) bool {
	if epoch == t.cfg.Epochs-1 {
		return true
	}
	return t.cfg.EvalEpochs > 0 && (epoch+1)%t.cfg.EvalEpochs == 0
}

// split carves the validation holdout off a shuffled copy of the data.
func (t *Trainer) split(data *features.ModelBatch, rng *rand.Rand) (train, holdout *features.ModelBatch) {
	n := data.Size()
	if t.cfg.EvalExamples <= 0 || t.cfg.EvalExamples >= n {
		return data, nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	cut := n - t.cfg.EvalExamples
	return data.Select(order[:cut]), data.Select(order[cut:])
}

func holdoutSize(b *features.ModelBatch) int {
	if b == nil {
		return 0
	}
	return b.Size()
}

// bestTracker persists the best-validation parameters to a temp dir and
// moves them into place when the run completes.
type bestTracker struct {
	dir     string
	enabled bool

	tmpDir   string
	hasBest  bool
	bestLoss float64
}

func (b *bestTracker) open() error {
	if !b.enabled {
		return nil
	}
	tmp, err := os.MkdirTemp("", "duet-checkpoint-*")
	if err != nil {
		return fmt.Errorf("training: create checkpoint dir: %w", err)
	}
	b.tmpDir = tmp
	return nil
}

func (b *bestTracker) observe(loss float64, params []tensor.NamedParam) error {
	if !b.enabled {
		return nil
	}
	if b.hasBest && loss >= b.bestLoss {
		return nil
	}
	b.hasBest = true
	b.bestLoss = loss
	if err := tensor.SaveParams(filepath.Join(b.tmpDir, "checkpoint.bin.lz4"), params); err != nil {
		return fmt.Errorf("training: save checkpoint: %w", err)
	}
	return nil
}

// finish restores the best parameters into the live tensors and, when a
// destination dir is configured, renames the checkpoint file into it.
func (b *bestTracker) finish(params []tensor.NamedParam) error {
	if !b.enabled || !b.hasBest {
		return nil
	}
	src := filepath.Join(b.tmpDir, "checkpoint.bin.lz4")
	saved, err := tensor.LoadParams(src)
	if err != nil {
		return fmt.Errorf("training: load checkpoint: %w", err)
	}
	if err := tensor.RestoreParams(params, saved); err != nil {
		return fmt.Errorf("training: restore checkpoint: %w", err)
	}
	if b.dir != "" {
		if err := os.MkdirAll(b.dir, 0o755); err != nil {
			return fmt.Errorf("training: prepare checkpoint dir: %w", err)
		}
		if err := os.Rename(src, filepath.Join(b.dir, "checkpoint.bin.lz4")); err != nil {
			return fmt.Errorf("training: move checkpoint: %w", err)
		}
	}
	return nil
}

func (b *bestTracker) cleanup() {
	if b.tmpDir != "" {
		os.RemoveAll(b.tmpDir)
	}
}
