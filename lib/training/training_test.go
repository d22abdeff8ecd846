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
	"math"
	"math/rand"
	"testing"

	"github.com/antflydb/duet/lib/features"
	"github.com/antflydb/duet/lib/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSizeRamp(t *testing.T) {
	assert.Equal(t, 64, BatchSize([]int{64, 256}, 0, 300))
	assert.Equal(t, 256, BatchSize([]int{64, 256}, 299, 300))
	assert.Equal(t, 160, BatchSize([]int{64, 256}, 150, 301))

	assert.Equal(t, 32, BatchSize([]int{32}, 10, 100))
	assert.Equal(t, 64, BatchSize([]int{64, 256}, 0, 1))
	assert.Equal(t, 1, BatchSize(nil, 0, 10))
}

func TestEpochOrderSequenceCoversAll(t *testing.T) {
	order := EpochOrder(StrategySequence, 10, nil, 0, 42)
	require.Len(t, order, 10)
	seen := make(map[int]bool)
	for _, i := range order {
		seen[i] = true
	}
	assert.Len(t, seen, 10)

	// Same epoch and seed reproduce the order; a later epoch changes it.
	assert.Equal(t, order, EpochOrder(StrategySequence, 10, nil, 0, 42))
	assert.NotEqual(t, order, EpochOrder(StrategySequence, 10, nil, 1, 42))
}

func TestEpochOrderBalancedRoundRobins(t *testing.T) {
	// Labels: three of id 0, three of id 1.
	labels := []int{0, 0, 0, 1, 1, 1}
	order := EpochOrder(StrategyBalanced, 6, labels, 0, 7)
	require.Len(t, order, 6)

	// Labels must alternate while both groups have members.
	for i := 0; i+1 < 6; i += 2 {
		assert.NotEqual(t, labels[order[i]], labels[order[i+1]], "pair %d not balanced", i)
	}
}

func TestEpochOrderBalancedUnevenGroups(t *testing.T) {
	labels := []int{0, 0, 0, 0, 1}
	order := EpochOrder(StrategyBalanced, 5, labels, 0, 7)
	require.Len(t, order, 5)
	seen := make(map[int]bool)
	for _, i := range order {
		seen[i] = true
	}
	assert.Len(t, seen, 5)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	w := tensor.Zeros(1, 2)
	w.RequiresGrad = true
	w.Grad = make([]float64, 2)
	w.Data[0], w.Data[1] = 5, -3

	params := []tensor.NamedParam{{Name: "w", Tensor: w}}
	opt := NewAdam(0.1)
	for step := 0; step < 500; step++ {
		tensor.ZeroGrads(params)
		for i, v := range w.Data {
			w.Grad[i] = 2 * v
		}
		opt.Step(params)
	}
	assert.InDelta(t, 0, w.Data[0], 1e-2)
	assert.InDelta(t, 0, w.Data[1], 1e-2)
}

func TestApplyL2OnlyTouchesEmbeddingWeights(t *testing.T) {
	mk := func() *tensor.Tensor {
		x := tensor.Zeros(1, 1)
		x.RequiresGrad = true
		x.Grad = make([]float64, 1)
		x.Data[0] = 2
		return x
	}
	embed, other, bias := mk(), mk(), mk()
	params := []tensor.NamedParam{
		{Name: "embed.text.weight", Tensor: embed},
		{Name: "tower.text.ffnn.0.weight", Tensor: other},
		{Name: "embed.text.bias", Tensor: bias},
	}
	ApplyL2(params, 0.002)
	assert.InDelta(t, 2*0.002*2, embed.Grad[0], 1e-12)
	assert.Zero(t, other.Grad[0])
	assert.Zero(t, bias.Grad[0])
}

// quadModel minimizes (w-3)^2 over a fake batch, counting calls.
type quadModel struct {
	w          *tensor.Tensor
	evalCalls  int
	trainCalls int
}

func newQuadModel() *quadModel {
	w := tensor.Zeros(1, 1)
	w.RequiresGrad = true
	w.Grad = make([]float64, 1)
	return &quadModel{w: w}
}

func (m *quadModel) BatchLoss(batch *features.ModelBatch, training bool, rng *rand.Rand) (*tensor.Tensor, map[string]float64, error) {
	if training {
		m.trainCalls++
	} else {
		m.evalCalls++
	}
	diff := tensor.AddScalar(m.w, -3)
	return tensor.Mul(diff, diff), map[string]float64{"i_acc": 1}, nil
}

func (m *quadModel) Params() []tensor.NamedParam {
	return []tensor.NamedParam{{Name: "w", Tensor: m.w}}
}

func batchOf(n int) *features.ModelBatch {
	b := features.NewModelBatch(n)
	perExample := make([]*tensor.Tensor, n)
	for i := range perExample {
		perExample[i] = tensor.Zeros(1, 2)
	}
	b.Put(features.Key{Attribute: "text", Granularity: features.Sentence}, perExample)
	b.LabelIDs = make([]int, n)
	return b
}

func TestResolveSeed(t *testing.T) {
	assert.Equal(t, int64(42), ResolveSeed(42))
	assert.NotZero(t, ResolveSeed(0))
}

func TestTrainerRunConverges(t *testing.T) {
	m := newQuadModel()
	tr := New(Config{
		Epochs:       50,
		BatchSizes:   []int{4},
		Strategy:     StrategySequence,
		LearningRate: 0.1,
		Seed:         1,
	})
	report, err := tr.Run(context.Background(), m, batchOf(8))
	require.NoError(t, err)
	assert.Equal(t, 50, report.Epochs)
	assert.NotEmpty(t, report.RunID)
	assert.InDelta(t, 3, m.w.Data[0], 0.05)
	assert.Less(t, report.FinalLoss, 0.01)
	assert.Equal(t, 1.0, report.Metrics["i_acc"])
}

func TestTrainerValidationCadence(t *testing.T) {
	m := newQuadModel()
	tr := New(Config{
		Epochs:       10,
		BatchSizes:   []int{16},
		Strategy:     StrategySequence,
		LearningRate: 0.05,
		EvalEpochs:   5,
		EvalExamples: 2,
		Seed:         2,
	})
	_, err := tr.Run(context.Background(), m, batchOf(10))
	require.NoError(t, err)
	// Epochs 4 and 9 by cadence; epoch 9 is also the final epoch.
	assert.Equal(t, 2, m.evalCalls)
}

func TestTrainerCheckpointRestoresBest(t *testing.T) {
	m := newQuadModel()
	dir := t.TempDir()
	tr := New(Config{
		Epochs:        20,
		BatchSizes:    []int{16},
		Strategy:      StrategySequence,
		LearningRate:  0.2,
		EvalEpochs:    1,
		EvalExamples:  2,
		Checkpoint:    true,
		CheckpointDir: dir,
		Seed:          3,
	})
	report, err := tr.Run(context.Background(), m, batchOf(10))
	require.NoError(t, err)

	// Restored weight reproduces the best validation loss.
	got := math.Pow(m.w.Data[0]-3, 2)
	assert.InDelta(t, report.BestValidation, got, 1e-9)
	assert.FileExists(t, dir+"/checkpoint.bin.lz4")
}

func TestTrainerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newQuadModel()
	tr := New(Config{Epochs: 5, BatchSizes: []int{4}, LearningRate: 0.1})
	_, err := tr.Run(ctx, m, batchOf(4))
	assert.Error(t, err)
}
