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

// Package encoder implements the shared input tower: sparse feature
// projection, sequence/sentence combination, feed-forward layers, input
// masking for the masked-language-model task and bag-of-words pooling.
// The transformer stack itself lives in lib/transformer.
package encoder

import (
	"fmt"
	"math/rand"

	"github.com/antflydb/duet/lib/features"
	"github.com/antflydb/duet/lib/tensor"
)

// TowerConfig sizes one attribute's input tower.
type TowerConfig struct {
	// DenseDim is the projection width for sparse features.
	DenseDim int
	// ConcatDim unifies sequence and sentence widths so the sentence vector
	// can join the token axis.
	ConcatDim int
	// HiddenLayers are the feed-forward sizes applied after combination.
	HiddenLayers []int
	// DropRate applies to feed-forward activations during training.
	DropRate float64
	// SparseInputDropout and DenseInputDropout enable input dropout on the
	// respective feature branches.
	SparseInputDropout bool
	DenseInputDropout  bool
	// WeightSparsity is the fraction of dense-layer weights pinned to zero.
	WeightSparsity float64
}

// Tower combines the sparse/dense sequence/sentence features of one
// attribute into a single token matrix and runs it through feed-forward
// layers. One tower instance serves all examples of its attribute.
type Tower struct {
	name string
	cfg  TowerConfig

	sparseSeqProj  *Dense // nil when the attribute has no sparse sequence features
	sparseSentProj *Dense
	seqUnify       *Dense // nil when widths already agree with ConcatDim
	sentUnify      *Dense
	ffnn           []*Dense
	sharedFFNN     bool

	outputDim int
}

// ShareFFNN replaces the tower's feed-forward layers with another tower's,
// so both attributes train the same weights. The layer inputs must line up.
func (t *Tower) ShareFFNN(from *Tower) error {
	if len(t.ffnn) != len(from.ffnn) {
		return fmt.Errorf("encoder: cannot share %d hidden layers with %d", len(from.ffnn), len(t.ffnn))
	}
	for i := range t.ffnn {
		if t.ffnn[i].W.Rows != from.ffnn[i].W.Rows || t.ffnn[i].W.Cols != from.ffnn[i].W.Cols {
			return fmt.Errorf("encoder: hidden layer %d shape mismatch between towers", i)
		}
	}
	t.ffnn = from.ffnn
	t.sharedFFNN = true
	t.outputDim = from.outputDim
	return nil
}

// NewTower builds a tower for the attribute's observed feature widths.
func NewTower(name string, cfg TowerConfig, w features.Widths, rng *rand.Rand) *Tower {
	t := &Tower{name: name, cfg: cfg}

	seqWidth := w.DenseSequence
	if w.SparseSequence > 0 {
		t.sparseSeqProj = NewDense(w.SparseSequence, cfg.DenseDim, cfg.WeightSparsity, false, rng)
		seqWidth += cfg.DenseDim
	}
	sentWidth := w.DenseSentence
	if w.SparseSentence > 0 {
		t.sparseSentProj = NewDense(w.SparseSentence, cfg.DenseDim, cfg.WeightSparsity, false, rng)
		sentWidth += cfg.DenseDim
	}

	width := 0
	switch {
	case seqWidth > 0 && sentWidth > 0:
		// Both granularities share the token axis, so their widths must be
		// unified.
		if seqWidth != cfg.ConcatDim {
			t.seqUnify = NewDense(seqWidth, cfg.ConcatDim, cfg.WeightSparsity, false, rng)
		}
		if sentWidth != cfg.ConcatDim {
			t.sentUnify = NewDense(sentWidth, cfg.ConcatDim, cfg.WeightSparsity, false, rng)
		}
		width = cfg.ConcatDim
	case seqWidth > 0:
		width = seqWidth
	case sentWidth > 0:
		width = sentWidth
	}

	t.outputDim = width
	for _, size := range cfg.HiddenLayers {
		t.ffnn = append(t.ffnn, NewDense(t.outputDim, size, cfg.WeightSparsity, true, rng))
		t.outputDim = size
	}
	return t
}

// OutputDim is the width of the tower's token output.
func (t *Tower) OutputDim() int { return t.outputDim }

// Params returns all trainable tensors of the tower.
func (t *Tower) Params() []tensor.NamedParam {
	var out []tensor.NamedParam
	prefix := "tower." + t.name + "."
	if t.sparseSeqProj != nil {
		out = append(out, t.sparseSeqProj.Params(prefix+"sparse_seq")...)
	}
	if t.sparseSentProj != nil {
		out = append(out, t.sparseSentProj.Params(prefix+"sparse_sent")...)
	}
	if t.seqUnify != nil {
		out = append(out, t.seqUnify.Params(prefix+"unify_seq")...)
	}
	if t.sentUnify != nil {
		out = append(out, t.sentUnify.Params(prefix+"unify_sent")...)
	}
	if !t.sharedFFNN {
		for i, l := range t.ffnn {
			out = append(out, l.Params(fmt.Sprintf("%sffnn.%d", prefix, i))...)
		}
	}
	return out
}

// Combined is the tower output for one example.
type Combined struct {
	// Tokens is the combined token matrix. When both granularities are
	// present the sentence vector is appended as the final "token" row.
	Tokens *tensor.Tensor
	// SeqLen is the number of real token rows, excluding the appended
	// sentence row.
	SeqLen int
	// HasSentence records whether the final row is the sentence vector.
	HasSentence bool
}

// TokenCount returns the total number of rows in Tokens.
func (c *Combined) TokenCount() int { return c.Tokens.Rows }

// SummaryIndex returns the row used as the example summary vector: the
// sentence row when present, otherwise the last real token.
func (c *Combined) SummaryIndex() int { return c.Tokens.Rows - 1 }

// Combine merges one example's features into the unified token matrix and
// applies the feed-forward layers per token. At least one feature part must
// be present.
func (t *Tower) Combine(fs *features.FeatureSet, training bool, rng *rand.Rand) (*Combined, error) {
	out, err := t.combineRaw(fs, training, rng)
	if err != nil {
		return nil, err
	}
	out.Tokens = t.applyFFNN(out.Tokens, training, rng)
	return out, nil
}

func (t *Tower) combineRaw(fs *features.FeatureSet, training bool, rng *rand.Rand) (*Combined, error) {
	var seq, sent *tensor.Tensor

	if fs.SparseSequence != nil || fs.DenseSequence != nil {
		var parts []*tensor.Tensor
		if fs.SparseSequence != nil {
			in := tensor.Dropout(fs.SparseSequence, t.inputDropRate(true, training), rng, training)
			parts = append(parts, t.sparseSeqProj.Forward(in))
		}
		if fs.DenseSequence != nil {
			parts = append(parts, tensor.Dropout(fs.DenseSequence, t.inputDropRate(false, training), rng, training))
		}
		seq = tensor.ConcatCols(parts...)
		if t.seqUnify != nil {
			seq = t.seqUnify.Forward(seq)
		}
	}
	if fs.SparseSentence != nil || fs.DenseSentence != nil {
		var parts []*tensor.Tensor
		if fs.SparseSentence != nil {
			in := tensor.Dropout(fs.SparseSentence, t.inputDropRate(true, training), rng, training)
			parts = append(parts, t.sparseSentProj.Forward(in))
		}
		if fs.DenseSentence != nil {
			parts = append(parts, tensor.Dropout(fs.DenseSentence, t.inputDropRate(false, training), rng, training))
		}
		sent = tensor.ConcatCols(parts...)
		if t.sentUnify != nil {
			sent = t.sentUnify.Forward(sent)
		}
	}

	var tokens *tensor.Tensor
	out := &Combined{}
	switch {
	case seq != nil && sent != nil:
		tokens = tensor.ConcatRows(seq, sent)
		out.SeqLen = seq.Rows
		out.HasSentence = true
	case seq != nil:
		tokens = seq
		out.SeqLen = seq.Rows
	case sent != nil:
		tokens = sent
		out.HasSentence = true
	default:
		return nil, fmt.Errorf("encoder: no features present for attribute %q", t.name)
	}

	out.Tokens = tokens
	return out, nil
}

func (t *Tower) applyFFNN(tokens *tensor.Tensor, training bool, rng *rand.Rand) *tensor.Tensor {
	for _, l := range t.ffnn {
		tokens = tensor.Dropout(l.Forward(tokens), t.cfg.DropRate, rng, training)
	}
	return tokens
}

// BagOfWords pools the combined tokens into a single vector by summation,
// discarding order, then applies the feed-forward layers. Used for the
// label tower.
func (t *Tower) BagOfWords(fs *features.FeatureSet, training bool, rng *rand.Rand) (*tensor.Tensor, error) {
	c, err := t.combineRaw(fs, training, rng)
	if err != nil {
		return nil, err
	}
	return t.applyFFNN(tensor.SumRows(c.Tokens), training, rng), nil
}

func (t *Tower) inputDropRate(sparse, training bool) float64 {
	if !training {
		return 0
	}
	if sparse && t.cfg.SparseInputDropout {
		return t.cfg.DropRate
	}
	if !sparse && t.cfg.DenseInputDropout {
		return t.cfg.DropRate
	}
	return 0
}
