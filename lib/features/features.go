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

// Package features turns featurized examples into the shape-aligned model
// data the encoder and heads consume. Featurization itself happens upstream;
// this package only validates, aligns and batches precomputed arrays.
package features

import (
	"errors"
	"fmt"

	"github.com/antflydb/duet/lib/index"
	"github.com/antflydb/duet/lib/tensor"
)

// Canonical attribute keys inside a model batch. Whatever attribute the
// label features originate from (intent or otherwise), they are carried
// under AttributeLabel so the model never sees the source attribute name.
const (
	AttributeText  = "text"
	AttributeLabel = "label"
)

// ErrDimensionMismatch is returned when sparse and dense features of the
// same granularity disagree on their first dimension.
var ErrDimensionMismatch = errors.New("sparse and dense feature dimensions do not coincide")

// FeatureSet holds the decomposed precomputed features of one attribute of
// one example. Sequence features carry one row per token; sentence features
// are a single aggregate row. Any of the four parts may be nil.
type FeatureSet struct {
	SparseSequence *tensor.Tensor
	SparseSentence *tensor.Tensor
	DenseSequence  *tensor.Tensor
	DenseSentence  *tensor.Tensor
}

// Validate checks first-dimension agreement between the sparse and dense
// parts of each granularity. A mismatch is a configuration error: silent
// truncation would corrupt the model.
func (f *FeatureSet) Validate(attribute, text string) error {
	if f.SparseSequence != nil && f.DenseSequence != nil &&
		f.SparseSequence.Rows != f.DenseSequence.Rows {
		return fmt.Errorf("%w: sequence features %d vs %d in %q for attribute %q",
			ErrDimensionMismatch, f.SparseSequence.Rows, f.DenseSequence.Rows, text, attribute)
	}
	if f.SparseSentence != nil && f.DenseSentence != nil &&
		f.SparseSentence.Rows != f.DenseSentence.Rows {
		return fmt.Errorf("%w: sentence features %d vs %d in %q for attribute %q",
			ErrDimensionMismatch, f.SparseSentence.Rows, f.DenseSentence.Rows, text, attribute)
	}
	return nil
}

// HasSequence reports whether any sequence-level features are present.
func (f *FeatureSet) HasSequence() bool {
	return f.SparseSequence != nil || f.DenseSequence != nil
}

// HasSentence reports whether any sentence-level features are present.
func (f *FeatureSet) HasSentence() bool {
	return f.SparseSentence != nil || f.DenseSentence != nil
}

// IsEmpty reports whether the set carries no features at all.
func (f *FeatureSet) IsEmpty() bool { return !f.HasSequence() && !f.HasSentence() }

// SequenceLength returns the token count of the sequence features, 0 when
// none are present.
func (f *FeatureSet) SequenceLength() int {
	if f.SparseSequence != nil {
		return f.SparseSequence.Rows
	}
	if f.DenseSequence != nil {
		return f.DenseSequence.Rows
	}
	return 0
}

// dropSequence discards sequence-level features, keeping sentence ones.
func (f *FeatureSet) dropSequence() {
	f.SparseSequence = nil
	f.DenseSequence = nil
}

// Widths describes the feature widths of a FeatureSet, used to verify that
// train-time and predict-time layouts are structurally identical.
type Widths struct {
	SparseSequence int `json:"sparse_sequence"`
	SparseSentence int `json:"sparse_sentence"`
	DenseSequence  int `json:"dense_sequence"`
	DenseSentence  int `json:"dense_sentence"`
}

// Widths returns the per-part feature widths (0 for absent parts).
func (f *FeatureSet) Widths() Widths {
	var w Widths
	if f.SparseSequence != nil {
		w.SparseSequence = f.SparseSequence.Cols
	}
	if f.SparseSentence != nil {
		w.SparseSentence = f.SparseSentence.Cols
	}
	if f.DenseSequence != nil {
		w.DenseSequence = f.DenseSequence.Cols
	}
	if f.DenseSentence != nil {
		w.DenseSentence = f.DenseSentence.Cols
	}
	return w
}

// Example is one featurized training or inference example. Attribute keys
// are the upstream attribute names (AttributeText, the label attribute,
// ...); the assembler re-keys label features under AttributeLabel.
type Example struct {
	// Text is the raw message text, used in error messages and span
	// reconstruction.
	Text string
	// Tokens are the character bounds of the message tokens.
	Tokens []index.TokenBound
	// Features maps attribute name to its feature set.
	Features map[string]*FeatureSet
	// Label is the example's intent name, empty when unlabeled.
	Label string
	// Spans are the annotated entity spans (train-time only).
	Spans []index.Span
}

// EntityTags implements index.TaggedExample.
func (e *Example) EntityTags(attribute string) []string {
	tags := make([]string, 0, len(e.Spans))
	for _, s := range e.Spans {
		tags = append(tags, s.TagOf(attribute))
	}
	return tags
}

// featuresFor returns the example's features for an attribute, or nil.
func (e *Example) featuresFor(attribute string) *FeatureSet {
	if e.Features == nil {
		return nil
	}
	return e.Features[attribute]
}
