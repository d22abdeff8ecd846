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

package features

import (
	"sort"

	"github.com/antflydb/duet/lib/tensor"
)

// Granularity distinguishes per-token from per-example features.
type Granularity string

const (
	// Sequence features carry one row per token.
	Sequence Granularity = "sequence"
	// Sentence features carry a single aggregate row.
	Sentence Granularity = "sentence"
)

// Key addresses one feature stream inside a batch: which attribute owns it
// and at which granularity it lives.
type Key struct {
	Attribute   string
	Granularity Granularity
}

// ModelBatch is the canonical shape-aligned training/inference unit: for
// every key, one tensor per example, in example order. Keys are kept in one
// canonical ordering so train-time and predict-time layouts are structurally
// identical.
type ModelBatch struct {
	entries map[Key][]*tensor.Tensor
	keys    []Key

	// SequenceLengths holds per-example token counts for every attribute
	// that carries sequence features.
	SequenceLengths map[string][]int
	// LabelIDs are the per-example intent label ids (train-time only).
	LabelIDs []int
	// TagIDs maps entity attribute name to per-example token tag id
	// sequences (train-time only).
	TagIDs map[string][][]int

	size int
}

// NewModelBatch creates an empty batch for n examples.
func NewModelBatch(n int) *ModelBatch {
	return &ModelBatch{
		entries:         make(map[Key][]*tensor.Tensor),
		SequenceLengths: make(map[string][]int),
		TagIDs:          make(map[string][][]int),
		size:            n,
	}
}

// Size returns the number of examples in the batch.
func (b *ModelBatch) Size() int { return b.size }

// Put stores the per-example tensors for a key. Nil entries mark examples
// without that feature part.
func (b *ModelBatch) Put(key Key, perExample []*tensor.Tensor) {
	if _, exists := b.entries[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.entries[key] = perExample
	b.sortKeys()
}

// Get returns the per-example tensors for a key, or nil when absent.
func (b *ModelBatch) Get(attribute string, g Granularity) []*tensor.Tensor {
	return b.entries[Key{Attribute: attribute, Granularity: g}]
}

// Has reports whether the batch carries any tensors for the key.
func (b *ModelBatch) Has(attribute string, g Granularity) bool {
	ts := b.Get(attribute, g)
	for _, t := range ts {
		if t != nil {
			return true
		}
	}
	return false
}

// Keys returns the canonical key ordering: sorted by attribute, then
// granularity. All tensor construction iterates this order.
func (b *ModelBatch) Keys() []Key {
	out := make([]Key, len(b.keys))
	copy(out, b.keys)
	return out
}

func (b *ModelBatch) sortKeys() {
	sort.Slice(b.keys, func(i, j int) bool {
		if b.keys[i].Attribute != b.keys[j].Attribute {
			return b.keys[i].Attribute < b.keys[j].Attribute
		}
		return b.keys[i].Granularity < b.keys[j].Granularity
	})
}

// FeatureSetAt reassembles the feature set of one example for an attribute
// from the batch's four key streams.
func (b *ModelBatch) FeatureSetAt(attribute string, i int) *FeatureSet {
	fs := &FeatureSet{}
	if ts := b.Get(attribute+"_sparse", Sequence); ts != nil {
		fs.SparseSequence = ts[i]
	}
	if ts := b.Get(attribute+"_sparse", Sentence); ts != nil {
		fs.SparseSentence = ts[i]
	}
	if ts := b.Get(attribute, Sequence); ts != nil {
		fs.DenseSequence = ts[i]
	}
	if ts := b.Get(attribute, Sentence); ts != nil {
		fs.DenseSentence = ts[i]
	}
	return fs
}

// Signature captures the structural layout of a batch: which keys exist and
// the feature width under each. Persisted with the model and compared on
// load.
type Signature map[string]map[Granularity]int

// Signature derives the batch's structural signature.
func (b *ModelBatch) Signature() Signature {
	sig := make(Signature)
	for _, key := range b.keys {
		for _, t := range b.entries[key] {
			if t == nil {
				continue
			}
			if sig[key.Attribute] == nil {
				sig[key.Attribute] = make(map[Granularity]int)
			}
			sig[key.Attribute][key.Granularity] = t.Cols
			break
		}
	}
	return sig
}

// Select returns a new batch containing only the examples at the given
// indices, preserving key order.
func (b *ModelBatch) Select(indices []int) *ModelBatch {
	out := NewModelBatch(len(indices))
	for _, key := range b.keys {
		src := b.entries[key]
		dst := make([]*tensor.Tensor, len(indices))
		for i, idx := range indices {
			dst[i] = src[idx]
		}
		out.Put(key, dst)
	}
	for attr, lengths := range b.SequenceLengths {
		sel := make([]int, len(indices))
		for i, idx := range indices {
			sel[i] = lengths[idx]
		}
		out.SequenceLengths[attr] = sel
	}
	if b.LabelIDs != nil {
		out.LabelIDs = make([]int, len(indices))
		for i, idx := range indices {
			out.LabelIDs[i] = b.LabelIDs[idx]
		}
	}
	for attr, tags := range b.TagIDs {
		sel := make([][]int, len(indices))
		for i, idx := range indices {
			sel[i] = tags[idx]
		}
		out.TagIDs[attr] = sel
	}
	return out
}
