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
	"errors"
	"fmt"

	"github.com/antflydb/duet/lib/index"
	"github.com/antflydb/duet/lib/tensor"
	"go.uber.org/zap"
)

// ErrNoLabelFeatures is returned when no label features of any kind can be
// produced for the configured label attribute.
var ErrNoLabelFeatures = errors.New("no label features are present")

// Options configures batch assembly.
type Options struct {
	// IntentClassification controls whether label features and ids are
	// assembled (train-time).
	IntentClassification bool

	// EntityRecognition controls whether tag id sequences are assembled
	// (train-time).
	EntityRecognition bool

	// NumTransformerLayers feeds the sentence-only optimization: with zero
	// layers and no entity recognition, text sequence features are dropped.
	NumTransformerLayers int

	// BILOU selects BILOU-expanded gold tags over flat ones.
	BILOU bool

	// LabelAttribute is the upstream attribute label features come from
	// (usually "intent").
	LabelAttribute string

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// Assembler converts featurized examples into canonical model batches.
type Assembler struct {
	opts   Options
	logger *zap.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(opts Options) *Assembler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{opts: opts, logger: logger}
}

// LabelData holds one feature set per distinct label id, used to initialize
// the all-labels matrix and as the default when an example lacks direct
// label features.
type LabelData struct {
	// Sets is indexed by label id.
	Sets []*FeatureSet
	// OneHot records that the sets are fallback identity rows rather than
	// precomputed features.
	OneHot bool
}

// BuildLabelData collects one example per label id and extracts its label
// features. When any label lacks precomputed features, all labels fall back
// to one-hot identity sentence features.
func (a *Assembler) BuildLabelData(examples []*Example, labels *index.LabelIndex) (*LabelData, error) {
	if labels.Len() == 0 {
		return nil, ErrNoLabelFeatures
	}

	perLabel := make([]*Example, labels.Len())
	for _, ex := range examples {
		if ex.Label == "" {
			continue
		}
		if id, ok := labels.ID(ex.Label); ok && perLabel[id] == nil {
			perLabel[id] = ex
		}
	}

	allPresent := true
	for id, ex := range perLabel {
		if ex == nil {
			return nil, fmt.Errorf("no example found for label %q", labels.Name(id))
		}
		fs := ex.featuresFor(a.opts.LabelAttribute)
		if fs == nil || fs.IsEmpty() {
			allPresent = false
		}
	}

	data := &LabelData{Sets: make([]*FeatureSet, labels.Len())}
	if !allPresent {
		a.logger.Debug("No label features found, computing default one-hot label features",
			zap.Int("num_labels", labels.Len()))
		data.OneHot = true
		for id := range data.Sets {
			row := make([]float64, labels.Len())
			row[id] = 1
			data.Sets[id] = &FeatureSet{DenseSentence: tensor.New(1, labels.Len(), row)}
		}
		return data, nil
	}

	for id, ex := range perLabel {
		fs := ex.featuresFor(a.opts.LabelAttribute)
		if err := fs.Validate(a.opts.LabelAttribute, ex.Text); err != nil {
			return nil, err
		}
		data.Sets[id] = fs
	}
	return data, nil
}

// Build assembles a canonical model batch. During training, label and
// entity attributes are included per Options; at predict time only text
// features are assembled. Examples without a label are dropped when a label
// attribute is required.
func (a *Assembler) Build(
	examples []*Example,
	labels *index.LabelIndex,
	specs []*index.EntityTagSpec,
	labelData *LabelData,
	training bool,
) (*ModelBatch, error) {
	useLabels := training && a.opts.IntentClassification
	useEntities := training && a.opts.EntityRecognition && len(specs) > 0

	if useLabels {
		kept := examples[:0:0]
		for _, ex := range examples {
			if ex.Label != "" {
				kept = append(kept, ex)
			}
		}
		examples = kept
	}
	if len(examples) == 0 {
		return NewModelBatch(0), nil
	}

	batch := NewModelBatch(len(examples))

	textSets := make([]*FeatureSet, len(examples))
	for i, ex := range examples {
		fs := ex.featuresFor(AttributeText)
		if fs == nil {
			fs = &FeatureSet{}
		}
		if err := fs.Validate(AttributeText, ex.Text); err != nil {
			return nil, err
		}
		// With no transformer and no entity recognition the token sequence
		// is never consumed, so only the sentence vector is carried.
		if a.opts.NumTransformerLayers == 0 && !a.opts.EntityRecognition {
			trimmed := *fs
			trimmed.dropSequence()
			fs = &trimmed
		}
		textSets[i] = fs
	}
	a.putFeatureSets(batch, AttributeText, textSets)

	if useLabels {
		labelSets := make([]*FeatureSet, len(examples))
		batch.LabelIDs = make([]int, len(examples))
		for i, ex := range examples {
			id, ok := labels.ID(ex.Label)
			if !ok {
				return nil, fmt.Errorf("example label %q not in label index", ex.Label)
			}
			batch.LabelIDs[i] = id

			fs := ex.featuresFor(a.opts.LabelAttribute)
			if fs == nil || fs.IsEmpty() || labelData.OneHot {
				fs = labelData.Sets[id]
			} else if err := fs.Validate(a.opts.LabelAttribute, ex.Text); err != nil {
				return nil, err
			}
			labelSets[i] = fs
		}
		a.putFeatureSets(batch, AttributeLabel, labelSets)
	}

	if useEntities {
		for _, spec := range specs {
			tags := make([][]int, len(examples))
			for i, ex := range examples {
				gold := index.TokensToTags(ex.Tokens, ex.Spans, spec.TagName, a.opts.BILOU)
				tags[i] = index.TagIDs(spec, gold)
			}
			batch.TagIDs[spec.TagName] = tags
		}
	}

	return batch, nil
}

// putFeatureSets stores a feature set list under its four batch keys and
// derives sequence lengths for the attribute.
func (a *Assembler) putFeatureSets(batch *ModelBatch, attribute string, sets []*FeatureSet) {
	sparseSeq := make([]*tensor.Tensor, len(sets))
	sparseSent := make([]*tensor.Tensor, len(sets))
	denseSeq := make([]*tensor.Tensor, len(sets))
	denseSent := make([]*tensor.Tensor, len(sets))
	lengths := make([]int, len(sets))
	hasSeq := false

	for i, fs := range sets {
		if fs == nil {
			continue
		}
		sparseSeq[i] = fs.SparseSequence
		sparseSent[i] = fs.SparseSentence
		denseSeq[i] = fs.DenseSequence
		denseSent[i] = fs.DenseSentence
		lengths[i] = fs.SequenceLength()
		if fs.HasSequence() {
			hasSeq = true
		}
	}

	put := func(g Granularity, sparse bool, ts []*tensor.Tensor) {
		any := false
		for _, t := range ts {
			if t != nil {
				any = true
				break
			}
		}
		if !any {
			return
		}
		name := attribute
		if sparse {
			name = attribute + "_sparse"
		}
		batch.Put(Key{Attribute: name, Granularity: g}, ts)
	}
	put(Sequence, true, sparseSeq)
	put(Sentence, true, sparseSent)
	put(Sequence, false, denseSeq)
	put(Sentence, false, denseSent)

	if hasSeq {
		batch.SequenceLengths[attribute] = lengths
	}
}
