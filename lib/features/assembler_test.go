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
	"testing"

	"github.com/antflydb/duet/lib/index"
	"github.com/antflydb/duet/lib/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textExample(text, label string, tokens int, width int) *Example {
	bounds := make([]index.TokenBound, tokens)
	for i := range bounds {
		bounds[i] = index.TokenBound{Start: i * 2, End: i*2 + 1}
	}
	return &Example{
		Text:   text,
		Tokens: bounds,
		Label:  label,
		Features: map[string]*FeatureSet{
			AttributeText: {
				DenseSequence: tensor.Zeros(tokens, width),
				DenseSentence: tensor.Zeros(1, width),
			},
		},
	}
}

func defaultOptions() Options {
	return Options{
		IntentClassification: true,
		EntityRecognition:    true,
		NumTransformerLayers: 2,
		LabelAttribute:       "intent",
	}
}

func TestValidateDimensionMismatch(t *testing.T) {
	fs := &FeatureSet{
		SparseSequence: tensor.Zeros(3, 4),
		DenseSequence:  tensor.Zeros(2, 4),
	}
	err := fs.Validate(AttributeText, "hello there")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestBuildLabelDataOneHotFallback(t *testing.T) {
	examples := []*Example{
		textExample("hi", "greet", 1, 4),
		textExample("bye now", "bye", 2, 4),
	}
	labels := index.BuildLabelIndex([]string{"greet", "bye"})

	a := NewAssembler(defaultOptions())
	data, err := a.BuildLabelData(examples, labels)
	require.NoError(t, err)

	assert.True(t, data.OneHot)
	require.Len(t, data.Sets, 2)
	// Identity matrix over label ids.
	assert.Equal(t, []float64{1, 0}, data.Sets[0].DenseSentence.Data)
	assert.Equal(t, []float64{0, 1}, data.Sets[1].DenseSentence.Data)
}

func TestBuildLabelDataMissingLabelExample(t *testing.T) {
	labels := index.BuildLabelIndex([]string{"greet", "bye"})
	a := NewAssembler(defaultOptions())

	_, err := a.BuildLabelData([]*Example{textExample("hi", "greet", 1, 4)}, labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bye")
}

func TestBuildCanonicalKeyOrdering(t *testing.T) {
	examples := []*Example{
		textExample("hi", "greet", 1, 4),
		textExample("bye now", "bye", 2, 4),
	}
	labels := index.BuildLabelIndex([]string{"greet", "bye"})
	a := NewAssembler(defaultOptions())
	data, err := a.BuildLabelData(examples, labels)
	require.NoError(t, err)

	batch, err := a.Build(examples, labels, nil, data, true)
	require.NoError(t, err)

	keys := batch.Keys()
	for i := 1; i < len(keys); i++ {
		prev, cur := keys[i-1], keys[i]
		less := prev.Attribute < cur.Attribute ||
			(prev.Attribute == cur.Attribute && prev.Granularity < cur.Granularity)
		assert.Truef(t, less, "keys not in canonical order: %v before %v", prev, cur)
	}
	assert.Equal(t, []int{labels.NameToID["greet"], labels.NameToID["bye"]}, batch.LabelIDs)
	assert.Equal(t, []int{1, 2}, batch.SequenceLengths[AttributeText])
}

func TestBuildPredictLayoutMatchesTraining(t *testing.T) {
	examples := []*Example{
		textExample("hi", "greet", 1, 4),
		textExample("bye now", "bye", 2, 4),
	}
	labels := index.BuildLabelIndex([]string{"greet", "bye"})
	a := NewAssembler(defaultOptions())
	data, err := a.BuildLabelData(examples, labels)
	require.NoError(t, err)

	train, err := a.Build(examples, labels, nil, data, true)
	require.NoError(t, err)
	predict, err := a.Build([]*Example{textExample("hi", "", 1, 4)}, labels, nil, data, false)
	require.NoError(t, err)

	trainSig := train.Signature()
	predictSig := predict.Signature()
	// Predict batches carry only text keys, but those keys must agree with
	// the train-time layout exactly.
	for attr, grans := range predictSig {
		require.Contains(t, trainSig, attr)
		assert.Equal(t, trainSig[attr], grans)
	}
	assert.NotContains(t, predictSig, AttributeLabel)
}

func TestSentenceOnlyOptimization(t *testing.T) {
	opts := defaultOptions()
	opts.NumTransformerLayers = 0
	opts.EntityRecognition = false
	a := NewAssembler(opts)

	examples := []*Example{
		textExample("hi", "greet", 3, 4),
		textExample("bye", "bye", 2, 4),
	}
	labels := index.BuildLabelIndex([]string{"greet", "bye"})
	data, err := a.BuildLabelData(examples, labels)
	require.NoError(t, err)

	batch, err := a.Build(examples, labels, nil, data, true)
	require.NoError(t, err)

	assert.False(t, batch.Has(AttributeText, Sequence))
	assert.True(t, batch.Has(AttributeText, Sentence))
	assert.NotContains(t, batch.SequenceLengths, AttributeText)
}

func TestBuildEntityTags(t *testing.T) {
	ex := textExample("fly to rome", "book", 3, 4)
	ex.Tokens = []index.TokenBound{{Start: 0, End: 3}, {Start: 4, End: 6}, {Start: 7, End: 11}}
	ex.Spans = []index.Span{{Start: 7, End: 11, Type: "city"}}

	labels := index.BuildLabelIndex([]string{"book", "cancel"})
	// Need a second labeled example for label data.
	other := textExample("cancel it", "cancel", 2, 4)

	specs := index.BuildTagSpecs([]index.TaggedExample{ex}, false)
	require.Len(t, specs, 1)

	a := NewAssembler(defaultOptions())
	data, err := a.BuildLabelData([]*Example{ex, other}, labels)
	require.NoError(t, err)

	batch, err := a.Build([]*Example{ex, other}, labels, specs, data, true)
	require.NoError(t, err)

	tags := batch.TagIDs[index.AttributeType]
	require.Len(t, tags, 2)
	assert.Equal(t, []int{0, 0, 1}, tags[0])
	assert.Equal(t, []int{0, 0}, tags[1])
}

func TestSelectPreservesAlignment(t *testing.T) {
	examples := []*Example{
		textExample("a", "greet", 1, 4),
		textExample("b", "bye", 2, 4),
		textExample("c", "greet", 3, 4),
	}
	labels := index.BuildLabelIndex([]string{"greet", "bye"})
	a := NewAssembler(defaultOptions())
	data, err := a.BuildLabelData(examples, labels)
	require.NoError(t, err)

	batch, err := a.Build(examples, labels, nil, data, true)
	require.NoError(t, err)

	sub := batch.Select([]int{2, 0})
	assert.Equal(t, 2, sub.Size())
	assert.Equal(t, []int{batch.LabelIDs[2], batch.LabelIDs[0]}, sub.LabelIDs)
	assert.Equal(t, []int{3, 1}, sub.SequenceLengths[AttributeText])
	assert.Equal(t, batch.Keys(), sub.Keys())
}
