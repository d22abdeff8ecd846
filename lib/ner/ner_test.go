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

package ner

import (
	"math"
	"math/rand"
	"testing"

	"github.com/antflydb/duet/lib/index"
	"github.com/antflydb/duet/lib/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRFNLLMatchesBruteForce(t *testing.T) {
	crf := NewCRF(3)
	crf.Transitions.Data = []float64{
		0.1, -0.2, 0.3,
		0.0, 0.5, -0.1,
		0.2, 0.1, 0.0,
	}
	emissions := tensor.FromRows([][]float64{
		{1.0, 0.2, -0.5},
		{0.3, 0.8, 0.1},
		{-0.2, 0.4, 0.9},
	})

	gold := []int{0, 1, 2}
	nll := crf.NLL(emissions, gold)

	// Brute force over all 27 paths.
	score := func(path []int) float64 {
		s := emissions.At(0, path[0])
		for i := 1; i < 3; i++ {
			s += emissions.At(i, path[i]) + crf.Transitions.At(path[i-1], path[i])
		}
		return s
	}
	var z float64
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			for c := 0; c < 3; c++ {
				z += math.Exp(score([]int{a, b, c}))
			}
		}
	}
	want := math.Log(z) - score(gold)
	assert.InDelta(t, want, nll.Value(), 1e-9)
}

func TestCRFNLLGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	crf := NewCRF(3)
	emissions := tensor.Param(4, 3, rng)
	gold := []int{0, 1, 1, 2}

	nll := crf.NLL(emissions, gold)
	nll.Backward()

	// Central finite differences on emission entries.
	delta := 1e-5
	for i := range emissions.Data {
		orig := emissions.Data[i]
		emissions.Data[i] = orig + delta
		up := crf.NLL(emissions, gold).Value()
		emissions.Data[i] = orig - delta
		down := crf.NLL(emissions, gold).Value()
		emissions.Data[i] = orig
		assert.InDelta(t, (up-down)/(2*delta), emissions.Grad[i], 1e-6, "emission %d", i)
	}
	for i := range crf.Transitions.Data {
		orig := crf.Transitions.Data[i]
		crf.Transitions.Data[i] = orig + delta
		up := crf.NLL(emissions, gold).Value()
		crf.Transitions.Data[i] = orig - delta
		down := crf.NLL(emissions, gold).Value()
		crf.Transitions.Data[i] = orig
		assert.InDelta(t, (up-down)/(2*delta), crf.Transitions.Grad[i], 1e-6, "transition %d", i)
	}
}

func TestViterbiPrefersHighEmissions(t *testing.T) {
	crf := NewCRF(2)
	emissions := tensor.FromRows([][]float64{{5, 0}, {0, 5}, {5, 0}})
	assert.Equal(t, []int{0, 1, 0}, crf.Viterbi(emissions))
}

func TestViterbiRespectsTransitions(t *testing.T) {
	crf := NewCRF(2)
	// Strong penalty for leaving state 0.
	crf.Transitions.Set(0, 1, -100)
	emissions := tensor.FromRows([][]float64{{5, 0}, {0, 1}, {0, 1}})
	assert.Equal(t, []int{0, 0, 0}, crf.Viterbi(emissions))
}

func TestMarginalsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	crf := NewCRF(4)
	emissions := tensor.Param(5, 4, rng)
	for _, row := range crf.Marginals(emissions) {
		var sum float64
		for _, p := range row {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

type taggedSpans struct{ spans []index.Span }

func (e taggedSpans) EntityTags(attribute string) []string {
	var out []string
	for _, s := range e.spans {
		out = append(out, s.TagOf(attribute))
	}
	return out
}

func TestPipelineStageOrderAndChaining(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	examples := []index.TaggedExample{
		taggedSpans{spans: []index.Span{{Type: "city", Role: "destination"}}},
	}
	specs := index.BuildTagSpecs(examples, false)
	require.Len(t, specs, 2)

	p := NewPipeline(specs, 6, rng)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, index.AttributeType, p.Stages[0].Spec.TagName)
	assert.Equal(t, index.AttributeRole, p.Stages[1].Spec.TagName)

	tokens := tensor.Zeros(3, 6)
	preds := p.Predict(tokens)
	require.Contains(t, preds, index.AttributeType)
	require.Contains(t, preds, index.AttributeRole)
	assert.Len(t, preds[index.AttributeType].Tags, 3)
	assert.Len(t, preds[index.AttributeRole].Confidences, 3)
}

func TestPipelineLossSkipsMissingAttributes(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	examples := []index.TaggedExample{
		taggedSpans{spans: []index.Span{{Type: "city"}}},
	}
	specs := index.BuildTagSpecs(examples, false)
	p := NewPipeline(specs, 4, rng)

	tokens := tensor.Zeros(2, 4)
	assert.Nil(t, p.Loss(tokens, map[string][]int{}))

	loss := p.Loss(tokens, map[string][]int{index.AttributeType: {0, 1}})
	require.NotNil(t, loss)
	assert.Greater(t, loss.Value(), 0.0)
}

func TestPipelineLossSkipsEmptyTagSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	examples := []index.TaggedExample{
		taggedSpans{spans: []index.Span{{Type: "city"}}},
	}
	specs := index.BuildTagSpecs(examples, false)
	p := NewPipeline(specs, 4, rng)

	// A sentence-only example still carries its tag attribute key, with an
	// empty gold sequence; it must contribute no loss instead of reaching
	// the CRF.
	tokens := tensor.Zeros(1, 4)
	assert.Nil(t, p.Loss(tokens, map[string][]int{index.AttributeType: {}}))
}

func TestStageLearnsSimplePattern(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	spec := &index.EntityTagSpec{
		TagName:   index.AttributeType,
		TagsToIDs: map[string]int{"O": 0, "city": 1},
		IDsToTags: map[int]string{0: "O", 1: "city"},
		NumTags:   2,
	}
	s := NewStage(spec, 2, rng)
	tokens := tensor.FromRows([][]float64{{1, 0}, {0, 1}, {1, 0}})
	gold := []int{0, 1, 0}

	params := s.Params()
	for step := 0; step < 200; step++ {
		tensor.ZeroGrads(params)
		loss := s.Loss(tokens, gold)
		loss.Backward()
		for _, p := range params {
			if !p.Tensor.RequiresGrad {
				continue
			}
			for i := range p.Tensor.Data {
				p.Tensor.Data[i] -= 0.1 * p.Tensor.Grad[i]
			}
		}
	}
	pred, confs := s.Predict(tokens)
	assert.Equal(t, gold, pred)
	for _, c := range confs {
		assert.Greater(t, c, 0.5)
	}
}

func TestDecodeBILOU(t *testing.T) {
	tags := []string{"O", "B-city", "L-city", "U-name", "O"}
	confs := []float64{1, 0.8, 0.6, 0.9, 1}

	spans := DecodeBILOU(tags, confs)
	require.Len(t, spans, 2)
	assert.Equal(t, TokenSpan{StartToken: 1, EndToken: 3, Tag: "city", Confidence: 0.7}, spans[0])
	assert.Equal(t, TokenSpan{StartToken: 3, EndToken: 4, Tag: "name", Confidence: 0.9}, spans[1])
}

func TestDecodeBILOUMalformed(t *testing.T) {
	// I- without B- still yields a span.
	spans := DecodeBILOU([]string{"I-city", "I-city", "O"}, []float64{0.5, 0.5, 1})
	require.Len(t, spans, 1)
	assert.Equal(t, 0, spans[0].StartToken)
	assert.Equal(t, 2, spans[0].EndToken)
	assert.Equal(t, "city", spans[0].Tag)
}

func TestDecodeFlat(t *testing.T) {
	tags := []string{"city", "city", "O", "name"}
	confs := []float64{0.9, 0.7, 1, 0.8}

	spans := DecodeFlat(tags, confs)
	require.Len(t, spans, 2)
	assert.Equal(t, "city", spans[0].Tag)
	assert.Equal(t, 0, spans[0].StartToken)
	assert.Equal(t, 2, spans[0].EndToken)
	assert.InDelta(t, 0.8, spans[0].Confidence, 1e-9)
	assert.Equal(t, "name", spans[1].Tag)
}

func TestSplitOnComma(t *testing.T) {
	text := "I want onion, garlic and salt"
	// "onion, garlic" at [7, 20).
	ranges := SplitOnComma(text, 7, 20)
	require.Len(t, ranges, 2)
	assert.Equal(t, "onion", text[ranges[0].Start:ranges[0].End])
	assert.Equal(t, "garlic", text[ranges[1].Start:ranges[1].End])

	whole := SplitOnComma(text, 7, 12)
	require.Len(t, whole, 1)
	assert.Equal(t, "onion", text[whole[0].Start:whole[0].End])
}

func TestTokenF1(t *testing.T) {
	assert.Equal(t, 1.0, TokenF1([]int{0, 1, 1, 0}, []int{0, 1, 1, 0}))
	assert.Equal(t, 0.0, TokenF1([]int{0, 0, 0}, []int{1, 1, 0}))

	// One hit, one miss, one spurious.
	f1 := TokenF1([]int{1, 0, 2}, []int{1, 2, 0})
	assert.InDelta(t, 0.5, f1, 1e-9)
}
