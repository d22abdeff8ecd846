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
	"math/rand"

	"github.com/antflydb/duet/lib/encoder"
	"github.com/antflydb/duet/lib/index"
	"github.com/antflydb/duet/lib/tensor"
)

// Stage is one entity attribute's tagging head: a logits layer over
// contextualized tokens plus a CRF.
type Stage struct {
	Spec   *index.EntityTagSpec
	logits *encoder.Dense
	crf    *CRF
}

// NewStage creates the tagging head for one attribute.
func NewStage(spec *index.EntityTagSpec, inputDim int, rng *rand.Rand) *Stage {
	return &Stage{
		Spec:   spec,
		logits: encoder.NewDense(inputDim, spec.NumTags, 0, false, rng),
		crf:    NewCRF(spec.NumTags),
	}
}

// Params returns the stage's trainable tensors.
func (s *Stage) Params() []tensor.NamedParam {
	out := s.logits.Params("entity." + s.Spec.TagName + ".logits")
	out = append(out, tensor.NamedParam{
		Name:   "entity." + s.Spec.TagName + ".transitions",
		Tensor: s.crf.Transitions,
	})
	return out
}

// Loss returns the CRF negative log-likelihood of the gold tags for one
// example's token matrix ([T, inputDim], real tokens only).
func (s *Stage) Loss(tokens *tensor.Tensor, tags []int) *tensor.Tensor {
	return s.crf.NLL(s.logits.Forward(tokens), tags)
}

// Predict decodes the most likely tag sequence and a per-token confidence
// (the posterior marginal of the chosen tag).
func (s *Stage) Predict(tokens *tensor.Tensor) ([]int, []float64) {
	emissions := s.logits.Forward(tokens)
	tags := s.crf.Viterbi(emissions)
	marginals := s.crf.Marginals(emissions)
	confs := make([]float64, len(tags))
	for t, tag := range tags {
		confs[t] = marginals[t][tag]
	}
	return tags, confs
}

// Pipeline runs the tagging stages in order. The role and group stages
// consume the type stage's tags, one-hot encoded, as an extra input channel:
// gold tags during training, predicted tags at inference.
type Pipeline struct {
	Stages []*Stage
}

// NewPipeline builds stages for the given specs in canonical order. Specs
// for attributes without tags never reach here (no spec is built for them),
// so every stage carries a real vocabulary.
func NewPipeline(specs []*index.EntityTagSpec, inputDim int, rng *rand.Rand) *Pipeline {
	ordered := index.OrderTagSpecs(specs)
	typeSpec := index.SpecFor(ordered, index.AttributeType)

	p := &Pipeline{}
	for _, spec := range ordered {
		dim := inputDim
		if spec.TagName != index.AttributeType && typeSpec != nil {
			dim += typeSpec.NumTags
		}
		p.Stages = append(p.Stages, NewStage(spec, dim, rng))
	}
	return p
}

// Params returns all stages' trainable tensors.
func (p *Pipeline) Params() []tensor.NamedParam {
	var out []tensor.NamedParam
	for _, s := range p.Stages {
		out = append(out, s.Params()...)
	}
	return out
}

// Loss sums the stage losses for one example. tagsByAttr maps attribute name
// to the example's gold tag id sequence; attributes without gold tags and
// examples without tokens contribute nothing. Returns nil when no stage had
// tags to learn from.
func (p *Pipeline) Loss(tokens *tensor.Tensor, tagsByAttr map[string][]int) *tensor.Tensor {
	typeSpec := p.typeSpec()
	var total *tensor.Tensor
	for _, s := range p.Stages {
		tags := tagsByAttr[s.Spec.TagName]
		if len(tags) == 0 {
			continue
		}
		in := tokens
		if s.Spec.TagName != index.AttributeType && typeSpec != nil {
			in = tensor.ConcatCols(tokens, oneHotTags(tagsByAttr[index.AttributeType], typeSpec.NumTags, tokens.Rows))
		}
		loss := s.Loss(in, tags)
		if total == nil {
			total = loss
		} else {
			total = tensor.Add(total, loss)
		}
	}
	return total
}

// Prediction is one attribute's decoded tag sequence.
type Prediction struct {
	Tags        []string
	Confidences []float64
}

// Predict decodes every stage for one example's token matrix, chaining the
// predicted type tags into the role and group stages.
func (p *Pipeline) Predict(tokens *tensor.Tensor) map[string]Prediction {
	typeSpec := p.typeSpec()
	var typeTags []int

	out := make(map[string]Prediction, len(p.Stages))
	for _, s := range p.Stages {
		in := tokens
		if s.Spec.TagName != index.AttributeType && typeSpec != nil {
			in = tensor.ConcatCols(tokens, oneHotTags(typeTags, typeSpec.NumTags, tokens.Rows))
		}
		ids, confs := s.Predict(in)
		if s.Spec.TagName == index.AttributeType {
			typeTags = ids
		}
		names := make([]string, len(ids))
		for t, id := range ids {
			names[t] = s.Spec.IDsToTags[id]
		}
		out[s.Spec.TagName] = Prediction{Tags: names, Confidences: confs}
	}
	return out
}

func (p *Pipeline) typeSpec() *index.EntityTagSpec {
	for _, s := range p.Stages {
		if s.Spec.TagName == index.AttributeType {
			return s.Spec
		}
	}
	return nil
}

// oneHotTags encodes a tag id sequence as a [T, numTags] matrix. Missing
// tags (nil sequence) encode as all no-entity rows.
func oneHotTags(tags []int, numTags, rows int) *tensor.Tensor {
	m := tensor.Zeros(rows, numTags)
	for t := 0; t < rows; t++ {
		id := 0
		if t < len(tags) {
			id = tags[t]
		}
		m.Set(t, id, 1)
	}
	return m
}

// TokenF1 is a micro-averaged F1 over non-empty tags, used as the training
// metric for entity stages.
func TokenF1(pred, gold []int) float64 {
	var tp, fp, fn float64
	for t := range gold {
		p, g := 0, gold[t]
		if t < len(pred) {
			p = pred[t]
		}
		switch {
		case p != 0 && p == g:
			tp++
		case p != 0 && p != g:
			fp++
			if g != 0 {
				fn++
			}
		case p == 0 && g != 0:
			fn++
		}
	}
	if tp == 0 {
		return 0
	}
	precision := tp / (tp + fp)
	recall := tp / (tp + fn)
	return 2 * precision * recall / (precision + recall)
}
