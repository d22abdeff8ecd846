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

// Package classification implements the intent similarity head: text and
// label vectors are embedded into a shared space and scored against each
// other, StarSpace style. Training uses sampled negatives; inference ranks
// every known label.
package classification

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/antflydb/duet/lib/encoder"
	"github.com/antflydb/duet/lib/tensor"
)

// Similarity types.
const (
	SimilarityAuto   = "auto"
	SimilarityCosine = "cosine"
	SimilarityInner  = "inner"
)

// Loss types.
const (
	LossCrossEntropy = "cross_entropy"
	LossMargin       = "margin"
)

// Confidence modes.
const (
	ConfidenceSoftmax    = "softmax"
	ConfidenceLinearNorm = "linear_norm"
)

// Config controls the similarity head.
type Config struct {
	// Name distinguishes multiple heads' parameters ("" = the default
	// intent head).
	Name string
	// EmbeddingDim is the width of the shared embedding space.
	EmbeddingDim int
	// NumNeg is the number of negative labels sampled per example.
	NumNeg int
	// SimilarityType is auto, cosine or inner. Auto resolves to inner for
	// cross_entropy loss and cosine for margin loss.
	SimilarityType string
	// LossType is cross_entropy or margin.
	LossType string
	// MaxPosSim and MaxNegSim bound similarities under margin loss.
	MaxPosSim float64
	MaxNegSim float64
	// UseMaxNegSim takes only the hardest negative into the margin loss
	// instead of averaging over all sampled negatives.
	UseMaxNegSim bool
	// NegativeMarginScale weights the penalty on similarity between the
	// gold label embedding and negative label embeddings.
	NegativeMarginScale float64
	// ConstrainSimilarities adds a sigmoid term to the cross_entropy loss
	// keeping similarities in a bounded range.
	ConstrainSimilarities bool
	// ScaleLoss down-weights examples the model already ranks correctly
	// with high confidence. Only applies to cross_entropy loss.
	ScaleLoss bool
	// ModelConfidence is softmax or linear_norm.
	ModelConfidence string
	// RankingLength truncates the returned ranking, 0 keeps all labels.
	RankingLength int
	// RenormalizeConfidences rescales truncated softmax confidences to
	// sum to one. Ignored for linear_norm.
	RenormalizeConfidences bool
}

// Head embeds text summaries and label vectors into a shared space and
// scores them against each other.
type Head struct {
	cfg        Config
	textEmbed  *encoder.Dense
	labelEmbed *encoder.Dense
}

// NewHead creates a similarity head over the given input widths.
func NewHead(cfg Config, textDim, labelDim int, rng *rand.Rand) *Head {
	return &Head{
		cfg:        cfg,
		textEmbed:  encoder.NewDense(textDim, cfg.EmbeddingDim, 0, false, rng),
		labelEmbed: encoder.NewDense(labelDim, cfg.EmbeddingDim, 0, false, rng),
	}
}

// Params returns the head's trainable tensors. The "embed." prefix marks
// them for embedding-weight regularization.
func (h *Head) Params() []tensor.NamedParam {
	prefix := "embed."
	if h.cfg.Name != "" {
		prefix += h.cfg.Name + "."
	}
	out := h.textEmbed.Params(prefix + "text")
	out = append(out, h.labelEmbed.Params(prefix+"label")...)
	return out
}

// ResolvedSimilarity returns the effective similarity type.
func (h *Head) ResolvedSimilarity() string {
	if h.cfg.SimilarityType != SimilarityAuto {
		return h.cfg.SimilarityType
	}
	if h.cfg.LossType == LossMargin {
		return SimilarityCosine
	}
	return SimilarityInner
}

// EmbedText maps text summary vectors ([R, textDim]) into the shared space.
func (h *Head) EmbedText(x *tensor.Tensor) *tensor.Tensor {
	return h.normalize(h.textEmbed.Forward(x))
}

// EmbedLabels maps label vectors ([L, labelDim]) into the shared space.
func (h *Head) EmbedLabels(x *tensor.Tensor) *tensor.Tensor {
	return h.normalize(h.labelEmbed.Forward(x))
}

func (h *Head) normalize(x *tensor.Tensor) *tensor.Tensor {
	if h.ResolvedSimilarity() == SimilarityCosine {
		return tensor.L2NormalizeRows(x)
	}
	return x
}

// Loss scores one example's embedded text summary ([1, E]) against the
// embedded label matrix ([L, E]) with the gold label at row goldID. Returns
// the scalar loss and whether the gold label won the full ranking.
func (h *Head) Loss(textE *tensor.Tensor, labelsE *tensor.Tensor, goldID int, rng *rand.Rand) (*tensor.Tensor, bool) {
	negs := sampleNegatives(labelsE.Rows, goldID, h.cfg.NumNeg, rng)

	goldE := tensor.GatherRows(labelsE, []int{goldID})
	simPos := tensor.MatMul(textE, tensor.Transpose(goldE)) // [1,1]

	var simNeg *tensor.Tensor // [1, len(negs)], nil when no negatives exist
	if len(negs) > 0 {
		negE := tensor.GatherRows(labelsE, negs)
		simNeg = tensor.MatMul(textE, tensor.Transpose(negE))
	}

	var loss *tensor.Tensor
	switch h.cfg.LossType {
	case LossMargin:
		loss = h.marginLoss(simPos, simNeg, goldE, labelsE, negs)
	default:
		loss = h.crossEntropyLoss(simPos, simNeg)
	}
	return loss, h.rankCorrect(textE, labelsE, goldID)
}

func (h *Head) crossEntropyLoss(simPos, simNeg *tensor.Tensor) *tensor.Tensor {
	candidates := simPos
	if simNeg != nil {
		candidates = tensor.ConcatCols(simPos, simNeg)
	}
	loss := tensor.Sub(tensor.LogSumExpRows(candidates), simPos)
	if h.cfg.ScaleLoss {
		// Constant (non-differentiated) scale: confident correct examples
		// contribute less, hard examples keep full weight.
		p := math.Exp(-loss.Value())
		loss = tensor.Scale(loss, math.Pow(1-p, 4))
	}
	if h.cfg.ConstrainSimilarities {
		// Sigmoid term pushing the gold similarity up and negatives down
		// in absolute terms, not only relative to each other.
		loss = tensor.Add(loss, tensor.Softplus(tensor.Scale(simPos, -1)))
		if simNeg != nil {
			loss = tensor.Add(loss, tensor.MeanAll(tensor.Softplus(simNeg)))
		}
	}
	return loss
}

func (h *Head) marginLoss(simPos, simNeg, goldE, labelsE *tensor.Tensor, negs []int) *tensor.Tensor {
	loss := tensor.ReLU(tensor.AddScalar(tensor.Scale(simPos, -1), h.cfg.MaxPosSim))
	if simNeg != nil {
		loss = tensor.Add(loss, h.negativePenalty(simNeg))

		// Keep the gold label embedding itself away from the negatives.
		simLL := tensor.MatMul(goldE, tensor.Transpose(tensor.GatherRows(labelsE, negs)))
		loss = tensor.Add(loss, tensor.Scale(h.negativePenalty(simLL), h.cfg.NegativeMarginScale))
	}
	return loss
}

func (h *Head) negativePenalty(simNeg *tensor.Tensor) *tensor.Tensor {
	if h.cfg.UseMaxNegSim {
		return tensor.ReLU(tensor.AddScalar(tensor.MaxRows(simNeg), h.cfg.MaxNegSim))
	}
	return tensor.MeanAll(tensor.ReLU(tensor.AddScalar(simNeg, h.cfg.MaxNegSim)))
}

func (h *Head) rankCorrect(textE, labelsE *tensor.Tensor, goldID int) bool {
	sims := tensor.MatMul(textE, tensor.Transpose(labelsE))
	best, bestID := math.Inf(-1), -1
	for id, s := range sims.Data {
		if s > best {
			best, bestID = s, id
		}
	}
	return bestID == goldID
}

func sampleNegatives(numLabels, goldID, numNeg int, rng *rand.Rand) []int {
	others := make([]int, 0, numLabels-1)
	for id := 0; id < numLabels; id++ {
		if id != goldID {
			others = append(others, id)
		}
	}
	if len(others) <= numNeg {
		return others
	}
	rng.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	out := others[:numNeg]
	sort.Ints(out)
	return out
}

// Ranked is one entry of an inference ranking.
type Ranked struct {
	ID         int
	Similarity float64
	Confidence float64
}

// Score ranks every label against the embedded text summary ([1, E]).
// Entries come back ordered by descending confidence with ties broken by
// ascending label id, truncated to RankingLength.
func (h *Head) Score(textE, labelsE *tensor.Tensor) []Ranked {
	sims := tensor.MatMul(textE, tensor.Transpose(labelsE)).Data
	confs := h.confidences(sims)

	out := make([]Ranked, len(sims))
	for id := range sims {
		out[id] = Ranked{ID: id, Similarity: sims[id], Confidence: confs[id]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})

	if h.cfg.RankingLength > 0 && len(out) > h.cfg.RankingLength {
		out = out[:h.cfg.RankingLength]
		if h.cfg.ModelConfidence == ConfidenceSoftmax && h.cfg.RenormalizeConfidences {
			var sum float64
			for _, r := range out {
				sum += r.Confidence
			}
			if sum > 0 {
				for i := range out {
					out[i].Confidence /= sum
				}
			}
		}
	}
	return out
}

func (h *Head) confidences(sims []float64) []float64 {
	out := make([]float64, len(sims))
	switch h.cfg.ModelConfidence {
	case ConfidenceLinearNorm:
		var sum float64
		for i, s := range sims {
			out[i] = math.Max(s, 0)
			sum += out[i]
		}
		if sum > 0 {
			for i := range out {
				out[i] /= sum
			}
		}
	default:
		maxv := math.Inf(-1)
		for _, s := range sims {
			if s > maxv {
				maxv = s
			}
		}
		var sum float64
		for i, s := range sims {
			out[i] = math.Exp(s - maxv)
			sum += out[i]
		}
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

// Validate rejects unknown enum values.
func (c Config) Validate() error {
	switch c.SimilarityType {
	case SimilarityAuto, SimilarityCosine, SimilarityInner:
	default:
		return fmt.Errorf("classification: unknown similarity type %q", c.SimilarityType)
	}
	switch c.LossType {
	case LossCrossEntropy, LossMargin:
	default:
		return fmt.Errorf("classification: unknown loss type %q", c.LossType)
	}
	switch c.ModelConfidence {
	case ConfidenceSoftmax, ConfidenceLinearNorm:
	default:
		return fmt.Errorf("classification: unknown model confidence %q", c.ModelConfidence)
	}
	if c.ModelConfidence == ConfidenceLinearNorm && c.LossType == LossMargin {
		return fmt.Errorf("classification: linear_norm confidence requires cross_entropy loss")
	}
	return nil
}
