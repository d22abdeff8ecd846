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

// Package transformer implements a multi-head self-attention encoder stack
// over variable-length token sequences. It operates on one example at a
// time; batching is the caller's concern.
package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/antflydb/duet/lib/tensor"
)

// Config sizes the encoder stack.
type Config struct {
	// Layers is the number of encoder layers. Zero layers makes Forward an
	// identity pass.
	Layers int
	// Size is the model dimension. Inputs must already be projected to it.
	Size int
	// Heads is the number of attention heads; must divide Size.
	Heads int
	// DropRate is the dropout rate applied after attention and the
	// feed-forward block during training.
	DropRate float64
	// DropRateAttention is the dropout rate on attention probabilities.
	DropRateAttention float64
	// Unidirectional masks attention to previous positions only.
	Unidirectional bool
}

// Encoder is a stack of self-attention layers with sinusoidal positional
// encoding.
type Encoder struct {
	cfg    Config
	layers []*layer
}

type layer struct {
	wq, wk, wv []*tensor.Tensor // per head, [Size, headDim]
	wo         *tensor.Tensor   // [Size, Size]
	norm1g     *tensor.Tensor
	norm1b     *tensor.Tensor
	ff1        *tensor.Tensor // [Size, 4*Size]
	ff1b       *tensor.Tensor
	ff2        *tensor.Tensor // [4*Size, Size]
	ff2b       *tensor.Tensor
	norm2g     *tensor.Tensor
	norm2b     *tensor.Tensor
}

// New creates an encoder with freshly initialized parameters.
func New(cfg Config, rng *rand.Rand) *Encoder {
	if cfg.Layers > 0 && cfg.Size%cfg.Heads != 0 {
		panic(fmt.Sprintf("transformer: size %d not divisible by %d heads", cfg.Size, cfg.Heads))
	}
	e := &Encoder{cfg: cfg}
	headDim := 0
	if cfg.Heads > 0 {
		headDim = cfg.Size / cfg.Heads
	}
	for i := 0; i < cfg.Layers; i++ {
		l := &layer{
			wo:     tensor.Param(cfg.Size, cfg.Size, rng),
			norm1g: onesParam(cfg.Size),
			norm1b: zerosParam(cfg.Size),
			ff1:    tensor.Param(cfg.Size, 4*cfg.Size, rng),
			ff1b:   zerosParam(4 * cfg.Size),
			ff2:    tensor.Param(4*cfg.Size, cfg.Size, rng),
			ff2b:   zerosParam(cfg.Size),
			norm2g: onesParam(cfg.Size),
			norm2b: zerosParam(cfg.Size),
		}
		for h := 0; h < cfg.Heads; h++ {
			l.wq = append(l.wq, tensor.Param(cfg.Size, headDim, rng))
			l.wk = append(l.wk, tensor.Param(cfg.Size, headDim, rng))
			l.wv = append(l.wv, tensor.Param(cfg.Size, headDim, rng))
		}
		e.layers = append(e.layers, l)
	}
	return e
}

func onesParam(n int) *tensor.Tensor {
	t := tensor.Zeros(1, n)
	for i := range t.Data {
		t.Data[i] = 1
	}
	t.RequiresGrad = true
	t.Grad = make([]float64, n)
	return t
}

func zerosParam(n int) *tensor.Tensor {
	t := tensor.Zeros(1, n)
	t.RequiresGrad = true
	t.Grad = make([]float64, n)
	return t
}

// Params returns all trainable parameters with stable names.
func (e *Encoder) Params() []tensor.NamedParam {
	var out []tensor.NamedParam
	for i, l := range e.layers {
		prefix := fmt.Sprintf("transformer.%d.", i)
		for h := range l.wq {
			out = append(out,
				tensor.NamedParam{Name: fmt.Sprintf("%sattn.q.%d", prefix, h), Tensor: l.wq[h]},
				tensor.NamedParam{Name: fmt.Sprintf("%sattn.k.%d", prefix, h), Tensor: l.wk[h]},
				tensor.NamedParam{Name: fmt.Sprintf("%sattn.v.%d", prefix, h), Tensor: l.wv[h]},
			)
		}
		out = append(out,
			tensor.NamedParam{Name: prefix + "attn.out", Tensor: l.wo},
			tensor.NamedParam{Name: prefix + "norm1.gain", Tensor: l.norm1g},
			tensor.NamedParam{Name: prefix + "norm1.bias", Tensor: l.norm1b},
			tensor.NamedParam{Name: prefix + "ff1.weight", Tensor: l.ff1},
			tensor.NamedParam{Name: prefix + "ff1.bias", Tensor: l.ff1b},
			tensor.NamedParam{Name: prefix + "ff2.weight", Tensor: l.ff2},
			tensor.NamedParam{Name: prefix + "ff2.bias", Tensor: l.ff2b},
			tensor.NamedParam{Name: prefix + "norm2.gain", Tensor: l.norm2g},
			tensor.NamedParam{Name: prefix + "norm2.bias", Tensor: l.norm2b},
		)
	}
	return out
}

// Forward contextualizes x ([T, Size]) under the given validity mask
// (length T, 1 for real positions, 0 for padding). It returns the
// contextualized sequence and the per-layer attention matrices averaged
// over heads, for diagnostics.
func (e *Encoder) Forward(x *tensor.Tensor, mask []float64, training bool, rng *rand.Rand) (*tensor.Tensor, [][]float64) {
	if len(e.layers) == 0 {
		return x, nil
	}
	seqLen := x.Rows
	x = tensor.Add(x, positionalEncoding(seqLen, e.cfg.Size))

	attention := make([][]float64, 0, len(e.layers))
	for _, l := range e.layers {
		var headOuts []*tensor.Tensor
		avg := make([]float64, seqLen*seqLen)
		for h := range l.wq {
			q := tensor.MatMul(x, l.wq[h])
			k := tensor.MatMul(x, l.wk[h])
			v := tensor.MatMul(x, l.wv[h])

			scores := tensor.Scale(tensor.MatMul(q, tensor.Transpose(k)), 1/math.Sqrt(float64(q.Cols)))
			scores = tensor.Add(scores, attentionBias(seqLen, mask, e.cfg.Unidirectional))
			probs := tensor.SoftmaxRows(scores)
			for i, p := range probs.Data {
				avg[i] += p / float64(len(l.wq))
			}
			probs = tensor.Dropout(probs, e.cfg.DropRateAttention, rng, training)
			headOuts = append(headOuts, tensor.MatMul(probs, v))
		}
		attention = append(attention, avg)

		attn := tensor.MatMul(tensor.ConcatCols(headOuts...), l.wo)
		attn = tensor.Dropout(attn, e.cfg.DropRate, rng, training)
		x = tensor.LayerNormRows(tensor.Add(x, attn), l.norm1g, l.norm1b, 1e-6)

		ff := tensor.AddRow(tensor.MatMul(x, l.ff1), l.ff1b)
		ff = tensor.ReLU(ff)
		ff = tensor.AddRow(tensor.MatMul(ff, l.ff2), l.ff2b)
		ff = tensor.Dropout(ff, e.cfg.DropRate, rng, training)
		x = tensor.LayerNormRows(tensor.Add(x, ff), l.norm2g, l.norm2b, 1e-6)
	}
	return x, attention
}

// attentionBias builds the additive score mask: large negative entries for
// padded keys and, when unidirectional, for future positions.
func attentionBias(seqLen int, mask []float64, unidirectional bool) *tensor.Tensor {
	const negInf = -1e9
	bias := tensor.Zeros(seqLen, seqLen)
	for i := 0; i < seqLen; i++ {
		for j := 0; j < seqLen; j++ {
			if (mask != nil && mask[j] == 0) || (unidirectional && j > i) {
				bias.Set(i, j, negInf)
			}
		}
	}
	return bias
}

// positionalEncoding returns the standard sinusoidal position matrix.
func positionalEncoding(seqLen, size int) *tensor.Tensor {
	pe := tensor.Zeros(seqLen, size)
	for pos := 0; pos < seqLen; pos++ {
		for i := 0; i < size; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(size))
			pe.Set(pos, i, math.Sin(angle))
			if i+1 < size {
				pe.Set(pos, i+1, math.Cos(angle))
			}
		}
	}
	return pe
}
