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

// Package ner implements the entity tagging heads: per-attribute logits
// layers over contextualized tokens, a linear-chain CRF for structured
// decoding, and span reconstruction from BILOU or flat tag sequences.
package ner

import (
	"math"

	"github.com/antflydb/duet/lib/tensor"
)

// CRF is a linear-chain conditional random field over K tags. Transitions
// are trained jointly with the emission network.
type CRF struct {
	// Transitions[i*K+j] scores moving from tag i to tag j.
	Transitions *tensor.Tensor
	numTags     int
}

// NewCRF creates a CRF with zero-initialized transitions.
func NewCRF(numTags int) *CRF {
	tr := tensor.Zeros(numTags, numTags)
	tr.RequiresGrad = true
	tr.Grad = make([]float64, numTags*numTags)
	return &CRF{Transitions: tr, numTags: numTags}
}

// NLL returns the negative log-likelihood of the gold tag sequence given
// per-token emission scores ([T, K]). The gradient has closed form:
// posterior marginals minus gold indicators for emissions, expected minus
// observed transition counts for the transition matrix.
func (c *CRF) NLL(emissions *tensor.Tensor, tags []int) *tensor.Tensor {
	T, K := emissions.Rows, emissions.Cols
	tr := c.Transitions

	alpha := c.forward(emissions)
	logZ := logSumExp(alpha[T-1])

	score := 0.0
	for t := 0; t < T; t++ {
		score += emissions.At(t, tags[t])
		if t > 0 {
			score += tr.At(tags[t-1], tags[t])
		}
	}
	nll := logZ - score

	return tensor.Fused(1, 1, []float64{nll}, func(out *tensor.Tensor) {
		g := out.Grad[0]
		beta := c.backward(emissions)
		for t := 0; t < T; t++ {
			for k := 0; k < K; k++ {
				marginal := math.Exp(alpha[t][k] + beta[t][k] - logZ)
				grad := marginal
				if tags[t] == k {
					grad -= 1
				}
				emissions.Grad[t*K+k] += g * grad
			}
		}
		for t := 1; t < T; t++ {
			for i := 0; i < K; i++ {
				for j := 0; j < K; j++ {
					pair := math.Exp(alpha[t-1][i] + tr.At(i, j) + emissions.At(t, j) + beta[t][j] - logZ)
					grad := pair
					if tags[t-1] == i && tags[t] == j {
						grad -= 1
					}
					tr.Grad[i*K+j] += g * grad
				}
			}
		}
	}, emissions, tr)
}

// Viterbi returns the highest-scoring tag sequence for the emissions.
func (c *CRF) Viterbi(emissions *tensor.Tensor) []int {
	T, K := emissions.Rows, emissions.Cols
	if T == 0 {
		return nil
	}
	score := make([]float64, K)
	for k := 0; k < K; k++ {
		score[k] = emissions.At(0, k)
	}
	backptr := make([][]int, T)
	for t := 1; t < T; t++ {
		backptr[t] = make([]int, K)
		next := make([]float64, K)
		for j := 0; j < K; j++ {
			best, bi := math.Inf(-1), 0
			for i := 0; i < K; i++ {
				s := score[i] + c.Transitions.At(i, j)
				if s > best {
					best, bi = s, i
				}
			}
			next[j] = best + emissions.At(t, j)
			backptr[t][j] = bi
		}
		score = next
	}

	best, bi := math.Inf(-1), 0
	for k, s := range score {
		if s > best {
			best, bi = s, k
		}
	}
	path := make([]int, T)
	path[T-1] = bi
	for t := T - 1; t > 0; t-- {
		path[t-1] = backptr[t][path[t]]
	}
	return path
}

// Marginals returns per-token posterior tag distributions ([T][K]) from the
// forward-backward algorithm. Used for prediction confidences.
func (c *CRF) Marginals(emissions *tensor.Tensor) [][]float64 {
	T, K := emissions.Rows, emissions.Cols
	if T == 0 {
		return nil
	}
	alpha := c.forward(emissions)
	beta := c.backward(emissions)
	logZ := logSumExp(alpha[T-1])

	out := make([][]float64, T)
	for t := 0; t < T; t++ {
		out[t] = make([]float64, K)
		for k := 0; k < K; k++ {
			out[t][k] = math.Exp(alpha[t][k] + beta[t][k] - logZ)
		}
	}
	return out
}

func (c *CRF) forward(emissions *tensor.Tensor) [][]float64 {
	T, K := emissions.Rows, emissions.Cols
	alpha := make([][]float64, T)
	alpha[0] = append([]float64(nil), emissions.Row(0)...)
	scratch := make([]float64, K)
	for t := 1; t < T; t++ {
		alpha[t] = make([]float64, K)
		for j := 0; j < K; j++ {
			for i := 0; i < K; i++ {
				scratch[i] = alpha[t-1][i] + c.Transitions.At(i, j)
			}
			alpha[t][j] = emissions.At(t, j) + logSumExp(scratch)
		}
	}
	return alpha
}

func (c *CRF) backward(emissions *tensor.Tensor) [][]float64 {
	T, K := emissions.Rows, emissions.Cols
	beta := make([][]float64, T)
	beta[T-1] = make([]float64, K)
	scratch := make([]float64, K)
	for t := T - 2; t >= 0; t-- {
		beta[t] = make([]float64, K)
		for i := 0; i < K; i++ {
			for j := 0; j < K; j++ {
				scratch[j] = c.Transitions.At(i, j) + emissions.At(t+1, j) + beta[t+1][j]
			}
			beta[t][i] = logSumExp(scratch)
		}
	}
	return beta
}

func logSumExp(row []float64) float64 {
	maxv := math.Inf(-1)
	for _, v := range row {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(maxv, -1) {
		return maxv
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(v - maxv)
	}
	return maxv + math.Log(sum)
}
