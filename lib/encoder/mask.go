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

package encoder

import (
	"math/rand"

	"github.com/antflydb/duet/lib/tensor"
)

// MaskRate is the fraction of input tokens replaced by the mask vector for
// the masked-language-model objective.
const MaskRate = 0.15

// InputMask replaces random token rows with a trained mask vector before
// encoding, so the model can be asked to reconstruct them.
type InputMask struct {
	vector *tensor.Tensor // [1, dim]
}

// NewInputMask creates an input mask for the given token width.
func NewInputMask(dim int, rng *rand.Rand) *InputMask {
	return &InputMask{vector: tensor.Param(1, dim, rng)}
}

// Params returns the mask vector parameter.
func (m *InputMask) Params() []tensor.NamedParam {
	return []tensor.NamedParam{{Name: "input_mask.vector", Tensor: m.vector}}
}

// Apply masks random rows of tokens among the first seqLen rows (the
// appended sentence row is never masked). When the draw selects no row at
// all, the first row is force-masked so the loss stays well-defined.
// Returns the masked matrix and the boolean mask of replaced rows.
func (m *InputMask) Apply(tokens *tensor.Tensor, seqLen int, rng *rand.Rand) (*tensor.Tensor, []bool) {
	masked := make([]bool, tokens.Rows)
	any := false
	for i := 0; i < seqLen; i++ {
		if rng.Float64() < MaskRate {
			masked[i] = true
			any = true
		}
	}
	if !any && seqLen > 0 {
		masked[0] = true
	}

	rows := make([]*tensor.Tensor, tokens.Rows)
	for i := range rows {
		if masked[i] {
			rows[i] = m.vector
		} else {
			rows[i] = tensor.SliceRows(tokens, i, i+1)
		}
	}
	return tensor.ConcatRows(rows...), masked
}
