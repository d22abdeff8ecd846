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

// Dense is a fully connected layer, optionally with a fixed random sparsity
// mask over its weights and a ReLU activation.
type Dense struct {
	W    *tensor.Tensor
	B    *tensor.Tensor
	Mask *tensor.Tensor // fixed binary mask, nil when sparsity is 0
	relu bool
}

// NewDense creates a layer mapping in -> out. sparsity is the fraction of
// weights permanently pinned to zero.
func NewDense(in, out int, sparsity float64, relu bool, rng *rand.Rand) *Dense {
	d := &Dense{
		W:    tensor.Param(in, out, rng),
		B:    zerosParam(out),
		relu: relu,
	}
	if sparsity > 0 {
		mask := tensor.Zeros(in, out)
		for i := range mask.Data {
			if rng.Float64() >= sparsity {
				mask.Data[i] = 1
			}
		}
		// Keep at least one live weight per output column.
		for j := 0; j < out; j++ {
			alive := false
			for i := 0; i < in; i++ {
				if mask.At(i, j) != 0 {
					alive = true
					break
				}
			}
			if !alive {
				mask.Set(rng.Intn(in), j, 1)
			}
		}
		d.Mask = mask
	}
	return d
}

// Forward applies the layer to x ([R, in] -> [R, out]).
func (d *Dense) Forward(x *tensor.Tensor) *tensor.Tensor {
	w := d.W
	if d.Mask != nil {
		w = tensor.Mul(d.W, d.Mask)
	}
	out := tensor.AddRow(tensor.MatMul(x, w), d.B)
	if d.relu {
		out = tensor.ReLU(out)
	}
	return out
}

// OutputDim returns the layer's output width.
func (d *Dense) OutputDim() int { return d.W.Cols }

// Params returns the layer's tensors under the given name prefix. The
// sparsity mask is included (untrainable) so reloaded models keep the same
// effective weights.
func (d *Dense) Params(prefix string) []tensor.NamedParam {
	out := []tensor.NamedParam{
		{Name: prefix + ".weight", Tensor: d.W},
		{Name: prefix + ".bias", Tensor: d.B},
	}
	if d.Mask != nil {
		out = append(out, tensor.NamedParam{Name: prefix + ".mask", Tensor: d.Mask})
	}
	return out
}

func zerosParam(n int) *tensor.Tensor {
	t := tensor.Zeros(1, n)
	t.RequiresGrad = true
	t.Grad = make([]float64, n)
	return t
}
