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

package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkGradient compares analytic gradients of loss(param) against central
// finite differences.
func checkGradient(t *testing.T, param *Tensor, loss func() *Tensor) {
	t.Helper()

	param.ZeroGrad()
	out := loss()
	out.Backward()
	analytic := make([]float64, len(param.Grad))
	copy(analytic, param.Grad)

	const eps = 1e-5
	for i := range param.Data {
		orig := param.Data[i]
		param.Data[i] = orig + eps
		up := loss().Value()
		param.Data[i] = orig - eps
		down := loss().Value()
		param.Data[i] = orig
		numeric := (up - down) / (2 * eps)
		assert.InDeltaf(t, numeric, analytic[i], 1e-4, "gradient mismatch at %d", i)
	}
}

func TestMatMulGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := Param(3, 4, rng)
	b := Param(4, 2, rng)

	checkGradient(t, a, func() *Tensor { return SumAll(MatMul(a, b)) })
	checkGradient(t, b, func() *Tensor { return SumAll(MatMul(a, b)) })
}

func TestSoftmaxRowsGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := Param(2, 5, rng)
	w := New(2, 5, []float64{0.3, -1, 2, 0.1, 0.7, 1, 0.4, -0.2, 0.9, -1.5})

	checkGradient(t, a, func() *Tensor { return SumAll(Mul(SoftmaxRows(a), w)) })
}

func TestLogSumExpRowsGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := Param(3, 4, rng)

	checkGradient(t, a, func() *Tensor { return SumAll(LogSumExpRows(a)) })
}

func TestLayerNormRowsGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a := Param(2, 6, rng)
	gamma := Param(1, 6, rng)
	beta := Param(1, 6, rng)

	loss := func() *Tensor {
		return SumAll(MulCol(LayerNormRows(a, gamma, beta, 1e-5), New(2, 1, []float64{1, 0.5})))
	}
	checkGradient(t, a, loss)
	checkGradient(t, gamma, loss)
	checkGradient(t, beta, loss)
}

func TestL2NormalizeRowsGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := Param(2, 4, rng)
	w := New(2, 4, []float64{1, -0.3, 0.2, 0.8, -0.5, 0.1, 0.9, -0.7})

	checkGradient(t, a, func() *Tensor { return SumAll(Mul(L2NormalizeRows(a), w)) })
}

func TestGatherAndConcat(t *testing.T) {
	a := FromRows([][]float64{{1, 2}, {3, 4}, {5, 6}})

	g := GatherRows(a, []int{2, 0, 2})
	require.Equal(t, 3, g.Rows)
	assert.Equal(t, []float64{5, 6, 1, 2, 5, 6}, g.Data)

	c := ConcatCols(a, a)
	require.Equal(t, 4, c.Cols)
	assert.Equal(t, []float64{1, 2, 1, 2}, c.Data[:4])

	r := ConcatRows(a, FromRows([][]float64{{7, 8}}))
	require.Equal(t, 4, r.Rows)
	assert.Equal(t, []float64{7, 8}, r.Data[6:])
}

func TestGatherRowsGradientAccumulates(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	a := Param(3, 2, rng)

	out := SumAll(GatherRows(a, []int{1, 1, 0}))
	out.Backward()

	assert.Equal(t, []float64{1, 1, 2, 2, 0, 0}, a.Grad)
}

func TestSliceRows(t *testing.T) {
	a := FromRows([][]float64{{1, 2}, {3, 4}, {5, 6}})
	s := SliceRows(a, 1, 3)
	require.Equal(t, 2, s.Rows)
	assert.Equal(t, []float64{3, 4, 5, 6}, s.Data)
}

func TestMaxRows(t *testing.T) {
	a := FromRows([][]float64{{1, 9, 3}, {-2, -7, -1}})
	m := MaxRows(a)
	assert.Equal(t, []float64{9, -1}, m.Data)
}

func TestBackwardThroughChain(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w1 := Param(3, 4, rng)
	w2 := Param(4, 1, rng)
	x := New(2, 3, []float64{0.5, -1, 2, 1.5, 0.3, -0.4})

	loss := func() *Tensor { return MeanAll(MatMul(ReLU(MatMul(x, w1)), w2)) }
	checkGradient(t, w1, loss)
	checkGradient(t, w2, loss)
}

func TestDropoutDisabledIsIdentity(t *testing.T) {
	a := FromRows([][]float64{{1, 2, 3}})
	rng := rand.New(rand.NewSource(8))
	assert.Same(t, a, Dropout(a, 0.5, rng, false))
	assert.Same(t, a, Dropout(a, 0, rng, true))
}
