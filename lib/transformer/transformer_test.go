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

package transformer

import (
	"math/rand"
	"testing"

	"github.com/antflydb/duet/lib/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLayersIsIdentity(t *testing.T) {
	e := New(Config{Layers: 0, Size: 8, Heads: 2}, rand.New(rand.NewSource(1)))
	x := tensor.Zeros(3, 8)
	out, attention := e.Forward(x, nil, false, nil)
	assert.Same(t, x, out)
	assert.Nil(t, attention)
	assert.Empty(t, e.Params())
}

func TestForwardShapesAndAttention(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	e := New(Config{Layers: 2, Size: 8, Heads: 2, DropRate: 0.1}, rng)

	x := tensor.Param(4, 8, rng).Clone()
	out, attention := e.Forward(x, []float64{1, 1, 1, 0}, false, rng)

	require.Equal(t, 4, out.Rows)
	require.Equal(t, 8, out.Cols)
	require.Len(t, attention, 2)
	assert.Len(t, attention[0], 16)

	// Attention rows are probability distributions over unmasked keys.
	for _, layerAttn := range attention {
		for i := 0; i < 4; i++ {
			var sum float64
			for j := 0; j < 4; j++ {
				sum += layerAttn[i*4+j]
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
			// Padded key never receives attention.
			assert.InDelta(t, 0.0, layerAttn[i*4+3], 1e-9)
		}
	}
}

func TestForwardDeterministicOutsideTraining(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	e := New(Config{Layers: 1, Size: 8, Heads: 2, DropRate: 0.5}, rng)
	x := tensor.Param(3, 8, rng).Clone()

	a, _ := e.Forward(x, nil, false, rand.New(rand.NewSource(1)))
	b, _ := e.Forward(x, nil, false, rand.New(rand.NewSource(2)))
	assert.Equal(t, a.Data, b.Data)
}

func TestUnidirectionalIgnoresFuture(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	e := New(Config{Layers: 1, Size: 8, Heads: 2, Unidirectional: true}, rng)

	x := tensor.Param(3, 8, rng).Clone()
	before, _ := e.Forward(x, nil, false, nil)

	altered := x.Clone()
	for j := 0; j < 8; j++ {
		altered.Set(2, j, altered.At(2, j)+5)
	}
	after, _ := e.Forward(altered, nil, false, nil)

	// Changing the last token must not affect earlier positions.
	assert.Equal(t, before.Row(0), after.Row(0))
	assert.Equal(t, before.Row(1), after.Row(1))
	assert.NotEqual(t, before.Row(2), after.Row(2))
}

func TestParamsAreNamedAndTrainable(t *testing.T) {
	e := New(Config{Layers: 2, Size: 8, Heads: 2}, rand.New(rand.NewSource(5)))
	params := e.Params()
	require.NotEmpty(t, params)

	seen := make(map[string]bool)
	for _, p := range params {
		assert.False(t, seen[p.Name], "duplicate param name %s", p.Name)
		seen[p.Name] = true
		assert.True(t, p.Tensor.RequiresGrad)
	}
}
