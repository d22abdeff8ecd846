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

package training

import (
	"math"
	"strings"

	"github.com/antflydb/duet/lib/tensor"
)

// Adam holds per-parameter first/second moment estimates keyed by parameter
// name, so optimizer state survives parameter list rebuilds.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	m    map[string][]float64
	v    map[string][]float64
	step int
}

// NewAdam creates an Adam optimizer with the usual moment defaults.
func NewAdam(lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[string][]float64),
		v:     make(map[string][]float64),
	}
}

// Step applies one bias-corrected Adam update. Parameters without gradients
// (untrainable masks) are skipped.
func (a *Adam) Step(params []tensor.NamedParam) {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for _, p := range params {
		t := p.Tensor
		if !t.RequiresGrad || t.Grad == nil {
			continue
		}
		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float64, len(t.Data))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok {
			v = make([]float64, len(t.Data))
			a.v[p.Name] = v
		}
		for i, g := range t.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			t.Data[i] -= a.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Eps)
		}
	}
}

// embedPrefix marks parameters subject to embedding-weight regularization.
const embedPrefix = "embed."

// ApplyL2 adds the L2 regularization gradient c*2*w to embedding-layer
// weights. Call between Backward and Step.
func ApplyL2(params []tensor.NamedParam, c float64) {
	if c == 0 {
		return
	}
	for _, p := range params {
		if !strings.HasPrefix(p.Name, embedPrefix) || !strings.HasSuffix(p.Name, ".weight") {
			continue
		}
		t := p.Tensor
		if !t.RequiresGrad || t.Grad == nil {
			continue
		}
		for i, w := range t.Data {
			t.Grad[i] += 2 * c * w
		}
	}
}
