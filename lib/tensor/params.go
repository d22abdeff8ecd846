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

// NamedParam pairs a trainable tensor with a stable name, used for
// optimizer state and persistence.
type NamedParam struct {
	Name   string
	Tensor *Tensor
}

// ZeroGrads resets the gradients of all params.
func ZeroGrads(params []NamedParam) {
	for _, p := range params {
		p.Tensor.ZeroGrad()
	}
}
