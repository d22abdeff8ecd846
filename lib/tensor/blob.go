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
	"encoding/gob"
	"fmt"
	"os"

	"github.com/pierrec/lz4/v4"
)

// paramBlob is the on-disk form of one parameter tensor.
type paramBlob struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// SaveParams writes the parameters to path as a gob stream behind lz4.
func SaveParams(path string, params []NamedParam) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tensor: create params file: %w", err)
	}
	defer f.Close()

	zw := lz4.NewWriter(f)
	blobs := make([]paramBlob, len(params))
	for i, p := range params {
		blobs[i] = paramBlob{Name: p.Name, Rows: p.Tensor.Rows, Cols: p.Tensor.Cols, Data: p.Tensor.Data}
	}
	if err := gob.NewEncoder(zw).Encode(blobs); err != nil {
		return fmt.Errorf("tensor: encode params: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("tensor: flush params: %w", err)
	}
	return f.Close()
}

// LoadParams reads a parameter file written by SaveParams.
func LoadParams(path string) (map[string]*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tensor: open params file: %w", err)
	}
	defer f.Close()

	var blobs []paramBlob
	if err := gob.NewDecoder(lz4.NewReader(f)).Decode(&blobs); err != nil {
		return nil, fmt.Errorf("tensor: decode params: %w", err)
	}
	out := make(map[string]*Tensor, len(blobs))
	for _, b := range blobs {
		out[b.Name] = New(b.Rows, b.Cols, b.Data)
	}
	return out, nil
}

// RestoreParams copies saved values into the live parameters. Every live
// parameter must be present with matching shape.
func RestoreParams(params []NamedParam, saved map[string]*Tensor) error {
	for _, p := range params {
		s, ok := saved[p.Name]
		if !ok {
			return fmt.Errorf("tensor: missing saved parameter %q", p.Name)
		}
		if s.Rows != p.Tensor.Rows || s.Cols != p.Tensor.Cols {
			return fmt.Errorf("tensor: parameter %q shape mismatch: saved %dx%d, live %dx%d",
				p.Name, s.Rows, s.Cols, p.Tensor.Rows, p.Tensor.Cols)
		}
		copy(p.Tensor.Data, s.Data)
	}
	return nil
}
