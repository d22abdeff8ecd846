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

package duet

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/antflydb/duet/lib/features"
	"github.com/antflydb/duet/lib/index"
	"github.com/antflydb/duet/lib/tensor"
)

// Model directory artifacts.
const (
	paramsFile    = "params.bin.lz4"
	metadataFile  = "metadata.json"
	labelsFile    = "label_index.json"
	tagSpecsFile  = "entity_tag_specs.json"
	labelDataFile = "label_data.json"
	shapeFile     = "data_example.json"
)

// formatVersion guards against loading artifacts from an incompatible
// layout.
const formatVersion = "1"

type metadata struct {
	Version   string `json:"version"`
	RunID     string `json:"run_id"`
	TrainedAt string `json:"trained_at"`
	Config    Config `json:"config"`
}

// Save writes the trained model to a directory: parameters as a compressed
// blob, everything structural as JSON.
func (c *Classifier) Save(dir string) error {
	if c.model == nil {
		return ErrNotTrained
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("duet: create model dir: %w", err)
	}

	if err := tensor.SaveParams(filepath.Join(dir, paramsFile), c.model.Params()); err != nil {
		return err
	}

	meta := metadata{
		Version:   formatVersion,
		RunID:     c.runID,
		TrainedAt: time.Now().UTC().Format(time.RFC3339),
		Config:    c.cfg,
	}
	if err := writeJSON(filepath.Join(dir, metadataFile), meta); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, labelsFile), c.model.labels); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, tagSpecsFile), c.model.specs); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, labelDataFile), encodeLabelData(c.model.labelData)); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, shapeFile), c.model.shape)
}

// Load reconstructs a classifier from a model directory. The network is
// rebuilt to the persisted shape before the parameters attach, so any
// structural drift fails loudly instead of corrupting inference.
func Load(dir string, logger *zap.Logger) (*Classifier, error) {
	var meta metadata
	if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		return nil, err
	}
	if meta.Version != formatVersion {
		return nil, fmt.Errorf("duet: unsupported model format version %q", meta.Version)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := meta.Config
	cfg.Logger = logger

	labels := &index.LabelIndex{}
	if err := readJSON(filepath.Join(dir, labelsFile), labels); err != nil {
		return nil, err
	}
	var specs []*index.EntityTagSpec
	if err := readJSON(filepath.Join(dir, tagSpecsFile), &specs); err != nil {
		return nil, err
	}
	var labelBlob []featureSetJSON
	if err := readJSON(filepath.Join(dir, labelDataFile), &labelBlob); err != nil {
		return nil, err
	}
	var shape Shape
	if err := readJSON(filepath.Join(dir, shapeFile), &shape); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	model, err := newModel(cfg, labels, specs, decodeLabelData(labelBlob), shape, rng, logger)
	if err != nil {
		return nil, err
	}

	saved, err := tensor.LoadParams(filepath.Join(dir, paramsFile))
	if err != nil {
		return nil, err
	}
	if err := tensor.RestoreParams(model.Params(), saved); err != nil {
		return nil, fmt.Errorf("duet: attach parameters: %w", err)
	}

	return &Classifier{
		cfg:       cfg,
		logger:    logger,
		assembler: newAssembler(cfg, logger),
		model:     model,
		runID:     meta.RunID,
	}, nil
}

// matrixJSON is the JSON form of one feature matrix.
type matrixJSON struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func encodeMatrix(t *tensor.Tensor) *matrixJSON {
	if t == nil {
		return nil
	}
	return &matrixJSON{Rows: t.Rows, Cols: t.Cols, Data: t.Data}
}

func decodeMatrix(m *matrixJSON) *tensor.Tensor {
	if m == nil {
		return nil
	}
	return tensor.New(m.Rows, m.Cols, m.Data)
}

// featureSetJSON is the JSON form of one label's default features.
type featureSetJSON struct {
	SparseSequence *matrixJSON `json:"sparse_sequence,omitempty"`
	SparseSentence *matrixJSON `json:"sparse_sentence,omitempty"`
	DenseSequence  *matrixJSON `json:"dense_sequence,omitempty"`
	DenseSentence  *matrixJSON `json:"dense_sentence,omitempty"`
	OneHot         bool        `json:"one_hot,omitempty"`
}

func encodeLabelData(d *features.LabelData) []featureSetJSON {
	if d == nil {
		return nil
	}
	out := make([]featureSetJSON, len(d.Sets))
	for i, fs := range d.Sets {
		out[i] = featureSetJSON{
			SparseSequence: encodeMatrix(fs.SparseSequence),
			SparseSentence: encodeMatrix(fs.SparseSentence),
			DenseSequence:  encodeMatrix(fs.DenseSequence),
			DenseSentence:  encodeMatrix(fs.DenseSentence),
			OneHot:         d.OneHot,
		}
	}
	return out
}

func decodeLabelData(blob []featureSetJSON) *features.LabelData {
	if len(blob) == 0 {
		return &features.LabelData{}
	}
	d := &features.LabelData{Sets: make([]*features.FeatureSet, len(blob))}
	for i, fs := range blob {
		d.Sets[i] = &features.FeatureSet{
			SparseSequence: decodeMatrix(fs.SparseSequence),
			SparseSentence: decodeMatrix(fs.SparseSentence),
			DenseSequence:  decodeMatrix(fs.DenseSequence),
			DenseSentence:  decodeMatrix(fs.DenseSentence),
		}
		d.OneHot = d.OneHot || fs.OneHot
	}
	return d
}

func writeJSON(path string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("duet: encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("duet: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("duet: read %s: %w", filepath.Base(path), err)
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("duet: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
