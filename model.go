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

	"go.uber.org/zap"

	"github.com/antflydb/duet/lib/classification"
	"github.com/antflydb/duet/lib/encoder"
	"github.com/antflydb/duet/lib/features"
	"github.com/antflydb/duet/lib/index"
	"github.com/antflydb/duet/lib/ner"
	"github.com/antflydb/duet/lib/tensor"
	"github.com/antflydb/duet/lib/transformer"
)

// Shape pins the feature layout the model was built for. Persisted with the
// model and compared on load, so a structurally different featurization
// cannot silently attach to trained parameters.
type Shape struct {
	Text  features.Widths `json:"text"`
	Label features.Widths `json:"label"`
}

// Model is the joint intent/entity network: one tower per attribute, a
// shared transformer over text tokens, and one head per enabled task.
type Model struct {
	cfg    Config
	logger *zap.Logger

	labels    *index.LabelIndex
	specs     []*index.EntityTagSpec
	labelData *features.LabelData
	shape     Shape

	textTower    *encoder.Tower
	labelTower   *encoder.Tower
	preTransform *encoder.Dense // projects tower output to TransformerSize
	encoder      *transformer.Encoder
	inputMask    *encoder.InputMask
	mlmHead      *classification.Head
	intentHead   *classification.Head
	entities     *ner.Pipeline
}

// newModel wires the network for a fixed feature shape. The rng only seeds
// parameter initialization.
func newModel(
	cfg Config,
	labels *index.LabelIndex,
	specs []*index.EntityTagSpec,
	labelData *features.LabelData,
	shape Shape,
	rng *rand.Rand,
	logger *zap.Logger,
) (*Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Model{
		cfg:       cfg,
		logger:    logger,
		labels:    labels,
		specs:     index.OrderTagSpecs(specs),
		labelData: labelData,
		shape:     shape,
	}

	m.textTower = encoder.NewTower(features.AttributeText, towerConfig(cfg, features.AttributeText), shape.Text, rng)
	if cfg.IntentClassification {
		m.labelTower = encoder.NewTower(features.AttributeLabel, towerConfig(cfg, features.AttributeLabel), shape.Label, rng)
		if cfg.ShareHiddenLayers {
			if err := m.labelTower.ShareFFNN(m.textTower); err != nil {
				return nil, fmt.Errorf("duet: share hidden layers: %w", err)
			}
		}
	}

	encDim := m.textTower.OutputDim()
	if cfg.NumTransformerLayers > 0 {
		if encDim != cfg.TransformerSize {
			m.preTransform = encoder.NewDense(encDim, cfg.TransformerSize, cfg.WeightSparsity, false, rng)
		}
		encDim = cfg.TransformerSize
		m.encoder = transformer.New(transformer.Config{
			Layers:            cfg.NumTransformerLayers,
			Size:              cfg.TransformerSize,
			Heads:             cfg.NumHeads,
			DropRate:          cfg.DropRate,
			DropRateAttention: cfg.DropRateAttention,
			Unidirectional:    cfg.Unidirectional,
		}, rng)
	}

	if cfg.MaskedLM {
		m.inputMask = encoder.NewInputMask(encDim, rng)
		mlmCfg := cfg.similarity()
		mlmCfg.Name = "mlm"
		m.mlmHead = classification.NewHead(mlmCfg, encDim, encDim, rng)
	}
	if cfg.IntentClassification {
		m.intentHead = classification.NewHead(cfg.similarity(), encDim, m.labelTower.OutputDim(), rng)
	}
	if cfg.EntityRecognition && len(m.specs) > 0 {
		m.entities = ner.NewPipeline(m.specs, encDim, rng)
	}
	return m, nil
}

func towerConfig(cfg Config, attribute string) encoder.TowerConfig {
	return encoder.TowerConfig{
		DenseDim:           cfg.DenseDimension[attribute],
		ConcatDim:          cfg.ConcatDimension[attribute],
		HiddenLayers:       cfg.HiddenLayersSizes[attribute],
		DropRate:           cfg.DropRate,
		SparseInputDropout: cfg.SparseInputDropout,
		DenseInputDropout:  cfg.DenseInputDropout,
		WeightSparsity:     cfg.WeightSparsity,
	}
}

// Params returns every named tensor of the model.
func (m *Model) Params() []tensor.NamedParam {
	out := m.textTower.Params()
	if m.labelTower != nil {
		out = append(out, m.labelTower.Params()...)
	}
	if m.preTransform != nil {
		out = append(out, m.preTransform.Params("pre_transform")...)
	}
	if m.encoder != nil {
		out = append(out, m.encoder.Params()...)
	}
	if m.inputMask != nil {
		out = append(out, m.inputMask.Params()...)
	}
	if m.mlmHead != nil {
		out = append(out, m.mlmHead.Params()...)
	}
	if m.intentHead != nil {
		out = append(out, m.intentHead.Params()...)
	}
	if m.entities != nil {
		out = append(out, m.entities.Params()...)
	}
	return out
}

// encoded is the per-example encoder output.
type encoded struct {
	tokens    *tensor.Tensor // contextualized, sentence row included
	combined  *encoder.Combined
	preMask   *tensor.Tensor // transformer input before masking
	masked    []bool         // nil unless MLM masking ran
	attention [][]float64
}

func (m *Model) encodeText(fs *features.FeatureSet, training bool, rng *rand.Rand) (*encoded, error) {
	c, err := m.textTower.Combine(fs, training, rng)
	if err != nil {
		return nil, err
	}
	tokens := c.Tokens
	if m.preTransform != nil {
		tokens = m.preTransform.Forward(tokens)
	}
	e := &encoded{combined: c, preMask: tokens}
	if training && m.inputMask != nil {
		tokens, e.masked = m.inputMask.Apply(tokens, c.SeqLen, rng)
	}
	if m.encoder != nil {
		e.tokens, e.attention = m.encoder.Forward(tokens, nil, training, rng)
	} else {
		e.tokens = tokens
	}
	return e, nil
}

func (e *encoded) summary() *tensor.Tensor {
	i := e.combined.SummaryIndex()
	return tensor.SliceRows(e.tokens, i, i+1)
}

func (e *encoded) realTokens() *tensor.Tensor {
	if e.combined.SeqLen == 0 {
		return e.tokens
	}
	return tensor.SliceRows(e.tokens, 0, e.combined.SeqLen)
}

// labelMatrix stacks the bag-of-words label vectors in label id order.
func (m *Model) labelMatrix(training bool, rng *rand.Rand) (*tensor.Tensor, error) {
	rows := make([]*tensor.Tensor, len(m.labelData.Sets))
	for id, fs := range m.labelData.Sets {
		row, err := m.labelTower.BagOfWords(fs, training, rng)
		if err != nil {
			return nil, fmt.Errorf("duet: label %q: %w", m.labels.Name(id), err)
		}
		rows[id] = row
	}
	return tensor.ConcatRows(rows...), nil
}

// AllLabelsEmbedding precomputes the embedded label matrix for inference.
func (m *Model) AllLabelsEmbedding() (*tensor.Tensor, error) {
	raw, err := m.labelMatrix(false, nil)
	if err != nil {
		return nil, err
	}
	return m.intentHead.EmbedLabels(raw), nil
}

// BatchLoss computes the mean multi-task loss over a batch and per-task
// metric means. Implements training.Trainable.
func (m *Model) BatchLoss(batch *features.ModelBatch, training bool, rng *rand.Rand) (*tensor.Tensor, map[string]float64, error) {
	n := batch.Size()
	if n == 0 {
		return nil, nil, fmt.Errorf("duet: empty batch")
	}

	var labelsE *tensor.Tensor
	if m.intentHead != nil {
		if batch.LabelIDs == nil {
			return nil, nil, fmt.Errorf("duet: intent classification requires label ids in the batch")
		}
		raw, err := m.labelMatrix(training, rng)
		if err != nil {
			return nil, nil, err
		}
		labelsE = m.intentHead.EmbedLabels(raw)
	}

	var total *tensor.Tensor
	var iCorrect, iCount, eF1Sum, eCount, mCorrect, mCount float64
	add := func(loss *tensor.Tensor) {
		if total == nil {
			total = loss
		} else {
			total = tensor.Add(total, loss)
		}
	}

	for i := 0; i < n; i++ {
		fs := batch.FeatureSetAt(features.AttributeText, i)
		enc, err := m.encodeText(fs, training, rng)
		if err != nil {
			return nil, nil, err
		}

		if m.intentHead != nil {
			loss, correct := m.intentHead.Loss(m.intentHead.EmbedText(enc.summary()), labelsE, batch.LabelIDs[i], rng)
			add(loss)
			iCount++
			if correct {
				iCorrect++
			}
		}

		if m.entities != nil && len(batch.TagIDs) > 0 && enc.combined.SeqLen > 0 {
			tags := make(map[string][]int, len(batch.TagIDs))
			for attr, all := range batch.TagIDs {
				tags[attr] = all[i]
			}
			real := enc.realTokens()
			if loss := m.entities.Loss(real, tags); loss != nil {
				add(loss)
			}
			if gold, ok := tags[index.AttributeType]; ok {
				pred, _ := m.entities.Stages[0].Predict(real)
				eF1Sum += ner.TokenF1(pred, gold)
				eCount++
			}
		}

		if m.mlmHead != nil && enc.masked != nil && enc.combined.SeqLen > 0 {
			golds := m.mlmHead.EmbedLabels(tensor.SliceRows(enc.preMask, 0, enc.combined.SeqLen))
			for p := 0; p < enc.combined.SeqLen; p++ {
				if !enc.masked[p] {
					continue
				}
				predicted := m.mlmHead.EmbedText(tensor.SliceRows(enc.tokens, p, p+1))
				loss, correct := m.mlmHead.Loss(predicted, golds, p, rng)
				add(loss)
				mCount++
				if correct {
					mCorrect++
				}
			}
		}
	}

	if total == nil {
		return nil, nil, fmt.Errorf("duet: batch produced no loss terms")
	}
	metrics := map[string]float64{}
	if iCount > 0 {
		metrics["i_acc"] = iCorrect / iCount
	}
	if eCount > 0 {
		metrics["e_f1"] = eF1Sum / eCount
	}
	if mCount > 0 {
		metrics["m_acc"] = mCorrect / mCount
	}
	return tensor.Scale(total, 1/float64(n)), metrics, nil
}

// prediction is the raw per-message model output.
type prediction struct {
	ranked    []classification.Ranked
	tags      map[string]ner.Prediction
	attention [][]float64
	summary   []float64
}

// predict runs the network on one example's text features. labelsE may be
// nil when intent classification is disabled.
func (m *Model) predict(fs *features.FeatureSet, labelsE *tensor.Tensor) (*prediction, error) {
	enc, err := m.encodeText(fs, false, nil)
	if err != nil {
		return nil, err
	}
	p := &prediction{attention: enc.attention}
	summary := enc.summary()
	p.summary = append(p.summary, summary.Row(0)...)

	if m.intentHead != nil && labelsE != nil {
		p.ranked = m.intentHead.Score(m.intentHead.EmbedText(summary), labelsE)
	}
	if m.entities != nil && enc.combined.SeqLen > 0 {
		p.tags = m.entities.Predict(enc.realTokens())
	}
	return p, nil
}
