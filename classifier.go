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
	"context"
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/antflydb/duet/lib/features"
	"github.com/antflydb/duet/lib/index"
	"github.com/antflydb/duet/lib/ner"
	"github.com/antflydb/duet/lib/tensor"
	"github.com/antflydb/duet/lib/training"
)

// ExtractorName is attached to every entity this component produces.
const ExtractorName = "DuetClassifier"

// ErrNotTrained is returned when inference is requested before a model has
// been trained or loaded.
var ErrNotTrained = errors.New("duet: classifier has no trained model")

// Classifier is the joint intent classifier and entity extractor.
type Classifier struct {
	cfg    Config
	logger *zap.Logger

	assembler *features.Assembler
	model     *Model
	runID     string
}

// New creates a classifier from a validated config.
func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		cfg:       cfg,
		logger:    logger,
		assembler: newAssembler(cfg, logger),
	}, nil
}

func newAssembler(cfg Config, logger *zap.Logger) *features.Assembler {
	return features.NewAssembler(features.Options{
		IntentClassification: cfg.IntentClassification,
		EntityRecognition:    cfg.EntityRecognition,
		NumTransformerLayers: cfg.NumTransformerLayers,
		BILOU:                cfg.BILOU,
		LabelAttribute:       "intent",
		Logger:               logger,
	})
}

// Train fits the model on featurized examples. Training is skipped (with a
// log line, not an error) when there is no data, or when intent
// classification is the only task and fewer than two distinct intents
// exist. Entity recognition downgrades silently when no entity annotations
// are present.
func (c *Classifier) Train(ctx context.Context, examples []*features.Example) (*training.Report, error) {
	if len(examples) == 0 {
		c.logger.Warn("Skipping training, no training examples were provided")
		return nil, nil
	}

	cfg := c.cfg
	labels := c.buildLabelIndex(examples)
	if cfg.IntentClassification && labels.Len() < 2 {
		c.logger.Error("Cannot train an intent classifier as fewer than two distinct intents are present in the training data, skipping training of the classifier",
			zap.Int("num_intents", labels.Len()))
		cfg.IntentClassification = false
	}

	var specs []*index.EntityTagSpec
	if cfg.EntityRecognition {
		tagged := make([]index.TaggedExample, len(examples))
		for i, ex := range examples {
			tagged[i] = ex
		}
		specs = index.BuildTagSpecs(tagged, cfg.BILOU)
		if len(specs) == 0 {
			c.logger.Warn("Entity recognition was requested but no annotated entities are present in the training data, skipping the entity heads")
			cfg.EntityRecognition = false
		}
	}
	if !cfg.IntentClassification && !cfg.EntityRecognition {
		c.logger.Warn("Skipping training, no trainable task remains")
		return nil, nil
	}

	assembler := newAssembler(cfg, c.logger)
	var labelData *features.LabelData
	if cfg.IntentClassification {
		var err error
		labelData, err = assembler.BuildLabelData(examples, labels)
		if err != nil {
			return nil, fmt.Errorf("duet: build label data: %w", err)
		}
	}

	batch, err := assembler.Build(examples, labels, specs, labelData, true)
	if err != nil {
		return nil, fmt.Errorf("duet: assemble training batch: %w", err)
	}
	if batch.Size() == 0 {
		c.logger.Warn("Skipping training, no usable examples remain after filtering")
		return nil, nil
	}

	seed := training.ResolveSeed(cfg.Seed)
	rng := rand.New(rand.NewSource(seed))
	model, err := newModel(cfg, labels, specs, labelData, batchShape(batch, labelData), rng, c.logger)
	if err != nil {
		return nil, err
	}

	trainer := training.New(training.Config{
		Epochs:         cfg.Epochs,
		BatchSizes:     cfg.BatchSizes,
		Strategy:       cfg.BatchStrategy,
		LearningRate:   cfg.LearningRate,
		Regularization: cfg.Regularization,
		EvalEpochs:     cfg.EvalEpochs,
		EvalExamples:   cfg.EvalExamples,
		Checkpoint:     cfg.Checkpoint,
		CheckpointDir:  cfg.CheckpointDir,
		Seed:           seed,
		Logger:         c.logger,
	})
	report, err := trainer.Run(ctx, model, batch)
	if err != nil {
		return nil, err
	}

	c.cfg = cfg
	c.assembler = assembler
	c.model = model
	c.runID = report.RunID
	return report, nil
}

func (c *Classifier) buildLabelIndex(examples []*features.Example) *index.LabelIndex {
	names := make([]string, 0, len(examples))
	for _, ex := range examples {
		names = append(names, ex.Label)
	}
	return index.BuildLabelIndex(names)
}

// batchShape derives the structural shape the model is built for.
func batchShape(batch *features.ModelBatch, labelData *features.LabelData) Shape {
	var s Shape
	if batch.Size() > 0 {
		s.Text = batch.FeatureSetAt(features.AttributeText, 0).Widths()
	}
	if labelData != nil && len(labelData.Sets) > 0 {
		s.Label = labelData.Sets[0].Widths()
	}
	return s
}

// Predictor returns the inference handle. Building it precomputes the
// embedded all-labels matrix, so holding one proves the model is prepared:
// Process exists only on the Predictor.
func (c *Classifier) Predictor() (*Predictor, error) {
	if c.model == nil {
		return nil, ErrNotTrained
	}
	p := &Predictor{classifier: c}
	if c.model.intentHead != nil {
		labelsE, err := c.model.AllLabelsEmbedding()
		if err != nil {
			return nil, fmt.Errorf("duet: embed label set: %w", err)
		}
		p.labelsE = labelsE
	}
	return p, nil
}

// Predictor runs inference with the precomputed label embeddings.
type Predictor struct {
	classifier *Classifier
	labelsE    *tensor.Tensor
}

// Process predicts the intent and entities of one message, in place.
// Entities are appended to whatever the message already carries. Messages
// without tokens or features produce no intent and no entities.
func (p *Predictor) Process(msg *Message) error {
	c := p.classifier
	recordClassificationRequest()

	batch, err := c.assembler.Build([]*features.Example{msg.example()}, nil, nil, nil, false)
	if err != nil {
		return fmt.Errorf("duet: assemble message: %w", err)
	}
	fs := batch.FeatureSetAt(features.AttributeText, 0)
	if fs.IsEmpty() {
		c.logger.Debug("Message has no features, skipping prediction", zap.String("text", msg.Text))
		return nil
	}

	pred, err := c.model.predict(fs, p.labelsE)
	if err != nil {
		return fmt.Errorf("duet: predict: %w", err)
	}

	if len(pred.ranked) > 0 {
		ranking := make([]Intent, len(pred.ranked))
		for i, r := range pred.ranked {
			name := c.model.labels.Name(r.ID)
			ranking[i] = Intent{ID: IntentID(name), Name: name, Confidence: float32(r.Confidence)}
		}
		msg.Intent = &ranking[0]
		msg.IntentRanking = ranking
	}

	if pred.tags != nil {
		entities := p.entities(msg, pred.tags)
		recordEntityCreation(len(entities))
		msg.Entities = append(msg.Entities, entities...)
	}

	if msg.Diagnostics == nil {
		msg.Diagnostics = make(map[string]any)
	}
	msg.Diagnostics[ExtractorName] = map[string]any{
		"attention_weights": pred.attention,
		"text_transformed":  pred.summary,
	}
	return nil
}

// entities reconstructs character-offset entities from the decoded tag
// sequences, attaching roles and groups from the dependent stages.
func (p *Predictor) entities(msg *Message, tags map[string]ner.Prediction) []Entity {
	c := p.classifier
	typed, ok := tags[index.AttributeType]
	if !ok {
		return nil
	}

	decode := ner.DecodeFlat
	if c.cfg.BILOU {
		decode = ner.DecodeBILOU
	}
	spans := decode(typed.Tags, typed.Confidences)

	var out []Entity
	for _, span := range spans {
		if span.EndToken > len(msg.Tokens) {
			continue
		}
		start := msg.Tokens[span.StartToken].Start
		end := msg.Tokens[span.EndToken-1].End

		role := spanAttribute(tags, index.AttributeRole, span)
		group := spanAttribute(tags, index.AttributeGroup, span)

		ranges := []ner.CharRange{{Start: start, End: end}}
		if c.cfg.SplitEntitiesByComma {
			ranges = ner.SplitOnComma(msg.Text, start, end)
		}
		for _, r := range ranges {
			out = append(out, Entity{
				Text:      msg.Text[r.Start:r.End],
				Type:      span.Tag,
				Role:      role,
				Group:     group,
				Start:     r.Start,
				End:       r.End,
				Score:     float32(span.Confidence),
				Extractor: ExtractorName,
			})
		}
	}
	return out
}

// spanAttribute returns the dominant non-empty tag of a dependent stage
// over the span's token range.
func spanAttribute(tags map[string]ner.Prediction, attribute string, span ner.TokenSpan) string {
	pred, ok := tags[attribute]
	if !ok {
		return ""
	}
	counts := make(map[string]int)
	for t := span.StartToken; t < span.EndToken && t < len(pred.Tags); t++ {
		tag := index.StripPrefix(pred.Tags[t])
		if tag != index.NoEntityTag && tag != "" {
			counts[tag]++
		}
	}
	best, bestCount := "", 0
	for tag, n := range counts {
		if n > bestCount || (n == bestCount && tag < best) {
			best, bestCount = tag, n
		}
	}
	return best
}
