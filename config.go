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

	"go.uber.org/zap"

	"github.com/antflydb/duet/lib/classification"
	"github.com/antflydb/duet/lib/features"
	"github.com/antflydb/duet/lib/training"
)

// Config holds every recognized model and training option.
type Config struct {
	// HiddenLayersSizes are the feed-forward sizes per attribute tower.
	HiddenLayersSizes map[string][]int `json:"hidden_layers_sizes"`
	// ShareHiddenLayers reuses one tower's feed-forward weights for both
	// text and label. Requires identical sizes for both attributes.
	ShareHiddenLayers bool `json:"share_hidden_layers"`

	// TransformerSize is the model dimension of the transformer stack.
	TransformerSize int `json:"transformer_size"`
	// NumTransformerLayers is the encoder depth; zero disables the stack.
	NumTransformerLayers int `json:"number_of_transformer_layers"`
	// NumHeads is the attention head count.
	NumHeads int `json:"number_of_attention_heads"`
	// Unidirectional restricts attention to preceding positions.
	Unidirectional bool `json:"unidirectional_encoder"`

	// BatchSizes is [min] or [min, max] for a linear ramp across epochs.
	BatchSizes []int `json:"batch_size"`
	// BatchStrategy is sequence or balanced.
	BatchStrategy training.Strategy `json:"batch_strategy"`
	// Epochs is the number of training passes.
	Epochs int `json:"epochs"`
	// LearningRate for the Adam optimizer.
	LearningRate float64 `json:"learning_rate"`
	// Seed makes training reproducible. Zero draws a time-based seed, so
	// unseeded runs shuffle differently every time.
	Seed int64 `json:"random_seed"`

	// EmbeddingDimension is the width of the shared similarity space.
	EmbeddingDimension int `json:"embedding_dimension"`
	// DenseDimension is the sparse-feature projection width per attribute.
	DenseDimension map[string]int `json:"dense_dimension"`
	// ConcatDimension unifies sequence and sentence widths per attribute.
	ConcatDimension map[string]int `json:"concat_dimension"`

	// NumNeg is the number of negative labels sampled during training.
	NumNeg int `json:"number_of_negative_examples"`
	// SimilarityType is auto, cosine or inner.
	SimilarityType string `json:"similarity_type"`
	// LossType is cross_entropy or margin.
	LossType string `json:"loss_type"`
	// RankingLength truncates the returned intent ranking.
	RankingLength int `json:"ranking_length"`
	// RenormalizeConfidences rescales truncated softmax confidences.
	RenormalizeConfidences bool `json:"renormalize_confidences"`
	// MaxPosSim and MaxNegSim bound similarities under margin loss.
	MaxPosSim float64 `json:"maximum_positive_similarity"`
	MaxNegSim float64 `json:"maximum_negative_similarity"`
	// UseMaxNegSim keeps only the hardest negative in the margin loss.
	UseMaxNegSim bool `json:"use_maximum_negative_similarity"`
	// NegativeMarginScale weights the label-to-label margin penalty.
	NegativeMarginScale float64 `json:"negative_margin_scale"`
	// ConstrainSimilarities bounds similarities under cross_entropy loss.
	ConstrainSimilarities bool `json:"constrain_similarities"`
	// ScaleLoss down-weights examples already ranked correctly with high
	// confidence. Only applies to cross_entropy loss.
	ScaleLoss bool `json:"scale_loss"`
	// ModelConfidence is softmax or linear_norm.
	ModelConfidence string `json:"model_confidence"`

	// Regularization is the L2 constant on embedding-layer weights.
	Regularization float64 `json:"regularization_constant"`
	// DropRate applies to feed-forward activations during training.
	DropRate float64 `json:"drop_rate"`
	// DropRateAttention applies to attention probabilities.
	DropRateAttention float64 `json:"drop_rate_attention"`
	// WeightSparsity is the fraction of dense weights pinned to zero.
	WeightSparsity float64 `json:"weight_sparsity"`
	// SparseInputDropout and DenseInputDropout toggle input dropout per
	// feature kind.
	SparseInputDropout bool `json:"use_sparse_input_dropout"`
	DenseInputDropout  bool `json:"use_dense_input_dropout"`

	// EvalEpochs evaluates the holdout every N epochs.
	EvalEpochs int `json:"evaluate_every_number_of_epochs"`
	// EvalExamples is the validation holdout size (0 disables validation).
	EvalExamples int `json:"evaluate_on_number_of_examples"`
	// Checkpoint keeps the best-validation parameters instead of the last.
	Checkpoint bool `json:"checkpoint_model"`
	// CheckpointDir receives the best checkpoint file when Checkpoint is
	// set. Empty restores the best parameters in memory only; Save then
	// persists them with the rest of the model.
	CheckpointDir string `json:"checkpoint_dir,omitempty"`

	// IntentClassification and EntityRecognition toggle the two main tasks.
	IntentClassification bool `json:"intent_classification"`
	EntityRecognition    bool `json:"entity_recognition"`
	// MaskedLM enables the masked-token auxiliary task.
	MaskedLM bool `json:"use_masked_language_model"`
	// BILOU uses BILOU tag expansion for entity stages.
	BILOU bool `json:"bilou_flag"`
	// SplitEntitiesByComma splits extracted entities on comma separators.
	SplitEntitiesByComma bool `json:"split_entities_by_comma"`

	// Logger for logging (nil = no logging).
	Logger *zap.Logger `json:"-"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		HiddenLayersSizes: map[string][]int{
			features.AttributeText:  {},
			features.AttributeLabel: {},
		},
		TransformerSize:      256,
		NumTransformerLayers: 2,
		NumHeads:             4,
		BatchSizes:           []int{64, 256},
		BatchStrategy:        training.StrategyBalanced,
		Epochs:               300,
		LearningRate:         0.001,
		EmbeddingDimension:   20,
		DenseDimension: map[string]int{
			features.AttributeText:  128,
			features.AttributeLabel: 20,
		},
		ConcatDimension: map[string]int{
			features.AttributeText:  128,
			features.AttributeLabel: 20,
		},
		NumNeg:               20,
		SimilarityType:       classification.SimilarityAuto,
		LossType:             classification.LossCrossEntropy,
		RankingLength:        10,
		MaxPosSim:            0.8,
		MaxNegSim:            -0.4,
		UseMaxNegSim:         true,
		NegativeMarginScale:  0.8,
		ModelConfidence:      classification.ConfidenceSoftmax,
		Regularization:       0.002,
		DropRate:             0.2,
		WeightSparsity:       0.8,
		SparseInputDropout:   true,
		EvalEpochs:           20,
		IntentClassification: true,
		EntityRecognition:    true,
		BILOU:                true,
		SplitEntitiesByComma: true,
	}
}

// Validate rejects inconsistent option combinations.
func (c Config) Validate() error {
	if !c.IntentClassification && !c.EntityRecognition {
		return fmt.Errorf("duet: at least one of intent classification and entity recognition must be enabled")
	}
	if c.MaskedLM && c.NumTransformerLayers == 0 {
		return fmt.Errorf("duet: the masked language model task requires a transformer (number_of_transformer_layers > 0)")
	}
	if c.ShareHiddenLayers {
		text := c.HiddenLayersSizes[features.AttributeText]
		label := c.HiddenLayersSizes[features.AttributeLabel]
		if len(text) != len(label) {
			return fmt.Errorf("duet: shared hidden layers require identical sizes for text and label")
		}
		for i := range text {
			if text[i] != label[i] {
				return fmt.Errorf("duet: shared hidden layers require identical sizes for text and label")
			}
		}
	}
	if c.NumTransformerLayers > 0 {
		if c.NumHeads <= 0 {
			return fmt.Errorf("duet: number_of_attention_heads must be positive")
		}
		if c.TransformerSize%c.NumHeads != 0 {
			return fmt.Errorf("duet: transformer_size %d must be divisible by %d attention heads",
				c.TransformerSize, c.NumHeads)
		}
	}
	return c.similarity().Validate()
}

// similarity maps the flat options onto the similarity head config.
func (c Config) similarity() classification.Config {
	return classification.Config{
		EmbeddingDim:           c.EmbeddingDimension,
		NumNeg:                 c.NumNeg,
		SimilarityType:         c.SimilarityType,
		LossType:               c.LossType,
		MaxPosSim:              c.MaxPosSim,
		MaxNegSim:              c.MaxNegSim,
		UseMaxNegSim:           c.UseMaxNegSim,
		NegativeMarginScale:    c.NegativeMarginScale,
		ConstrainSimilarities:  c.ConstrainSimilarities,
		ScaleLoss:              c.ScaleLoss,
		ModelConfidence:        c.ModelConfidence,
		RankingLength:          c.RankingLength,
		RenormalizeConfidences: c.RenormalizeConfidences,
	}
}
