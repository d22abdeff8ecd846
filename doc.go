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

// Package duet implements a multi-task sequence model that jointly
// classifies intents and extracts entities from featurized messages. A
// shared transformer encoder contextualizes precomputed token features;
// intents are predicted by similarity against embedded label vectors and
// entities by chained conditional random field tagging heads. An optional
// masked-token objective regularizes the encoder.
//
// Featurization happens upstream: examples and messages arrive with sparse
// and dense feature matrices already attached per attribute. Train with
// Classifier.Train, then obtain a Predictor to process messages; trained
// models round-trip through Save and Load.
package duet
