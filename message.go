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
	"github.com/cespare/xxhash/v2"

	"github.com/antflydb/duet/lib/features"
	"github.com/antflydb/duet/lib/index"
)

// Intent is one ranked intent prediction.
type Intent struct {
	// ID is a stable hash of the intent name.
	ID int64 `json:"id"`
	// Name is the intent label.
	Name string `json:"name"`
	// Confidence in [0, 1].
	Confidence float32 `json:"confidence"`
}

// IntentID hashes an intent name to its stable id.
func IntentID(name string) int64 {
	return int64(xxhash.Sum64String(name))
}

// Entity is one extracted entity.
type Entity struct {
	// Text is the surface form, sliced from the message text.
	Text string `json:"text"`
	// Type is the entity type tag.
	Type string `json:"entity"`
	// Role and Group refine the type when role/group stages are trained.
	Role  string `json:"role,omitempty"`
	Group string `json:"group,omitempty"`
	// Start and End are character offsets into the message text.
	Start int `json:"start"`
	End   int `json:"end"`
	// Score is the extraction confidence.
	Score float32 `json:"confidence,omitempty"`
	// Extractor names the component that produced the entity.
	Extractor string `json:"extractor,omitempty"`
}

// Message is one inference input/output unit. Text, Tokens and Features are
// inputs; Process fills Intent, IntentRanking and appends to Entities.
type Message struct {
	// Text is the raw message text.
	Text string `json:"text"`
	// Tokens are the character bounds of the message tokens.
	Tokens []index.TokenBound `json:"tokens,omitempty"`
	// Features holds the precomputed features per attribute.
	Features map[string]*features.FeatureSet `json:"-"`

	// Intent is the top-ranked intent, nil when none could be predicted.
	Intent *Intent `json:"intent,omitempty"`
	// IntentRanking holds the truncated ranking, best first.
	IntentRanking []Intent `json:"intent_ranking,omitempty"`
	// Entities accumulates extractions; Process appends, never replaces.
	Entities []Entity `json:"entities,omitempty"`

	// Diagnostics carries attention weights and the transformed text
	// vectors, keyed by component name.
	Diagnostics map[string]any `json:"-"`
}

// example converts the message into the assembler's input form.
func (m *Message) example() *features.Example {
	return &features.Example{
		Text:     m.Text,
		Tokens:   m.Tokens,
		Features: m.Features,
	}
}
