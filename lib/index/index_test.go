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

package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExample struct {
	tags map[string][]string
}

func (f fakeExample) EntityTags(attribute string) []string { return f.tags[attribute] }

func TestBuildLabelIndexSortedAndContiguous(t *testing.T) {
	idx := BuildLabelIndex([]string{"greet", "greet", "bye"})

	require.Equal(t, 2, idx.Len())
	assert.Equal(t, map[string]int{"bye": 0, "greet": 1}, idx.NameToID)
	assert.Equal(t, []string{"bye", "greet"}, idx.IDToName)

	id, ok := idx.ID("greet")
	require.True(t, ok)
	assert.Equal(t, 1, id)
	assert.Equal(t, "bye", idx.Name(0))
	assert.Equal(t, "", idx.Name(5))
}

func TestBuildLabelIndexDeterministic(t *testing.T) {
	a := BuildLabelIndex([]string{"c", "a", "b", ""})
	b := BuildLabelIndex([]string{"b", "", "c", "a", "a"})
	assert.Equal(t, a, b)
}

func TestBuildTagSpecsFlatReservesZero(t *testing.T) {
	examples := []TaggedExample{
		fakeExample{tags: map[string][]string{AttributeType: {"city", NoEntityTag}}},
	}
	specs := BuildTagSpecs(examples, false)

	require.Len(t, specs, 1)
	spec := specs[0]
	assert.Equal(t, AttributeType, spec.TagName)
	assert.Equal(t, 2, spec.NumTags)
	assert.Equal(t, 1, spec.TagsToIDs["city"])
	assert.Equal(t, 0, spec.TagsToIDs[NoEntityTag])
}

func TestBuildTagSpecsBILOUExpansion(t *testing.T) {
	examples := []TaggedExample{
		fakeExample{tags: map[string][]string{AttributeType: {"city"}}},
	}
	specs := BuildTagSpecs(examples, true)

	require.Len(t, specs, 1)
	spec := specs[0]
	assert.Equal(t, 5, spec.NumTags)
	assert.Equal(t, 0, spec.TagsToIDs[NoEntityTag])
	for _, tag := range []string{"B-city", "I-city", "L-city", "U-city"} {
		assert.Contains(t, spec.TagsToIDs, tag)
		assert.NotZero(t, spec.TagsToIDs[tag])
	}
}

func TestBuildTagSpecsSkipsEmptyAttributes(t *testing.T) {
	examples := []TaggedExample{
		fakeExample{tags: map[string][]string{AttributeType: {"city"}}},
	}
	specs := BuildTagSpecs(examples, false)

	require.Len(t, specs, 1)
	assert.Nil(t, SpecFor(specs, AttributeRole))
	assert.Nil(t, SpecFor(specs, AttributeGroup))
}

func TestOrderTagSpecs(t *testing.T) {
	specs := []*EntityTagSpec{
		{TagName: AttributeGroup},
		{TagName: AttributeType},
		{TagName: AttributeRole},
	}
	ordered := OrderTagSpecs(specs)
	require.Len(t, ordered, 3)
	assert.Equal(t, AttributeType, ordered[0].TagName)
	assert.Equal(t, AttributeRole, ordered[1].TagName)
	assert.Equal(t, AttributeGroup, ordered[2].TagName)
}

func TestTokensToTagsBILOU(t *testing.T) {
	// "fly to new york" with a two-token span over "new york".
	tokens := []TokenBound{{0, 3}, {4, 6}, {7, 10}, {11, 15}}
	spans := []Span{{Start: 7, End: 15, Type: "city"}}

	tags := TokensToTags(tokens, spans, AttributeType, true)
	assert.Equal(t, []string{"O", "O", "B-city", "L-city"}, tags)

	flat := TokensToTags(tokens, spans, AttributeType, false)
	assert.Equal(t, []string{"O", "O", "city", "city"}, flat)
}

func TestTokensToTagsUnitSpan(t *testing.T) {
	tokens := []TokenBound{{0, 3}, {4, 9}}
	spans := []Span{{Start: 4, End: 9, Type: "city"}}

	tags := TokensToTags(tokens, spans, AttributeType, true)
	assert.Equal(t, []string{"O", "U-city"}, tags)
}

func TestStripPrefix(t *testing.T) {
	assert.Equal(t, "city", StripPrefix("B-city"))
	assert.Equal(t, "city", StripPrefix("U-city"))
	assert.Equal(t, "city", StripPrefix("city"))
	assert.Equal(t, "O", StripPrefix("O"))
}
