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

// Package index builds the stable integer id mappings a trained model is
// keyed by: one label index over intent names and one tag spec per entity
// attribute.
package index

import (
	"sort"
)

// NoEntityTag marks a token that is not part of any entity. Its id is always
// 0 so it lines up with zero-padded tag sequences.
const NoEntityTag = "O"

// Entity attribute names, in the order the tagging stages depend on each
// other.
const (
	AttributeType  = "entity"
	AttributeRole  = "role"
	AttributeGroup = "group"
)

// PossibleTags lists the entity attributes that may receive a tagging stage.
var PossibleTags = []string{AttributeType, AttributeRole, AttributeGroup}

// LabelIndex is a bidirectional mapping between label names and dense ids
// 0..N-1. Ids are assigned over the sorted distinct names, so the mapping is
// deterministic for a given input set.
type LabelIndex struct {
	NameToID map[string]int `json:"name_to_id"`
	IDToName []string       `json:"id_to_name"`
}

// BuildLabelIndex creates a LabelIndex from the observed label names.
// Empty names are ignored.
func BuildLabelIndex(names []string) *LabelIndex {
	distinct := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			distinct[n] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(distinct))
	for n := range distinct {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	idx := &LabelIndex{
		NameToID: make(map[string]int, len(sorted)),
		IDToName: sorted,
	}
	for i, n := range sorted {
		idx.NameToID[n] = i
	}
	return idx
}

// Len returns the number of distinct labels.
func (l *LabelIndex) Len() int { return len(l.IDToName) }

// ID returns the id for a name and whether it is known.
func (l *LabelIndex) ID(name string) (int, bool) {
	id, ok := l.NameToID[name]
	return id, ok
}

// Name returns the name for an id, or "" when out of range.
func (l *LabelIndex) Name(id int) string {
	if id < 0 || id >= len(l.IDToName) {
		return ""
	}
	return l.IDToName[id]
}

// EntityTagSpec describes the tag vocabulary of one entity attribute.
type EntityTagSpec struct {
	// TagName is the entity attribute this spec covers (entity/role/group).
	TagName string `json:"tag_name"`
	// TagsToIDs maps tag strings to dense ids. Id 0 is reserved for
	// NoEntityTag.
	TagsToIDs map[string]int `json:"tags_to_ids"`
	// IDsToTags is the inverse of TagsToIDs.
	IDsToTags map[int]string `json:"ids_to_tags"`
	// NumTags is the tag count including the no-entity tag.
	NumTags int `json:"num_tags"`
}

// TaggedExample exposes the entity annotations index building needs from a
// training example.
type TaggedExample interface {
	// EntityTags returns the distinct tag values the example carries for an
	// attribute (the entity types, roles or groups of its annotated spans).
	EntityTags(attribute string) []string
}

// BuildTagSpecs derives one spec per entity attribute that has at least one
// real tag in the corpus. Attributes without tags produce no spec at all.
// With bilou set, each tag T expands to B-T/I-T/L-T/U-T.
func BuildTagSpecs(examples []TaggedExample, bilou bool) []*EntityTagSpec {
	var specs []*EntityTagSpec
	for _, attr := range PossibleTags {
		distinct := make(map[string]struct{})
		for _, ex := range examples {
			for _, tag := range ex.EntityTags(attr) {
				if tag != "" && tag != NoEntityTag {
					distinct[tag] = struct{}{}
				}
			}
		}
		if len(distinct) == 0 {
			continue
		}
		sorted := make([]string, 0, len(distinct))
		for tag := range distinct {
			sorted = append(sorted, tag)
		}
		sort.Strings(sorted)

		tagsToIDs := make(map[string]int)
		next := 1
		if bilou {
			for _, tag := range sorted {
				for _, prefix := range bilouPrefixes {
					tagsToIDs[prefix+tag] = next
					next++
				}
			}
		} else {
			for _, tag := range sorted {
				tagsToIDs[tag] = next
				next++
			}
		}
		tagsToIDs[NoEntityTag] = 0

		idsToTags := make(map[int]string, len(tagsToIDs))
		for tag, id := range tagsToIDs {
			idsToTags[id] = tag
		}
		specs = append(specs, &EntityTagSpec{
			TagName:   attr,
			TagsToIDs: tagsToIDs,
			IDsToTags: idsToTags,
			NumTags:   len(tagsToIDs),
		})
	}
	return specs
}

// OrderTagSpecs returns the specs in stage order (type, role, group),
// dropping unknown names. Later stages condition on the type stage's tags,
// so the order is load-bearing.
func OrderTagSpecs(specs []*EntityTagSpec) []*EntityTagSpec {
	ordered := make([]*EntityTagSpec, 0, len(specs))
	for _, name := range PossibleTags {
		for _, spec := range specs {
			if spec.TagName == name {
				ordered = append(ordered, spec)
			}
		}
	}
	return ordered
}

// SpecFor returns the spec for an attribute, or nil.
func SpecFor(specs []*EntityTagSpec, attribute string) *EntityTagSpec {
	for _, spec := range specs {
		if spec.TagName == attribute {
			return spec
		}
	}
	return nil
}
