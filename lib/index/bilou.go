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

import "strings"

// BILOU prefixes in expansion order.
const (
	PrefixBegin  = "B-"
	PrefixInside = "I-"
	PrefixLast   = "L-"
	PrefixUnit   = "U-"
)

var bilouPrefixes = []string{PrefixBegin, PrefixInside, PrefixLast, PrefixUnit}

// Span is an annotated entity span over character offsets, carrying the tag
// values per attribute.
type Span struct {
	Start int
	End   int
	Type  string
	Role  string
	Group string
}

// TagOf returns the span's value for an entity attribute.
func (s Span) TagOf(attribute string) string {
	switch attribute {
	case AttributeRole:
		return s.Role
	case AttributeGroup:
		return s.Group
	default:
		return s.Type
	}
}

// TokenBound is the character range of one token.
type TokenBound struct {
	Start int
	End   int
}

// TokensToTags assigns each token the tag of the span covering it, BILOU
// expanded when bilou is set. Tokens outside every span get NoEntityTag.
// A token belongs to a span when its range overlaps the span's range.
func TokensToTags(tokens []TokenBound, spans []Span, attribute string, bilou bool) []string {
	tags := make([]string, len(tokens))
	for i := range tags {
		tags[i] = NoEntityTag
	}
	for _, span := range spans {
		tag := span.TagOf(attribute)
		if tag == "" || tag == NoEntityTag {
			continue
		}
		first, last := -1, -1
		for i, tok := range tokens {
			if tok.Start < span.End && tok.End > span.Start {
				if first < 0 {
					first = i
				}
				last = i
			}
		}
		if first < 0 {
			continue
		}
		if !bilou {
			for i := first; i <= last; i++ {
				tags[i] = tag
			}
			continue
		}
		if first == last {
			tags[first] = PrefixUnit + tag
			continue
		}
		tags[first] = PrefixBegin + tag
		tags[last] = PrefixLast + tag
		for i := first + 1; i < last; i++ {
			tags[i] = PrefixInside + tag
		}
	}
	return tags
}

// TagIDs converts tag strings to ids under a spec. Unknown tags map to 0.
func TagIDs(spec *EntityTagSpec, tags []string) []int {
	ids := make([]int, len(tags))
	for i, tag := range tags {
		ids[i] = spec.TagsToIDs[tag]
	}
	return ids
}

// StripPrefix removes a BILOU prefix from a tag, if present.
func StripPrefix(tag string) string {
	for _, p := range bilouPrefixes {
		if strings.HasPrefix(tag, p) {
			return tag[len(p):]
		}
	}
	return tag
}

// HasPrefix reports whether the tag carries the given BILOU prefix.
func HasPrefix(tag, prefix string) bool { return strings.HasPrefix(tag, prefix) }
