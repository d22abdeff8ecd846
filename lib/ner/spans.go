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

package ner

import (
	"strings"

	"github.com/antflydb/duet/lib/index"
)

// TokenSpan is a decoded entity over a token range [StartToken, EndToken).
// The tag carries no BILOU prefix; confidence is the mean over the span's
// tokens.
type TokenSpan struct {
	StartToken int
	EndToken   int
	Tag        string
	Confidence float64
}

// DecodeBILOU collapses a BILOU tag sequence into token spans. Malformed
// sequences degrade gracefully: an I- or L- without a preceding B- starts a
// new span, a B- without an L- closes at the last matching tag.
func DecodeBILOU(tags []string, confs []float64) []TokenSpan {
	var spans []TokenSpan
	open := -1
	openTag := ""

	flush := func(end int) {
		if open >= 0 {
			spans = append(spans, span(open, end, openTag, confs))
			open = -1
		}
	}

	for t, tag := range tags {
		if tag == index.NoEntityTag || tag == "" {
			flush(t)
			continue
		}
		base := index.StripPrefix(tag)
		switch {
		case index.HasPrefix(tag, index.PrefixUnit):
			flush(t)
			spans = append(spans, span(t, t+1, base, confs))
		case index.HasPrefix(tag, index.PrefixBegin):
			flush(t)
			open, openTag = t, base
		case index.HasPrefix(tag, index.PrefixLast):
			if open < 0 || openTag != base {
				flush(t)
				open, openTag = t, base
			}
			flush(t + 1)
		default: // I- or a bare tag
			if open < 0 || openTag != base {
				flush(t)
				open, openTag = t, base
			}
		}
	}
	flush(len(tags))
	return spans
}

// DecodeFlat collapses runs of identical non-empty tags into spans.
func DecodeFlat(tags []string, confs []float64) []TokenSpan {
	var spans []TokenSpan
	open := -1
	openTag := ""
	flush := func(end int) {
		if open >= 0 {
			spans = append(spans, span(open, end, openTag, confs))
			open = -1
		}
	}
	for t, tag := range tags {
		if tag == index.NoEntityTag || tag == "" {
			flush(t)
			continue
		}
		if open < 0 || tag != openTag {
			flush(t)
			open, openTag = t, tag
		}
	}
	flush(len(tags))
	return spans
}

func span(start, end int, tag string, confs []float64) TokenSpan {
	var sum float64
	for t := start; t < end; t++ {
		if t < len(confs) {
			sum += confs[t]
		}
	}
	conf := 0.0
	if end > start {
		conf = sum / float64(end-start)
	}
	return TokenSpan{StartToken: start, EndToken: end, Tag: tag, Confidence: conf}
}

// CharRange is a character offset range within the message text.
type CharRange struct {
	Start int
	End   int
}

// SplitOnComma splits one entity's character range on ", " separators,
// yielding one range per comma-separated part. Ranges with no comma come
// back unchanged. Leading/trailing whitespace of each part is excluded.
func SplitOnComma(text string, start, end int) []CharRange {
	segment := text[start:end]
	if !strings.Contains(segment, ",") {
		return []CharRange{{Start: start, End: end}}
	}
	var out []CharRange
	offset := start
	for _, part := range strings.Split(segment, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			lead := strings.Index(part, trimmed)
			out = append(out, CharRange{Start: offset + lead, End: offset + lead + len(trimmed)})
		}
		offset += len(part) + 1
	}
	return out
}
