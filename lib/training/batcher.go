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

// Package training drives the optimization loop: batching strategies,
// Adam updates, evaluation holdout and checkpointing.
package training

import (
	"math/rand"
	"sort"
)

// Strategy selects how examples are ordered into batches.
type Strategy string

const (
	// StrategySequence shuffles all examples and batches them in order.
	StrategySequence Strategy = "sequence"
	// StrategyBalanced round-robins over label groups so every batch sees
	// the label distribution, which matters for negative sampling.
	StrategyBalanced Strategy = "balanced"
)

// BatchSize returns the batch size for an epoch under a linear ramp from
// sizes[0] to sizes[1]. A single size disables the ramp.
func BatchSize(sizes []int, epoch, epochs int) int {
	if len(sizes) == 0 {
		return 1
	}
	if len(sizes) == 1 || epochs <= 1 {
		return sizes[0]
	}
	lo, hi := sizes[0], sizes[1]
	return lo + epoch*(hi-lo)/(epochs-1)
}

// EpochOrder returns the example ordering for one epoch. labelIDs may be
// nil, in which case the balanced strategy degrades to sequence.
func EpochOrder(strategy Strategy, n int, labelIDs []int, epoch int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed + int64(epoch)))
	if strategy != StrategyBalanced || labelIDs == nil {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		return order
	}

	groups := make(map[int][]int)
	for i, id := range labelIDs {
		groups[id] = append(groups[id], i)
	}
	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		g := groups[id]
		rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
	}

	order := make([]int, 0, n)
	for len(order) < n {
		for _, id := range ids {
			if len(groups[id]) > 0 {
				order = append(order, groups[id][0])
				groups[id] = groups[id][1:]
			}
		}
	}
	return order
}
