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

import "github.com/prometheus/client_golang/prometheus"

var (
	classificationRequestOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duet",
			Name:      "classification_request_ops_total",
			Help:      "The total number of messages processed.",
		},
	)
	entityCreationOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duet",
			Name:      "entity_creation_ops_total",
			Help:      "The total number of entities extracted.",
		},
	)
)

func init() {
	prometheus.MustRegister(classificationRequestOps)
	prometheus.MustRegister(entityCreationOps)
}

// recordClassificationRequest increments the processed-message counter
func recordClassificationRequest() {
	classificationRequestOps.Inc()
}

// recordEntityCreation records the number of entities extracted
func recordEntityCreation(count int) {
	entityCreationOps.Add(float64(count))
}
