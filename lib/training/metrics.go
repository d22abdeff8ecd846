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

package training

import "github.com/prometheus/client_golang/prometheus"

var (
	trainingEpochs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duet",
			Name:      "training_epochs_total",
			Help:      "The total number of training epochs completed.",
		},
		[]string{"run"},
	)
	trainingLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "duet",
			Name:      "training_loss",
			Help:      "The training loss of the most recent epoch.",
		},
		[]string{"run"},
	)
	validationLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "duet",
			Name:      "validation_loss",
			Help:      "The validation loss of the most recent evaluation.",
		},
		[]string{"run"},
	)
)

func init() {
	prometheus.MustRegister(trainingEpochs)
	prometheus.MustRegister(trainingLoss)
	prometheus.MustRegister(validationLoss)
}

func recordEpoch(run string, loss float64) {
	trainingEpochs.WithLabelValues(run).Inc()
	trainingLoss.WithLabelValues(run).Set(loss)
}

func recordValidation(run string, loss float64) {
	validationLoss.WithLabelValues(run).Set(loss)
}
