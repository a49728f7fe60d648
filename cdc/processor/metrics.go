// Copyright 2025 The DeltaFlow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package processor

import "github.com/prometheus/client_golang/prometheus"

var (
	tableNumGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deltaflow",
			Subsystem: "processor",
			Name:      "num_of_tables",
			Help:      "number of replicated tables held in the processor",
		}, []string{"changefeed", "capture"})
	checkpointTsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deltaflow",
			Subsystem: "processor",
			Name:      "checkpoint_ts",
			Help:      "local checkpoint ts of the processor",
		}, []string{"changefeed", "capture"})
)

// InitMetrics registers all metrics used in processor
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(tableNumGauge)
	registry.MustRegister(checkpointTsGauge)
}
