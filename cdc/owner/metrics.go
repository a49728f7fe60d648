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

package owner

import "github.com/prometheus/client_golang/prometheus"

var (
	changefeedCheckpointTsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deltaflow",
			Subsystem: "owner",
			Name:      "checkpoint_ts",
			Help:      "checkpoint ts of changefeeds",
		}, []string{"changefeed"})
	changefeedStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deltaflow",
			Subsystem: "owner",
			Name:      "status",
			Help:      "The status of changefeeds",
		}, []string{"changefeed"})
	ownershipCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deltaflow",
			Subsystem: "owner",
			Name:      "ownership_counter",
			Help:      "The counter of ownership increases every owner tick",
		})
	ownerMaintainTableNumGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deltaflow",
			Subsystem: "owner",
			Name:      "maintain_table_num",
			Help:      "number of replicated tables maintained in owner",
		}, []string{"changefeed", "capture"})
)

// InitMetrics registers all metrics used in owner
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(changefeedCheckpointTsGauge)
	registry.MustRegister(changefeedStatusGauge)
	registry.MustRegister(ownershipCounter)
	registry.MustRegister(ownerMaintainTableNumGauge)
}
