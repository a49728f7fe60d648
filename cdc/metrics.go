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

package cdc

import (
	"github.com/deltaflow-io/deltaflow/cdc/owner"
	"github.com/deltaflow-io/deltaflow/cdc/processor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	owner.InitMetrics(registry)
	processor.InitMetrics(registry)
	initServerMetrics(registry)
}

var etcdHealthCheckDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "deltaflow",
		Subsystem: "server",
		Name:      "etcd_health_check_duration",
		Help:      "Bucketed histogram of etcd health check duration",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"result"})

func initServerMetrics(registry *prometheus.Registry) {
	registry.MustRegister(etcdHealthCheckDuration)
}
