/*
 * Copyright 2025 VelocityCollector Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics holds the process-wide Prometheus instrumentation for
// collection runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vcollector",
		Name:      "runs_total",
		Help:      "Completed job runs by final status.",
	}, []string{"status"})

	DevicesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vcollector",
		Name:      "devices_total",
		Help:      "Devices processed by per-device outcome.",
	}, []string{"result"})

	DeviceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vcollector",
		Name:      "device_errors_total",
		Help:      "Device failures by error category.",
	}, []string{"category"})

	CapturesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vcollector",
		Name:      "captures_written_total",
		Help:      "Capture files written to disk.",
	})

	CaptureBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vcollector",
		Name:      "capture_bytes_total",
		Help:      "Bytes of cleaned output written to capture files.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vcollector",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a job run.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)
