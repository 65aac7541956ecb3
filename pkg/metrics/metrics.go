/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics registers the controller's operating metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the common prefix for all controller metrics.
	Namespace = "app_controller"

	// Common set of metric label names.
	AppLabel    = "app"
	ActionLabel = "action"
	SourceLabel = "source"
	ResultLabel = "result"
	StatusLabel = "status"
)

// DurationBuckets returns the default threshold values for duration
// histograms. Lifecycle operations run minutes, not milliseconds, so the
// buckets extend well past controller-runtime's defaults.
func DurationBuckets() []float64 {
	return []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 900}
}

var (
	LifecycleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "lifecycle",
		Name:      "operations_total",
		Help:      "Count of start/stop operations by app, action, source and result.",
	}, []string{AppLabel, ActionLabel, SourceLabel, ResultLabel})

	LifecycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "lifecycle",
		Name:      "operation_duration_seconds",
		Help:      "Duration of start/stop operations.",
		Buckets:   DurationBuckets(),
	}, []string{ActionLabel})

	StatusProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "status",
		Name:      "probes_total",
		Help:      "Count of composite status probes by resulting status.",
	}, []string{StatusLabel})

	LeaseContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "lease",
		Name:      "contention_total",
		Help:      "Count of lease acquisitions abandoned due to contention.",
	})

	DiscoveredApps = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "discovery",
		Name:      "apps",
		Help:      "Number of applications projected by the last discovery scan.",
	})
)
