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

package status

import (
	"context"
	"time"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/providers/httpprobe"
	"github.com/mareana/eks-app-controller/pkg/registry"
)

// QuickResult is the outcome of the minimal single-HEAD status path.
type QuickResult struct {
	App       string         `json:"app"`
	Status    apis.AppStatus `json:"status"`
	Code      int            `json:"code,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// QuickChecker is the minimal status path used by the shared-database stop
// protocol: one HTTP HEAD, no side probes. Its prober carries a tighter
// timeout than the full aggregator because stop decisions run under a lease.
type QuickChecker struct {
	registry *registry.Registry
	prober   *httpprobe.Prober
}

func NewQuickChecker(reg *registry.Registry, prober *httpprobe.Prober) *QuickChecker {
	return &QuickChecker{registry: reg, prober: prober}
}

// Check probes the app's primary hostname. An unregistered app or an app
// without hostnames cannot be observed and reports UNKNOWN.
func (q *QuickChecker) Check(ctx context.Context, appName string) QuickResult {
	result := QuickResult{App: appName, Status: apis.AppStatusUnknown, Timestamp: time.Now()}
	record, err := q.registry.GetApplication(ctx, appName)
	if err != nil {
		return result
	}
	hostname := record.PrimaryHostname()
	if hostname == "" {
		return result
	}
	probe := q.prober.Quick(ctx, hostname)
	result.Status = probe.Status
	result.Code = probe.Code
	return result
}
