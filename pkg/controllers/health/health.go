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

// Package health periodically refreshes the informational component state
// fields on every application record. Lifecycle decisions never read these
// fields; they exist so list views don't have to probe.
package health

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/registry"
	"github.com/mareana/eks-app-controller/pkg/status"
)

type Controller struct {
	registry   *registry.Registry
	aggregator *status.Aggregator
	interval   time.Duration
}

func NewController(reg *registry.Registry, aggregator *status.Aggregator, interval time.Duration) *Controller {
	return &Controller{registry: reg, aggregator: aggregator, interval: interval}
}

func (c *Controller) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
		if err := c.Refresh(ctx); err != nil {
			log.FromContext(ctx).Error(err, "health refresh failed")
		}
	}
}

// Refresh probes every registered app and writes the snapshot back onto its
// record. Per-app failures are logged and skipped.
func (c *Controller) Refresh(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("health")
	records, err := c.registry.ListApplications(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		snapshot := c.aggregator.Quick(ctx, record)
		record.PostgresState = string(snapshot.PostgresState)
		record.Neo4jState = string(snapshot.Neo4jState)
		if snapshot.NodeGroup != nil {
			record.NodeGroupState = string(snapshot.NodeGroup.Phase)
		}
		record.FinalAppStatus = string(snapshot.Status)
		record.HTTPLatencyMS = snapshot.HTTPLatencyMS
		if err := c.registry.PutApplication(ctx, record); err != nil {
			logger.Error(err, "writing health fields", "app", record.AppName)
		}
	}
	logger.V(1).Info("health refresh complete", "apps", len(records))
	return nil
}
