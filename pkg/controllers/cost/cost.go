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

// Package cost snapshots the daily spend of every application: nodegroup
// compute, database compute, and database storage. Snapshots are
// informational; nothing reads them back for decisions.
package cost

import (
	"context"
	"errors"
	"math"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
	"github.com/mareana/eks-app-controller/pkg/providers/instance"
	"github.com/mareana/eks-app-controller/pkg/providers/nodegroup"
	"github.com/mareana/eks-app-controller/pkg/registry"
)

type Controller struct {
	registry   *registry.Registry
	instances  *instance.Provider
	nodegroups *nodegroup.Provider
	prices     *priceClient
	interval   time.Duration
}

func NewController(reg *registry.Registry, instances *instance.Provider, nodegroups *nodegroup.Provider,
	pricingapi sdk.PricingAPI, region string, interval time.Duration) *Controller {
	return &Controller{
		registry:   reg,
		instances:  instances,
		nodegroups: nodegroups,
		prices:     newPriceClient(pricingapi, region),
		interval:   interval,
	}
}

func (c *Controller) Start(ctx context.Context) {
	for {
		if err := c.Snapshot(ctx); err != nil {
			log.FromContext(ctx).Error(err, "cost snapshot failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

// Snapshot computes and persists today's cost for every registered app.
func (c *Controller) Snapshot(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("cost")
	records, err := c.registry.ListApplications(ctx)
	if err != nil {
		return err
	}
	date := time.Now().UTC().Format("2006-01-02")
	for _, record := range records {
		snapshot := c.appCost(ctx, record, date)
		if err := c.registry.PutCostSnapshot(ctx, snapshot); err != nil {
			logger.Error(err, "writing cost snapshot", "app", record.AppName)
			continue
		}
		logger.V(1).Info("cost snapshot", "app", record.AppName, "daily", snapshot.DailyCost)
	}
	return nil
}

func (c *Controller) appCost(ctx context.Context, record *apis.ApplicationRecord, date string) *apis.CostSnapshot {
	breakdown := apis.CostBreakdown{
		NodePool: c.nodePoolCost(ctx, record),
	}
	for _, dbType := range []apis.DbType{apis.DbTypePostgres, apis.DbTypeNeo4j} {
		compute, storage := c.databaseCost(ctx, record.Db(dbType))
		breakdown.DbCompute += compute
		breakdown.DbStorage += storage
	}

	daily := round(breakdown.NodePool + breakdown.DbCompute + breakdown.DbStorage + breakdown.Network)
	snapshot := &apis.CostSnapshot{
		App:                  record.AppName,
		Date:                 date,
		DailyCost:            daily,
		ProjectedMonthlyCost: round(daily * 30),
		Breakdown:            breakdown,
	}
	if previous, err := c.registry.GetLatestCost(ctx, record.AppName); err == nil && previous.Date != date {
		snapshot.YesterdayCost = previous.DailyCost
	} else if err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.FromContext(ctx).V(1).Info("previous cost unavailable", "app", record.AppName, "error", err)
	}
	return snapshot
}

// nodePoolCost prices a full day of the nodegroup's desired capacity.
func (c *Controller) nodePoolCost(ctx context.Context, record *apis.ApplicationRecord) float64 {
	if record.NodePool == nil {
		return 0
	}
	pool, err := c.nodegroups.Get(ctx, record.NodePool.Name)
	if err != nil {
		log.FromContext(ctx).V(1).Info("nodegroup unavailable for costing", "nodegroup", record.NodePool.Name, "error", err)
		return 0
	}
	if pool.Desired == 0 || len(pool.InstanceTypes) == 0 {
		return 0
	}
	hourly := c.prices.HourlyPrice(ctx, pool.InstanceTypes[0])
	return round(hourly * 24 * float64(pool.Desired))
}

// databaseCost prices a day of the instance's compute (only while running)
// and its attached storage (billed regardless of state).
func (c *Controller) databaseCost(ctx context.Context, db *apis.DbRef) (compute, storage float64) {
	if db == nil || db.InstanceID == "" {
		return 0, 0
	}
	inst, err := c.instances.Get(ctx, db.InstanceID)
	if err != nil {
		log.FromContext(ctx).V(1).Info("instance unavailable for costing", "instance-id", db.InstanceID, "error", err)
		return 0, 0
	}
	if inst.State == apis.InstanceStateRunning {
		compute = round(c.prices.HourlyPrice(ctx, inst.Type) * 24)
	}
	size, err := c.instances.VolumeSizeGiB(ctx, inst.VolumeIDs)
	if err != nil {
		log.FromContext(ctx).V(1).Info("volumes unavailable for costing", "instance-id", db.InstanceID, "error", err)
		return compute, 0
	}
	storage = round(float64(size) * ebsPricePerGiBMonth / 30)
	return compute, storage
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
