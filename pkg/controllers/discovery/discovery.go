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

// Package discovery projects cluster ingresses, workload configuration and
// tagged instances into the application registry. The projection is strictly
// additive: apps that disappear from the cluster keep their records.
package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/metrics"
	"github.com/mareana/eks-app-controller/pkg/operator/options"
	"github.com/mareana/eks-app-controller/pkg/providers/instance"
	"github.com/mareana/eks-app-controller/pkg/providers/workload"
	"github.com/mareana/eks-app-controller/pkg/registry"
)

type Controller struct {
	registry  *registry.Registry
	workloads *workload.Provider
	instances *instance.Provider
	config    *options.StaticConfig

	appTagKey       string
	componentTagKey string
	sharedTagKey    string
	interval        time.Duration
}

func NewController(reg *registry.Registry, workloads *workload.Provider, instances *instance.Provider,
	config *options.StaticConfig, opts *options.Options) *Controller {
	return &Controller{
		registry:        reg,
		workloads:       workloads,
		instances:       instances,
		config:          config,
		appTagKey:       opts.AppTagKey,
		componentTagKey: opts.ComponentTagKey,
		sharedTagKey:    opts.SharedTagKey,
		interval:        opts.DiscoveryInterval,
	}
}

// Start runs the reconciler on its tick until the context ends. One scan
// runs immediately at startup.
func (c *Controller) Start(ctx context.Context) {
	for {
		if err := c.Reconcile(ctx); err != nil {
			log.FromContext(ctx).Error(err, "discovery scan failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

// Reconcile runs one full discovery scan. Per-app failures are logged and do
// not abort the scan.
func (c *Controller) Reconcile(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("discovery")

	ingressApps, err := c.workloads.ListIngressApps(ctx)
	if err != nil {
		return err
	}
	tagged, err := c.instances.ListTagged(ctx, c.appTagKey)
	if err != nil {
		logger.Error(err, "listing tagged instances")
		tagged = nil
	}

	// Instances explicitly tagged shared carry their tenant list in the app
	// tag; that list is authoritative even for tenants not discovered here.
	sharedMarked := map[string][]string{}
	for _, inst := range tagged {
		if isSharedMarker(inst.Tags[c.sharedTagKey]) {
			sharedMarked[inst.ID] = taggedApps(inst, c.appTagKey)
		}
	}

	records := make([]*apis.ApplicationRecord, 0, len(ingressApps))
	for _, ingressApp := range ingressApps {
		record := c.project(ctx, ingressApp, tagged)
		records = append(records, record)
	}
	annotateShared(records, sharedMarked)

	for _, record := range records {
		if err := c.registry.PutApplication(ctx, record); err != nil {
			logger.Error(err, "writing application record", "app", record.AppName)
			continue
		}
		logger.V(1).Info("projected application", "app", record.AppName, "namespace", record.Namespace)
	}
	metrics.DiscoveredApps.Set(float64(len(records)))
	logger.Info("discovery scan complete", "apps", len(records))
	return nil
}

// project builds one application record from its ingress, the static config
// tables and the tagged instance inventory.
func (c *Controller) project(ctx context.Context, ingressApp workload.IngressApp, tagged []*instance.Instance) *apis.ApplicationRecord {
	logger := log.FromContext(ctx)
	appName := ingressApp.Hostnames[0]

	namespace := ingressApp.Namespace
	if override, ok := c.config.NamespaceOverrides[appName]; ok {
		namespace = override
	}

	record := &apis.ApplicationRecord{
		AppName:          appName,
		Namespace:        namespace,
		Hostnames:        lo.Uniq(ingressApp.Hostnames),
		LastDiscoveredAt: time.Now().Unix(),
	}

	if defaults, ok := c.config.NodePoolDefaults[appName]; ok && defaults.Name != "" {
		record.NodePool = &apis.NodePool{
			Name:           defaults.Name,
			DefaultDesired: defaults.Desired,
			DefaultMin:     defaults.Min,
			DefaultMax:     defaults.Max,
		}
	}

	postgres, neo4j, err := c.workloads.DbConfig(ctx, namespace)
	if err != nil {
		logger.Error(err, "reading database config", "app", appName)
	}
	record.Postgres = c.resolve(appName, apis.DbTypePostgres, postgres, tagged)
	record.Neo4j = c.resolve(appName, apis.DbTypeNeo4j, neo4j, tagged)

	if ingressApp.TLSSecretName != "" {
		expiry, err := c.workloads.CertificateExpiry(ctx, ingressApp.Namespace, ingressApp.TLSSecretName)
		if err != nil {
			logger.V(1).Info("certificate expiry unavailable", "app", appName, "error", err)
		} else if !expiry.IsZero() {
			record.CertificateExpiry = expiry.Format(time.RFC3339)
		}
	}
	return record
}

// resolve matches a configured database host to a tagged instance, first by
// private IP, then by component tag and app membership.
func (c *Controller) resolve(appName string, dbType apis.DbType, db *apis.DbRef, tagged []*instance.Instance) *apis.DbRef {
	if db == nil {
		return nil
	}
	for _, inst := range tagged {
		if inst.PrivateIP != "" && inst.PrivateIP == db.Host {
			db.InstanceID = inst.ID
			return db
		}
	}
	for _, inst := range tagged {
		if inst.Tags[c.componentTagKey] != string(dbType) {
			continue
		}
		if lo.Contains(taggedApps(inst, c.appTagKey), appName) {
			db.InstanceID = inst.ID
			return db
		}
	}
	return db
}

// annotateShared marks every database instance and nodegroup claimed by more
// than one app, listing all tenants. Instances in sharedMarked contribute
// their tagged tenant list on top of what the records themselves claim.
func annotateShared(records []*apis.ApplicationRecord, sharedMarked map[string][]string) {
	dbTenants := map[apis.DbType]map[string][]string{
		apis.DbTypePostgres: {},
		apis.DbTypeNeo4j:    {},
	}
	poolTenants := map[string][]string{}
	for _, record := range records {
		for dbType, tenants := range dbTenants {
			if db := record.Db(dbType); db != nil && db.InstanceID != "" {
				tenants[db.InstanceID] = append(tenants[db.InstanceID], record.AppName)
			}
		}
		if record.NodePool != nil {
			poolTenants[record.NodePool.Name] = append(poolTenants[record.NodePool.Name], record.AppName)
		}
	}
	for _, record := range records {
		shared := apis.SharedResources{}
		for dbType, tenants := range dbTenants {
			db := record.Db(dbType)
			if db == nil || db.InstanceID == "" {
				continue
			}
			apps := tenants[db.InstanceID]
			if tagApps, ok := sharedMarked[db.InstanceID]; ok {
				apps = lo.Uniq(append(apps, tagApps...))
			}
			if len(apps) > 1 {
				resource := apis.SharedResource{Identifier: db.InstanceID, LinkedApps: apps}
				if dbType == apis.DbTypeNeo4j {
					shared.Neo4j = append(shared.Neo4j, resource)
				} else {
					shared.Postgres = append(shared.Postgres, resource)
				}
			}
		}
		if record.NodePool != nil {
			if apps := poolTenants[record.NodePool.Name]; len(apps) > 1 {
				shared.NodePool = append(shared.NodePool, apis.SharedResource{Identifier: record.NodePool.Name, LinkedApps: apps})
			}
		}
		record.SharedResources = shared
	}
}

func taggedApps(inst *instance.Instance, appTagKey string) []string {
	raw := inst.Tags[appTagKey]
	if raw == "" {
		return nil
	}
	apps := lo.Map(strings.Split(raw, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Filter(apps, func(s string, _ int) bool { return s != "" })
}

func isSharedMarker(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1":
		return true
	}
	return false
}
