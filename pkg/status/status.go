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

// Package status aggregates live probes into one application snapshot. Every
// snapshot is computed from fresh probes; nothing here is cached.
package status

import (
	"context"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	awserrors "github.com/mareana/eks-app-controller/pkg/errors"
	"github.com/mareana/eks-app-controller/pkg/metrics"
	"github.com/mareana/eks-app-controller/pkg/providers/httpprobe"
	"github.com/mareana/eks-app-controller/pkg/providers/instance"
	"github.com/mareana/eks-app-controller/pkg/providers/nodegroup"
	"github.com/mareana/eks-app-controller/pkg/providers/workload"
	"github.com/mareana/eks-app-controller/pkg/registry"
)

// NodeGroupView is the live scaling state of the app's nodegroup.
type NodeGroupView struct {
	Name    string              `json:"name"`
	Phase   apis.NodeGroupPhase `json:"status"`
	Desired int32               `json:"desired"`
	Min     int32               `json:"min"`
	Max     int32               `json:"max"`
	Current int32               `json:"current"`
}

// Snapshot is the composite view of one application at probe time. The
// composite Status is decided by the HTTP probe alone; the component fields
// are detail, not inputs to the verdict.
type Snapshot struct {
	App           string             `json:"app"`
	Status        apis.AppStatus     `json:"status"`
	HTTPCode      int                `json:"http_code,omitempty"`
	HTTPLatencyMS int64              `json:"http_latency_ms"`
	PostgresState apis.InstanceState `json:"postgres_state,omitempty"`
	Neo4jState    apis.InstanceState `json:"neo4j_state,omitempty"`
	NodeGroup     *NodeGroupView     `json:"nodegroup,omitempty"`
	Workloads     *workload.Status   `json:"workloads,omitempty"`
	CheckedAt     time.Time          `json:"checked_at"`
}

type Aggregator struct {
	registry   *registry.Registry
	instances  *instance.Provider
	nodegroups *nodegroup.Provider
	workloads  *workload.Provider
	prober     *httpprobe.Prober
	deadline   time.Duration
}

func NewAggregator(reg *registry.Registry, instances *instance.Provider, nodegroups *nodegroup.Provider,
	workloads *workload.Provider, prober *httpprobe.Prober, deadline time.Duration) *Aggregator {
	return &Aggregator{
		registry:   reg,
		instances:  instances,
		nodegroups: nodegroups,
		workloads:  workloads,
		prober:     prober,
		deadline:   deadline,
	}
}

// Quick probes the application's databases, nodegroup, workloads and public
// hostname concurrently under one deadline. Component probe failures degrade
// the corresponding field to unknown; only the HTTP verdict decides Status.
func (a *Aggregator) Quick(ctx context.Context, record *apis.ApplicationRecord) *Snapshot {
	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	snapshot := &Snapshot{
		App:       record.AppName,
		Status:    apis.AppStatusUnknown,
		CheckedAt: time.Now(),
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		snapshot.PostgresState = a.instanceState(ctx, record.Postgres)
		snapshot.Neo4jState = a.instanceState(ctx, record.Neo4j)
	}()
	go func() {
		defer wg.Done()
		if record.NodePool == nil {
			return
		}
		nodeGroup, err := a.nodegroups.Get(ctx, record.NodePool.Name)
		if err != nil {
			// A deleted group is a definite stopped state, not a blind spot.
			if awserrors.IsNotFound(err) {
				snapshot.NodeGroup = &NodeGroupView{
					Name:  record.NodePool.Name,
					Phase: apis.NodeGroupPhaseStopped,
				}
				return
			}
			log.FromContext(ctx).V(1).Info("nodegroup probe failed", "app", record.AppName, "error", err)
			return
		}
		current, err := a.workloads.ReadyNodeCount(ctx, record.NodePool.Name)
		if err != nil {
			log.FromContext(ctx).V(1).Info("node count failed", "app", record.AppName, "error", err)
		}
		snapshot.NodeGroup = &NodeGroupView{
			Name:    nodeGroup.Name,
			Phase:   nodeGroup.Phase(current),
			Desired: nodeGroup.Desired,
			Min:     nodeGroup.Min,
			Max:     nodeGroup.Max,
			Current: current,
		}
	}()
	go func() {
		defer wg.Done()
		workloads, err := a.workloads.Get(ctx, record.Namespace)
		if err != nil {
			log.FromContext(ctx).V(1).Info("workload probe failed", "app", record.AppName, "error", err)
			return
		}
		snapshot.Workloads = workloads
	}()
	go func() {
		defer wg.Done()
		hostname := record.PrimaryHostname()
		if hostname == "" {
			return
		}
		result := a.prober.Quick(ctx, hostname)
		snapshot.Status = result.Status
		snapshot.HTTPCode = result.Code
		snapshot.HTTPLatencyMS = result.LatencyMS
	}()
	wg.Wait()
	metrics.StatusProbes.WithLabelValues(string(snapshot.Status)).Inc()
	return snapshot
}

// QuickByName resolves the application record and probes it.
func (a *Aggregator) QuickByName(ctx context.Context, appName string) (*Snapshot, error) {
	record, err := a.registry.GetApplication(ctx, appName)
	if err != nil {
		return nil, err
	}
	return a.Quick(ctx, record), nil
}

func (a *Aggregator) instanceState(ctx context.Context, db *apis.DbRef) apis.InstanceState {
	if db == nil {
		return ""
	}
	if db.InstanceID == "" {
		return apis.InstanceStateUnknown
	}
	state, err := a.instances.State(ctx, db.InstanceID)
	if err != nil {
		log.FromContext(ctx).V(1).Info("instance probe failed", "instance-id", db.InstanceID, "error", err)
		return apis.InstanceStateUnknown
	}
	return state
}
