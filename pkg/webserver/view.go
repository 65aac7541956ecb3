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

package webserver

import (
	"time"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/providers/workload"
	"github.com/mareana/eks-app-controller/pkg/status"
)

// staleThreshold is three discovery periods at the default cadence. A record
// not re-seen for this long is flagged, never deleted.
const staleThreshold = 6 * time.Hour

// ComposedView is the client-facing application view: registry identity plus
// a live snapshot. Everything runtime in it was probed for this response.
type ComposedView struct {
	Name              string              `json:"name"`
	Hostnames         []string            `json:"hostnames"`
	Namespace         string              `json:"namespace"`
	HTTP              HTTPView            `json:"http"`
	Postgres          *DbView             `json:"postgres,omitempty"`
	Neo4j             *DbView             `json:"neo4j,omitempty"`
	NodeGroups        []NodeGroupView     `json:"nodegroups"`
	Pods              workload.PodSummary `json:"pods"`
	CertificateExpiry string              `json:"certificate_expiry,omitempty"`
	Stale             bool                `json:"stale"`
}

type HTTPView struct {
	Status    apis.AppStatus `json:"status"`
	Code      int            `json:"code,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
}

type DbView struct {
	State      apis.InstanceState `json:"state"`
	Host       string             `json:"host"`
	Port       int32              `json:"port"`
	InstanceID string             `json:"instance_id,omitempty"`
	IsShared   bool               `json:"is_shared"`
	SharedWith []string           `json:"shared_with"`
}

type NodeGroupView struct {
	Name       string              `json:"name"`
	Status     apis.NodeGroupPhase `json:"status"`
	Desired    int32               `json:"desired"`
	Min        int32               `json:"min"`
	Max        int32               `json:"max"`
	Current    int32               `json:"current"`
	IsShared   bool                `json:"is_shared"`
	SharedWith []string            `json:"shared_with"`
}

func compose(record *apis.ApplicationRecord, snapshot *status.Snapshot) ComposedView {
	view := ComposedView{
		Name:      record.AppName,
		Hostnames: record.Hostnames,
		Namespace: record.Namespace,
		HTTP: HTTPView{
			Status:    snapshot.Status,
			Code:      snapshot.HTTPCode,
			LatencyMS: snapshot.HTTPLatencyMS,
		},
		NodeGroups:        []NodeGroupView{},
		CertificateExpiry: record.CertificateExpiry,
		Stale:             record.LastDiscoveredAt > 0 && time.Since(time.Unix(record.LastDiscoveredAt, 0)) > staleThreshold,
	}
	view.Postgres = dbView(record, apis.DbTypePostgres, snapshot.PostgresState)
	view.Neo4j = dbView(record, apis.DbTypeNeo4j, snapshot.Neo4jState)
	if snapshot.Workloads != nil {
		view.Pods = snapshot.Workloads.Pods
	}
	if snapshot.NodeGroup != nil {
		sharedWith := []string{}
		if record.NodePool != nil {
			for _, resource := range record.SharedResources.NodePool {
				if resource.Identifier == record.NodePool.Name {
					sharedWith = without(resource.LinkedApps, record.AppName)
				}
			}
		}
		view.NodeGroups = append(view.NodeGroups, NodeGroupView{
			Name:       snapshot.NodeGroup.Name,
			Status:     snapshot.NodeGroup.Phase,
			Desired:    snapshot.NodeGroup.Desired,
			Min:        snapshot.NodeGroup.Min,
			Max:        snapshot.NodeGroup.Max,
			Current:    snapshot.NodeGroup.Current,
			IsShared:   len(sharedWith) > 0,
			SharedWith: sharedWith,
		})
	}
	return view
}

func dbView(record *apis.ApplicationRecord, dbType apis.DbType, state apis.InstanceState) *DbView {
	db := record.Db(dbType)
	if db == nil {
		return nil
	}
	sharedWith := record.SharedWith(dbType, db.ResourceID())
	if sharedWith == nil {
		sharedWith = []string{}
	}
	return &DbView{
		State:      state,
		Host:       db.Host,
		Port:       db.Port,
		InstanceID: db.InstanceID,
		IsShared:   len(sharedWith) > 0,
		SharedWith: sharedWith,
	}
}

func without(apps []string, app string) []string {
	out := []string{}
	for _, a := range apps {
		if a != app {
			out = append(out, a)
		}
	}
	return out
}
