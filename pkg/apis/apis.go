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

// Package apis holds the record types persisted in the registry table and the
// shared enumerations used across probes and the orchestrator.
package apis

import (
	"fmt"
	"time"
)

type DbType string

const (
	DbTypePostgres DbType = "postgres"
	DbTypeNeo4j    DbType = "neo4j"
)

// InstanceState is the normalized EC2 instance lifecycle state.
type InstanceState string

const (
	InstanceStateRunning  InstanceState = "running"
	InstanceStateStopped  InstanceState = "stopped"
	InstanceStatePending  InstanceState = "pending"
	InstanceStateStopping InstanceState = "stopping"
	InstanceStateUnknown  InstanceState = "unknown"
)

// AppStatus is the composite application status. UP requires a strict HTTP 200
// from the primary hostname; everything else is DOWN or UNKNOWN.
type AppStatus string

const (
	AppStatusUp      AppStatus = "UP"
	AppStatusDown    AppStatus = "DOWN"
	AppStatusUnknown AppStatus = "UNKNOWN"
)

// NodeGroupPhase is the UI-facing derivation of the raw EKS nodegroup status.
type NodeGroupPhase string

const (
	NodeGroupPhaseReady   NodeGroupPhase = "ready"
	NodeGroupPhaseScaling NodeGroupPhase = "scaling"
	NodeGroupPhaseStopped NodeGroupPhase = "stopped"
)

// ActionSource records who asked for a lifecycle operation.
type ActionSource string

const (
	SourceUser      ActionSource = "user"
	SourceScheduler ActionSource = "scheduler"
)

// DbRef is a database connection reference discovered from the app's
// common-config ConfigMap, resolved to an EC2 instance when possible.
// An empty InstanceID marks the database opaque: lifecycle actions refuse it.
type DbRef struct {
	Host       string `json:"host" dynamodbav:"host"`
	Port       int32  `json:"port" dynamodbav:"port"`
	Database   string `json:"database,omitempty" dynamodbav:"database,omitempty"`
	User       string `json:"user,omitempty" dynamodbav:"user,omitempty"`
	InstanceID string `json:"instance_id,omitempty" dynamodbav:"instance_id,omitempty"`
}

// ResourceID identifies the database for lease purposes: the instance id when
// known, otherwise host:port.
func (d DbRef) ResourceID() string {
	if d.InstanceID != "" {
		return d.InstanceID
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// NodePool carries the authoritative scaling defaults for an app's nodegroup.
// Either all fields are populated or the app has no pool at all.
type NodePool struct {
	Name           string `json:"name" dynamodbav:"name"`
	DefaultDesired int32  `json:"default_desired" dynamodbav:"default_desired"`
	DefaultMin     int32  `json:"default_min" dynamodbav:"default_min"`
	DefaultMax     int32  `json:"default_max" dynamodbav:"default_max"`
}

type SharedResource struct {
	Identifier string   `json:"identifier" dynamodbav:"identifier"`
	LinkedApps []string `json:"linked_apps" dynamodbav:"linked_apps"`
}

type SharedResources struct {
	Postgres []SharedResource `json:"postgres,omitempty" dynamodbav:"postgres,omitempty"`
	Neo4j    []SharedResource `json:"neo4j,omitempty" dynamodbav:"neo4j,omitempty"`
	NodePool []SharedResource `json:"node_pool,omitempty" dynamodbav:"node_pool,omitempty"`
}

func (s SharedResources) ForDb(t DbType) []SharedResource {
	if t == DbTypeNeo4j {
		return s.Neo4j
	}
	return s.Postgres
}

// ApplicationRecord is the registry projection for one application, keyed by
// its canonical hostname. Structural fields are owned by discovery; the
// component state fields are informational and owned by the health monitor.
type ApplicationRecord struct {
	PK                string          `json:"-" dynamodbav:"pk"`
	AppName           string          `json:"app_name" dynamodbav:"app_name"`
	Namespace         string          `json:"namespace" dynamodbav:"namespace"`
	Hostnames         []string        `json:"hostnames" dynamodbav:"hostnames"`
	NodePool          *NodePool       `json:"node_pool,omitempty" dynamodbav:"node_pool,omitempty"`
	Postgres          *DbRef          `json:"postgres,omitempty" dynamodbav:"postgres,omitempty"`
	Neo4j             *DbRef          `json:"neo4j,omitempty" dynamodbav:"neo4j,omitempty"`
	SharedResources   SharedResources `json:"shared_resources" dynamodbav:"shared_resources"`
	CertificateExpiry string          `json:"certificate_expiry,omitempty" dynamodbav:"certificate_expiry,omitempty"`
	LastDiscoveredAt  int64           `json:"last_discovered_at" dynamodbav:"last_discovered_at"`

	// Informational, refreshed by the health monitor. Never consulted for
	// lifecycle decisions.
	PostgresState  string `json:"postgres_state,omitempty" dynamodbav:"postgres_state,omitempty"`
	Neo4jState     string `json:"neo4j_state,omitempty" dynamodbav:"neo4j_state,omitempty"`
	NodeGroupState string `json:"nodegroup_state,omitempty" dynamodbav:"nodegroup_state,omitempty"`
	FinalAppStatus string `json:"final_app_status,omitempty" dynamodbav:"final_app_status,omitempty"`
	HTTPLatencyMS  int64  `json:"http_latency_ms,omitempty" dynamodbav:"http_latency_ms,omitempty"`
}

func (r *ApplicationRecord) Db(t DbType) *DbRef {
	if t == DbTypeNeo4j {
		return r.Neo4j
	}
	return r.Postgres
}

func (r *ApplicationRecord) PrimaryHostname() string {
	if len(r.Hostnames) == 0 {
		return ""
	}
	return r.Hostnames[0]
}

// SharedWith returns the co-tenants of the given database resource, excluding
// this app itself. An empty result means the resource is dedicated.
func (r *ApplicationRecord) SharedWith(t DbType, resourceID string) []string {
	for _, sr := range r.SharedResources.ForDb(t) {
		if sr.Identifier != resourceID {
			continue
		}
		var out []string
		for _, app := range sr.LinkedApps {
			if app != r.AppName {
				out = append(out, app)
			}
		}
		return out
	}
	return nil
}

// LeaseRecord is a TTL-bounded exclusive claim on a database resource, fenced
// by owner id. A lease is live iff now < ExpiresAt; an expired lease may be
// stolen atomically by the next acquirer.
type LeaseRecord struct {
	PK                 string `json:"-" dynamodbav:"pk"`
	OwnerID            string `json:"owner_id" dynamodbav:"owner_id"`
	ExpiresAt          int64  `json:"expires_at" dynamodbav:"expires_at"`
	LockType           string `json:"lock_type" dynamodbav:"lock_type"`
	ResourceIdentifier string `json:"resource_identifier" dynamodbav:"resource_identifier"`
	CreatedAt          int64  `json:"created_at" dynamodbav:"created_at"`
}

func (l LeaseRecord) Live(now time.Time) bool {
	return now.Unix() < l.ExpiresAt
}

// ScheduleRecord holds the per-app auto-scheduling flag. Times and weekdays
// come from the global schedule config, not from the record.
type ScheduleRecord struct {
	PK      string `json:"-" dynamodbav:"pk"`
	AppName string `json:"app" dynamodbav:"app"`
	Enabled bool   `json:"enabled" dynamodbav:"enabled"`
}

// OperationLogEntry is one append-only trace of a lifecycle action.
type OperationLogEntry struct {
	PK         string       `json:"-" dynamodbav:"pk"`
	App        string       `json:"app" dynamodbav:"app"`
	Action     string       `json:"action" dynamodbav:"action"`
	Source     ActionSource `json:"source" dynamodbav:"source"`
	StartedAt  int64        `json:"started_at" dynamodbav:"started_at"`
	FinishedAt int64        `json:"finished_at" dynamodbav:"finished_at"`
	Result     string       `json:"result" dynamodbav:"result"`
	Reason     string       `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	TTL        int64        `json:"-" dynamodbav:"ttl"`
}

// CostSnapshot is the daily per-app cost record produced by the cost tracker.
type CostSnapshot struct {
	PK                   string        `json:"-" dynamodbav:"pk"`
	App                  string        `json:"app" dynamodbav:"app"`
	Date                 string        `json:"date" dynamodbav:"date"`
	DailyCost            float64       `json:"daily_cost" dynamodbav:"daily_cost"`
	YesterdayCost        float64       `json:"yesterday_cost" dynamodbav:"yesterday_cost"`
	ProjectedMonthlyCost float64       `json:"projected_monthly_cost" dynamodbav:"projected_monthly_cost"`
	Breakdown            CostBreakdown `json:"breakdown" dynamodbav:"breakdown"`
}

type CostBreakdown struct {
	NodePool  float64 `json:"node_pool" dynamodbav:"node_pool"`
	DbCompute float64 `json:"db_compute" dynamodbav:"db_compute"`
	DbStorage float64 `json:"db_storage" dynamodbav:"db_storage"`
	Network   float64 `json:"network" dynamodbav:"network"`
}
