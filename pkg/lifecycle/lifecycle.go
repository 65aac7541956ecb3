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

// Package lifecycle runs the start and stop state machines. Steps execute in
// a fixed order; inside a step, per-database work fans out. A step failure
// is recorded and the machine moves on, so one broken component never wedges
// the rest of the app.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/lease"
	"github.com/mareana/eks-app-controller/pkg/metrics"
	"github.com/mareana/eks-app-controller/pkg/operator/options"
	"github.com/mareana/eks-app-controller/pkg/providers/httpprobe"
	"github.com/mareana/eks-app-controller/pkg/providers/instance"
	"github.com/mareana/eks-app-controller/pkg/providers/nodegroup"
	"github.com/mareana/eks-app-controller/pkg/providers/workload"
	"github.com/mareana/eks-app-controller/pkg/registry"
	"github.com/mareana/eks-app-controller/pkg/status"
	"github.com/mareana/eks-app-controller/pkg/utils"
)

const (
	nodePollInterval = 15 * time.Second
	nodePollTimeout  = 600 * time.Second
)

// QuickStatus is the minimal co-tenant liveness check the stop protocol
// consults before touching a shared database.
type QuickStatus interface {
	Check(ctx context.Context, appName string) status.QuickResult
}

// Summary is the outcome of one start or stop machine run.
type Summary struct {
	App      string            `json:"app"`
	Action   string            `json:"action"`
	Success  bool              `json:"success"`
	DryRun   bool              `json:"dry_run,omitempty"`
	Warnings []string          `json:"warnings"`
	Steps    map[string]string `json:"steps"`
	Plan     []PlannedAction   `json:"plan,omitempty"`

	mu sync.Mutex
}

func newSummary(app, action string) *Summary {
	return &Summary{App: app, Action: action, Success: true, Warnings: []string{}, Steps: map[string]string{}}
}

func (s *Summary) warn(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// fail records a hard error. The machine keeps going, but the composite
// success flag is gone for good.
func (s *Summary) fail(step string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Success = false
	s.Steps[step] = fmt.Sprintf("error: %s", err)
}

func (s *Summary) step(name, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Steps[name] = outcome
}

// PlannedAction is one entry of a dry-run plan, with current and target
// values so the caller can see exactly what would change.
type PlannedAction struct {
	Type           string `json:"type"`
	InstanceID     string `json:"instance_id,omitempty"`
	CurrentState   string `json:"current_state,omitempty"`
	TargetState    string `json:"target_state,omitempty"`
	Nodegroup      string `json:"nodegroup,omitempty"`
	CurrentDesired *int32 `json:"current_desired,omitempty"`
	TargetDesired  *int32 `json:"target_desired,omitempty"`
	Name           string `json:"name,omitempty"`
	Current        *int32 `json:"current,omitempty"`
	Target         *int32 `json:"target,omitempty"`
}

// DbResult is the outcome of a database-only operation.
type DbResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type Orchestrator struct {
	registry   *registry.Registry
	instances  *instance.Provider
	nodegroups *nodegroup.Provider
	workloads  *workload.Provider
	prober     *httpprobe.Prober
	leases     *lease.Manager
	quick      QuickStatus
	clock      clock.Clock
	oplogTTL   time.Duration
}

func NewOrchestrator(reg *registry.Registry, instances *instance.Provider, nodegroups *nodegroup.Provider,
	workloads *workload.Provider, prober *httpprobe.Prober, leases *lease.Manager, quick QuickStatus,
	clk clock.Clock, oplogTTL time.Duration) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		instances:  instances,
		nodegroups: nodegroups,
		workloads:  workloads,
		prober:     prober,
		leases:     leases,
		quick:      quick,
		clock:      clk,
		oplogTTL:   oplogTTL,
	}
}

// Start runs the start machine: databases first, then the nodegroup, then
// workloads, then one HTTP verification. With dryRun set, only read probes
// run and a plan comes back instead.
func (o *Orchestrator) Start(ctx context.Context, appName string, dryRun bool, source apis.ActionSource, reasons ...string) (*Summary, error) {
	record, err := o.registry.GetApplication(ctx, appName)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return o.planStart(ctx, record)
	}
	summary := newSummary(appName, "start")
	startedAt := o.clock.Now()

	o.startDatabases(ctx, record, summary)
	o.scaleUpNodegroup(ctx, record, summary)
	o.scaleUpWorkloads(ctx, record, summary)
	o.verifyHTTP(ctx, record, summary)

	o.logOperation(ctx, summary, source, startedAt, reasons)
	return summary, nil
}

// Stop runs the stop machine: workloads down, nodegroup down, then each
// database through the shared-resource protocol.
func (o *Orchestrator) Stop(ctx context.Context, appName string, source apis.ActionSource, reasons ...string) (*Summary, error) {
	record, err := o.registry.GetApplication(ctx, appName)
	if err != nil {
		return nil, err
	}
	summary := newSummary(appName, "stop")
	startedAt := o.clock.Now()

	if err := o.workloads.ScaleDown(ctx, record.Namespace); err != nil {
		summary.fail("workloads", err)
	} else {
		summary.step("workloads", "scaled to 0")
	}
	if record.NodePool != nil {
		if err := o.nodegroups.ScaleDown(ctx, record.NodePool.Name); err != nil {
			summary.fail("nodegroup", err)
		} else {
			summary.step("nodegroup", "scaled to 0")
		}
	}

	grp, gctx := errgroup.WithContext(ctx)
	for _, dbType := range []apis.DbType{apis.DbTypePostgres, apis.DbTypeNeo4j} {
		db := record.Db(dbType)
		if db == nil {
			continue
		}
		grp.Go(func() error {
			result := o.stopDatabase(gctx, record, dbType, db)
			stepName := string(dbType)
			if result.Success {
				summary.step(stepName, "stopped")
			} else {
				summary.step(stepName, fmt.Sprintf("skipped: %s", result.Reason))
				summary.warn("%s", result.Reason)
			}
			return nil
		})
	}
	_ = grp.Wait()

	o.logOperation(ctx, summary, source, startedAt, reasons)
	return summary, nil
}

// DbStart starts one database instance. Starting is always safe, so no lease
// is taken.
func (o *Orchestrator) DbStart(ctx context.Context, appName string, dbType apis.DbType) (*DbResult, error) {
	record, err := o.registry.GetApplication(ctx, appName)
	if err != nil {
		return nil, err
	}
	db := record.Db(dbType)
	if db == nil {
		return &DbResult{Success: false, Reason: fmt.Sprintf("app has no %s database", dbType)}, nil
	}
	if db.InstanceID == "" {
		return &DbResult{Success: false, Reason: "no instance id"}, nil
	}
	if err := o.instances.Start(ctx, db.InstanceID); err != nil {
		return &DbResult{Success: false, Reason: err.Error()}, nil
	}
	return &DbResult{Success: true}, nil
}

// DbStop stops one database instance through the shared-resource protocol.
func (o *Orchestrator) DbStop(ctx context.Context, appName string, dbType apis.DbType) (*DbResult, error) {
	record, err := o.registry.GetApplication(ctx, appName)
	if err != nil {
		return nil, err
	}
	db := record.Db(dbType)
	if db == nil {
		return &DbResult{Success: false, Reason: fmt.Sprintf("app has no %s database", dbType)}, nil
	}
	return o.stopDatabase(ctx, record, dbType, db), nil
}

func (o *Orchestrator) startDatabases(ctx context.Context, record *apis.ApplicationRecord, summary *Summary) {
	grp, gctx := errgroup.WithContext(ctx)
	for _, dbType := range []apis.DbType{apis.DbTypePostgres, apis.DbTypeNeo4j} {
		db := record.Db(dbType)
		if db == nil {
			continue
		}
		grp.Go(func() error {
			stepName := string(dbType)
			if db.InstanceID == "" {
				summary.step(stepName, "skipped: no instance id")
				summary.warn("%s has no instance id, cannot start", dbType)
				return nil
			}
			if err := o.instances.Start(gctx, db.InstanceID); err != nil {
				if utils.IsPollDeadline(err) {
					summary.step(stepName, "timeout waiting for running")
					summary.warn("%s %s did not reach running in time", dbType, db.InstanceID)
					return nil
				}
				summary.fail(stepName, err)
				return nil
			}
			summary.step(stepName, "running")
			return nil
		})
	}
	_ = grp.Wait()
}

func (o *Orchestrator) scaleUpNodegroup(ctx context.Context, record *apis.ApplicationRecord, summary *Summary) {
	pool := record.NodePool
	if pool == nil {
		summary.step("nodegroup", "skipped: no nodegroup")
		return
	}
	defaults := options.NodePoolDefaults{Desired: pool.DefaultDesired, Min: pool.DefaultMin, Max: pool.DefaultMax}
	if err := o.nodegroups.ScaleUp(ctx, pool.Name, defaults); err != nil {
		summary.fail("nodegroup", err)
		return
	}
	err := utils.PollUntil(ctx, nodePollInterval, nodePollTimeout, func(ctx context.Context) (bool, error) {
		current, err := o.nodegroups.Get(ctx, pool.Name)
		if err != nil {
			return false, nil
		}
		ready, err := o.workloads.ReadyNodeCount(ctx, pool.Name)
		if err != nil {
			return false, nil
		}
		if current.Phase(ready) != apis.NodeGroupPhaseReady {
			return false, nil
		}
		return ready >= pool.DefaultDesired, nil
	})
	if utils.IsPollDeadline(err) {
		summary.step("nodegroup", "timeout waiting for nodes")
		summary.warn("nodegroup %s did not reach %d ready nodes in time", pool.Name, pool.DefaultDesired)
		return
	}
	if err != nil {
		summary.fail("nodegroup", err)
		return
	}
	summary.step("nodegroup", fmt.Sprintf("active with %d nodes", pool.DefaultDesired))
}

func (o *Orchestrator) scaleUpWorkloads(ctx context.Context, record *apis.ApplicationRecord, summary *Summary) {
	if err := o.workloads.ScaleUp(ctx, record.Namespace); err != nil {
		summary.fail("workloads", err)
		return
	}
	summary.step("workloads", "scaled up")
}

func (o *Orchestrator) verifyHTTP(ctx context.Context, record *apis.ApplicationRecord, summary *Summary) {
	hostname := record.PrimaryHostname()
	if hostname == "" {
		summary.step("http", "skipped: no hostname")
		return
	}
	result := o.prober.Quick(ctx, hostname)
	summary.step("http", fmt.Sprintf("code=%d latency_ms=%d", result.Code, result.LatencyMS))
	if !httpprobe.Verified(result.Code) {
		summary.warn("http verification of %s returned %d", hostname, result.Code)
	}
}

// stopDatabase applies the shared-resource protocol to one database. A
// dedicated instance is stopped outright. A shared instance is stopped only
// under a lease, and only when every co-tenant is provably DOWN; an
// unobservable co-tenant counts as alive.
func (o *Orchestrator) stopDatabase(ctx context.Context, record *apis.ApplicationRecord, dbType apis.DbType, db *apis.DbRef) *DbResult {
	if db.InstanceID == "" {
		return &DbResult{Success: false, Reason: fmt.Sprintf("%s has no instance id, cannot stop", dbType)}
	}
	resourceID := db.ResourceID()
	coTenants := record.SharedWith(dbType, resourceID)
	if len(coTenants) == 0 {
		if err := o.instances.Stop(ctx, db.InstanceID); err != nil {
			return &DbResult{Success: false, Reason: fmt.Sprintf("stopping %s %s: %s", dbType, db.InstanceID, err)}
		}
		return &DbResult{Success: true}
	}

	held, err := o.leases.Acquire(ctx, resourceID, string(dbType))
	if err != nil {
		return &DbResult{Success: false, Reason: "lock contention"}
	}
	defer func() {
		if err := o.leases.Release(ctx, held); err != nil {
			log.FromContext(ctx).Error(err, "releasing lease", "resource", resourceID)
		}
	}()

	var up, unknown []string
	for _, coTenant := range coTenants {
		result := o.quick.Check(ctx, coTenant)
		switch result.Status {
		case apis.AppStatusUp:
			up = append(up, coTenant)
		case apis.AppStatusUnknown:
			unknown = append(unknown, coTenant)
		}
	}
	if len(up) > 0 {
		return &DbResult{Success: false, Reason: fmt.Sprintf("%s %s shared with active apps: %v", dbType, resourceID, up)}
	}
	// A co-tenant that cannot be observed has to be presumed alive.
	if len(unknown) > 0 {
		return &DbResult{Success: false, Reason: fmt.Sprintf("status unknown for %v", unknown)}
	}
	if err := o.instances.Stop(ctx, db.InstanceID); err != nil {
		return &DbResult{Success: false, Reason: fmt.Sprintf("stopping %s %s: %s", dbType, db.InstanceID, err)}
	}
	return &DbResult{Success: true}
}

func (o *Orchestrator) planStart(ctx context.Context, record *apis.ApplicationRecord) (*Summary, error) {
	summary := newSummary(record.AppName, "start")
	summary.DryRun = true

	for _, dbType := range []apis.DbType{apis.DbTypePostgres, apis.DbTypeNeo4j} {
		db := record.Db(dbType)
		if db == nil {
			continue
		}
		if db.InstanceID == "" {
			summary.warn("%s has no instance id, cannot start", dbType)
			continue
		}
		state, err := o.instances.State(ctx, db.InstanceID)
		if err != nil {
			summary.warn("describing %s %s: %s", dbType, db.InstanceID, err)
			continue
		}
		if state != apis.InstanceStateRunning {
			summary.Plan = append(summary.Plan, PlannedAction{
				Type:         "start_ec2",
				InstanceID:   db.InstanceID,
				CurrentState: string(state),
				TargetState:  string(apis.InstanceStateRunning),
			})
		}
	}

	if pool := record.NodePool; pool != nil {
		current, err := o.nodegroups.Get(ctx, pool.Name)
		if err != nil {
			summary.warn("describing nodegroup %s: %s", pool.Name, err)
		} else if current.Desired != pool.DefaultDesired || current.Min != pool.DefaultMin || current.Max != pool.DefaultMax {
			summary.Plan = append(summary.Plan, PlannedAction{
				Type:           "scale_nodegroup",
				Nodegroup:      pool.Name,
				CurrentDesired: &current.Desired,
				TargetDesired:  &pool.DefaultDesired,
			})
		}
	}

	scales, err := o.workloads.ListScales(ctx, record.Namespace)
	if err != nil {
		summary.warn("listing workloads in %s: %s", record.Namespace, err)
	}
	for _, scale := range scales {
		if scale.Replicas != 0 {
			continue
		}
		current, target := scale.Replicas, int32(1)
		summary.Plan = append(summary.Plan, PlannedAction{
			Type:    fmt.Sprintf("scale_%s", scale.Kind),
			Name:    scale.Name,
			Current: &current,
			Target:  &target,
		})
	}
	return summary, nil
}

func (o *Orchestrator) logOperation(ctx context.Context, summary *Summary, source apis.ActionSource, startedAt time.Time, reasons []string) {
	now := o.clock.Now()
	result := "success"
	if !summary.Success {
		result = "failed"
	}
	entry := &apis.OperationLogEntry{
		App:        summary.App,
		Action:     summary.Action,
		Source:     source,
		StartedAt:  startedAt.UnixNano(),
		FinishedAt: now.UnixNano(),
		Result:     result,
		Reason:     strings.Join(append(reasons, summary.Warnings...), "; "),
		TTL:        now.Add(o.oplogTTL).Unix(),
	}
	if err := o.registry.AppendOperation(ctx, entry); err != nil {
		log.FromContext(ctx).Error(err, "appending operation log", "app", summary.App, "action", summary.Action)
	}
	metrics.LifecycleOperations.WithLabelValues(summary.App, summary.Action, string(source), result).Inc()
	metrics.LifecycleDuration.WithLabelValues(summary.Action).Observe(now.Sub(startedAt).Seconds())
}
