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

// Package lease serializes lifecycle operations on shared database resources
// through TTL-bounded, owner-fenced claims in the registry table.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/metrics"
	"github.com/mareana/eks-app-controller/pkg/registry"
)

// ErrHeld is returned when the resource stayed claimed by a live lease
// through every acquisition attempt.
var ErrHeld = errors.New("lease held by another owner")

// ErrNotOwner is returned when releasing a lease this owner no longer holds,
// typically because it expired and was stolen.
var ErrNotOwner = errors.New("lease not owned")

type Manager struct {
	registry *registry.Registry
	ttl      time.Duration
	retries  int
	clock    clock.Clock
}

func NewManager(reg *registry.Registry, ttl time.Duration, retries int, clk clock.Clock) *Manager {
	return &Manager{registry: reg, ttl: ttl, retries: retries, clock: clk}
}

// Acquire claims the resource for a fresh owner id. Expired leases are stolen
// inside the same conditional write, so two stealers cannot both win.
// Contention is retried with jittered backoff up to the configured attempts.
func (m *Manager) Acquire(ctx context.Context, resourceID, lockType string) (*apis.LeaseRecord, error) {
	lease := &apis.LeaseRecord{
		OwnerID:            uuid.NewString(),
		LockType:           lockType,
		ResourceIdentifier: resourceID,
	}
	err := retry.Do(func() error {
		now := m.clock.Now()
		lease.CreatedAt = now.Unix()
		lease.ExpiresAt = now.Add(m.ttl).Unix()
		if err := m.registry.AcquireLease(ctx, lease, now); err != nil {
			if errors.Is(err, registry.ErrConditionFailed) {
				return ErrHeld
			}
			return retry.Unrecoverable(err)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(uint(m.retries)),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, ErrHeld) {
			metrics.LeaseContention.Inc()
		}
		return nil, err
	}
	log.FromContext(ctx).V(1).Info("acquired lease", "resource", resourceID, "owner", lease.OwnerID)
	return lease, nil
}

// Release frees the resource iff the lease is still ours. An expired-and-
// stolen lease surfaces as ErrNotOwner; the thief's claim is left alone.
func (m *Manager) Release(ctx context.Context, lease *apis.LeaseRecord) error {
	if err := m.registry.ReleaseLease(ctx, lease.ResourceIdentifier, lease.OwnerID); err != nil {
		if errors.Is(err, registry.ErrConditionFailed) {
			return ErrNotOwner
		}
		return fmt.Errorf("releasing lease on %q, %w", lease.ResourceIdentifier, err)
	}
	log.FromContext(ctx).V(1).Info("released lease", "resource", lease.ResourceIdentifier, "owner", lease.OwnerID)
	return nil
}
