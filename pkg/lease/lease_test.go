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

package lease_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/lease"
)

var _ = Describe("Acquire", func() {
	It("should claim a free resource with a fresh owner id", func() {
		held, err := manager.Acquire(ctx, "i-1", string(apis.DbTypePostgres))
		Expect(err).ToNot(HaveOccurred())
		Expect(held.OwnerID).ToNot(BeEmpty())
		Expect(held.ResourceIdentifier).To(Equal("i-1"))
		Expect(held.Live(fakeClock.Now())).To(BeTrue())

		stored, err := reg.GetLease(ctx, "i-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.OwnerID).To(Equal(held.OwnerID))
	})
	It("should give distinct owners to concurrent acquirers", func() {
		first, err := manager.Acquire(ctx, "i-1", string(apis.DbTypePostgres))
		Expect(err).ToNot(HaveOccurred())
		second, err := manager.Acquire(ctx, "i-2", string(apis.DbTypePostgres))
		Expect(err).ToNot(HaveOccurred())
		Expect(first.OwnerID).ToNot(Equal(second.OwnerID))
	})
	It("should return ErrHeld after exhausting retries against a live lease", func() {
		_, err := manager.Acquire(ctx, "i-1", string(apis.DbTypePostgres))
		Expect(err).ToNot(HaveOccurred())
		attempts := dynamo.PutItemBehavior.Calls()

		_, err = manager.Acquire(ctx, "i-1", string(apis.DbTypePostgres))
		Expect(err).To(MatchError(lease.ErrHeld))
		// Every configured attempt reaches the conditional write despite the
		// backoff-plus-jitter delays between them.
		Expect(dynamo.PutItemBehavior.Calls() - attempts).To(Equal(3))
	})
	It("should steal a lease whose TTL has lapsed", func() {
		first, err := manager.Acquire(ctx, "i-1", string(apis.DbTypeNeo4j))
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(2 * time.Minute)
		second, err := manager.Acquire(ctx, "i-1", string(apis.DbTypeNeo4j))
		Expect(err).ToNot(HaveOccurred())
		Expect(second.OwnerID).ToNot(Equal(first.OwnerID))
	})
})

var _ = Describe("Release", func() {
	It("should free the resource for the next acquirer", func() {
		held, err := manager.Acquire(ctx, "i-1", string(apis.DbTypePostgres))
		Expect(err).ToNot(HaveOccurred())
		Expect(manager.Release(ctx, held)).To(Succeed())

		_, err = manager.Acquire(ctx, "i-1", string(apis.DbTypePostgres))
		Expect(err).ToNot(HaveOccurred())
	})
	It("should refuse to release a lease that expired and was stolen", func() {
		first, err := manager.Acquire(ctx, "i-1", string(apis.DbTypePostgres))
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(2 * time.Minute)
		second, err := manager.Acquire(ctx, "i-1", string(apis.DbTypePostgres))
		Expect(err).ToNot(HaveOccurred())

		Expect(manager.Release(ctx, first)).To(MatchError(lease.ErrNotOwner))

		// The thief's claim survives the failed release.
		stored, err := reg.GetLease(ctx, "i-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.OwnerID).To(Equal(second.OwnerID))
	})
})
