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

package options_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mareana/eks-app-controller/pkg/operator/options"
)

var _ = Describe("Options", func() {
	It("should apply defaults when no flags or environment are set", func() {
		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.APIPort).To(Equal(8080))
		Expect(opts.AppTagKey).To(Equal("AppName"))
		Expect(opts.DiscoveryInterval).To(Equal(2 * time.Hour))
		Expect(opts.LeaseTTL).To(Equal(60 * time.Second))
		Expect(opts.LeaseRetries).To(Equal(3))
	})
	It("should prefer flags over defaults", func() {
		opts := options.New()
		Expect(opts.Parse([]string{
			"--region", "us-west-2",
			"--cluster-name", "prod",
			"--table-name", "app-controller",
			"--lease-ttl", "90s",
		})).To(Succeed())
		Expect(opts.Region).To(Equal("us-west-2"))
		Expect(opts.LeaseTTL).To(Equal(90 * time.Second))
		Expect(opts.Validate()).To(Succeed())
	})
	It("should seed defaults from the environment", func() {
		os.Setenv("AWS_REGION", "eu-west-1")
		os.Setenv("LEASE_RETRIES", "5")
		DeferCleanup(os.Unsetenv, "AWS_REGION")
		DeferCleanup(os.Unsetenv, "LEASE_RETRIES")

		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.Region).To(Equal("eu-west-1"))
		Expect(opts.LeaseRetries).To(Equal(5))
	})
	It("should collect every validation failure", func() {
		opts := options.New()
		Expect(opts.Parse([]string{"--status-deadline", "2s", "--http-probe-timeout", "5s"})).To(Succeed())
		err := opts.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("AWS_REGION is required"))
		Expect(err.Error()).To(ContainSubstring("CLUSTER_NAME is required"))
		Expect(err.Error()).To(ContainSubstring("TABLE_NAME is required"))
		Expect(err.Error()).To(ContainSubstring("status-deadline must exceed http-probe-timeout"))
	})
	It("should round trip through the context", func() {
		opts := options.New()
		ctx := opts.ToContext(context.Background())
		Expect(options.FromContext(ctx)).To(BeIdenticalTo(opts))
		Expect(options.FromContext(context.Background())).To(BeNil())
	})
})
