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

package cost_test

import (
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mareana/eks-app-controller/pkg/apis"
)

func addDatabase(id string, state ec2types.InstanceStateName, volumeGiB int32) {
	ec2api.AddInstance(ec2types.Instance{
		InstanceId:   awssdk.String(id),
		InstanceType: ec2types.InstanceTypeT3Medium,
		State:        &ec2types.InstanceState{Name: state},
		BlockDeviceMappings: []ec2types.InstanceBlockDeviceMapping{
			{Ebs: &ec2types.EbsInstanceBlockDevice{VolumeId: awssdk.String(id + "-vol")}},
		},
	})
	ec2api.AddVolume(ec2types.Volume{VolumeId: awssdk.String(id + "-vol"), Size: awssdk.Int32(volumeGiB)})
}

func addPool(name string, desired int32) {
	eksapi.AddNodegroup(ekstypes.Nodegroup{
		NodegroupName: awssdk.String(name),
		Status:        ekstypes.NodegroupStatusActive,
		InstanceTypes: []string{"t3.medium"},
		ScalingConfig: &ekstypes.NodegroupScalingConfig{
			DesiredSize: awssdk.Int32(desired),
			MinSize:     awssdk.Int32(0),
			MaxSize:     awssdk.Int32(4),
		},
	})
}

var _ = Describe("Snapshot", func() {
	It("should price nodegroup compute, database compute and storage", func() {
		pricingapi.SetPrice("t3.medium", 0.05)
		addPool("app-a-ng", 2)
		addDatabase("i-pg", ec2types.InstanceStateNameRunning, 100)
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:  "a.example.com",
			NodePool: &apis.NodePool{Name: "app-a-ng", DefaultDesired: 2, DefaultMin: 1, DefaultMax: 4},
			Postgres: &apis.DbRef{Host: "10.0.0.5", Port: 5432, InstanceID: "i-pg"},
		})).To(Succeed())

		Expect(controller.Snapshot(ctx)).To(Succeed())

		snapshot, err := reg.GetLatestCost(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		// 2 nodes x 24h x 0.05.
		Expect(snapshot.Breakdown.NodePool).To(Equal(2.4))
		// 24h x 0.05.
		Expect(snapshot.Breakdown.DbCompute).To(Equal(1.2))
		// 100 GiB x 0.08 per month, daily share.
		Expect(snapshot.Breakdown.DbStorage).To(Equal(0.27))
		Expect(snapshot.DailyCost).To(Equal(3.87))
		Expect(snapshot.ProjectedMonthlyCost).To(Equal(116.1))
	})
	It("should bill storage but not compute for a stopped database", func() {
		pricingapi.SetPrice("t3.medium", 0.05)
		addDatabase("i-pg", ec2types.InstanceStateNameStopped, 30)
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:  "a.example.com",
			Postgres: &apis.DbRef{Host: "10.0.0.5", Port: 5432, InstanceID: "i-pg"},
		})).To(Succeed())

		Expect(controller.Snapshot(ctx)).To(Succeed())

		snapshot, err := reg.GetLatestCost(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Breakdown.DbCompute).To(BeZero())
		Expect(snapshot.Breakdown.DbStorage).To(Equal(0.08))
	})
	It("should fall back to the static price table when the pricing API has nothing", func() {
		addPool("app-a-ng", 1)
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:  "a.example.com",
			NodePool: &apis.NodePool{Name: "app-a-ng", DefaultDesired: 1, DefaultMin: 0, DefaultMax: 4},
		})).To(Succeed())

		Expect(controller.Snapshot(ctx)).To(Succeed())

		snapshot, err := reg.GetLatestCost(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		// t3.medium fallback rate is 0.0416.
		Expect(snapshot.Breakdown.NodePool).To(Equal(1.0))
	})
	It("should carry yesterday's cost forward from the previous snapshot", func() {
		Expect(reg.PutCostSnapshot(ctx, &apis.CostSnapshot{
			App:       "a.example.com",
			Date:      "2000-01-01",
			DailyCost: 5,
		})).To(Succeed())
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{AppName: "a.example.com"})).To(Succeed())

		Expect(controller.Snapshot(ctx)).To(Succeed())

		snapshot, err := reg.GetLatestCost(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.YesterdayCost).To(Equal(5.0))
	})
	It("should cost a stopped nodegroup at zero", func() {
		addPool("app-a-ng", 0)
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:  "a.example.com",
			NodePool: &apis.NodePool{Name: "app-a-ng", DefaultDesired: 2, DefaultMin: 1, DefaultMax: 4},
		})).To(Succeed())

		Expect(controller.Snapshot(ctx)).To(Succeed())

		snapshot, err := reg.GetLatestCost(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.DailyCost).To(BeZero())
	})
})
