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

package instance_test

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mareana/eks-app-controller/pkg/apis"
)

func testInstance(id string, state ec2types.InstanceStateName) ec2types.Instance {
	return ec2types.Instance{
		InstanceId:       aws.String(id),
		InstanceType:     ec2types.InstanceTypeT3Medium,
		State:            &ec2types.InstanceState{Name: state},
		PrivateIpAddress: aws.String("10.0.0.5"),
		Tags: []ec2types.Tag{
			{Key: aws.String("AppName"), Value: aws.String("a.example.com, b.example.com")},
			{Key: aws.String("Component"), Value: aws.String("postgres")},
		},
		BlockDeviceMappings: []ec2types.InstanceBlockDeviceMapping{
			{Ebs: &ec2types.EbsInstanceBlockDevice{VolumeId: aws.String("vol-1")}},
		},
	}
}

var _ = Describe("Get", func() {
	It("should convert the EC2 shape into the controller view", func() {
		ec2api.AddInstance(testInstance("i-1", ec2types.InstanceStateNameRunning))

		inst, err := provider.Get(ctx, "i-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(inst.ID).To(Equal("i-1"))
		Expect(inst.Type).To(Equal("t3.medium"))
		Expect(inst.State).To(Equal(apis.InstanceStateRunning))
		Expect(inst.PrivateIP).To(Equal("10.0.0.5"))
		Expect(inst.VolumeIDs).To(ConsistOf("vol-1"))
		Expect(inst.Tags).To(HaveKeyWithValue("Component", "postgres"))
	})
	It("should error on a missing instance instead of guessing a state", func() {
		_, err := provider.State(ctx, "i-missing")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Start", func() {
	It("should start a stopped instance and wait for running", func() {
		ec2api.AddInstance(testInstance("i-1", ec2types.InstanceStateNameStopped))

		Expect(provider.Start(ctx, "i-1")).To(Succeed())
		Expect(ec2api.StartInstancesBehavior.CalledWithInput.Len()).To(Equal(1))
		Expect(ec2api.InstanceState("i-1")).To(Equal(ec2types.InstanceStateNameRunning))
	})
	It("should be a no-op when the instance already runs", func() {
		ec2api.AddInstance(testInstance("i-1", ec2types.InstanceStateNameRunning))

		Expect(provider.Start(ctx, "i-1")).To(Succeed())
		Expect(ec2api.StartInstancesBehavior.Calls()).To(Equal(0))
	})
})

var _ = Describe("Stop", func() {
	It("should issue the stop without waiting for the instance to settle", func() {
		ec2api.AddInstance(testInstance("i-1", ec2types.InstanceStateNameRunning))

		Expect(provider.Stop(ctx, "i-1")).To(Succeed())
		Expect(ec2api.StopInstancesBehavior.CalledWithInput.Len()).To(Equal(1))
		Expect(ec2api.InstanceState("i-1")).To(Equal(ec2types.InstanceStateNameStopped))
	})
	It("should be a no-op on a stopped or stopping instance", func() {
		ec2api.AddInstance(testInstance("i-1", ec2types.InstanceStateNameStopped))
		ec2api.AddInstance(testInstance("i-2", ec2types.InstanceStateNameStopping))

		Expect(provider.Stop(ctx, "i-1")).To(Succeed())
		Expect(provider.Stop(ctx, "i-2")).To(Succeed())
		Expect(ec2api.StopInstancesBehavior.Calls()).To(Equal(0))
	})
})

var _ = Describe("Listing", func() {
	It("should list instances carrying a tag key regardless of state", func() {
		ec2api.AddInstance(testInstance("i-1", ec2types.InstanceStateNameRunning))
		ec2api.AddInstance(testInstance("i-2", ec2types.InstanceStateNameStopped))
		ec2api.AddInstance(ec2types.Instance{InstanceId: aws.String("i-untagged")})

		instances, err := provider.ListTagged(ctx, "AppName")
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(HaveLen(2))
	})
	It("should list instances by tag value", func() {
		ec2api.AddInstance(testInstance("i-1", ec2types.InstanceStateNameRunning))

		instances, err := provider.ListByTag(ctx, "Component", "postgres")
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(HaveLen(1))
		Expect(instances[0].ID).To(Equal("i-1"))

		instances, err = provider.ListByTag(ctx, "Component", "neo4j")
		Expect(err).ToNot(HaveOccurred())
		Expect(instances).To(BeEmpty())
	})
})

var _ = Describe("VolumeSizeGiB", func() {
	It("should sum attached volume sizes", func() {
		ec2api.AddVolume(ec2types.Volume{VolumeId: aws.String("vol-1"), Size: aws.Int32(100)})
		ec2api.AddVolume(ec2types.Volume{VolumeId: aws.String("vol-2"), Size: aws.Int32(50)})

		size, err := provider.VolumeSizeGiB(ctx, []string{"vol-1", "vol-2"})
		Expect(err).ToNot(HaveOccurred())
		Expect(size).To(Equal(int32(150)))
	})
	It("should skip the API entirely for no volumes", func() {
		size, err := provider.VolumeSizeGiB(ctx, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(size).To(BeZero())
		Expect(ec2api.DescribeVolumesBehavior.Calls()).To(Equal(0))
	})
})
