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

package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
)

type EC2Behavior struct {
	DescribeInstancesBehavior MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	StartInstancesBehavior    MockedFunction[ec2.StartInstancesInput, ec2.StartInstancesOutput]
	StopInstancesBehavior     MockedFunction[ec2.StopInstancesInput, ec2.StopInstancesOutput]
	DescribeVolumesBehavior   MockedFunction[ec2.DescribeVolumesInput, ec2.DescribeVolumesOutput]

	mu        sync.Mutex
	instances map[string]ec2types.Instance
	volumes   map[string]ec2types.Volume
}

type EC2API struct {
	sdk.EC2API
	EC2Behavior
}

func NewEC2API() *EC2API {
	api := &EC2API{}
	api.Reset()
	return api
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *EC2API) Reset() {
	e.DescribeInstancesBehavior.Reset()
	e.StartInstancesBehavior.Reset()
	e.StopInstancesBehavior.Reset()
	e.DescribeVolumesBehavior.Reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances = map[string]ec2types.Instance{}
	e.volumes = map[string]ec2types.Volume{}
}

// AddInstance seeds the fake with an instance. Nil state defaults to running.
func (e *EC2API) AddInstance(instance ec2types.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if instance.State == nil {
		instance.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning}
	}
	e.instances[lo.FromPtr(instance.InstanceId)] = instance
}

func (e *EC2API) AddVolume(volume ec2types.Volume) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volumes[lo.FromPtr(volume.VolumeId)] = volume
}

// InstanceState reports the stored state name for assertions.
func (e *EC2API) InstanceState(id string) ec2types.InstanceStateName {
	e.mu.Lock()
	defer e.mu.Unlock()
	instance, ok := e.instances[id]
	if !ok {
		return ""
	}
	return instance.State.Name
}

// SetInstanceState overrides the stored state, e.g. to pin an instance in
// pending so start polls time out.
func (e *EC2API) SetInstanceState(id string, state ec2types.InstanceStateName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	instance := e.instances[id]
	instance.State = &ec2types.InstanceState{Name: state}
	e.instances[id] = instance
}

func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return e.DescribeInstancesBehavior.Invoke(input, func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		var matched []ec2types.Instance
		for _, instance := range e.instances {
			if e.matches(instance, input) {
				matched = append(matched, instance)
			}
		}
		if len(matched) == 0 {
			return &ec2.DescribeInstancesOutput{}, nil
		}
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: matched}},
		}, nil
	})
}

func (e *EC2API) matches(instance ec2types.Instance, input *ec2.DescribeInstancesInput) bool {
	if len(input.InstanceIds) > 0 && !lo.Contains(input.InstanceIds, lo.FromPtr(instance.InstanceId)) {
		return false
	}
	for _, filter := range input.Filters {
		name := lo.FromPtr(filter.Name)
		switch {
		case name == "tag-key":
			if !lo.ContainsBy(instance.Tags, func(t ec2types.Tag) bool {
				return lo.Contains(filter.Values, lo.FromPtr(t.Key))
			}) {
				return false
			}
		case strings.HasPrefix(name, "tag:"):
			key := strings.TrimPrefix(name, "tag:")
			if !lo.ContainsBy(instance.Tags, func(t ec2types.Tag) bool {
				return lo.FromPtr(t.Key) == key && lo.Contains(filter.Values, lo.FromPtr(t.Value))
			}) {
				return false
			}
		case name == "instance-state-name":
			if !lo.Contains(filter.Values, string(instance.State.Name)) {
				return false
			}
		}
	}
	return true
}

func (e *EC2API) StartInstances(_ context.Context, input *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return e.StartInstancesBehavior.Invoke(input, func(input *ec2.StartInstancesInput) (*ec2.StartInstancesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		var changes []ec2types.InstanceStateChange
		for _, id := range input.InstanceIds {
			instance, ok := e.instances[id]
			if !ok {
				return nil, fmt.Errorf("instance %s not found", id)
			}
			previous := instance.State.Name
			instance.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning}
			e.instances[id] = instance
			changes = append(changes, ec2types.InstanceStateChange{
				InstanceId:    aws.String(id),
				PreviousState: &ec2types.InstanceState{Name: previous},
				CurrentState:  instance.State,
			})
		}
		return &ec2.StartInstancesOutput{StartingInstances: changes}, nil
	})
}

func (e *EC2API) StopInstances(_ context.Context, input *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return e.StopInstancesBehavior.Invoke(input, func(input *ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		var changes []ec2types.InstanceStateChange
		for _, id := range input.InstanceIds {
			instance, ok := e.instances[id]
			if !ok {
				return nil, fmt.Errorf("instance %s not found", id)
			}
			previous := instance.State.Name
			instance.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped}
			e.instances[id] = instance
			changes = append(changes, ec2types.InstanceStateChange{
				InstanceId:    aws.String(id),
				PreviousState: &ec2types.InstanceState{Name: previous},
				CurrentState:  instance.State,
			})
		}
		return &ec2.StopInstancesOutput{StoppingInstances: changes}, nil
	})
}

func (e *EC2API) DescribeVolumes(_ context.Context, input *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return e.DescribeVolumesBehavior.Invoke(input, func(input *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		var matched []ec2types.Volume
		for _, id := range input.VolumeIds {
			if volume, ok := e.volumes[id]; ok {
				matched = append(matched, volume)
			}
		}
		return &ec2.DescribeVolumesOutput{Volumes: matched}, nil
	})
}
