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

// Package instance manages the EC2 instances that back self-hosted databases.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
	awserrors "github.com/mareana/eks-app-controller/pkg/errors"
	"github.com/mareana/eks-app-controller/pkg/utils"
)

const (
	startPollInterval = 10 * time.Second
	startPollTimeout  = 300 * time.Second
)

// Instance is the subset of EC2 instance detail the controller consumes.
type Instance struct {
	ID        string
	Type      string
	State     apis.InstanceState
	PrivateIP string
	VolumeIDs []string
	Tags      map[string]string
}

type Provider struct {
	ec2api sdk.EC2API
}

func NewProvider(ec2api sdk.EC2API) *Provider {
	return &Provider{ec2api: ec2api}
}

// Get describes a single instance by id.
func (p *Provider) Get(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := p.ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("describing instance %q, %w", instanceID, err)
	}
	for _, reservation := range out.Reservations {
		for i := range reservation.Instances {
			return convert(&reservation.Instances[i]), nil
		}
	}
	return nil, fmt.Errorf("instance %q not found", instanceID)
}

// State returns the normalized lifecycle state of an instance. A missing
// instance and a permission failure both come back as an error, never as a
// guessed state.
func (p *Provider) State(ctx context.Context, instanceID string) (apis.InstanceState, error) {
	instance, err := p.Get(ctx, instanceID)
	if err != nil {
		return apis.InstanceStateUnknown, err
	}
	return instance.State, nil
}

// Start issues StartInstances and waits until the instance reports running.
// Starting an already running instance is a no-op.
func (p *Provider) Start(ctx context.Context, instanceID string) error {
	state, err := p.State(ctx, instanceID)
	if err != nil {
		return err
	}
	if state == apis.InstanceStateRunning {
		return nil
	}
	if _, err := p.ec2api.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return fmt.Errorf("starting instance %q, %w", instanceID, err)
	}
	log.FromContext(ctx).V(1).Info("started instance", "instance-id", instanceID)
	return p.waitState(ctx, instanceID, apis.InstanceStateRunning, startPollInterval, startPollTimeout)
}

// Stop issues StopInstances without waiting for the instance to settle.
// Stopping happens under a short-lived lease, so the call must not block on
// the instance's shutdown.
func (p *Provider) Stop(ctx context.Context, instanceID string) error {
	state, err := p.State(ctx, instanceID)
	if err != nil {
		return err
	}
	if state == apis.InstanceStateStopped || state == apis.InstanceStateStopping {
		return nil
	}
	if _, err := p.ec2api.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return fmt.Errorf("stopping instance %q, %w", instanceID, err)
	}
	log.FromContext(ctx).V(1).Info("stopped instance", "instance-id", instanceID)
	return nil
}

func (p *Provider) waitState(ctx context.Context, instanceID string, want apis.InstanceState, interval, timeout time.Duration) error {
	err := utils.PollUntil(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		state, err := p.State(ctx, instanceID)
		if err != nil {
			// Transient describe failures should not abort the wait.
			if awserrors.IsThrottled(err) {
				return false, nil
			}
			return false, err
		}
		return state == want, nil
	})
	if utils.IsPollDeadline(err) {
		return fmt.Errorf("instance %q did not reach %s within %s, %w", instanceID, want, timeout, err)
	}
	return err
}

// ListByTag returns all instances carrying tagKey=tagValue, whatever their
// state. Discovery uses this to map database hosts to instances.
func (p *Provider) ListByTag(ctx context.Context, tagKey, tagValue string) ([]*Instance, error) {
	return p.list(ctx, ec2types.Filter{
		Name:   aws.String(fmt.Sprintf("tag:%s", tagKey)),
		Values: []string{tagValue},
	})
}

// ListTagged returns all instances that carry the tag key at all, regardless
// of value.
func (p *Provider) ListTagged(ctx context.Context, tagKey string) ([]*Instance, error) {
	return p.list(ctx, ec2types.Filter{
		Name:   aws.String("tag-key"),
		Values: []string{tagKey},
	})
}

func (p *Provider) list(ctx context.Context, filter ec2types.Filter) ([]*Instance, error) {
	var instances []*Instance
	var nextToken *string
	for {
		out, err := p.ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters:   []ec2types.Filter{filter},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describing instances by filter %s, %w", aws.ToString(filter.Name), err)
		}
		for _, reservation := range out.Reservations {
			for i := range reservation.Instances {
				instances = append(instances, convert(&reservation.Instances[i]))
			}
		}
		if out.NextToken == nil {
			return instances, nil
		}
		nextToken = out.NextToken
	}
}

// VolumeSizeGiB sums the size of the given EBS volumes.
func (p *Provider) VolumeSizeGiB(ctx context.Context, volumeIDs []string) (int32, error) {
	if len(volumeIDs) == 0 {
		return 0, nil
	}
	out, err := p.ec2api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: volumeIDs,
	})
	if err != nil {
		return 0, fmt.Errorf("describing volumes, %w", err)
	}
	var total int32
	for _, volume := range out.Volumes {
		total += lo.FromPtr(volume.Size)
	}
	return total, nil
}

func convert(instance *ec2types.Instance) *Instance {
	out := &Instance{
		ID:        lo.FromPtr(instance.InstanceId),
		Type:      string(instance.InstanceType),
		State:     normalizeState(instance.State),
		PrivateIP: lo.FromPtr(instance.PrivateIpAddress),
		Tags: lo.SliceToMap(instance.Tags, func(tag ec2types.Tag) (string, string) {
			return lo.FromPtr(tag.Key), lo.FromPtr(tag.Value)
		}),
	}
	for _, mapping := range instance.BlockDeviceMappings {
		if mapping.Ebs != nil {
			out.VolumeIDs = append(out.VolumeIDs, lo.FromPtr(mapping.Ebs.VolumeId))
		}
	}
	return out
}

func normalizeState(state *ec2types.InstanceState) apis.InstanceState {
	if state == nil {
		return apis.InstanceStateUnknown
	}
	switch state.Name {
	case ec2types.InstanceStateNameRunning:
		return apis.InstanceStateRunning
	case ec2types.InstanceStateNameStopped:
		return apis.InstanceStateStopped
	case ec2types.InstanceStateNamePending:
		return apis.InstanceStatePending
	case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameShuttingDown:
		return apis.InstanceStateStopping
	default:
		return apis.InstanceStateUnknown
	}
}
