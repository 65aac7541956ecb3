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

// Package nodegroup manages the scaling of EKS managed nodegroups.
package nodegroup

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
	"github.com/mareana/eks-app-controller/pkg/operator/options"
)

// Nodegroup is the scaling view of one EKS managed nodegroup.
type Nodegroup struct {
	Name          string
	RawStatus     ekstypes.NodegroupStatus
	Desired       int32
	Min           int32
	Max           int32
	InstanceTypes []string
}

// Phase folds the raw EKS status and the live Ready node count into the three
// phases the API exposes. Ready requires an ACTIVE group that actually has
// nodes; a degraded or deleting group counts as stopped.
func (n *Nodegroup) Phase(currentNodes int32) apis.NodeGroupPhase {
	switch n.RawStatus {
	case ekstypes.NodegroupStatusCreating, ekstypes.NodegroupStatusUpdating:
		return apis.NodeGroupPhaseScaling
	case ekstypes.NodegroupStatusDeleting, ekstypes.NodegroupStatusDeleteFailed,
		ekstypes.NodegroupStatusCreateFailed, ekstypes.NodegroupStatusDegraded:
		return apis.NodeGroupPhaseStopped
	}
	if n.Desired == 0 || currentNodes == 0 {
		return apis.NodeGroupPhaseStopped
	}
	return apis.NodeGroupPhaseReady
}

type Provider struct {
	eksapi      sdk.EKSAPI
	clusterName string
}

func NewProvider(eksapi sdk.EKSAPI, clusterName string) *Provider {
	return &Provider{eksapi: eksapi, clusterName: clusterName}
}

func (p *Provider) Get(ctx context.Context, name string) (*Nodegroup, error) {
	out, err := p.eksapi.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   aws.String(p.clusterName),
		NodegroupName: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("describing nodegroup %q, %w", name, err)
	}
	return convert(out.Nodegroup), nil
}

// List returns the names of every managed nodegroup in the cluster.
func (p *Provider) List(ctx context.Context) ([]string, error) {
	var names []string
	var nextToken *string
	for {
		out, err := p.eksapi.ListNodegroups(ctx, &eks.ListNodegroupsInput{
			ClusterName: aws.String(p.clusterName),
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("listing nodegroups, %w", err)
		}
		names = append(names, out.Nodegroups...)
		if out.NextToken == nil {
			return names, nil
		}
		nextToken = out.NextToken
	}
}

// ScaleUp restores the nodegroup to its configured defaults. Live desired
// counts are never reused as restore targets. The call returns once EKS
// accepts the update; callers wait for Active() separately.
func (p *Provider) ScaleUp(ctx context.Context, name string, defaults options.NodePoolDefaults) error {
	current, err := p.Get(ctx, name)
	if err != nil {
		return err
	}
	if current.Desired == defaults.Desired && current.Min == defaults.Min && current.Max == defaults.Max {
		return nil
	}
	if err := p.updateScaling(ctx, name, defaults.Desired, defaults.Min, defaults.Max); err != nil {
		return err
	}
	log.FromContext(ctx).V(1).Info("scaling up nodegroup", "nodegroup", name, "desired", defaults.Desired)
	return nil
}

// ScaleDown sets desired and min to zero. Max is left untouched so the
// restore path keeps its headroom. The call returns once EKS accepts the
// update; draining happens asynchronously.
func (p *Provider) ScaleDown(ctx context.Context, name string) error {
	current, err := p.Get(ctx, name)
	if err != nil {
		return err
	}
	if current.Desired == 0 && current.Min == 0 {
		return nil
	}
	if err := p.updateScaling(ctx, name, 0, 0, current.Max); err != nil {
		return err
	}
	log.FromContext(ctx).V(1).Info("scaling down nodegroup", "nodegroup", name)
	return nil
}

func (p *Provider) updateScaling(ctx context.Context, name string, desired, min, max int32) error {
	_, err := p.eksapi.UpdateNodegroupConfig(ctx, &eks.UpdateNodegroupConfigInput{
		ClusterName:   aws.String(p.clusterName),
		NodegroupName: aws.String(name),
		ScalingConfig: &ekstypes.NodegroupScalingConfig{
			DesiredSize: aws.Int32(desired),
			MinSize:     aws.Int32(min),
			MaxSize:     aws.Int32(max),
		},
	})
	if err != nil {
		return fmt.Errorf("updating nodegroup %q scaling config, %w", name, err)
	}
	return nil
}

func convert(nodegroup *ekstypes.Nodegroup) *Nodegroup {
	out := &Nodegroup{
		Name:          lo.FromPtr(nodegroup.NodegroupName),
		RawStatus:     nodegroup.Status,
		InstanceTypes: nodegroup.InstanceTypes,
	}
	if scaling := nodegroup.ScalingConfig; scaling != nil {
		out.Desired = lo.FromPtr(scaling.DesiredSize)
		out.Min = lo.FromPtr(scaling.MinSize)
		out.Max = lo.FromPtr(scaling.MaxSize)
	}
	return out
}
