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
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/samber/lo"

	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
)

type EKSAPIBehavior struct {
	DescribeNodegroupBehavior     MockedFunction[eks.DescribeNodegroupInput, eks.DescribeNodegroupOutput]
	UpdateNodegroupConfigBehavior MockedFunction[eks.UpdateNodegroupConfigInput, eks.UpdateNodegroupConfigOutput]
	ListNodegroupsBehavior        MockedFunction[eks.ListNodegroupsInput, eks.ListNodegroupsOutput]

	mu         sync.Mutex
	nodegroups map[string]ekstypes.Nodegroup
}

type EKSAPI struct {
	sdk.EKSAPI
	EKSAPIBehavior
}

func NewEKSAPI() *EKSAPI {
	api := &EKSAPI{}
	api.Reset()
	return api
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *EKSAPI) Reset() {
	e.DescribeNodegroupBehavior.Reset()
	e.UpdateNodegroupConfigBehavior.Reset()
	e.ListNodegroupsBehavior.Reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodegroups = map[string]ekstypes.Nodegroup{}
}

// AddNodegroup seeds the fake. Empty status defaults to ACTIVE.
func (e *EKSAPI) AddNodegroup(ng ekstypes.Nodegroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ng.Status == "" {
		ng.Status = ekstypes.NodegroupStatusActive
	}
	e.nodegroups[lo.FromPtr(ng.NodegroupName)] = ng
}

// SetNodegroupStatus overrides the stored status, e.g. to pin a nodegroup
// in UPDATING so scale-up polls time out.
func (e *EKSAPI) SetNodegroupStatus(name string, status ekstypes.NodegroupStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ng := e.nodegroups[name]
	ng.Status = status
	e.nodegroups[name] = ng
}

// ScalingConfig reports the stored scaling config for assertions.
func (e *EKSAPI) ScalingConfig(name string) *ekstypes.NodegroupScalingConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	ng, ok := e.nodegroups[name]
	if !ok {
		return nil
	}
	return ng.ScalingConfig
}

func (e *EKSAPI) DescribeNodegroup(_ context.Context, input *eks.DescribeNodegroupInput, _ ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error) {
	return e.DescribeNodegroupBehavior.Invoke(input, func(input *eks.DescribeNodegroupInput) (*eks.DescribeNodegroupOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		ng, ok := e.nodegroups[lo.FromPtr(input.NodegroupName)]
		if !ok {
			return nil, &ekstypes.ResourceNotFoundException{Message: aws.String(fmt.Sprintf("nodegroup %s not found", lo.FromPtr(input.NodegroupName)))}
		}
		return &eks.DescribeNodegroupOutput{Nodegroup: &ng}, nil
	})
}

func (e *EKSAPI) UpdateNodegroupConfig(_ context.Context, input *eks.UpdateNodegroupConfigInput, _ ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error) {
	return e.UpdateNodegroupConfigBehavior.Invoke(input, func(input *eks.UpdateNodegroupConfigInput) (*eks.UpdateNodegroupConfigOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		name := lo.FromPtr(input.NodegroupName)
		ng, ok := e.nodegroups[name]
		if !ok {
			return nil, &ekstypes.ResourceNotFoundException{Message: aws.String(fmt.Sprintf("nodegroup %s not found", name))}
		}
		if input.ScalingConfig != nil {
			ng.ScalingConfig = input.ScalingConfig
		}
		// The update completes instantly so polls converge without a
		// status flip in tests.
		ng.Status = ekstypes.NodegroupStatusActive
		e.nodegroups[name] = ng
		return &eks.UpdateNodegroupConfigOutput{
			Update: &ekstypes.Update{Id: aws.String("update-" + name), Status: ekstypes.UpdateStatusSuccessful},
		}, nil
	})
}

func (e *EKSAPI) ListNodegroups(_ context.Context, input *eks.ListNodegroupsInput, _ ...func(*eks.Options)) (*eks.ListNodegroupsOutput, error) {
	return e.ListNodegroupsBehavior.Invoke(input, func(input *eks.ListNodegroupsInput) (*eks.ListNodegroupsOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		names := lo.Keys(e.nodegroups)
		sort.Strings(names)
		return &eks.ListNodegroupsOutput{Nodegroups: names}, nil
	})
}
