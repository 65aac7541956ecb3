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

// Package aws builds the service clients from a single shared configuration.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/pricing"

	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
)

// Clients bundles the narrowed AWS service clients used by the controller.
// Pricing is pinned to us-east-1, where the price list API lives.
type Clients struct {
	EC2      sdk.EC2API
	EKS      sdk.EKSAPI
	DynamoDB sdk.DynamoDBAPI
	Pricing  sdk.PricingAPI
}

func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config, %w", err)
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region not configured")
	}
	return &Clients{
		EC2:      ec2.NewFromConfig(cfg),
		EKS:      eks.NewFromConfig(cfg),
		DynamoDB: dynamodb.NewFromConfig(cfg),
		Pricing: pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			o.Region = "us-east-1"
		}),
	}, nil
}

// NewClientsFromConfig wires clients from an already-loaded configuration.
func NewClientsFromConfig(cfg aws.Config) *Clients {
	return &Clients{
		EC2:      ec2.NewFromConfig(cfg),
		EKS:      eks.NewFromConfig(cfg),
		DynamoDB: dynamodb.NewFromConfig(cfg),
		Pricing: pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			o.Region = "us-east-1"
		}),
	}
}
