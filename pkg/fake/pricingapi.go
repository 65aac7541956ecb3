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
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/samber/lo"

	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
)

type PricingBehavior struct {
	GetProductsBehavior MockedFunction[pricing.GetProductsInput, pricing.GetProductsOutput]

	mu     sync.Mutex
	prices map[string]float64
}

type PricingAPI struct {
	sdk.PricingAPI
	PricingBehavior
}

func NewPricingAPI() *PricingAPI {
	api := &PricingAPI{}
	api.Reset()
	return api
}

// Reset must be called between tests otherwise tests will pollute each other.
func (p *PricingAPI) Reset() {
	p.GetProductsBehavior.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices = map[string]float64{}
}

// SetPrice seeds the hourly on-demand price returned for an instance type.
func (p *PricingAPI) SetPrice(instanceType string, hourly float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instanceType] = hourly
}

func (p *PricingAPI) GetProducts(_ context.Context, input *pricing.GetProductsInput, _ ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	return p.GetProductsBehavior.Invoke(input, func(input *pricing.GetProductsInput) (*pricing.GetProductsOutput, error) {
		instanceType := ""
		for _, filter := range input.Filters {
			if lo.FromPtr(filter.Field) == "instanceType" {
				instanceType = lo.FromPtr(filter.Value)
			}
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		hourly, ok := p.prices[instanceType]
		if !ok {
			return &pricing.GetProductsOutput{}, nil
		}
		return &pricing.GetProductsOutput{PriceList: []string{priceListDocument(hourly)}}, nil
	})
}

// priceListDocument renders the slice of a price list document the cost
// controller actually reads: one on-demand offer with one price dimension.
func priceListDocument(hourly float64) string {
	return fmt.Sprintf(`{
  "terms": {
    "OnDemand": {
      "RATE.CODE": {
        "priceDimensions": {
          "RATE.CODE.DIM": {
            "pricePerUnit": {"USD": "%.10f"}
          }
        }
      }
    }
  }
}`, hourly)
}
