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

package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/patrickmn/go-cache"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
)

const (
	pricingCacheTTL = 12 * time.Hour
	// ebsPricePerGiBMonth approximates gp3 storage. Storage pricing varies
	// far less than compute, so a constant beats a second pricing query.
	ebsPricePerGiBMonth = 0.08
)

// fallbackHourlyPrices covers the instance types this fleet actually runs,
// for when the pricing API is unreachable.
var fallbackHourlyPrices = map[string]float64{
	"t3.small":  0.0208,
	"t3.medium": 0.0416,
	"t3.large":  0.0832,
	"t3.xlarge": 0.1664,
	"m5.large":  0.096,
	"m5.xlarge": 0.192,
	"c5.large":  0.085,
	"c5.xlarge": 0.17,
}

// priceClient resolves on-demand hourly prices for instance types, caching
// results so a fleet-wide snapshot costs a handful of pricing calls.
type priceClient struct {
	pricingapi sdk.PricingAPI
	region     string
	cache      *cache.Cache
}

func newPriceClient(pricingapi sdk.PricingAPI, region string) *priceClient {
	return &priceClient{
		pricingapi: pricingapi,
		region:     region,
		cache:      cache.New(pricingCacheTTL, pricingCacheTTL),
	}
}

// HourlyPrice returns the on-demand Linux hourly price for the instance type
// in the configured region. Lookups fall back to the static table when the
// pricing API fails or returns nothing.
func (p *priceClient) HourlyPrice(ctx context.Context, instanceType string) float64 {
	if cached, ok := p.cache.Get(instanceType); ok {
		return cached.(float64)
	}
	price, err := p.lookup(ctx, instanceType)
	if err != nil {
		log.FromContext(ctx).V(1).Info("pricing lookup failed, using fallback", "instance-type", instanceType, "error", err)
		return fallbackHourlyPrices[instanceType]
	}
	p.cache.Set(instanceType, price, cache.DefaultExpiration)
	return price
}

func (p *priceClient) lookup(ctx context.Context, instanceType string) (float64, error) {
	out, err := p.pricingapi.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("regionCode"), Value: aws.String(p.region)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
		},
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("getting products for %q, %w", instanceType, err)
	}
	if len(out.PriceList) == 0 {
		return 0, fmt.Errorf("no price found for %q in %q", instanceType, p.region)
	}
	return parseOnDemandPrice([]byte(out.PriceList[0]))
}

// parseOnDemandPrice digs the USD hourly rate out of one price list document.
// The document nests offers under opaque rate codes, so both levels are
// walked rather than addressed.
func parseOnDemandPrice(doc []byte) (float64, error) {
	var product struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal(doc, &product); err != nil {
		return 0, fmt.Errorf("parsing price list document, %w", err)
	}
	for _, offer := range product.Terms.OnDemand {
		for _, dimension := range offer.PriceDimensions {
			price, err := strconv.ParseFloat(dimension.PricePerUnit.USD, 64)
			if err != nil {
				continue
			}
			if price > 0 {
				return price, nil
			}
		}
	}
	return 0, fmt.Errorf("price list document has no usable on-demand rate")
}
