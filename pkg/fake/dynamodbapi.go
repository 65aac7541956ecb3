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
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
)

type DynamoDBBehavior struct {
	GetItemBehavior    MockedFunction[dynamodb.GetItemInput, dynamodb.GetItemOutput]
	PutItemBehavior    MockedFunction[dynamodb.PutItemInput, dynamodb.PutItemOutput]
	DeleteItemBehavior MockedFunction[dynamodb.DeleteItemInput, dynamodb.DeleteItemOutput]
	ScanBehavior       MockedFunction[dynamodb.ScanInput, dynamodb.ScanOutput]

	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

// DynamoDBAPI is an in-memory single table keyed by pk. Conditional writes
// evaluate the expressions the registry actually issues, so lease races can
// be reproduced without a real table.
type DynamoDBAPI struct {
	sdk.DynamoDBAPI
	DynamoDBBehavior
}

func NewDynamoDBAPI() *DynamoDBAPI {
	api := &DynamoDBAPI{}
	api.Reset()
	return api
}

// Reset must be called between tests otherwise tests will pollute each other.
func (d *DynamoDBAPI) Reset() {
	d.GetItemBehavior.Reset()
	d.PutItemBehavior.Reset()
	d.DeleteItemBehavior.Reset()
	d.ScanBehavior.Reset()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = map[string]map[string]types.AttributeValue{}
}

// Item returns the stored attributes for a key, or nil.
func (d *DynamoDBAPI) Item(pk string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items[pk]
}

// ItemCount reports how many items share a key prefix.
func (d *DynamoDBAPI) ItemCount(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for pk := range d.items {
		if strings.HasPrefix(pk, prefix) {
			count++
		}
	}
	return count
}

func itemKey(attrs map[string]types.AttributeValue) (string, error) {
	pk, ok := attrs["pk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("item has no string pk attribute")
	}
	return pk.Value, nil
}

func numericValue(v types.AttributeValue) (int64, bool) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func stringValue(v types.AttributeValue) (string, bool) {
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", ok
	}
	return s.Value, true
}

func (d *DynamoDBAPI) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return d.GetItemBehavior.Invoke(input, func(input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		pk, err := itemKey(input.Key)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		return &dynamodb.GetItemOutput{Item: d.items[pk]}, nil
	})
}

func (d *DynamoDBAPI) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return d.PutItemBehavior.Invoke(input, func(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		pk, err := itemKey(input.Item)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if input.ConditionExpression != nil {
			ok, err := d.evaluate(lo.FromPtr(input.ConditionExpression), d.items[pk], input.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
			}
		}
		d.items[pk] = input.Item
		return &dynamodb.PutItemOutput{}, nil
	})
}

func (d *DynamoDBAPI) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return d.DeleteItemBehavior.Invoke(input, func(input *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
		pk, err := itemKey(input.Key)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if input.ConditionExpression != nil {
			ok, err := d.evaluate(lo.FromPtr(input.ConditionExpression), d.items[pk], input.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
			}
		}
		delete(d.items, pk)
		return &dynamodb.DeleteItemOutput{}, nil
	})
}

func (d *DynamoDBAPI) Scan(_ context.Context, input *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return d.ScanBehavior.Invoke(input, func(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		prefix := ""
		if input.FilterExpression != nil {
			if lo.FromPtr(input.FilterExpression) != "begins_with(pk, :prefix)" {
				return nil, fmt.Errorf("unsupported filter expression %q", lo.FromPtr(input.FilterExpression))
			}
			value, ok := stringValue(input.ExpressionAttributeValues[":prefix"])
			if !ok {
				return nil, fmt.Errorf(":prefix attribute value missing")
			}
			prefix = value
		}
		var matched []map[string]types.AttributeValue
		for pk, item := range d.items {
			if strings.HasPrefix(pk, prefix) {
				matched = append(matched, item)
			}
		}
		return &dynamodb.ScanOutput{Items: matched, Count: int32(len(matched))}, nil
	})
}

// evaluate supports the two condition expressions the registry writes with.
// Anything else is a test bug, not a silent pass.
func (d *DynamoDBAPI) evaluate(expression string, existing map[string]types.AttributeValue, values map[string]types.AttributeValue) (bool, error) {
	switch expression {
	case "attribute_not_exists(pk) OR expires_at < :now":
		if existing == nil {
			return true, nil
		}
		expiresAt, ok := numericValue(existing["expires_at"])
		if !ok {
			return false, fmt.Errorf("stored item has no numeric expires_at")
		}
		now, ok := numericValue(values[":now"])
		if !ok {
			return false, fmt.Errorf(":now attribute value missing")
		}
		return expiresAt < now, nil
	case "attribute_exists(pk) AND owner_id = :owner":
		if existing == nil {
			return false, nil
		}
		owner, ok := stringValue(existing["owner_id"])
		if !ok {
			return false, fmt.Errorf("stored item has no string owner_id")
		}
		expected, ok := stringValue(values[":owner"])
		if !ok {
			return false, fmt.Errorf(":owner attribute value missing")
		}
		return owner == expected, nil
	default:
		return false, fmt.Errorf("unsupported condition expression %q", expression)
	}
}
