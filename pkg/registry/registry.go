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

// Package registry persists every record family of the control plane in one
// DynamoDB table, partitioned by key prefix. It is the only package that
// talks to the table.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/aws/sdk"
	awserrors "github.com/mareana/eks-app-controller/pkg/errors"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConditionFailed is returned when a conditional write lost to a
// concurrent writer.
var ErrConditionFailed = errors.New("conditional write failed")

type Registry struct {
	dynamo    sdk.DynamoDBAPI
	tableName string
}

func New(dynamo sdk.DynamoDBAPI, tableName string) *Registry {
	return &Registry{dynamo: dynamo, tableName: tableName}
}

func (r *Registry) get(ctx context.Context, pk string, out interface{}) error {
	resp, err := r.dynamo.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: pk}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("getting item %q, %w", pk, err)
	}
	if len(resp.Item) == 0 {
		return ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(resp.Item, out); err != nil {
		return fmt.Errorf("unmarshaling item %q, %w", pk, err)
	}
	return nil
}

func (r *Registry) put(ctx context.Context, record interface{}) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshaling item, %w", err)
	}
	if _, err := r.dynamo.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("putting item, %w", err)
	}
	return nil
}

func (r *Registry) scanPrefix(ctx context.Context, prefix string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		resp, err := r.dynamo.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(r.tableName),
			FilterExpression:          aws.String("begins_with(pk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":prefix": &types.AttributeValueMemberS{Value: prefix}},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning prefix %q, %w", prefix, err)
		}
		items = append(items, resp.Items...)
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		startKey = resp.LastEvaluatedKey
	}
	return items, nil
}

// GetApplication looks up one application by name.
func (r *Registry) GetApplication(ctx context.Context, appName string) (*apis.ApplicationRecord, error) {
	record := &apis.ApplicationRecord{}
	if err := r.get(ctx, apis.AppKey(appName), record); err != nil {
		return nil, err
	}
	return record, nil
}

// PutApplication overwrites the application's registry projection.
func (r *Registry) PutApplication(ctx context.Context, record *apis.ApplicationRecord) error {
	record.PK = apis.AppKey(record.AppName)
	return r.put(ctx, record)
}

// ListApplications returns every application record, sorted by name.
func (r *Registry) ListApplications(ctx context.Context) ([]*apis.ApplicationRecord, error) {
	items, err := r.scanPrefix(ctx, apis.AppKeyPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]*apis.ApplicationRecord, 0, len(items))
	for _, item := range items {
		record := &apis.ApplicationRecord{}
		if err := attributevalue.UnmarshalMap(item, record); err != nil {
			return nil, fmt.Errorf("unmarshaling application record, %w", err)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AppName < records[j].AppName })
	return records, nil
}

// AcquireLease writes the lease iff no live lease exists for the resource.
// An expired lease is stolen in the same conditional write, so there is no
// window between expiry check and claim.
func (r *Registry) AcquireLease(ctx context.Context, lease *apis.LeaseRecord, now time.Time) error {
	lease.PK = apis.LeaseKey(lease.ResourceIdentifier)
	item, err := attributevalue.MarshalMap(lease)
	if err != nil {
		return fmt.Errorf("marshaling lease, %w", err)
	}
	_, err = r.dynamo.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if awserrors.IsConditionFailed(err) {
		return ErrConditionFailed
	}
	if err != nil {
		return fmt.Errorf("acquiring lease %q, %w", lease.PK, err)
	}
	return nil
}

// ReleaseLease deletes the lease iff it is still owned by ownerID. Releasing
// a lease that expired and was stolen is a condition failure, not a success.
func (r *Registry) ReleaseLease(ctx context.Context, resourceID, ownerID string) error {
	_, err := r.dynamo.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: apis.LeaseKey(resourceID)}},
		ConditionExpression: aws.String("attribute_exists(pk) AND owner_id = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: ownerID},
		},
	})
	if awserrors.IsConditionFailed(err) {
		return ErrConditionFailed
	}
	if err != nil {
		return fmt.Errorf("releasing lease for %q, %w", resourceID, err)
	}
	return nil
}

// GetLease returns the current lease for a resource, expired or not.
func (r *Registry) GetLease(ctx context.Context, resourceID string) (*apis.LeaseRecord, error) {
	lease := &apis.LeaseRecord{}
	if err := r.get(ctx, apis.LeaseKey(resourceID), lease); err != nil {
		return nil, err
	}
	return lease, nil
}

func (r *Registry) GetSchedule(ctx context.Context, appName string) (*apis.ScheduleRecord, error) {
	record := &apis.ScheduleRecord{}
	if err := r.get(ctx, apis.ScheduleKey(appName), record); err != nil {
		return nil, err
	}
	return record, nil
}

func (r *Registry) PutSchedule(ctx context.Context, record *apis.ScheduleRecord) error {
	record.PK = apis.ScheduleKey(record.AppName)
	return r.put(ctx, record)
}

// ListSchedules returns every per-app schedule flag keyed by app name.
func (r *Registry) ListSchedules(ctx context.Context) (map[string]*apis.ScheduleRecord, error) {
	items, err := r.scanPrefix(ctx, apis.ScheduleKeyPrefix)
	if err != nil {
		return nil, err
	}
	records := map[string]*apis.ScheduleRecord{}
	for _, item := range items {
		record := &apis.ScheduleRecord{}
		if err := attributevalue.UnmarshalMap(item, record); err != nil {
			return nil, fmt.Errorf("unmarshaling schedule record, %w", err)
		}
		records[record.AppName] = record
	}
	return records, nil
}

// AppendOperation writes one operation log entry, keyed so entries sort
// chronologically per app.
func (r *Registry) AppendOperation(ctx context.Context, entry *apis.OperationLogEntry) error {
	entry.PK = apis.OpLogKey(entry.App, entry.StartedAt)
	return r.put(ctx, entry)
}

// ListOperations returns the most recent operation log entries for an app,
// newest first.
func (r *Registry) ListOperations(ctx context.Context, appName string, limit int) ([]*apis.OperationLogEntry, error) {
	items, err := r.scanPrefix(ctx, apis.OpLogAppPrefix(appName))
	if err != nil {
		return nil, err
	}
	entries := make([]*apis.OperationLogEntry, 0, len(items))
	for _, item := range items {
		entry := &apis.OperationLogEntry{}
		if err := attributevalue.UnmarshalMap(item, entry); err != nil {
			return nil, fmt.Errorf("unmarshaling operation log entry, %w", err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StartedAt > entries[j].StartedAt })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *Registry) PutCostSnapshot(ctx context.Context, snapshot *apis.CostSnapshot) error {
	snapshot.PK = apis.CostKey(snapshot.App, snapshot.Date)
	if err := r.put(ctx, snapshot); err != nil {
		return err
	}
	latest := lo.FromPtr(snapshot)
	latest.PK = apis.CostLatestKey(snapshot.App)
	return r.put(ctx, &latest)
}

func (r *Registry) GetLatestCost(ctx context.Context, appName string) (*apis.CostSnapshot, error) {
	snapshot := &apis.CostSnapshot{}
	if err := r.get(ctx, apis.CostLatestKey(appName), snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}
