// Package dynamodb provides a caches.Backend stored in an Amazon DynamoDB
// table.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dgduncan/modx-cache/caches"
)

const (
	attrKey       = "key"
	attrValue     = "value"
	attrCounter   = "counter"
	attrExpiresAt = "expires_at"
)

// placeholders maps expression placeholders to attribute names. "key" and
// "value" are DynamoDB reserved words.
var placeholders = map[string]string{
	"#k": attrKey,
	"#v": attrValue,
	"#c": attrCounter,
	"#e": attrExpiresAt,
}

// names returns the placeholders used by exprs. DynamoDB rejects requests
// carrying unused names.
func names(exprs ...string) map[string]string {
	used := make(map[string]string)
	for _, expr := range exprs {
		for p, name := range placeholders {
			if strings.Contains(expr, p) {
				used[p] = name
			}
		}
	}
	return used
}

// API is the subset of the DynamoDB client used by Cache.
type API interface {
	dynamodb.ScanAPIClient

	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	Table string
}

// Cache implements caches.Backend using Amazon DynamoDB as the storage backend.
//
// Expiry is stored as epoch seconds in expires_at, which can be registered as
// the table's TTL attribute so DynamoDB deletes expired items on its own.
// Expired items still present are filtered out on read. TTLs are rounded up
// to whole seconds.
type Cache struct {
	client API

	table string
	now   func() time.Time
}

// record is one item of the table. Counters live in their own numeric
// attribute so they can be updated with ADD.
type record struct {
	Key       string `dynamodbav:"key"`
	Value     []byte `dynamodbav:"value,omitempty"`
	Counter   *int64 `dynamodbav:"counter,omitempty"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.Unix() >= r.ExpiresAt
}

func (r record) bytes() []byte {
	if r.Value == nil && r.Counter != nil {
		return strconv.AppendInt(nil, *r.Counter, 10)
	}
	return r.Value
}

func (c *Cache) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return c.now().Add(ttl + time.Second - 1).Truncate(time.Second).Unix()
}

func (c *Cache) keyAttr(k string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.Marshal(k)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{attrKey: key}, nil
}

func (c *Cache) nowAttr() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Unix(), 10)}
}

// fetch returns the live record at k, or nil.
func (c *Cache) fetch(ctx context.Context, k string) (*record, error) {
	key, err := c.keyAttr(k)
	if err != nil {
		return nil, err
	}

	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, nil
	}

	var item record
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	if item.expired(c.now()) {
		return nil, nil
	}

	return &item, nil
}

// Get retrieves the bytes stored at k. Counters are returned as decimal text.
func (c *Cache) Get(ctx context.Context, k string) ([]byte, error) {
	item, err := c.fetch(ctx, k)
	if err != nil {
		return nil, err
	}

	if item == nil {
		return nil, caches.ErrNoCacheItem
	}

	return item.bytes(), nil
}

func (c *Cache) put(ctx context.Context, item record, condition string, values map[string]types.AttributeValue) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}

	input := dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	}
	if condition != "" {
		input.ConditionExpression = aws.String(condition)
		input.ExpressionAttributeNames = names(condition)
		input.ExpressionAttributeValues = values
	}

	_, err = c.client.PutItem(ctx, &input)
	return err
}

// Set stores value at k, replacing the whole item.
func (c *Cache) Set(ctx context.Context, k string, value []byte, ttl time.Duration) error {
	if value == nil {
		value = []byte{}
	}

	return c.put(ctx, record{
		Key:       k,
		Value:     value,
		ExpiresAt: c.expiresAt(ttl),
	}, "", nil)
}

// Delete removes keys one by one and counts the ones that were live.
func (c *Cache) Delete(ctx context.Context, keys ...string) (int64, error) {
	var removed int64
	for _, k := range keys {
		key, err := c.keyAttr(k)
		if err != nil {
			return removed, err
		}

		output, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:    aws.String(c.table),
			Key:          key,
			ReturnValues: types.ReturnValueAllOld,
		})
		if err != nil {
			return removed, err
		}

		if output.Attributes == nil {
			continue
		}

		var old record
		if err := attributevalue.UnmarshalMap(output.Attributes, &old); err != nil {
			return removed, err
		}
		if !old.expired(c.now()) {
			removed++
		}
	}

	return removed, nil
}

// CompareAndDelete removes k only while its live item still reads as value.
// Counters match their decimal text, as returned by Get.
func (c *Cache) CompareAndDelete(ctx context.Context, k string, value []byte) (bool, error) {
	key, err := c.keyAttr(k)
	if err != nil {
		return false, err
	}

	match := "#v = :v"
	values := map[string]types.AttributeValue{
		":v":   &types.AttributeValueMemberB{Value: value},
		":now": c.nowAttr(),
	}
	if n, err := strconv.ParseInt(string(value), 10, 64); err == nil {
		match = "(#v = :v OR #c = :n)"
		values[":n"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
	}
	condition := match + " AND (attribute_not_exists(#e) OR #e > :now)"

	_, err = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(c.table),
		Key:                       key,
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names(condition),
		ExpressionAttributeValues: values,
	})

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (c *Cache) TTL(ctx context.Context, k string) (time.Duration, error) {
	item, err := c.fetch(ctx, k)
	if err != nil {
		return 0, err
	}

	switch {
	case item == nil:
		return caches.KeyAbsent, nil
	case item.ExpiresAt == 0:
		return caches.NoExpiry, nil
	default:
		return time.Unix(item.ExpiresAt, 0).Sub(c.now()), nil
	}
}

// update runs a conditional update and reports false when the condition did
// not hold.
func (c *Cache) update(ctx context.Context, k, expr, condition string, values map[string]types.AttributeValue) (bool, error) {
	key, err := c.keyAttr(k)
	if err != nil {
		return false, err
	}

	_, err = c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.table),
		Key:                       key,
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names(expr, condition),
		ExpressionAttributeValues: values,
	})

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (c *Cache) Expire(ctx context.Context, k string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		n, err := c.Delete(ctx, k)
		return n > 0, err
	}

	return c.update(ctx, k,
		"SET #e = :e",
		"attribute_exists(#k) AND (attribute_not_exists(#e) OR #e > :now)",
		map[string]types.AttributeValue{
			":e":   &types.AttributeValueMemberN{Value: strconv.FormatInt(c.expiresAt(ttl), 10)},
			":now": c.nowAttr(),
		})
}

func (c *Cache) Persist(ctx context.Context, k string) (bool, error) {
	return c.update(ctx, k,
		"REMOVE #e",
		"attribute_exists(#e) AND #e > :now",
		map[string]types.AttributeValue{
			":now": c.nowAttr(),
		})
}

// IncrBy adds delta with an atomic ADD when the item is absent or already a
// counter. An expired item restarts from zero, and a byte value holding a
// decimal integer is converted into a counter, both guarded by a condition on
// the previous item.
func (c *Cache) IncrBy(ctx context.Context, k string, delta int64) (int64, error) {
	key, err := c.keyAttr(k)
	if err != nil {
		return 0, err
	}

	expr := "ADD #c :d"
	condition := "attribute_not_exists(#v) AND (attribute_not_exists(#e) OR #e > :now)"

	output, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.table),
		Key:                      key,
		UpdateExpression:         aws.String(expr),
		ConditionExpression:      aws.String(condition),
		ExpressionAttributeNames: names(expr, condition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d":   &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
			":now": c.nowAttr(),
		},
		ReturnValues:                        types.ReturnValueUpdatedNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return c.convertCounter(ctx, k, ccf.Item, delta)
	}
	if err != nil {
		return 0, err
	}

	var updated struct {
		Counter int64 `dynamodbav:"counter"`
	}
	if err := attributevalue.UnmarshalMap(output.Attributes, &updated); err != nil {
		return 0, err
	}

	return updated.Counter, nil
}

func (c *Cache) convertCounter(ctx context.Context, k string, oldItem map[string]types.AttributeValue, delta int64) (int64, error) {
	var old record
	if err := attributevalue.UnmarshalMap(oldItem, &old); err != nil {
		return 0, err
	}

	next := record{Key: k}
	var condition string
	values := map[string]types.AttributeValue{}

	if old.expired(c.now()) {
		next.Counter = aws.Int64(delta)
		condition = "#e = :olde"
		values[":olde"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(old.ExpiresAt, 10)}
	} else {
		n, err := strconv.ParseInt(string(old.Value), 10, 64)
		if err != nil {
			return 0, caches.ErrNotInteger
		}
		next.Counter = aws.Int64(n + delta)
		next.ExpiresAt = old.ExpiresAt
		condition = "#v = :oldv"
		values[":oldv"] = &types.AttributeValueMemberB{Value: old.Value}
	}

	if err := c.put(ctx, next, condition, values); err != nil {
		return 0, fmt.Errorf("converting %s to a counter: %w", k, err)
	}

	return *next.Counter, nil
}

// Scan yields the live keys starting with prefix, one page at a time.
func (c *Cache) Scan(ctx context.Context, prefix string) iter.Seq2[string, error] {
	filter := "begins_with(#k, :p) AND (attribute_not_exists(#e) OR #e > :now)"

	return func(yield func(string, error) bool) {
		paginator := dynamodb.NewScanPaginator(c.client, &dynamodb.ScanInput{
			TableName:                aws.String(c.table),
			ConsistentRead:           aws.Bool(true),
			ProjectionExpression:     aws.String("#k"),
			FilterExpression:         aws.String(filter),
			ExpressionAttributeNames: names(filter),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p":   &types.AttributeValueMemberS{Value: prefix},
				":now": c.nowAttr(),
			},
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", err)
				return
			}

			for _, item := range page.Items {
				var r record
				if err := attributevalue.UnmarshalMap(item, &r); err != nil {
					yield("", err)
					return
				}
				if !yield(r.Key, nil) {
					return
				}
			}
		}
	}
}

// Ping checks that the table exists and is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.table),
	})
	return err
}

// Close is a no-op: the client is shared and owned by the caller.
func (c *Cache) Close() error {
	return nil
}

// New creates a new DynamoDB cache instance with the provided configuration.
// It validates the configuration and sets default values where appropriate.
// Returns an error if the client is nil or if the configuration is invalid.
func New(_ context.Context, client API, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "table name must not be empty",
		}
	}

	return &Cache{
		client: client,

		table: config.Table,
		now:   time.Now,
	}, nil
}

var _ caches.Backend = (*Cache)(nil)
