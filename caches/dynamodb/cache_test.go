//go:build !integration

package dynamodb

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/modx-cache/caches"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeAPI answers each call with a scripted function and keeps the inputs.
type fakeAPI struct {
	get      func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	put      func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	del      func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	update   func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	scan     func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
	describe func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)

	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	scans   []*dynamodb.ScanInput
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.get == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.get(in)
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if f.put == nil {
		return &dynamodb.PutItemOutput{}, nil
	}
	return f.put(in)
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return f.del(in)
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	return f.update(in)
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scans = append(f.scans, in)
	return f.scan(in)
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return f.describe(in)
}

func newTestCache(t *testing.T, api *fakeAPI) *Cache {
	t.Helper()

	c, err := New(context.Background(), api, &Config{Table: "modx"})
	require.NoError(t, err)
	c.now = func() time.Time { return testNow }
	return c
}

func item(t *testing.T, r record) map[string]types.AttributeValue {
	t.Helper()

	av, err := attributevalue.MarshalMap(r)
	require.NoError(t, err)
	return av
}

func unmarshalPut(t *testing.T, in *dynamodb.PutItemInput) record {
	t.Helper()

	var r record
	require.NoError(t, attributevalue.UnmarshalMap(in.Item, &r))
	return r
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		client      API
		config      *Config
		expectedErr bool
	}{
		{
			name:        "nil client returns error",
			config:      &Config{Table: "modx"},
			expectedErr: true,
		},
		{
			name:        "nil config returns error",
			client:      &fakeAPI{},
			expectedErr: true,
		},
		{
			name:        "empty table returns error",
			client:      &fakeAPI{},
			config:      &Config{},
			expectedErr: true,
		},
		{
			name:   "valid config",
			client: &fakeAPI{},
			config: &Config{Table: "modx"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, err := New(context.Background(), tt.client, tt.config)
			if tt.expectedErr {
				var verr caches.ValidationError
				assert.ErrorAs(t, err, &verr)
				assert.Nil(t, cache)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.config.Table, cache.table)
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, map[string]string{"#e": "expires_at"}, names("REMOVE #e", "#e > :now"))
	assert.Equal(t, map[string]string{"#k": "key", "#v": "value"}, names("attribute_exists(#k)", "#v = :v"))
	assert.Empty(t, names(""))
}

func TestGet(t *testing.T) {
	tests := []struct {
		name     string
		stored   *record
		expected []byte
		err      error
	}{
		{
			name: "absent item",
			err:  caches.ErrNoCacheItem,
		},
		{
			name:     "live item",
			stored:   &record{Key: "k", Value: []byte("v"), ExpiresAt: testNow.Unix() + 60},
			expected: []byte("v"),
		},
		{
			name:     "item without expiry",
			stored:   &record{Key: "k", Value: []byte("v")},
			expected: []byte("v"),
		},
		{
			name:   "expired item",
			stored: &record{Key: "k", Value: []byte("v"), ExpiresAt: testNow.Unix()},
			err:    caches.ErrNoCacheItem,
		},
		{
			name:     "counter is returned as text",
			stored:   &record{Key: "k", Counter: aws.Int64(-12)},
			expected: []byte("-12"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				get: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
					assert.True(t, *in.ConsistentRead)
					assert.Equal(t, "modx", *in.TableName)
					if tt.stored == nil {
						return &dynamodb.GetItemOutput{}, nil
					}
					return &dynamodb.GetItemOutput{Item: item(t, *tt.stored)}, nil
				},
			}
			c := newTestCache(t, api)

			got, err := c.Get(context.Background(), "k")
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSet(t *testing.T) {
	api := &fakeAPI{}
	c := newTestCache(t, api)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 1500*time.Millisecond))
	require.NoError(t, c.Set(ctx, "p", nil, 0))

	require.Len(t, api.puts, 2)
	assert.Nil(t, api.puts[0].ConditionExpression)
	assert.Equal(t, record{Key: "k", Value: []byte("v"), ExpiresAt: testNow.Unix() + 2}, unmarshalPut(t, api.puts[0]))

	persistent := unmarshalPut(t, api.puts[1])
	assert.Zero(t, persistent.ExpiresAt)
	assert.NotContains(t, api.puts[1].Item, attrExpiresAt)
}

func TestDelete(t *testing.T) {
	stored := map[string]record{
		"live":    {Key: "live", Value: []byte("v")},
		"expired": {Key: "expired", Value: []byte("v"), ExpiresAt: testNow.Unix() - 1},
	}
	api := &fakeAPI{
		del: func(in *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
			assert.Equal(t, types.ReturnValueAllOld, in.ReturnValues)

			var k string
			require.NoError(t, attributevalue.Unmarshal(in.Key[attrKey], &k))
			r, ok := stored[k]
			if !ok {
				return &dynamodb.DeleteItemOutput{}, nil
			}
			return &dynamodb.DeleteItemOutput{Attributes: item(t, r)}, nil
		},
	}
	c := newTestCache(t, api)

	n, err := c.Delete(context.Background(), "live", "expired", "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCompareAndDelete(t *testing.T) {
	tests := []struct {
		name      string
		value     []byte
		err       error
		condition string
		want      bool
	}{
		{
			name:      "value matches",
			value:     []byte("corrupt"),
			condition: "#v = :v AND (attribute_not_exists(#e) OR #e > :now)",
			want:      true,
		},
		{
			name:      "counter text",
			value:     []byte("42"),
			condition: "(#v = :v OR #c = :n) AND (attribute_not_exists(#e) OR #e > :now)",
			want:      true,
		},
		{
			name:      "replaced",
			value:     []byte("corrupt"),
			err:       &types.ConditionalCheckFailedException{},
			condition: "#v = :v AND (attribute_not_exists(#e) OR #e > :now)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *dynamodb.DeleteItemInput
			api := &fakeAPI{
				del: func(in *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
					got = in
					return &dynamodb.DeleteItemOutput{}, tt.err
				},
			}
			c := newTestCache(t, api)

			ok, err := c.CompareAndDelete(context.Background(), "k", tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			require.NotNil(t, got)
			assert.Equal(t, tt.condition, aws.ToString(got.ConditionExpression))
			assert.Equal(t, &types.AttributeValueMemberB{Value: tt.value}, got.ExpressionAttributeValues[":v"])
			assert.NotContains(t, got.ExpressionAttributeNames, "#k")
		})
	}
}

func TestTTL(t *testing.T) {
	tests := []struct {
		name     string
		stored   *record
		expected time.Duration
	}{
		{name: "absent", expected: caches.KeyAbsent},
		{name: "no expiry", stored: &record{Key: "k", Value: []byte("v")}, expected: caches.NoExpiry},
		{name: "expiring", stored: &record{Key: "k", Value: []byte("v"), ExpiresAt: testNow.Unix() + 90}, expected: 90 * time.Second},
		{name: "expired", stored: &record{Key: "k", Value: []byte("v"), ExpiresAt: testNow.Unix() - 5}, expected: caches.KeyAbsent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				get: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
					if tt.stored == nil {
						return &dynamodb.GetItemOutput{}, nil
					}
					return &dynamodb.GetItemOutput{Item: item(t, *tt.stored)}, nil
				},
			}
			c := newTestCache(t, api)

			got, err := c.TTL(context.Background(), "k")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestExpireAndPersist(t *testing.T) {
	ctx := context.Background()
	failed := false
	api := &fakeAPI{
		update: func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			if failed {
				return nil, &types.ConditionalCheckFailedException{}
			}
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	c := newTestCache(t, api)

	ok, err := c.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Persist(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	failed = true
	ok, err = c.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "failed condition means the key is absent")

	ok, err = c.Persist(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, api.updates, 4)
	expire := api.updates[0]
	assert.Equal(t, "SET #e = :e", *expire.UpdateExpression)
	assert.Equal(t, map[string]string{"#e": attrExpiresAt, "#k": attrKey}, expire.ExpressionAttributeNames)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1740830460"}, expire.ExpressionAttributeValues[":e"])

	persist := api.updates[1]
	assert.Equal(t, "REMOVE #e", *persist.UpdateExpression)
	assert.Equal(t, map[string]string{"#e": attrExpiresAt}, persist.ExpressionAttributeNames)
}

func TestExpireNonPositiveDeletes(t *testing.T) {
	deleted := 0
	api := &fakeAPI{
		del: func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
			deleted++
			return &dynamodb.DeleteItemOutput{Attributes: item(t, record{Key: "k", Value: []byte("v")})}, nil
		},
	}
	c := newTestCache(t, api)

	ok, err := c.Expire(context.Background(), "k", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, deleted)
	assert.Empty(t, api.updates)
}

func TestIncrBy(t *testing.T) {
	tests := []struct {
		name     string
		old      *record
		expected int64
		wantPut  *record
		err      error
	}{
		{
			name:     "atomic add",
			expected: 7,
		},
		{
			name:     "expired item restarts from zero",
			old:      &record{Key: "k", Value: []byte("stale"), ExpiresAt: testNow.Unix() - 1},
			expected: 3,
			wantPut:  &record{Key: "k", Counter: aws.Int64(3)},
		},
		{
			name:     "decimal value is converted",
			old:      &record{Key: "k", Value: []byte("40"), ExpiresAt: testNow.Unix() + 60},
			expected: 43,
			wantPut:  &record{Key: "k", Counter: aws.Int64(43), ExpiresAt: testNow.Unix() + 60},
		},
		{
			name: "non integer value",
			old:  &record{Key: "k", Value: []byte("abc")},
			err:  caches.ErrNotInteger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				update: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
					assert.Equal(t, "ADD #c :d", *in.UpdateExpression)
					assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
					if tt.old != nil {
						return nil, &types.ConditionalCheckFailedException{Item: item(t, *tt.old)}
					}
					return &dynamodb.UpdateItemOutput{
						Attributes: map[string]types.AttributeValue{
							attrCounter: &types.AttributeValueMemberN{Value: "7"},
						},
					}, nil
				},
			}
			c := newTestCache(t, api)

			got, err := c.IncrBy(context.Background(), "k", 3)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Empty(t, api.puts)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)

			if tt.wantPut == nil {
				assert.Empty(t, api.puts)
				return
			}
			require.Len(t, api.puts, 1)
			assert.Equal(t, *tt.wantPut, unmarshalPut(t, api.puts[0]))
			assert.NotNil(t, api.puts[0].ConditionExpression)
		})
	}
}

func TestIncrByLostRace(t *testing.T) {
	api := &fakeAPI{
		update: func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{Item: item(t, record{Key: "k", Value: []byte("1")})}
		},
		put: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	c := newTestCache(t, api)

	_, err := c.IncrBy(context.Background(), "k", 1)
	var ccf *types.ConditionalCheckFailedException
	assert.ErrorAs(t, err, &ccf)
}

func TestScan(t *testing.T) {
	pages := [][]string{{"modx:a", "modx:b"}, {"modx:c"}}
	api := &fakeAPI{
		scan: func(in *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
			page := 0
			if in.ExclusiveStartKey != nil {
				page = 1
			}

			out := &dynamodb.ScanOutput{}
			for _, k := range pages[page] {
				out.Items = append(out.Items, item(t, record{Key: k}))
			}
			if page == 0 {
				out.LastEvaluatedKey = item(t, record{Key: "modx:b"})
			}
			return out, nil
		},
	}
	c := newTestCache(t, api)

	var keys []string
	for k, err := range c.Scan(context.Background(), "modx:") {
		require.NoError(t, err)
		keys = append(keys, k)
	}

	assert.Equal(t, []string{"modx:a", "modx:b", "modx:c"}, keys)
	require.Len(t, api.scans, 2)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "modx:"}, api.scans[0].ExpressionAttributeValues[":p"])
	assert.Equal(t, "#k", *api.scans[0].ProjectionExpression)
}

func TestScanStopsEarly(t *testing.T) {
	api := &fakeAPI{
		scan: func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
			return &dynamodb.ScanOutput{
				Items:            []map[string]types.AttributeValue{item(t, record{Key: "a"}), item(t, record{Key: "b"})},
				LastEvaluatedKey: item(t, record{Key: "b"}),
			}, nil
		},
	}
	c := newTestCache(t, api)

	for range c.Scan(context.Background(), "") {
		break
	}
	assert.Len(t, api.scans, 1)
}

func TestScanError(t *testing.T) {
	boom := errors.New("throttled")
	api := &fakeAPI{
		scan: func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error) { return nil, boom },
	}
	c := newTestCache(t, api)

	var errs []error
	for _, err := range c.Scan(context.Background(), "") {
		errs = append(errs, err)
	}
	assert.True(t, slices.ContainsFunc(errs, func(err error) bool { return errors.Is(err, boom) }))
}

func TestPing(t *testing.T) {
	missing := &types.ResourceNotFoundException{}
	api := &fakeAPI{
		describe: func(in *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			assert.Equal(t, "modx", *in.TableName)
			return nil, missing
		},
	}
	c := newTestCache(t, api)

	assert.ErrorAs(t, c.Ping(context.Background()), &missing)
	assert.NoError(t, c.Close())
}
