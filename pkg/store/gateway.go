package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/cuemby/floodgate/pkg/keyspace"
	"github.com/cuemby/floodgate/pkg/log"
)

// batchGetMax is DynamoDB's per-call item ceiling for BatchGetItem and
// TransactWriteItems.
const batchGetMax = 100

// DynamoAPI is the slice of the DynamoDB client the gateway needs. Tests
// substitute the in-memory implementation in pkg/store/fake.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Options configures the gateway.
type Options struct {
	// Table is the single table holding every namespace.
	Table string
	// RetryBase is the first backoff step for transient errors.
	RetryBase time.Duration
	// RetryCap bounds a single backoff step.
	RetryCap time.Duration
	// RetryDeadline bounds the total time spent retrying one operation.
	RetryDeadline time.Duration
	// Clock supplies the wall time; defaults to time.Now.
	Clock func() time.Time
}

// Gateway is the only component that talks to the store. It is safe for
// concurrent use.
type Gateway struct {
	api           DynamoAPI
	table         string
	retryBase     time.Duration
	retryCap      time.Duration
	retryDeadline time.Duration
	clock         func() time.Time
	logger        zerolog.Logger
}

// New creates a gateway over an existing DynamoDB client.
func New(api DynamoAPI, opts Options) *Gateway {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 50 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = time.Second
	}
	if opts.RetryDeadline <= 0 {
		opts.RetryDeadline = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Gateway{
		api:           api,
		table:         opts.Table,
		retryBase:     opts.RetryBase,
		retryCap:      opts.RetryCap,
		retryDeadline: opts.RetryDeadline,
		clock:         opts.Clock,
		logger:        log.WithComponent("store"),
	}
}

// NowMS returns the gateway's current wall time in Unix milliseconds.
// Every bucket clock value originates here.
func (g *Gateway) NowMS() int64 {
	return g.clock().UnixMilli()
}

func keyAttrs(key Key) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		keyspace.AttrPK: strAttr(key.PK),
		keyspace.AttrSK: strAttr(key.SK),
	}
}

// GetBucket reads one bucket snapshot. The read is strongly consistent;
// the optimistic concurrency check depends on observing the latest
// last_refill_ms.
func (g *Gateway) GetBucket(ctx context.Context, key Key) (*BucketItem, bool, error) {
	var out *dynamodb.GetItemOutput
	err := g.withRetry(ctx, "get_bucket", func(ctx context.Context) error {
		var err error
		out, err = g.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(g.table),
			Key:            keyAttrs(key),
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get bucket %s/%s: %w", key.PK, key.SK, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	b, err := unmarshalBucket(out.Item)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// BatchGetBuckets reads up to 100 buckets in one round trip, re-requesting
// unprocessed keys until done. Absent buckets are missing from the result.
func (g *Gateway) BatchGetBuckets(ctx context.Context, keys []Key) (map[Key]*BucketItem, error) {
	if len(keys) == 0 {
		return map[Key]*BucketItem{}, nil
	}
	if len(keys) > batchGetMax {
		return nil, fmt.Errorf("batch get of %d buckets exceeds the %d item limit", len(keys), batchGetMax)
	}

	result := make(map[Key]*BucketItem, len(keys))
	pending := make([]map[string]ddbtypes.AttributeValue, 0, len(keys))
	for _, k := range keys {
		pending = append(pending, keyAttrs(k))
	}

	err := g.withRetry(ctx, "batch_get_buckets", func(ctx context.Context) error {
		for len(pending) > 0 {
			out, err := g.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]ddbtypes.KeysAndAttributes{
					g.table: {Keys: pending, ConsistentRead: aws.Bool(true)},
				},
			})
			if err != nil {
				return err
			}
			for _, item := range out.Responses[g.table] {
				b, err := unmarshalBucket(item)
				if err != nil {
					return err
				}
				result[Key{PK: b.PK, SK: b.SK}] = b
			}
			pending = out.UnprocessedKeys[g.table].Keys
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch get %d buckets: %w", len(keys), err)
	}
	return result, nil
}

// TransactItem is one write inside a transaction, with an optional
// condition expression.
type TransactItem struct {
	Item      map[string]ddbtypes.AttributeValue
	Condition string
	Values    map[string]ddbtypes.AttributeValue
}

// BucketWrite builds the transactional put for one bucket. When
// conditioned, the per-item check 'attribute_not_exists(PK) OR
// last_refill_ms = :seen' rejects the write if a concurrent writer moved
// the bucket's clock since seenMS was observed.
func BucketWrite(b *BucketItem, seenMS int64, conditioned bool) (TransactItem, error) {
	m, err := marshalBucket(b)
	if err != nil {
		return TransactItem{}, err
	}
	item := TransactItem{Item: m}
	if conditioned {
		item.Condition = "attribute_not_exists(" + keyspace.AttrPK + ") OR last_refill_ms = :seen"
		item.Values = map[string]ddbtypes.AttributeValue{":seen": numAttr(seenMS)}
	}
	return item, nil
}

// TransactWrite commits every item or none. A failed condition surfaces as
// ErrConflict; transient cancellations are retried.
func (g *Gateway) TransactWrite(ctx context.Context, items []TransactItem) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > batchGetMax {
		return fmt.Errorf("transaction of %d items exceeds the %d item limit", len(items), batchGetMax)
	}

	writes := make([]ddbtypes.TransactWriteItem, 0, len(items))
	for _, it := range items {
		put := &ddbtypes.Put{
			TableName: aws.String(g.table),
			Item:      it.Item,
		}
		if it.Condition != "" {
			put.ConditionExpression = aws.String(it.Condition)
			put.ExpressionAttributeValues = it.Values
		}
		writes = append(writes, ddbtypes.TransactWriteItem{Put: put})
	}

	err := g.withRetry(ctx, "transact_write", func(ctx context.Context) error {
		_, err := g.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: writes,
		})
		if err != nil {
			return classifyTransactErr(err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("transact write %d items: %w", len(items), err)
	}
	return nil
}

// GetConfig reads a stored limit set; found is false when the scope has no
// record.
func (g *Gateway) GetConfig(ctx context.Context, key Key) (*ConfigItem, bool, error) {
	var out *dynamodb.GetItemOutput
	err := g.withRetry(ctx, "get_config", func(ctx context.Context) error {
		var err error
		out, err = g.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(g.table),
			Key:       keyAttrs(key),
		})
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get config %s/%s: %w", key.PK, key.SK, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	c, err := UnmarshalConfig(out.Item)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// PutConfig overwrites (or with expectAbsent, creates) a config record
// atomically.
func (g *Gateway) PutConfig(ctx context.Context, c *ConfigItem, expectAbsent bool) error {
	in := &dynamodb.PutItemInput{
		TableName: aws.String(g.table),
		Item:      c.Marshal(),
	}
	if expectAbsent {
		in.ConditionExpression = aws.String("attribute_not_exists(" + keyspace.AttrPK + ")")
	}
	err := g.withRetry(ctx, "put_config", func(ctx context.Context) error {
		_, err := g.api.PutItem(ctx, in)
		if err != nil && expectAbsent && isConditionalCheckFailed(err) {
			return ErrItemExists
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrItemExists) {
			return ErrItemExists
		}
		return fmt.Errorf("put config %s/%s: %w", c.PK, c.SK, err)
	}
	return nil
}

// Delete removes one item; deleting an absent item is not an error.
func (g *Gateway) Delete(ctx context.Context, key Key) error {
	err := g.withRetry(ctx, "delete_item", func(ctx context.Context) error {
		_, err := g.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(g.table),
			Key:       keyAttrs(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

// GetEntity reads an entity record.
func (g *Gateway) GetEntity(ctx context.Context, key Key) (*EntityItem, bool, error) {
	var out *dynamodb.GetItemOutput
	err := g.withRetry(ctx, "get_entity", func(ctx context.Context) error {
		var err error
		out, err = g.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(g.table),
			Key:       keyAttrs(key),
		})
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get entity %s: %w", key.PK, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	var e EntityItem
	if err := unmarshalInto(out.Item, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

// PutEntity writes an entity record. With expectAbsent the write fails
// with ErrItemExists when the entity is already registered.
func (g *Gateway) PutEntity(ctx context.Context, e *EntityItem, expectAbsent bool) error {
	item, err := marshalFrom(e)
	if err != nil {
		return err
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(g.table),
		Item:      item,
	}
	if expectAbsent {
		in.ConditionExpression = aws.String("attribute_not_exists(" + keyspace.AttrPK + ")")
	}
	err = g.withRetry(ctx, "put_entity", func(ctx context.Context) error {
		_, err := g.api.PutItem(ctx, in)
		if err != nil && expectAbsent && isConditionalCheckFailed(err) {
			return ErrItemExists
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrItemExists) {
			return ErrItemExists
		}
		return fmt.Errorf("put entity %s: %w", e.PK, err)
	}
	return nil
}

// GetNamespaceID resolves a namespace name to its id.
func (g *Gateway) GetNamespaceID(ctx context.Context, name string) (string, bool, error) {
	var out *dynamodb.GetItemOutput
	err := g.withRetry(ctx, "get_namespace", func(ctx context.Context) error {
		var err error
		out, err = g.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(g.table),
			Key:       keyAttrs(Key{PK: keyspace.NamespacePK, SK: keyspace.NamespaceNameSK(name)}),
		})
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("get namespace %q: %w", name, err)
	}
	if out.Item == nil {
		return "", false, nil
	}
	var item NamespaceItem
	if err := unmarshalInto(out.Item, &item); err != nil {
		return "", false, err
	}
	return item.NSID, item.NSID != "", nil
}

// RegisterNamespace writes the name->id and id-presence pair in one
// transaction, both conditional on absence. ErrItemExists means the name
// was registered concurrently; the caller re-reads to get the winner's id.
func (g *Gateway) RegisterNamespace(ctx context.Context, name, id string) error {
	nameItem, err := marshalFrom(&NamespaceItem{
		PK:   keyspace.NamespacePK,
		SK:   keyspace.NamespaceNameSK(name),
		NSID: id,
	})
	if err != nil {
		return err
	}
	idItem, err := marshalFrom(&NamespaceItem{
		PK:     keyspace.NamespacePK,
		SK:     keyspace.NamespaceIDSK(id),
		NSName: name,
	})
	if err != nil {
		return err
	}

	cond := "attribute_not_exists(" + keyspace.AttrSK + ")"
	err = g.TransactWrite(ctx, []TransactItem{
		{Item: nameItem, Condition: cond},
		{Item: idItem, Condition: cond},
	})
	if errors.Is(err, ErrConflict) {
		return ErrItemExists
	}
	return err
}

// QueryPage is one page of index results.
type QueryPage struct {
	Items    []map[string]ddbtypes.AttributeValue
	LastKey  map[string]ddbtypes.AttributeValue
	HasMore  bool
	PageSize int32
}

// Query runs one paginated key-condition query against the table or one of
// its indexes.
func (g *Gateway) Query(ctx context.Context, index, keyExpr string, values map[string]ddbtypes.AttributeValue, limit int32, startKey map[string]ddbtypes.AttributeValue) (*QueryPage, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(g.table),
		KeyConditionExpression:    aws.String(keyExpr),
		ExpressionAttributeValues: values,
		ExclusiveStartKey:         startKey,
	}
	if index != "" {
		in.IndexName = aws.String(index)
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}

	var out *dynamodb.QueryOutput
	err := g.withRetry(ctx, "query", func(ctx context.Context) error {
		var err error
		out, err = g.api.Query(ctx, in)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", keyExpr, err)
	}
	return &QueryPage{
		Items:    out.Items,
		LastKey:  out.LastEvaluatedKey,
		HasMore:  len(out.LastEvaluatedKey) > 0,
		PageSize: limit,
	}, nil
}

// IsAvailable probes the table. It never returns an error; callers use it
// for readiness checks only.
func (g *Gateway) IsAvailable(ctx context.Context) bool {
	_, err := g.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(g.table),
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("table", g.table).Msg("store unavailable")
		return false
	}
	return true
}
