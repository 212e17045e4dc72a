package fake

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cuemby/floodgate/pkg/keyspace"
)

// Store is an in-memory DynamoDB good enough for the gateway: point reads,
// conditional puts, batch gets, key-condition queries on the table and its
// indexes, and all-or-nothing transactions with per-item conditions. It is
// safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	items map[string]map[string]ddbtypes.AttributeValue

	// failures maps an operation name to errors returned before the real
	// behavior runs; each entry is consumed once.
	failures map[string][]error

	// Calls counts operations by name, for asserting on retry behavior.
	Calls map[string]int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		items:    map[string]map[string]ddbtypes.AttributeValue{},
		failures: map[string][]error{},
		Calls:    map[string]int{},
	}
}

// FailNext queues err to be returned by the next call(s) to the named
// operation (GetItem, PutItem, DeleteItem, BatchGetItem,
// TransactWriteItems, Query, DescribeTable).
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Item returns a copy of the stored item, if present.
func (s *Store) Item(pk, sk string) (map[string]ddbtypes.AttributeValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemKey(pk, sk)]
	if !ok {
		return nil, false
	}
	return copyItem(item), true
}

func itemKey(pk, sk string) string {
	return pk + "\x00" + sk
}

func copyItem(item map[string]ddbtypes.AttributeValue) map[string]ddbtypes.AttributeValue {
	out := make(map[string]ddbtypes.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func attrString(item map[string]ddbtypes.AttributeValue, name string) string {
	if av, ok := item[name].(*ddbtypes.AttributeValueMemberS); ok {
		return av.Value
	}
	return ""
}

func (s *Store) takeFailure(op string) error {
	s.Calls[op]++
	queued := s.failures[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	s.failures[op] = queued[1:]
	return err
}

func keyOf(key map[string]ddbtypes.AttributeValue) (string, string) {
	return attrString(key, keyspace.AttrPK), attrString(key, keyspace.AttrSK)
}

// attrEqual compares two attribute values of the S or N kinds, the only
// kinds conditions and key expressions use.
func attrEqual(a, b ddbtypes.AttributeValue) bool {
	switch av := a.(type) {
	case *ddbtypes.AttributeValueMemberS:
		bv, ok := b.(*ddbtypes.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *ddbtypes.AttributeValueMemberN:
		bv, ok := b.(*ddbtypes.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	}
	return false
}

// evalCondition evaluates the condition grammar the gateway emits:
// clauses joined by OR, each either attribute_not_exists(<attr>),
// attribute_exists(<attr>) or '<attr> = :<value>'. item is nil when the
// item does not exist.
func evalCondition(expr string, item map[string]ddbtypes.AttributeValue, values map[string]ddbtypes.AttributeValue) bool {
	for _, clause := range strings.Split(expr, " OR ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			attr := clause[len("attribute_not_exists(") : len(clause)-1]
			if item == nil {
				return true
			}
			if _, ok := item[attr]; !ok {
				return true
			}
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			attr := clause[len("attribute_exists(") : len(clause)-1]
			if item != nil {
				if _, ok := item[attr]; ok {
					return true
				}
			}
		default:
			attr, ref, found := strings.Cut(clause, " = ")
			if !found || item == nil {
				continue
			}
			have, ok := item[strings.TrimSpace(attr)]
			if !ok {
				continue
			}
			want, ok := values[strings.TrimSpace(ref)]
			if ok && attrEqual(have, want) {
				return true
			}
		}
	}
	return false
}

// GetItem implements DynamoAPI.
func (s *Store) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetItem"); err != nil {
		return nil, err
	}
	pk, sk := keyOf(in.Key)
	item, ok := s.items[itemKey(pk, sk)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

// PutItem implements DynamoAPI.
func (s *Store) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("PutItem"); err != nil {
		return nil, err
	}
	pk, sk := keyOf(in.Item)
	existing := s.items[itemKey(pk, sk)]
	if in.ConditionExpression != nil {
		if !evalCondition(*in.ConditionExpression, existing, in.ExpressionAttributeValues) {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("the conditional request failed")}
		}
	}
	s.items[itemKey(pk, sk)] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// DeleteItem implements DynamoAPI.
func (s *Store) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("DeleteItem"); err != nil {
		return nil, err
	}
	pk, sk := keyOf(in.Key)
	delete(s.items, itemKey(pk, sk))
	return &dynamodb.DeleteItemOutput{}, nil
}

// BatchGetItem implements DynamoAPI.
func (s *Store) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("BatchGetItem"); err != nil {
		return nil, err
	}
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]ddbtypes.AttributeValue{}}
	for table, req := range in.RequestItems {
		for _, key := range req.Keys {
			pk, sk := keyOf(key)
			if item, ok := s.items[itemKey(pk, sk)]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(item))
			}
		}
	}
	return out, nil
}

// TransactWriteItems implements DynamoAPI. Every item's condition is
// checked against the pre-transaction state; one failure cancels the whole
// transaction with per-item cancellation reasons.
func (s *Store) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]ddbtypes.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		reasons[i] = ddbtypes.CancellationReason{Code: aws.String("None")}
		put := item.Put
		if put == nil {
			continue
		}
		pk, sk := keyOf(put.Item)
		existing := s.items[itemKey(pk, sk)]
		if put.ConditionExpression != nil &&
			!evalCondition(*put.ConditionExpression, existing, put.ExpressionAttributeValues) {
			reasons[i] = ddbtypes.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &ddbtypes.TransactionCanceledException{
			Message:             aws.String("transaction canceled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			pk, sk := keyOf(item.Put.Item)
			s.items[itemKey(pk, sk)] = copyItem(item.Put.Item)
		case item.Delete != nil:
			pk, sk := keyOf(item.Delete.Key)
			delete(s.items, itemKey(pk, sk))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// indexSortAttr maps an index to the attribute its results sort by.
func indexSortAttr(index string) string {
	switch index {
	case keyspace.ParentIndex:
		return keyspace.AttrParentSK
	case keyspace.ResourceIndex:
		return keyspace.AttrResourceSK
	case keyspace.EntityConfigIndex:
		return keyspace.AttrEntityConfigSK
	}
	return keyspace.AttrSK
}

// Query implements DynamoAPI for the key-condition shapes the gateway
// emits: '<attr> = :pk' optionally AND 'begins_with(<attr>, :prefix)'.
func (s *Store) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("Query"); err != nil {
		return nil, err
	}

	pkAttr, pkVal, skAttr, skPrefix := parseKeyCondition(*in.KeyConditionExpression, in.ExpressionAttributeValues)

	var matches []map[string]ddbtypes.AttributeValue
	for _, item := range s.items {
		if attrString(item, pkAttr) != pkVal {
			continue
		}
		if skAttr != "" && !strings.HasPrefix(attrString(item, skAttr), skPrefix) {
			continue
		}
		matches = append(matches, copyItem(item))
	}

	index := ""
	if in.IndexName != nil {
		index = *in.IndexName
	}
	sortAttr := indexSortAttr(index)
	sort.Slice(matches, func(i, j int) bool {
		return attrString(matches[i], sortAttr) < attrString(matches[j], sortAttr)
	})

	// Resume after the exclusive start key.
	if len(in.ExclusiveStartKey) > 0 {
		startSK := attrString(in.ExclusiveStartKey, sortAttr)
		i := sort.Search(len(matches), func(i int) bool {
			return attrString(matches[i], sortAttr) > startSK
		})
		matches = matches[i:]
	}

	out := &dynamodb.QueryOutput{}
	limit := len(matches)
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}
	out.Items = matches[:limit]
	if limit < len(matches) && limit > 0 {
		last := matches[limit-1]
		out.LastEvaluatedKey = map[string]ddbtypes.AttributeValue{
			keyspace.AttrPK: last[keyspace.AttrPK],
			keyspace.AttrSK: last[keyspace.AttrSK],
			sortAttr:        last[sortAttr],
		}
	}
	return out, nil
}

func parseKeyCondition(expr string, values map[string]ddbtypes.AttributeValue) (pkAttr, pkVal, skAttr, skPrefix string) {
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		if strings.HasPrefix(clause, "begins_with(") && strings.HasSuffix(clause, ")") {
			inner := clause[len("begins_with(") : len(clause)-1]
			attr, ref, _ := strings.Cut(inner, ",")
			skAttr = strings.TrimSpace(attr)
			if v, ok := values[strings.TrimSpace(ref)].(*ddbtypes.AttributeValueMemberS); ok {
				skPrefix = v.Value
			}
			continue
		}
		attr, ref, found := strings.Cut(clause, " = ")
		if !found {
			continue
		}
		pkAttr = strings.TrimSpace(attr)
		if v, ok := values[strings.TrimSpace(ref)].(*ddbtypes.AttributeValueMemberS); ok {
			pkVal = v.Value
		}
	}
	return pkAttr, pkVal, skAttr, skPrefix
}

// DescribeTable implements DynamoAPI.
func (s *Store) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("DescribeTable"); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{
		Table: &ddbtypes.TableDescription{
			TableName:   in.TableName,
			TableStatus: ddbtypes.TableStatusActive,
		},
	}, nil
}
