package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cuemby/floodgate/pkg/keyspace"
	"github.com/cuemby/floodgate/pkg/types"
)

// Key addresses one item in the table.
type Key struct {
	PK string
	SK string
}

// BucketItem is the persisted state of one bucket. Its attribute set is
// fixed: PK, SK, the six counters and ttl, nothing else.
type BucketItem struct {
	PK                string `dynamodbav:"PK"`
	SK                string `dynamodbav:"SK"`
	TokensMilli       int64  `dynamodbav:"tokens_milli"`
	LastRefillMS      int64  `dynamodbav:"last_refill_ms"`
	CapacityMilli     int64  `dynamodbav:"capacity_milli"`
	BurstMilli        int64  `dynamodbav:"burst_milli"`
	RefillAmountMilli int64  `dynamodbav:"refill_amount_milli"`
	RefillPeriodMS    int64  `dynamodbav:"refill_period_ms"`
	TTL               int64  `dynamodbav:"ttl"`
}

// EntityItem is the persisted entity record. Entities with a parent carry
// the parent-index keys so children are enumerable.
type EntityItem struct {
	PK          string            `dynamodbav:"PK"`
	SK          string            `dynamodbav:"SK"`
	ID          string            `dynamodbav:"id"`
	Name        string            `dynamodbav:"name,omitempty"`
	ParentID    string            `dynamodbav:"parent_id,omitempty"`
	Metadata    map[string]string `dynamodbav:"metadata,omitempty"`
	Cascade     bool              `dynamodbav:"cascade"`
	CreatedAtMS int64             `dynamodbav:"created_at_ms"`
	ParentPK    string            `dynamodbav:"gsi1pk,omitempty"`
	ParentSK    string            `dynamodbav:"gsi1sk,omitempty"`
}

// Entity converts the item to the domain type.
func (e *EntityItem) Entity() *types.Entity {
	return &types.Entity{
		ID:        e.ID,
		Name:      e.Name,
		ParentID:  e.ParentID,
		Metadata:  e.Metadata,
		Cascade:   e.Cascade,
		CreatedAt: time.UnixMilli(e.CreatedAtMS).UTC(),
	}
}

// NamespaceItem is one half of a namespace registration: the name->id
// record (NSID set) or the id-presence record (NSName set).
type NamespaceItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	NSID   string `dynamodbav:"ns_id,omitempty"`
	NSName string `dynamodbav:"ns_name,omitempty"`
}

// ConfigItem is a stored limit set at one scope. The limit shapes are
// flattened into one attribute per field per limit name
// (l_<name>_cp/_br/_ra/_rp) so a record can hold any number of limits
// without nesting.
type ConfigItem struct {
	PK            string
	SK            string
	Limits        []types.Limit
	OnUnavailable types.OnUnavailable
	// EntityID, when set, projects the item into the entity-config index.
	EntityID string
	// NamespaceID is needed alongside EntityID to build the index key.
	NamespaceID string
}

const (
	limitAttrPrefix = "l_"
	suffixCapacity  = "_cp"
	suffixBurst     = "_br"
	suffixRefillAmt = "_ra"
	suffixRefillPer = "_rp"
	attrOnUnavail   = "on_unavailable"
)

func numAttr(v int64) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func strAttr(v string) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberS{Value: v}
}

// Marshal flattens the config into its attribute map.
func (c *ConfigItem) Marshal() map[string]ddbtypes.AttributeValue {
	m := map[string]ddbtypes.AttributeValue{
		keyspace.AttrPK: strAttr(c.PK),
		keyspace.AttrSK: strAttr(c.SK),
	}
	for _, l := range c.Limits {
		m[limitAttrPrefix+l.Name+suffixCapacity] = numAttr(l.Capacity)
		m[limitAttrPrefix+l.Name+suffixBurst] = numAttr(l.Burst)
		m[limitAttrPrefix+l.Name+suffixRefillAmt] = numAttr(l.RefillAmount)
		m[limitAttrPrefix+l.Name+suffixRefillPer] = numAttr(l.RefillPeriod.Milliseconds())
	}
	if c.OnUnavailable != "" {
		m[attrOnUnavail] = strAttr(string(c.OnUnavailable))
	}
	if c.EntityID != "" {
		resource, ok := keyspace.ParseEntityConfigSK(c.SK)
		if ok {
			m[keyspace.AttrEntityConfigPK] = strAttr(keyspace.EntityConfigIndexPK(c.NamespaceID, c.EntityID))
			m[keyspace.AttrEntityConfigSK] = strAttr(resource)
		}
	}
	return m
}

// UnmarshalConfig rebuilds a ConfigItem from its attribute map. Limits come
// back sorted by name so round-trips are deterministic.
func UnmarshalConfig(m map[string]ddbtypes.AttributeValue) (*ConfigItem, error) {
	c := &ConfigItem{}
	shapes := map[string]*types.Limit{}

	getShape := func(name string) *types.Limit {
		if s, ok := shapes[name]; ok {
			return s
		}
		s := &types.Limit{Name: name}
		shapes[name] = s
		return s
	}

	for attr, av := range m {
		switch attr {
		case keyspace.AttrPK:
			c.PK = stringValue(av)
			continue
		case keyspace.AttrSK:
			c.SK = stringValue(av)
			continue
		case attrOnUnavail:
			c.OnUnavailable = types.OnUnavailable(stringValue(av))
			continue
		}
		if !strings.HasPrefix(attr, limitAttrPrefix) || len(attr) < len(limitAttrPrefix)+len(suffixCapacity)+1 {
			continue
		}
		name := attr[len(limitAttrPrefix) : len(attr)-len(suffixCapacity)]
		n, err := numberValue(av)
		if err != nil {
			return nil, fmt.Errorf("config attribute %s: %w", attr, err)
		}
		switch attr[len(attr)-len(suffixCapacity):] {
		case suffixCapacity:
			getShape(name).Capacity = n
		case suffixBurst:
			getShape(name).Burst = n
		case suffixRefillAmt:
			getShape(name).RefillAmount = n
		case suffixRefillPer:
			getShape(name).RefillPeriod = time.Duration(n) * time.Millisecond
		}
	}

	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.Limits = append(c.Limits, *shapes[name])
	}
	return c, nil
}

func stringValue(av ddbtypes.AttributeValue) string {
	if s, ok := av.(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numberValue(av ddbtypes.AttributeValue) (int64, error) {
	n, ok := av.(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("not a number attribute")
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

// UnmarshalEntity decodes a raw query result into an EntityItem.
func UnmarshalEntity(m map[string]ddbtypes.AttributeValue, e *EntityItem) error {
	return unmarshalInto(m, e)
}

func marshalFrom(v any) (map[string]ddbtypes.AttributeValue, error) {
	m, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	return m, nil
}

func unmarshalInto(m map[string]ddbtypes.AttributeValue, v any) error {
	if err := attributevalue.UnmarshalMap(m, v); err != nil {
		return fmt.Errorf("unmarshal item: %w", err)
	}
	return nil
}

func marshalBucket(b *BucketItem) (map[string]ddbtypes.AttributeValue, error) {
	m, err := attributevalue.MarshalMap(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bucket %s/%s: %w", b.PK, b.SK, err)
	}
	return m, nil
}

func unmarshalBucket(m map[string]ddbtypes.AttributeValue) (*BucketItem, error) {
	var b BucketItem
	if err := attributevalue.UnmarshalMap(m, &b); err != nil {
		return nil, fmt.Errorf("unmarshal bucket: %w", err)
	}
	return &b, nil
}
