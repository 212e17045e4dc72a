package keyspace

import (
	"fmt"
	"strings"
)

// Attribute names of the single table and its secondary indexes. Every item
// carries AttrPK/AttrSK; index key attributes are present only on items
// projected into that index.
const (
	AttrPK  = "PK"
	AttrSK  = "SK"
	AttrTTL = "ttl"

	AttrParentPK       = "gsi1pk"
	AttrParentSK       = "gsi1sk"
	AttrResourcePK     = "gsi2pk"
	AttrResourceSK     = "gsi2sk"
	AttrEntityConfigPK = "gsi3pk"
	AttrEntityConfigSK = "gsi3sk"
)

// Secondary index names.
const (
	// ParentIndex lists the children of a parent entity.
	ParentIndex = "parent-index"
	// ResourceIndex fans out from a resource to its usage items.
	ResourceIndex = "resource-index"
	// EntityConfigIndex lists the per-resource configs of one entity.
	EntityConfigIndex = "entity-config-index"
)

// Sort-key markers. Each prefix maps to exactly one record category so a
// BeginsWith query never mixes categories.
const (
	skEntityMeta   = "#META"
	skConfig       = "#CONFIG"
	skConfigPrefix = "#CONFIG#"
	skBucketPrefix = "BUCKET#"
	skUsagePrefix  = "#USAGE#"
	skNamePrefix   = "NAME#"
	skIDPrefix     = "ID#"
)

// NamespacePK is the partition holding the name->id and id-presence records
// for every namespace. It is the only partition not prefixed by a
// namespace id.
const NamespacePK = "NAMESPACE#"

// EntityPK builds the partition key of an entity and everything it owns.
func EntityPK(nsID, entityID string) string {
	return nsID + "/ENTITY#" + entityID
}

// EntityMetaSK is the sort key of the entity record itself.
func EntityMetaSK() string {
	return skEntityMeta
}

// EntityConfigSK builds the sort key of a per-entity-per-resource config.
func EntityConfigSK(resource string) string {
	return skConfigPrefix + resource
}

// BucketSK builds the sort key of a live bucket.
func BucketSK(resource, limitName string) string {
	return skBucketPrefix + resource + "#" + limitName
}

// UsageSK builds the sort key of a usage snapshot written by the external
// aggregator. windowStart is the window's opening instant in Unix
// milliseconds.
func UsageSK(resource string, windowStart int64) string {
	return fmt.Sprintf("%s%s#%d", skUsagePrefix, resource, windowStart)
}

// ResourcePK builds the partition key of namespace-wide per-resource
// records.
func ResourcePK(nsID, resource string) string {
	return nsID + "/RESOURCE#" + resource
}

// ResourceConfigSK is the sort key of the per-resource default limits.
func ResourceConfigSK() string {
	return skConfig
}

// SystemPK builds the partition key of the namespace's system defaults.
func SystemPK(nsID string) string {
	return nsID + "/SYSTEM#"
}

// SystemConfigSK is the sort key of the system default limits.
func SystemConfigSK() string {
	return skConfig
}

// NamespaceNameSK builds the sort key of the name->id record.
func NamespaceNameSK(name string) string {
	return skNamePrefix + name
}

// NamespaceIDSK builds the sort key of the id-presence record.
func NamespaceIDSK(id string) string {
	return skIDPrefix + id
}

// ParentIndexPK builds the parent-index partition key under which all
// children of one parent entity appear.
func ParentIndexPK(nsID, parentID string) string {
	return nsID + "/PARENT#" + parentID
}

// EntityConfigIndexPK builds the entity-config-index partition key listing
// every per-resource config of one entity.
func EntityConfigIndexPK(nsID, entityID string) string {
	return nsID + "/ENTITY_CONFIG#" + entityID
}

// ParseEntityPK extracts the entity id from an entity partition key.
func ParseEntityPK(pk string) (entityID string, ok bool) {
	_, rest, found := strings.Cut(pk, "/ENTITY#")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

// ParseBucketSK extracts the resource and limit name from a bucket sort
// key. The limit name is the segment after the last '#', so resource names
// containing '#' round-trip as long as limit names do not (names never
// contain '/' or control characters, and limit names come from config keys
// that forbid '#').
func ParseBucketSK(sk string) (resource, limitName string, ok bool) {
	rest, found := strings.CutPrefix(sk, skBucketPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "#")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// ParseUsageSK extracts the resource and window start from a usage sort key.
func ParseUsageSK(sk string) (resource string, windowStart int64, ok bool) {
	rest, found := strings.CutPrefix(sk, skUsagePrefix)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(rest, "#")
	if i <= 0 || i == len(rest)-1 {
		return "", 0, false
	}
	var ts int64
	if _, err := fmt.Sscanf(rest[i+1:], "%d", &ts); err != nil {
		return "", 0, false
	}
	return rest[:i], ts, true
}

// ParseEntityConfigSK extracts the resource name from a per-entity config
// sort key.
func ParseEntityConfigSK(sk string) (resource string, ok bool) {
	rest, found := strings.CutPrefix(sk, skConfigPrefix)
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

// ParseNamespaceNameSK extracts the namespace name from a name->id sort key.
func ParseNamespaceNameSK(sk string) (name string, ok bool) {
	rest, found := strings.CutPrefix(sk, skNamePrefix)
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}
