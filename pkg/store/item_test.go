package store

import (
	"testing"
	"time"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/floodgate/pkg/keyspace"
	"github.com/cuemby/floodgate/pkg/types"
)

func TestConfigMarshalRoundTrip(t *testing.T) {
	in := &ConfigItem{
		PK: "nsAAAAAAAAA/ENTITY#alice",
		SK: keyspace.EntityConfigSK("chat"),
		Limits: []types.Limit{
			types.PerMinute("rpm", 5),
			types.NewLimit("tokens_per_min", 1000, 2000, 1000, time.Minute),
		},
		OnUnavailable: types.OnUnavailableAllow,
		EntityID:      "alice",
		NamespaceID:   "nsAAAAAAAAA",
	}

	m := in.Marshal()

	// One attribute per shape field per limit, flattened by name.
	assert.Contains(t, m, "l_rpm_cp")
	assert.Contains(t, m, "l_rpm_br")
	assert.Contains(t, m, "l_rpm_ra")
	assert.Contains(t, m, "l_rpm_rp")
	assert.Contains(t, m, "l_tokens_per_min_cp")
	assert.Contains(t, m, "on_unavailable")

	// Per-entity configs project into the entity-config index.
	assert.Equal(t, "nsAAAAAAAAA/ENTITY_CONFIG#alice", stringValue(m[keyspace.AttrEntityConfigPK]))
	assert.Equal(t, "chat", stringValue(m[keyspace.AttrEntityConfigSK]))

	out, err := UnmarshalConfig(m)
	require.NoError(t, err)
	assert.Equal(t, in.PK, out.PK)
	assert.Equal(t, in.SK, out.SK)
	assert.Equal(t, types.OnUnavailableAllow, out.OnUnavailable)

	// Limits come back sorted by name.
	require.Len(t, out.Limits, 2)
	assert.Equal(t, "rpm", out.Limits[0].Name)
	assert.Equal(t, types.PerMinute("rpm", 5), out.Limits[0])
	assert.Equal(t, "tokens_per_min", out.Limits[1].Name)
	assert.Equal(t, int64(2000), out.Limits[1].Burst)
	assert.Equal(t, time.Minute, out.Limits[1].RefillPeriod)
}

func TestConfigMarshalWithoutEntity(t *testing.T) {
	in := &ConfigItem{
		PK:     "nsAAAAAAAAA/SYSTEM#",
		SK:     keyspace.SystemConfigSK(),
		Limits: []types.Limit{types.PerSecond("qps", 10)},
	}
	m := in.Marshal()
	assert.NotContains(t, m, keyspace.AttrEntityConfigPK)
	assert.NotContains(t, m, "on_unavailable")
}

func TestUnmarshalConfigRejectsBadNumber(t *testing.T) {
	m := map[string]ddbtypes.AttributeValue{
		keyspace.AttrPK: strAttr("pk"),
		keyspace.AttrSK: strAttr("sk"),
		"l_rpm_cp":      strAttr("not-a-number"),
	}
	_, err := UnmarshalConfig(m)
	assert.Error(t, err)
}

func TestEntityItemConversion(t *testing.T) {
	item := &EntityItem{
		PK:          keyspace.EntityPK("nsAAAAAAAAA", "k1"),
		SK:          keyspace.EntityMetaSK(),
		ID:          "k1",
		Name:        "api key one",
		ParentID:    "proj",
		Metadata:    map[string]string{"team": "infra"},
		Cascade:     true,
		CreatedAtMS: 1_700_000_000_000,
	}
	e := item.Entity()
	assert.Equal(t, "k1", e.ID)
	assert.Equal(t, "api key one", e.Name)
	assert.Equal(t, "proj", e.ParentID)
	assert.True(t, e.Cascade)
	assert.Equal(t, int64(1_700_000_000_000), e.CreatedAt.UnixMilli())
	assert.Equal(t, time.UTC, e.CreatedAt.Location())
}

func TestBucketMarshalRoundTrip(t *testing.T) {
	in := &BucketItem{
		PK:                keyspace.EntityPK("nsAAAAAAAAA", "alice"),
		SK:                keyspace.BucketSK("chat", "rpm"),
		TokensMilli:       -50_000,
		LastRefillMS:      1_700_000_000_000,
		CapacityMilli:     1_000_000,
		BurstMilli:        1_000_000,
		RefillAmountMilli: 1_000_000,
		RefillPeriodMS:    60_000,
		TTL:               1_700_000_600,
	}
	m, err := marshalBucket(in)
	require.NoError(t, err)

	out, err := unmarshalBucket(m)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
