package limiter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/floodgate/pkg/types"
)

// Defaults for Options zero values.
const (
	DefaultAcquireTimeout = 5 * time.Second
	DefaultTTLFactor      = 10
	DefaultEntityCacheTTL = 5 * time.Second
	DefaultNamespaceLRU   = 128
)

// Options configures a Limiter.
type Options struct {
	// Table is the DynamoDB table holding all limiter state.
	Table string `yaml:"table"`
	// Region and Endpoint select the store; Endpoint overrides for local
	// DynamoDB.
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// Static credentials; empty means the ambient AWS provider chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	// AcquireTimeout bounds one acquire end to end when the caller's
	// context has no deadline of its own.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// RetryDeadline bounds the gateway's transient-error retries per
	// store operation.
	RetryDeadline time.Duration `yaml:"retry_deadline"`
	// TTLFactor sets bucket expiry to now + TTLFactor x refill_period,
	// floored at 2.
	TTLFactor int64 `yaml:"ttl_factor"`

	// OnUnavailable applies when the store cannot even be asked for a
	// policy: "allow" fails open with the caller's explicit limits,
	// "deny" (default) fails closed.
	OnUnavailable types.OnUnavailable `yaml:"on_unavailable"`

	// Cache tuning.
	ConfigCacheTTL     time.Duration `yaml:"config_cache_ttl"`
	ConfigCacheSize    int           `yaml:"config_cache_size"`
	EntityCacheTTL     time.Duration `yaml:"entity_cache_ttl"`
	EntityCacheSize    int           `yaml:"entity_cache_size"`
	NamespaceCacheSize int           `yaml:"namespace_cache_size"`

	// Clock overrides the wall clock, for tests.
	Clock func() time.Time `yaml:"-"`
}

func (o *Options) applyDefaults() {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.TTLFactor < 2 {
		o.TTLFactor = DefaultTTLFactor
	}
	if o.EntityCacheTTL <= 0 {
		o.EntityCacheTTL = DefaultEntityCacheTTL
	}
	if o.EntityCacheSize <= 0 {
		o.EntityCacheSize = 8192
	}
	if o.NamespaceCacheSize <= 0 {
		o.NamespaceCacheSize = DefaultNamespaceLRU
	}
	if o.OnUnavailable == "" {
		o.OnUnavailable = types.OnUnavailableDeny
	}
}

func (o *Options) validate() error {
	if o.Table == "" {
		return &types.ValidationError{Field: "table", Value: "", Reason: "must not be empty"}
	}
	switch o.OnUnavailable {
	case "", types.OnUnavailableAllow, types.OnUnavailableDeny:
	default:
		return &types.ValidationError{Field: "on_unavailable", Value: string(o.OnUnavailable), Reason: "must be allow or deny"}
	}
	return nil
}

// LoadOptions reads Options from a YAML file.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read options file: %w", err)
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parse options file %s: %w", path, err)
	}
	return opts, nil
}
