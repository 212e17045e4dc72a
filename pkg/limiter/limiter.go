package limiter

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/floodgate/pkg/config"
	"github.com/cuemby/floodgate/pkg/log"
	"github.com/cuemby/floodgate/pkg/metrics"
	"github.com/cuemby/floodgate/pkg/store"
	"github.com/cuemby/floodgate/pkg/types"
)

// DefaultNamespace is registered at first initialization and used when no
// namespace is named.
const DefaultNamespace = "default"

// reservedNamespace reports names that cannot be registered by callers:
// the default namespace and anything underscore-initial (kept for internal
// records).
func reservedNamespace(name string) bool {
	return name == DefaultNamespace || strings.HasPrefix(name, "_")
}

// Limiter is the top-level handle. It owns the store gateway and the
// shared caches; per-tenant work goes through scoped Namespace views.
// Safe for concurrent use.
type Limiter struct {
	gw   *store.Gateway
	opts Options

	// name -> namespace id
	nsIDs   *expirable.LRU[string, string]
	nsGroup singleflight.Group

	// "<ns-id>/<entity-id>" -> entity record; misses re-read within the
	// entity cache TTL.
	entities    *expirable.LRU[string, *types.Entity]
	entityGroup singleflight.Group

	logger zerolog.Logger
}

// New connects to the store and returns a limiter. The default namespace
// is registered if this is the first limiter ever pointed at the table.
func New(ctx context.Context, opts Options) (*Limiter, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	api, err := store.Connect(ctx, store.ConnectOptions{
		Region:          opts.Region,
		Endpoint:        opts.Endpoint,
		AccessKeyID:     opts.AccessKeyID,
		SecretAccessKey: opts.SecretAccessKey,
		SessionToken:    opts.SessionToken,
	})
	if err != nil {
		return nil, err
	}
	return NewWithStore(ctx, api, opts)
}

// NewWithStore builds a limiter over an existing DynamoDB client. Tests
// pass the in-memory fake here.
func NewWithStore(ctx context.Context, api store.DynamoAPI, opts Options) (*Limiter, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		gw: store.New(api, store.Options{
			Table:         opts.Table,
			RetryDeadline: opts.RetryDeadline,
			Clock:         opts.Clock,
		}),
		opts:     opts,
		nsIDs:    expirable.NewLRU[string, string](opts.NamespaceCacheSize, nil, 0),
		entities: expirable.NewLRU[string, *types.Entity](opts.EntityCacheSize, nil, opts.EntityCacheTTL),
		logger:   log.WithComponent("limiter"),
	}

	if _, err := l.ensureNamespace(ctx, DefaultNamespace); err != nil {
		return nil, fmt.Errorf("register default namespace: %w", err)
	}
	return l, nil
}

// Namespace returns the scoped view for a registered namespace.
func (l *Limiter) Namespace(ctx context.Context, name string) (*Namespace, error) {
	if err := types.ValidateNamespaceName(name); err != nil {
		return nil, err
	}
	id, found, err := l.namespaceID(ctx, name)
	if err != nil {
		return nil, &TransportError{Op: "namespace lookup", Err: err}
	}
	if !found {
		return nil, &NamespaceNotFoundError{Name: name}
	}
	return l.scoped(name, id), nil
}

// Default returns the scoped view of the default namespace, which New
// guarantees exists.
func (l *Limiter) Default(ctx context.Context) (*Namespace, error) {
	id, found, err := l.namespaceID(ctx, DefaultNamespace)
	if err != nil {
		return nil, &TransportError{Op: "namespace lookup", Err: err}
	}
	if !found {
		return nil, &NamespaceNotFoundError{Name: DefaultNamespace}
	}
	return l.scoped(DefaultNamespace, id), nil
}

// CreateNamespace registers a namespace and returns its scoped view.
// Registration is idempotent: an already-registered name returns the
// existing namespace. Reserved names are rejected.
func (l *Limiter) CreateNamespace(ctx context.Context, name string) (*Namespace, error) {
	if err := types.ValidateNamespaceName(name); err != nil {
		return nil, err
	}
	if reservedNamespace(name) {
		return nil, &types.ValidationError{Field: "namespace", Value: name, Reason: "name is reserved"}
	}
	id, err := l.ensureNamespace(ctx, name)
	if err != nil {
		return nil, &TransportError{Op: "namespace registration", Err: err}
	}
	return l.scoped(name, id), nil
}

func (l *Limiter) scoped(name, id string) *Namespace {
	return &Namespace{
		name:     name,
		id:       id,
		lim:      l,
		resolver: config.NewResolver(l.gw, id, l.opts.ConfigCacheSize, l.opts.ConfigCacheTTL),
		logger:   log.WithNamespace(name),
	}
}

func (l *Limiter) namespaceID(ctx context.Context, name string) (string, bool, error) {
	if id, ok := l.nsIDs.Get(name); ok {
		metrics.CacheLookupsTotal.WithLabelValues("namespace", "hit").Inc()
		return id, true, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("namespace", "miss").Inc()

	v, err, _ := l.nsGroup.Do(name, func() (interface{}, error) {
		id, found, err := l.gw.GetNamespaceID(ctx, name)
		if err != nil {
			return nil, err
		}
		if found {
			l.nsIDs.Add(name, id)
		}
		return id, nil
	})
	if err != nil {
		return "", false, err
	}
	id := v.(string)
	return id, id != "", nil
}

// ensureNamespace registers name if needed and returns its id, winning or
// adopting a concurrent registration.
func (l *Limiter) ensureNamespace(ctx context.Context, name string) (string, error) {
	id, found, err := l.namespaceID(ctx, name)
	if err != nil {
		return "", err
	}
	if found {
		return id, nil
	}

	id, err = newNamespaceID()
	if err != nil {
		return "", err
	}
	err = l.gw.RegisterNamespace(ctx, name, id)
	if errors.Is(err, store.ErrItemExists) {
		// Lost the race; adopt the winner's id.
		l.nsIDs.Remove(name)
		id, found, err = l.namespaceID(ctx, name)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("namespace %q vanished during registration", name)
		}
		return id, nil
	}
	if err != nil {
		return "", err
	}
	l.nsIDs.Add(name, id)
	l.logger.Info().Str("namespace", name).Str("namespace_id", id).Msg("namespace registered")
	return id, nil
}

// newNamespaceID generates the 11-character URL-safe namespace id: 64
// random bits, base64url without padding.
func newNamespaceID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate namespace id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(buf[:])
	if len(id) != types.NamespaceIDLength {
		return "", fmt.Errorf("namespace id has unexpected length %d", len(id))
	}
	return id, nil
}

// IsAvailable probes store connectivity within the timeout. It never
// returns an error.
func (l *Limiter) IsAvailable(ctx context.Context, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.gw.IsAvailable(ctx)
}

// Close releases in-process resources. The store client is shared and
// stateless; only the caches need dropping.
func (l *Limiter) Close() error {
	l.nsIDs.Purge()
	l.entities.Purge()
	return nil
}
