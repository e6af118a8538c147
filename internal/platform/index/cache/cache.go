// Package cache holds the process-wide identity cache mapping parameter
// names, code systems, common token values and canonical URLs to the ids the
// store assigned them.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrIdentityConflict is returned when a key is added with an id that
// differs from the one already cached. The store assigns each key exactly one
// id, so a conflict means the cache and the store disagree.
var ErrIdentityConflict = errors.New("identity cache conflict")

// CommonTokenValueKey identifies a common token value. The shard key is part
// of the key: the same token on two shards has two ids.
type CommonTokenValueKey struct {
	ShardKey   pgtype.Int2
	CodeSystem string
	TokenValue string
}

// CanonicalKey identifies a canonical URL on a shard.
type CanonicalKey struct {
	ShardKey pgtype.Int2
	URL      string
}

// IdentityCache is safe for concurrent use. Get methods report a missing
// entry with ok == false; an id of zero is never used as a sentinel.
type IdentityCache interface {
	GetParameterNameID(name string) (int32, bool)
	GetCodeSystemID(system string) (int32, bool)
	GetCommonTokenValueID(key CommonTokenValueKey) (int64, bool)
	GetCanonicalID(key CanonicalKey) (int64, bool)

	AddParameterName(name string, id int32) error
	AddCodeSystem(system string, id int32) error
	AddCommonTokenValue(key CommonTokenValueKey, id int64) error
	AddCanonical(key CanonicalKey, id int64) error

	Stats() Stats
}

// Config sizes the bounded keyspaces. Parameter names are unbounded.
type Config struct {
	CodeSystemSize int
	CodeSystemTTL  time.Duration
	TokenValueSize int
	TokenValueTTL  time.Duration
	CanonicalSize  int
	CanonicalTTL   time.Duration
}

// DefaultConfig returns the sizes used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		CodeSystemSize: 1000,
		CodeSystemTTL:  time.Hour,
		TokenValueSize: 100000,
		TokenValueTTL:  time.Hour,
		CanonicalSize:  1000,
		CanonicalTTL:   time.Hour,
	}
}

// Stats are cumulative lookup counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   map[string]int
}

// Cache is the IdentityCache implementation.
type Cache struct {
	parameterNames sync.Map // string -> int32

	codeSystems *bounded[string, int32]
	tokenValues *bounded[CommonTokenValueKey, int64]
	canonicals  *bounded[CanonicalKey, int64]

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ IdentityCache = (*Cache)(nil)

// New creates an empty cache.
func New(cfg Config) *Cache {
	return &Cache{
		codeSystems: newBounded[string, int32]("code system", cfg.CodeSystemSize, cfg.CodeSystemTTL),
		tokenValues: newBounded[CommonTokenValueKey, int64]("common token value", cfg.TokenValueSize, cfg.TokenValueTTL),
		canonicals:  newBounded[CanonicalKey, int64]("canonical", cfg.CanonicalSize, cfg.CanonicalTTL),
	}
}

func (c *Cache) GetParameterNameID(name string) (int32, bool) {
	v, ok := c.parameterNames.Load(name)
	c.count(ok)
	if !ok {
		return 0, false
	}
	return v.(int32), true
}

func (c *Cache) GetCodeSystemID(system string) (int32, bool) {
	id, ok := c.codeSystems.get(system)
	c.count(ok)
	return id, ok
}

func (c *Cache) GetCommonTokenValueID(key CommonTokenValueKey) (int64, bool) {
	id, ok := c.tokenValues.get(key)
	c.count(ok)
	return id, ok
}

func (c *Cache) GetCanonicalID(key CanonicalKey) (int64, bool) {
	id, ok := c.canonicals.get(key)
	c.count(ok)
	return id, ok
}

func (c *Cache) AddParameterName(name string, id int32) error {
	prev, loaded := c.parameterNames.LoadOrStore(name, id)
	if loaded && prev.(int32) != id {
		return fmt.Errorf("%w: parameter name %q has id %d, got %d", ErrIdentityConflict, name, prev, id)
	}
	return nil
}

func (c *Cache) AddCodeSystem(system string, id int32) error {
	return c.codeSystems.add(system, id)
}

func (c *Cache) AddCommonTokenValue(key CommonTokenValueKey, id int64) error {
	return c.tokenValues.add(key, id)
}

func (c *Cache) AddCanonical(key CanonicalKey, id int64) error {
	return c.canonicals.add(key, id)
}

func (c *Cache) Stats() Stats {
	names := 0
	c.parameterNames.Range(func(_, _ any) bool {
		names++
		return true
	})
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size: map[string]int{
			"parameter_names":     names,
			"code_systems":        c.codeSystems.len(),
			"common_token_values": c.tokenValues.len(),
			"canonical_values":    c.canonicals.len(),
		},
	}
}

func (c *Cache) count(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// bounded is a size and TTL limited keyspace. The mutex makes the
// compare-then-add in add atomic; lookups go straight to the LRU.
type bounded[K comparable, V comparable] struct {
	name string
	mu   sync.Mutex
	lru  *expirable.LRU[K, V]
}

func newBounded[K comparable, V comparable](name string, size int, ttl time.Duration) *bounded[K, V] {
	return &bounded[K, V]{name: name, lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (b *bounded[K, V]) get(key K) (V, bool) {
	return b.lru.Get(key)
}

func (b *bounded[K, V]) add(key K, id V) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.lru.Peek(key); ok {
		if prev != id {
			return fmt.Errorf("%w: %s %v has id %v, got %v", ErrIdentityConflict, b.name, key, prev, id)
		}
		return nil
	}
	b.lru.Add(key, id)
	return nil
}

func (b *bounded[K, V]) len() int {
	return b.lru.Len()
}
