// Package resolve turns parameter values into resolved values by mapping
// every identity component (parameter name, code system, common token value,
// canonical URL) to its store id, going through the identity cache first.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/cache"
)

// ErrUnresolvedIdentity means an identity component could not be mapped to
// a store id. No value of the message may be written.
var ErrUnresolvedIdentity = errors.New("unresolved identity")

// DefaultTokenSystem stands in for tokens and quantities without a system.
const DefaultTokenSystem = "default-token-system"

// storeTimeout bounds one shared identity store call.
const storeTimeout = 30 * time.Second

// IdentityStore reads and creates identity rows. The Ensure methods return
// the existing id or create one; they must be committed independently of
// the caller's transaction so a cached id always exists in the store.
type IdentityStore interface {
	EnsureParameterName(ctx context.Context, name string) (int32, error)
	LookupParameterName(ctx context.Context, name string) (int32, bool, error)
	EnsureCodeSystem(ctx context.Context, system string) (int32, error)
	EnsureCommonTokenValue(ctx context.Context, shard pgtype.Int2, codeSystemID int32, tokenValue string) (int64, error)
	EnsureCanonical(ctx context.Context, shard pgtype.Int2, url string) (int64, error)
}

// Resolver is safe for concurrent use.
type Resolver struct {
	cache  cache.IdentityCache
	store  IdentityStore
	group  singleflight.Group
	logger zerolog.Logger
}

// New creates a resolver.
func New(c cache.IdentityCache, store IdentityStore, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cache:  c,
		store:  store,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve resolves every parameter of msg. Any failure aborts the whole
// message.
func (r *Resolver) Resolve(ctx context.Context, msg index.Message) (pgtype.Int2, []index.ResolvedValue, error) {
	shard := index.EncodeShardKey(msg.RequestShard)
	values := msg.Values()
	out := make([]index.ResolvedValue, 0, len(values))
	for _, v := range values {
		rv, err := r.ResolveValue(ctx, shard, v)
		if err != nil {
			return shard, nil, err
		}
		out = append(out, rv)
	}
	return shard, out, nil
}

// ResolveValue resolves the identities one value needs.
func (r *Resolver) ResolveValue(ctx context.Context, shard pgtype.Int2, v index.Value) (index.ResolvedValue, error) {
	if err := v.Validate(); err != nil {
		return index.ResolvedValue{}, err
	}
	name := v.Parameter.Base().Name
	nameID, err := r.ParameterNameID(ctx, name)
	if err != nil {
		return index.ResolvedValue{}, err
	}
	rv := index.ResolvedValue{
		Value:         v,
		ParameterName: index.ParameterNameValue{Name: name, ID: nameID},
	}

	switch p := v.Parameter.(type) {
	case index.TokenParameter:
		err = r.resolveToken(ctx, shard, p.CodeSystem, p.Value, &rv)
	case index.TagParameter:
		err = r.resolveToken(ctx, shard, p.CodeSystem, p.Value, &rv)
	case index.SecurityParameter:
		err = r.resolveToken(ctx, shard, p.CodeSystem, p.Value, &rv)
	case index.QuantityParameter:
		var cs index.CodeSystemValue
		cs, err = r.codeSystem(ctx, p.CodeSystem)
		rv.CodeSystem = &cs
	case index.ProfileParameter:
		var id int64
		id, err = r.CanonicalID(ctx, shard, p.URL)
		rv.Canonical = &index.CommonCanonicalValue{ShardKey: shard, URL: p.URL, ID: id}
	}
	if err != nil {
		return index.ResolvedValue{}, fmt.Errorf("%s/%s %s: %w", v.ResourceType, v.LogicalID, name, err)
	}
	return rv, nil
}

func (r *Resolver) resolveToken(ctx context.Context, shard pgtype.Int2, system, value string, rv *index.ResolvedValue) error {
	cs, err := r.codeSystem(ctx, system)
	if err != nil {
		return err
	}
	id, err := r.CommonTokenValueID(ctx, shard, cs, value)
	if err != nil {
		return err
	}
	rv.CodeSystem = &cs
	rv.CommonToken = &index.CommonTokenValue{
		ShardKey:     shard,
		CodeSystem:   cs.System,
		CodeSystemID: cs.ID,
		TokenValue:   value,
		ID:           id,
	}
	return nil
}

func (r *Resolver) codeSystem(ctx context.Context, system string) (index.CodeSystemValue, error) {
	if system == "" {
		system = DefaultTokenSystem
	}
	id, err := r.CodeSystemID(ctx, system)
	return index.CodeSystemValue{System: system, ID: id}, err
}

// ParameterNameID returns the id of name, creating it when it is new.
func (r *Resolver) ParameterNameID(ctx context.Context, name string) (int32, error) {
	if id, ok := r.cache.GetParameterNameID(name); ok {
		return id, nil
	}
	v, err := r.shared(ctx, "pn:"+name, func(ctx context.Context) (interface{}, error) {
		id, err := r.store.EnsureParameterName(ctx, name)
		if err != nil {
			return nil, unresolvedErr("parameter name", name, err)
		}
		if err := r.cache.AddParameterName(name, id); err != nil {
			return nil, err
		}
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int32), nil
}

// LookupParameterName returns the id of name without creating it. Search
// uses it: a name that was never indexed matches nothing.
func (r *Resolver) LookupParameterName(ctx context.Context, name string) (int32, bool, error) {
	if id, ok := r.cache.GetParameterNameID(name); ok {
		return id, true, nil
	}
	id, ok, err := r.store.LookupParameterName(ctx, name)
	if err != nil || !ok {
		return 0, false, err
	}
	if err := r.cache.AddParameterName(name, id); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// CodeSystemID returns the id of system, creating it when it is new.
func (r *Resolver) CodeSystemID(ctx context.Context, system string) (int32, error) {
	if id, ok := r.cache.GetCodeSystemID(system); ok {
		return id, nil
	}
	v, err := r.shared(ctx, "cs:"+system, func(ctx context.Context) (interface{}, error) {
		id, err := r.store.EnsureCodeSystem(ctx, system)
		if err != nil {
			return nil, unresolvedErr("code system", system, err)
		}
		if err := r.cache.AddCodeSystem(system, id); err != nil {
			return nil, err
		}
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int32), nil
}

// CommonTokenValueID returns the id of the token on the given shard.
func (r *Resolver) CommonTokenValueID(ctx context.Context, shard pgtype.Int2, cs index.CodeSystemValue, value string) (int64, error) {
	key := cache.CommonTokenValueKey{ShardKey: shard, CodeSystem: cs.System, TokenValue: value}
	if id, ok := r.cache.GetCommonTokenValueID(key); ok {
		return id, nil
	}
	v, err := r.shared(ctx, "tv:"+shardString(shard)+"|"+cs.System+"|"+value, func(ctx context.Context) (interface{}, error) {
		id, err := r.store.EnsureCommonTokenValue(ctx, shard, cs.ID, value)
		if err != nil {
			return nil, unresolvedErr("token value", cs.System+"|"+value, err)
		}
		if err := r.cache.AddCommonTokenValue(key, id); err != nil {
			return nil, err
		}
		r.logger.Debug().Str("system", cs.System).Str("value", value).Int64("id", id).Msg("resolved token value")
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// CanonicalID returns the id of a canonical URL on the given shard.
func (r *Resolver) CanonicalID(ctx context.Context, shard pgtype.Int2, url string) (int64, error) {
	key := cache.CanonicalKey{ShardKey: shard, URL: url}
	if id, ok := r.cache.GetCanonicalID(key); ok {
		return id, nil
	}
	v, err := r.shared(ctx, "cv:"+shardString(shard)+"|"+url, func(ctx context.Context) (interface{}, error) {
		id, err := r.store.EnsureCanonical(ctx, shard, url)
		if err != nil {
			return nil, unresolvedErr("canonical", url, err)
		}
		if err := r.cache.AddCanonical(key, id); err != nil {
			return nil, err
		}
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// shared runs fn once per key across concurrent callers. fn gets a context
// detached from any single caller, so one caller giving up does not fail
// the others; each caller still returns as soon as its own ctx is done.
func (r *Resolver) shared(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := r.group.DoChan(key, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		return fn(sctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unresolvedErr(what, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ErrUnresolvedIdentity, what, key, err)
}

func shardString(s pgtype.Int2) string {
	if !s.Valid {
		return "-"
	}
	return strconv.Itoa(int(s.Int16))
}
