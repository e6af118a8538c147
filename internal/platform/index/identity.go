package index

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// ParameterNameValue is a search parameter name with its surrogate id.
type ParameterNameValue struct {
	Name string
	ID   int32
}

// CodeSystemValue is a code system URI with its surrogate id.
type CodeSystemValue struct {
	System string
	ID     int32
}

// CommonTokenValue is a deduplicated (code system, token value) pair. The
// shard key partitions the token value table.
type CommonTokenValue struct {
	ShardKey     pgtype.Int2
	CodeSystem   string
	CodeSystemID int32
	TokenValue   string
	ID           int64
}

// CommonCanonicalValue is a deduplicated canonical URL.
type CommonCanonicalValue struct {
	ShardKey pgtype.Int2
	URL      string
	ID       int64
}

// ResolvedValue is a Value whose identity components have all been resolved
// to store ids. It is the only form the batch writer accepts.
type ResolvedValue struct {
	Value
	ParameterName ParameterNameValue
	// set for quantity and the token family
	CodeSystem *CodeSystemValue
	// set for token, tag and security
	CommonToken *CommonTokenValue
	// set for profile
	Canonical *CommonCanonicalValue
}

// EncodeShardKey derives the shard key for a shard-routing string. The
// encoding is a 31-based polynomial string hash truncated to 16 bits, so the
// same string always yields the same key on every node. An empty string
// means unsharded placement and encodes as NULL.
func EncodeShardKey(requestShard string) pgtype.Int2 {
	if requestShard == "" {
		return pgtype.Int2{}
	}
	var h int32
	for _, r := range requestShard {
		if r >= 0x10000 {
			// hashed as a UTF-16 surrogate pair
			r -= 0x10000
			h = 31*h + int32(0xD800+(r>>10))
			h = 31*h + int32(0xDC00+(r&0x3FF))
			continue
		}
		h = 31*h + int32(r)
	}
	return pgtype.Int2{Int16: int16(h), Valid: true}
}
