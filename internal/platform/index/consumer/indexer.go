// Package consumer applies index messages to the parameter tables, one
// transaction per message, with a pool of retrying workers.
package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/batch"
)

var (
	// ErrInvalidMessage wraps messages that can never be indexed.
	ErrInvalidMessage = errors.New("invalid index message")
	// ErrResourceNotFound means the logical resource row is not (yet)
	// visible. The message may have overtaken the resource commit, so it is
	// retried.
	ErrResourceNotFound = errors.New("logical resource not found")
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Resolver maps the identities of a message to store ids.
type Resolver interface {
	Resolve(ctx context.Context, msg index.Message) (pgtype.Int2, []index.ResolvedValue, error)
}

// Outcome is what Index did with a message.
type Outcome int

const (
	Indexed Outcome = iota
	// Stale messages carry an older version than the one stored; a newer
	// message supersedes them.
	Stale
)

func (o Outcome) String() string {
	if o == Stale {
		return "stale"
	}
	return "indexed"
}

// Indexer replaces the stored parameters of a logical resource with those
// of an index message.
type Indexer struct {
	db       TxBeginner
	resolver Resolver
	logger   zerolog.Logger
}

func NewIndexer(db TxBeginner, resolver Resolver, logger zerolog.Logger) *Indexer {
	return &Indexer{
		db:       db,
		resolver: resolver,
		logger:   logger.With().Str("component", "indexer").Logger(),
	}
}

// Index applies msg in one transaction. On any failure the buffered rows
// are discarded and the transaction is rolled back.
func (ix *Indexer) Index(ctx context.Context, msg index.Message) (Outcome, error) {
	if err := msg.Validate(); err != nil {
		return Indexed, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	shard, values, err := ix.resolver.Resolve(ctx, msg)
	if err != nil {
		return Indexed, fmt.Errorf("resolve %s/%s: %w", msg.ResourceType, msg.LogicalID, err)
	}

	tx, err := ix.db.Begin(ctx)
	if err != nil {
		return Indexed, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	prefix := batch.TablePrefix(msg.ResourceType)
	var current int
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT version_id FROM %s_logical_resources WHERE logical_resource_id = $1 FOR UPDATE`, prefix),
		msg.LogicalResourceID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return Indexed, fmt.Errorf("%w: %s/%s", ErrResourceNotFound, msg.ResourceType, msg.LogicalID)
	}
	if err != nil {
		return Indexed, fmt.Errorf("lock %s/%s: %w", msg.ResourceType, msg.LogicalID, err)
	}
	if current > msg.VersionID {
		ix.logger.Info().
			Str("resource_type", msg.ResourceType).
			Str("logical_id", msg.LogicalID).
			Int("message_version", msg.VersionID).
			Int("stored_version", current).
			Msg("skipping stale index message")
		return Stale, nil
	}

	if err := batch.DeleteParameters(ctx, tx, msg.ResourceType, msg.LogicalResourceID); err != nil {
		return Indexed, err
	}

	proc := batch.New(tx, ix.logger)
	defer proc.Close()

	proc.StartBatch()
	for _, rv := range values {
		if err := proc.Process(shard, rv); err != nil {
			proc.Reset()
			return Indexed, err
		}
	}
	if err := proc.PushBatch(ctx); err != nil {
		proc.Reset()
		return Indexed, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Indexed, fmt.Errorf("commit %s/%s: %w", msg.ResourceType, msg.LogicalID, err)
	}
	ix.logger.Debug().
		Str("resource_type", msg.ResourceType).
		Str("logical_id", msg.LogicalID).
		Int("version", msg.VersionID).
		Int("parameters", len(values)).
		Msg("indexed")
	return Indexed, nil
}
