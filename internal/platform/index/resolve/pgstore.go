package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ehr/fhirstore/internal/platform/query"
)

// queryable is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the PostgreSQL IdentityStore. Each Ensure call runs as its own
// statement pair outside any index transaction, so pass the pool rather
// than a transaction.
type PGStore struct {
	db queryable
}

func NewPGStore(db queryable) *PGStore {
	return &PGStore{db: db}
}

var _ IdentityStore = (*PGStore)(nil)

func (s *PGStore) EnsureParameterName(ctx context.Context, name string) (int32, error) {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO parameter_names (parameter_name) VALUES ($1) ON CONFLICT (parameter_name) DO NOTHING`,
		name); err != nil {
		return 0, fmt.Errorf("insert parameter name: %w", err)
	}
	var id int32
	err := s.selectOne(ctx, &id, query.NewSelect("pn.parameter_name_id").
		FromAlias("parameter_names", "pn").
		WhereColumn("pn", "parameter_name", name).
		Build())
	return id, err
}

func (s *PGStore) LookupParameterName(ctx context.Context, name string) (int32, bool, error) {
	var id int32
	err := s.selectOne(ctx, &id, query.NewSelect("pn.parameter_name_id").
		FromAlias("parameter_names", "pn").
		WhereColumn("pn", "parameter_name", name).
		Build())
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *PGStore) EnsureCodeSystem(ctx context.Context, system string) (int32, error) {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO code_systems (code_system_name) VALUES ($1) ON CONFLICT (code_system_name) DO NOTHING`,
		system); err != nil {
		return 0, fmt.Errorf("insert code system: %w", err)
	}
	var id int32
	err := s.selectOne(ctx, &id, query.NewSelect("cs.code_system_id").
		FromAlias("code_systems", "cs").
		WhereColumn("cs", "code_system_name", system).
		Build())
	return id, err
}

func (s *PGStore) EnsureCommonTokenValue(ctx context.Context, shard pgtype.Int2, codeSystemID int32, tokenValue string) (int64, error) {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO common_token_values (shard_key, code_system_id, token_value) VALUES ($1, $2, $3)
		 ON CONFLICT (shard_key, code_system_id, token_value) DO NOTHING`,
		shard, codeSystemID, tokenValue); err != nil {
		return 0, fmt.Errorf("insert common token value: %w", err)
	}
	var id int64
	err := s.selectOne(ctx, &id, query.NewSelect("ctv.common_token_value_id").
		FromAlias("common_token_values", "ctv").
		WhereExp(query.Raw("ctv.shard_key IS NOT DISTINCT FROM ?", shard)).
		WhereColumn("ctv", "code_system_id", codeSystemID).
		WhereColumn("ctv", "token_value", tokenValue).
		Build())
	return id, err
}

func (s *PGStore) EnsureCanonical(ctx context.Context, shard pgtype.Int2, url string) (int64, error) {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO common_canonical_values (shard_key, url) VALUES ($1, $2)
		 ON CONFLICT (shard_key, url) DO NOTHING`,
		shard, url); err != nil {
		return 0, fmt.Errorf("insert canonical value: %w", err)
	}
	var id int64
	err := s.selectOne(ctx, &id, query.NewSelect("ccv.canonical_id").
		FromAlias("common_canonical_values", "ccv").
		WhereExp(query.Raw("ccv.shard_key IS NOT DISTINCT FROM ?", shard)).
		WhereColumn("ccv", "url", url).
		Build())
	return id, err
}

func (s *PGStore) selectOne(ctx context.Context, dest any, sel *query.Select) error {
	text, args, err := sel.ToSql()
	if err != nil {
		return err
	}
	return s.db.QueryRow(ctx, text, args...).Scan(dest)
}
