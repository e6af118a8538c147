package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/batch"
	"github.com/ehr/fhirstore/internal/platform/query"
)

// Version is one stored version of a logical resource.
type Version struct {
	ResourceType string          `json:"resourceType"`
	LogicalID    string          `json:"logicalId"`
	VersionID    int             `json:"versionId"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	Deleted      bool            `json:"deleted"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// HistoryResult is one page of a version history.
type HistoryResult struct {
	Versions []Version
	Total    int
	Page     Page
}

// HistoryRepository reads version history. Versions come back newest
// first.
type HistoryRepository struct {
	pool db.Querier
}

func NewHistoryRepository(pool db.Querier) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

func (r *HistoryRepository) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// History returns the requested page of the versions of one logical
// resource.
func (r *HistoryRepository) History(ctx context.Context, resourceType, logicalID string, page Page) (*HistoryResult, error) {
	if !index.ValidResourceType(resourceType) {
		return nil, fmt.Errorf("invalid resource type %q", resourceType)
	}
	prefix := batch.TablePrefix(resourceType)
	q := r.conn(ctx)

	var lrid int64
	err := scanOne(ctx, q, query.NewSelect("lr.logical_resource_id").
		FromAlias(prefix+"_logical_resources", "lr").
		WhereColumn("lr", "logical_id", logicalID).
		Build(), &lrid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, logicalID)
	}
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", resourceType, logicalID, err)
	}

	var total int
	if err := scanOne(ctx, q, query.NewSelect("COUNT(*)").
		FromAlias(prefix+"_resources", "r").
		WhereColumn("r", "logical_resource_id", lrid).
		Build(), &total); err != nil {
		return nil, fmt.Errorf("count history %s/%s: %w", resourceType, logicalID, err)
	}

	offset, limit, err := page.Bounds(total)
	if err != nil {
		return nil, err
	}

	sel := query.NewSelect("r.version_id", "r.last_updated", "r.is_deleted", "r.data").
		FromAlias(prefix+"_resources", "r").
		WhereColumn("r", "logical_resource_id", lrid).
		OrderBy("r.version_id DESC").
		Pagination(offset, limit).
		Build()
	text, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("list history %s/%s: %w", resourceType, logicalID, err)
	}
	defer rows.Close()

	result := &HistoryResult{Total: total, Page: page}
	for rows.Next() {
		v := Version{ResourceType: resourceType, LogicalID: logicalID}
		var deleted string
		if err := rows.Scan(&v.VersionID, &v.LastUpdated, &deleted, &v.Data); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		v.Deleted = deleted == "Y"
		result.Versions = append(result.Versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history %s/%s: %w", resourceType, logicalID, err)
	}
	return result, nil
}

func scanOne(ctx context.Context, q db.Querier, sel *query.Select, dest ...any) error {
	text, args, err := sel.ToSql()
	if err != nil {
		return err
	}
	return q.QueryRow(ctx, text, args...).Scan(dest...)
}
