package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/batch"
	"github.com/ehr/fhirstore/internal/platform/query"
)

// EraseStatus is the outcome of one erase call.
type EraseStatus string

const (
	EraseNotFound            EraseStatus = "not-found"
	ErasePartial             EraseStatus = "partial"
	EraseDone                EraseStatus = "done"
	EraseVersion             EraseStatus = "version"
	EraseNotSupportedLatest  EraseStatus = "not-supported-latest"
	EraseNotSupportedGreater EraseStatus = "not-supported-greater"
)

// EraseRequest targets a whole logical resource, or one version of it when
// Version is set.
type EraseRequest struct {
	ResourceType string
	LogicalID    string
	Version      *int
}

// EraseRecord reports what an erase call did. For a whole-resource erase
// Total counts every version erased so far, across calls.
type EraseRecord struct {
	Status  EraseStatus `json:"status"`
	Total   int         `json:"total"`
	Partial bool        `json:"partial"`
}

// ErasePolicy bounds erase calls.
type ErasePolicy struct {
	// AllowLatestVersion permits erasing the current version on its own.
	// The previous version becomes current and its parameters must be
	// reindexed.
	AllowLatestVersion bool
	// BatchSize caps the versions removed per call. Zero removes all.
	BatchSize int
}

// EraseTarget is the locked logical resource row.
type EraseTarget struct {
	LogicalResourceID int64
	VersionID         int
	ErasedCount       int
}

// EraseStore is the storage surface erase runs against. Every method runs
// inside the transaction carried by ctx.
type EraseStore interface {
	Lock(ctx context.Context, resourceType, logicalID string) (EraseTarget, error)
	CountVersions(ctx context.Context, resourceType string, lrid int64) (int, error)
	DeleteVersion(ctx context.Context, resourceType string, lrid int64, version int) (bool, error)
	DeleteOldestVersions(ctx context.Context, resourceType string, lrid int64, limit int) (int, error)
	LatestVersion(ctx context.Context, resourceType string, lrid int64) (int, error)
	SetVersion(ctx context.Context, resourceType string, lrid int64, version int) error
	AddErasedCount(ctx context.Context, resourceType string, lrid int64, n int) error
	DeleteParameters(ctx context.Context, resourceType string, lrid int64) error
	DeleteResource(ctx context.Context, resourceType string, lrid int64) error
}

// EraseRepository physically removes resource versions. A whole-resource
// erase that exceeds the batch size returns ErasePartial and is resumed by
// calling Erase again.
type EraseRepository struct {
	db     db.TxBeginner
	store  EraseStore
	policy ErasePolicy
	logger zerolog.Logger
}

func NewEraseRepository(txdb db.TxBeginner, store EraseStore, policy ErasePolicy, logger zerolog.Logger) *EraseRepository {
	return &EraseRepository{
		db:     txdb,
		store:  store,
		policy: policy,
		logger: logger.With().Str("component", "erase").Logger(),
	}
}

// Erase runs one erase step in its own transaction.
func (r *EraseRepository) Erase(ctx context.Context, req EraseRequest) (EraseRecord, error) {
	if !index.ValidResourceType(req.ResourceType) {
		return EraseRecord{}, fmt.Errorf("invalid resource type %q", req.ResourceType)
	}
	if req.Version != nil && *req.Version < 1 {
		return EraseRecord{}, fmt.Errorf("invalid version %d", *req.Version)
	}

	var rec EraseRecord
	err := db.InTx(ctx, r.db, func(ctx context.Context, _ pgx.Tx) error {
		var err error
		rec, err = r.erase(ctx, req)
		return err
	})
	if err != nil {
		return EraseRecord{}, fmt.Errorf("erase %s/%s: %w", req.ResourceType, req.LogicalID, err)
	}
	r.logger.Info().
		Str("resource_type", req.ResourceType).
		Str("logical_id", req.LogicalID).
		Str("status", string(rec.Status)).
		Int("total", rec.Total).
		Msg("erase")
	return rec, nil
}

func (r *EraseRepository) erase(ctx context.Context, req EraseRequest) (EraseRecord, error) {
	target, err := r.store.Lock(ctx, req.ResourceType, req.LogicalID)
	if errors.Is(err, ErrNotFound) {
		return EraseRecord{Status: EraseNotFound}, nil
	}
	if err != nil {
		return EraseRecord{}, err
	}
	if req.Version == nil {
		return r.eraseAll(ctx, req.ResourceType, target)
	}

	v := *req.Version
	lrid := target.LogicalResourceID
	switch {
	case v > target.VersionID:
		return EraseRecord{Status: EraseNotSupportedGreater}, nil
	case v == target.VersionID:
		if !r.policy.AllowLatestVersion {
			return EraseRecord{Status: EraseNotSupportedLatest}, nil
		}
		n, err := r.store.CountVersions(ctx, req.ResourceType, lrid)
		if err != nil {
			return EraseRecord{}, err
		}
		if n <= 1 {
			return r.eraseAll(ctx, req.ResourceType, target)
		}
		if _, err := r.store.DeleteVersion(ctx, req.ResourceType, lrid, v); err != nil {
			return EraseRecord{}, err
		}
		prev, err := r.store.LatestVersion(ctx, req.ResourceType, lrid)
		if err != nil {
			return EraseRecord{}, err
		}
		if err := r.store.SetVersion(ctx, req.ResourceType, lrid, prev); err != nil {
			return EraseRecord{}, err
		}
		// the indexed parameters described the erased version
		if err := r.store.DeleteParameters(ctx, req.ResourceType, lrid); err != nil {
			return EraseRecord{}, err
		}
		return EraseRecord{Status: EraseVersion, Total: 1}, nil
	default:
		ok, err := r.store.DeleteVersion(ctx, req.ResourceType, lrid, v)
		if err != nil {
			return EraseRecord{}, err
		}
		if !ok {
			return EraseRecord{Status: EraseNotFound}, nil
		}
		return EraseRecord{Status: EraseVersion, Total: 1}, nil
	}
}

func (r *EraseRepository) eraseAll(ctx context.Context, resourceType string, target EraseTarget) (EraseRecord, error) {
	lrid := target.LogicalResourceID
	remaining, err := r.store.CountVersions(ctx, resourceType, lrid)
	if err != nil {
		return EraseRecord{}, err
	}

	if r.policy.BatchSize > 0 && remaining > r.policy.BatchSize {
		n, err := r.store.DeleteOldestVersions(ctx, resourceType, lrid, r.policy.BatchSize)
		if err != nil {
			return EraseRecord{}, err
		}
		if err := r.store.AddErasedCount(ctx, resourceType, lrid, n); err != nil {
			return EraseRecord{}, err
		}
		return EraseRecord{Status: ErasePartial, Total: target.ErasedCount + n, Partial: true}, nil
	}

	n, err := r.store.DeleteOldestVersions(ctx, resourceType, lrid, remaining)
	if err != nil {
		return EraseRecord{}, err
	}
	if err := r.store.DeleteParameters(ctx, resourceType, lrid); err != nil {
		return EraseRecord{}, err
	}
	if err := r.store.DeleteResource(ctx, resourceType, lrid); err != nil {
		return EraseRecord{}, err
	}
	return EraseRecord{Status: EraseDone, Total: target.ErasedCount + n}, nil
}

// PGEraseStore implements EraseStore over the resource tables.
type PGEraseStore struct {
	pool db.Querier
}

func NewPGEraseStore(pool db.Querier) *PGEraseStore {
	return &PGEraseStore{pool: pool}
}

func (s *PGEraseStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

func (s *PGEraseStore) Lock(ctx context.Context, resourceType, logicalID string) (EraseTarget, error) {
	var t EraseTarget
	err := s.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT logical_resource_id, version_id, erased_count FROM %s_logical_resources WHERE logical_id = $1 FOR UPDATE`,
			batch.TablePrefix(resourceType)),
		logicalID).Scan(&t.LogicalResourceID, &t.VersionID, &t.ErasedCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("lock resource: %w", err)
	}
	return t, nil
}

func (s *PGEraseStore) CountVersions(ctx context.Context, resourceType string, lrid int64) (int, error) {
	var n int
	err := scanOne(ctx, s.conn(ctx), query.NewSelect("COUNT(*)").
		FromAlias(batch.TablePrefix(resourceType)+"_resources", "r").
		WhereColumn("r", "logical_resource_id", lrid).
		Build(), &n)
	if err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return n, nil
}

func (s *PGEraseStore) LatestVersion(ctx context.Context, resourceType string, lrid int64) (int, error) {
	var v int
	err := scanOne(ctx, s.conn(ctx), query.NewSelect("MAX(r.version_id)").
		FromAlias(batch.TablePrefix(resourceType)+"_resources", "r").
		WhereColumn("r", "logical_resource_id", lrid).
		Build(), &v)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

func (s *PGEraseStore) DeleteVersion(ctx context.Context, resourceType string, lrid int64, version int) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s_resources WHERE logical_resource_id = $1 AND version_id = $2`, batch.TablePrefix(resourceType)),
		lrid, version)
	if err != nil {
		return false, fmt.Errorf("delete version %d: %w", version, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGEraseStore) DeleteOldestVersions(ctx context.Context, resourceType string, lrid int64, limit int) (int, error) {
	table := batch.TablePrefix(resourceType) + "_resources"
	tag, err := s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`DELETE FROM %[1]s WHERE logical_resource_id = $1 AND version_id IN (
			SELECT version_id FROM %[1]s WHERE logical_resource_id = $1 ORDER BY version_id LIMIT $2)`, table),
		lrid, limit)
	if err != nil {
		return 0, fmt.Errorf("delete versions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGEraseStore) SetVersion(ctx context.Context, resourceType string, lrid int64, version int) error {
	_, err := s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`UPDATE %s_logical_resources SET version_id = $2 WHERE logical_resource_id = $1`, batch.TablePrefix(resourceType)),
		lrid, version)
	if err != nil {
		return fmt.Errorf("set current version: %w", err)
	}
	return nil
}

func (s *PGEraseStore) AddErasedCount(ctx context.Context, resourceType string, lrid int64, n int) error {
	_, err := s.conn(ctx).Exec(ctx,
		fmt.Sprintf(`UPDATE %s_logical_resources SET erased_count = erased_count + $2 WHERE logical_resource_id = $1`, batch.TablePrefix(resourceType)),
		lrid, n)
	if err != nil {
		return fmt.Errorf("record erased versions: %w", err)
	}
	return nil
}

func (s *PGEraseStore) DeleteParameters(ctx context.Context, resourceType string, lrid int64) error {
	return batch.DeleteParameters(ctx, s.conn(ctx), resourceType, lrid)
}

func (s *PGEraseStore) DeleteResource(ctx context.Context, resourceType string, lrid int64) error {
	q := s.conn(ctx)
	if _, err := q.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s_logical_resources WHERE logical_resource_id = $1`, batch.TablePrefix(resourceType)),
		lrid); err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM logical_resources WHERE logical_resource_id = $1`, lrid); err != nil {
		return fmt.Errorf("delete global resource: %w", err)
	}
	return nil
}
