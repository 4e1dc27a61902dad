package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

const quotaColumns = "module_id, site_id, max_size_bytes, used_size_bytes, file_count, last_accessed_at"

// Quotas implements store.QuotaStore over the storage_quotas table.
// Reserve is a single conditional UPDATE so concurrent uploads cannot both
// pass the ceiling check.
type Quotas struct {
	db         *DB
	defaultMax int64
}

// NewQuotas creates a quota store; lazily created rows get defaultMax
func NewQuotas(db *DB, defaultMax int64) *Quotas {
	return &Quotas{db: db, defaultMax: defaultMax}
}

func scanQuota(row rowScanner) (store.Quota, error) {
	var (
		q        store.Quota
		accessed int64
	)
	if err := row.Scan(&q.ModuleID, &q.SiteID, &q.MaxSizeBytes, &q.UsedSizeBytes, &q.FileCount, &accessed); err != nil {
		return store.Quota{}, err
	}
	q.LastAccessedAt = fromMillis(accessed)
	return q, nil
}

func (s *Quotas) ensure(ctx context.Context, scope store.Scope) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO storage_quotas (`+quotaColumns+`)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (module_id, site_id) DO NOTHING`,
		scope.ModuleID, scope.SiteID, s.defaultMax, s.db.millis())
	if err != nil {
		return fmt.Errorf("create quota: %w", err)
	}
	return nil
}

func (s *Quotas) Get(ctx context.Context, scope store.Scope) (store.Quota, error) {
	if err := s.ensure(ctx, scope); err != nil {
		return store.Quota{}, err
	}
	q, err := scanQuota(s.db.queryRow(ctx,
		`SELECT `+quotaColumns+` FROM storage_quotas WHERE module_id = $1 AND site_id = $2`,
		scope.ModuleID, scope.SiteID))
	if err != nil {
		return store.Quota{}, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

func (s *Quotas) Reserve(ctx context.Context, scope store.Scope, bytes int64) (store.Quota, error) {
	if err := s.ensure(ctx, scope); err != nil {
		return store.Quota{}, err
	}
	q, err := scanQuota(s.db.queryRow(ctx, `
		UPDATE storage_quotas
		SET used_size_bytes = used_size_bytes + $3, last_accessed_at = $4
		WHERE module_id = $1 AND site_id = $2 AND used_size_bytes + $3 < max_size_bytes
		RETURNING `+quotaColumns,
		scope.ModuleID, scope.SiteID, bytes, s.db.millis()))
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := s.Get(ctx, scope)
		if gerr != nil {
			return store.Quota{}, gerr
		}
		return current, store.ErrQuotaExceeded
	}
	if err != nil {
		return store.Quota{}, fmt.Errorf("reserve quota: %w", err)
	}
	return q, nil
}

func (s *Quotas) Release(ctx context.Context, scope store.Scope, bytes int64) error {
	_, err := s.db.exec(ctx, `
		UPDATE storage_quotas
		SET used_size_bytes = CASE WHEN used_size_bytes > $3 THEN used_size_bytes - $3 ELSE 0 END
		WHERE module_id = $1 AND site_id = $2`,
		scope.ModuleID, scope.SiteID, bytes)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (s *Quotas) Reconcile(ctx context.Context, scope store.Scope, usedBytes int64, fileCount int) error {
	if err := s.ensure(ctx, scope); err != nil {
		return err
	}
	_, err := s.db.exec(ctx, `
		UPDATE storage_quotas
		SET used_size_bytes = $3, file_count = $4, last_accessed_at = $5
		WHERE module_id = $1 AND site_id = $2`,
		scope.ModuleID, scope.SiteID, usedBytes, fileCount, s.db.millis())
	if err != nil {
		return fmt.Errorf("reconcile quota: %w", err)
	}
	return nil
}
