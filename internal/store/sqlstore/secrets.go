package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

// Secrets implements store.SecretStore. Values arrive already sealed.
type Secrets struct {
	db *DB
}

func NewSecrets(db *DB) *Secrets {
	return &Secrets{db: db}
}

func (s *Secrets) Put(ctx context.Context, scope store.Scope, name string, sealed []byte) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO module_secrets (module_id, site_id, name, sealed, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (module_id, site_id, name) DO UPDATE SET
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`,
		scope.ModuleID, scope.SiteID, name, sealed, s.db.millis())
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

func (s *Secrets) Get(ctx context.Context, scope store.Scope, name string) ([]byte, error) {
	var sealed []byte
	err := s.db.queryRow(ctx,
		`SELECT sealed FROM module_secrets WHERE module_id = $1 AND site_id = $2 AND name = $3`,
		scope.ModuleID, scope.SiteID, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sealed, nil
}

func (s *Secrets) Exists(ctx context.Context, scope store.Scope, name string) (bool, error) {
	var n int
	err := s.db.queryRow(ctx,
		`SELECT COUNT(*) FROM module_secrets WHERE module_id = $1 AND site_id = $2 AND name = $3`,
		scope.ModuleID, scope.SiteID, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check secret: %w", err)
	}
	return n > 0, nil
}

func (s *Secrets) Delete(ctx context.Context, scope store.Scope, name string) (bool, error) {
	res, err := s.db.exec(ctx,
		`DELETE FROM module_secrets WHERE module_id = $1 AND site_id = $2 AND name = $3`,
		scope.ModuleID, scope.SiteID, name)
	if err != nil {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	return n > 0, nil
}
