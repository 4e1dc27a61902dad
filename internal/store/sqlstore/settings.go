package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

// Settings implements store.SettingsStore as one JSON document per installation
type Settings struct {
	db *DB
}

func NewSettings(db *DB) *Settings {
	return &Settings{db: db}
}

func (s *Settings) Load(ctx context.Context, scope store.Scope) (map[string]any, error) {
	var doc string
	err := s.db.queryRow(ctx,
		`SELECT settings FROM module_settings WHERE module_id = $1 AND site_id = $2`,
		scope.ModuleID, scope.SiteID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

func (s *Settings) Save(ctx context.Context, scope store.Scope, settings map[string]any) error {
	doc, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.exec(ctx, `
		INSERT INTO module_settings (module_id, site_id, settings, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (module_id, site_id) DO UPDATE SET
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		scope.ModuleID, scope.SiteID, string(doc), s.db.millis())
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
