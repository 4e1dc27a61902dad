package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

const recordColumns = "id, module_id, site_id, data_key, value, created_at, updated_at"

// KeyedData implements store.KeyedDataStore over the module_data table
type KeyedData struct {
	db *DB
}

// NewKeyedData creates a keyed-data store
func NewKeyedData(db *DB) *KeyedData {
	return &KeyedData{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (store.Record, error) {
	var (
		r                    store.Record
		value                string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&r.ID, &r.ModuleID, &r.SiteID, &r.DataKey, &value, &createdAt, &updatedAt); err != nil {
		return store.Record{}, err
	}
	r.Value = json.RawMessage(value)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (k *KeyedData) Query(ctx context.Context, scope store.Scope, q store.Query) ([]store.Record, error) {
	var (
		sb   strings.Builder
		args = []any{scope.ModuleID, scope.SiteID}
	)
	sb.WriteString("SELECT " + recordColumns + " FROM module_data WHERE module_id = $1 AND site_id = $2")
	if q.DataKey != "" {
		args = append(args, q.DataKey)
		fmt.Fprintf(&sb, " AND data_key = $%d", len(args))
	}
	if q.KeyPrefix != "" {
		args = append(args, escapeLike(q.KeyPrefix)+"%")
		fmt.Fprintf(&sb, ` AND data_key LIKE $%d ESCAPE '\'`, len(args))
	}
	sb.WriteString(" ORDER BY data_key")
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		args = append(args, limit, max(q.Offset, 0))
		fmt.Fprintf(&sb, " LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := k.db.query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query module data: %w", err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan module data: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (k *KeyedData) Insert(ctx context.Context, scope store.Scope, dataKey string, value json.RawMessage) (store.Record, error) {
	value, err := store.NormalizeJSON(value)
	if err != nil {
		return store.Record{}, err
	}
	now := k.db.millis()
	row := k.db.queryRow(ctx, `
		INSERT INTO module_data (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (module_id, site_id, data_key) DO NOTHING
		RETURNING `+recordColumns,
		id.NewRecordID(), scope.ModuleID, scope.SiteID, dataKey, string(value), now)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrConflict
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("insert module data: %w", err)
	}
	return r, nil
}

func (k *KeyedData) Update(ctx context.Context, scope store.Scope, sel store.Selector, value json.RawMessage) (store.Record, error) {
	value, err := store.NormalizeJSON(value)
	if err != nil {
		return store.Record{}, err
	}
	column, target := selectorColumn(sel)
	row := k.db.queryRow(ctx, `
		UPDATE module_data
		SET updated_at = CASE WHEN value = $4 THEN updated_at ELSE $5 END, value = $4
		WHERE module_id = $1 AND site_id = $2 AND `+column+` = $3
		RETURNING `+recordColumns,
		scope.ModuleID, scope.SiteID, target, string(value), k.db.millis())

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("update module data: %w", err)
	}
	return r, nil
}

func (k *KeyedData) Delete(ctx context.Context, scope store.Scope, sel store.Selector) (int, error) {
	if sel.Empty() {
		return 0, fmt.Errorf("delete module data: empty selector")
	}
	column, target := selectorColumn(sel)
	res, err := k.db.exec(ctx,
		`DELETE FROM module_data WHERE module_id = $1 AND site_id = $2 AND `+column+` = $3`,
		scope.ModuleID, scope.SiteID, target)
	if err != nil {
		return 0, fmt.Errorf("delete module data: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete module data: %w", err)
	}
	return int(n), nil
}

func (k *KeyedData) Upsert(ctx context.Context, scope store.Scope, dataKey string, value json.RawMessage) (store.Record, error) {
	value, err := store.NormalizeJSON(value)
	if err != nil {
		return store.Record{}, err
	}
	row := k.db.queryRow(ctx, `
		INSERT INTO module_data (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (module_id, site_id, data_key) DO UPDATE SET
			updated_at = CASE WHEN module_data.value = excluded.value THEN module_data.updated_at ELSE excluded.updated_at END,
			value = excluded.value
		RETURNING `+recordColumns,
		id.NewRecordID(), scope.ModuleID, scope.SiteID, dataKey, string(value), k.db.millis())

	r, err := scanRecord(row)
	if err != nil {
		return store.Record{}, fmt.Errorf("upsert module data: %w", err)
	}
	return r, nil
}

func selectorColumn(sel store.Selector) (string, string) {
	if sel.ID != "" {
		return "id", sel.ID
	}
	return "data_key", sel.DataKey
}
