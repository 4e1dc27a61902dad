package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

// EventLog implements store.EventLog over the module_events table
type EventLog struct {
	db *DB
}

func NewEventLog(db *DB) *EventLog {
	return &EventLog{db: db}
}

func (l *EventLog) Append(ctx context.Context, ev store.Event) (store.Event, error) {
	if ev.ID == "" {
		ev.ID = id.NewEventID().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.db.now()
	}
	ev.Processed = false

	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}
	_, err := l.db.exec(ctx, `
		INSERT INTO module_events (id, event_name, source_module_id, target_module_id, site_id, payload, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EventName, ev.SourceModuleID, ev.TargetModuleID, ev.SiteID, payload, false, ev.CreatedAt.UnixMilli())
	if err != nil {
		return store.Event{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

func (l *EventLog) Pending(ctx context.Context, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.query(ctx, `
		SELECT id, event_name, source_module_id, target_module_id, site_id, payload, processed, created_at
		FROM module_events
		WHERE processed = $1
		ORDER BY created_at, id
		LIMIT $2`, false, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var (
			ev      store.Event
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.EventName, &ev.SourceModuleID, &ev.TargetModuleID, &ev.SiteID, &payload, &ev.Processed, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (l *EventLog) MarkProcessed(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, true)
	marks := make([]string, len(ids))
	for i, eid := range ids {
		args = append(args, eid)
		marks[i] = fmt.Sprintf("$%d", i+2)
	}
	_, err := l.db.exec(ctx,
		`UPDATE module_events SET processed = $1 WHERE id IN (`+strings.Join(marks, ", ")+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("mark events processed: %w", err)
	}
	return nil
}
