package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

const maxDataKeyLength = 255

type dbFilter struct {
	KeyPrefix string `json:"keyPrefix,omitempty"`
}

type dbQueryParams struct {
	DataKey string    `json:"dataKey,omitempty"`
	Filter  *dbFilter `json:"filter,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Offset  int       `json:"offset,omitempty"`
}

type dbWriteParams struct {
	ID      string          `json:"id,omitempty"`
	DataKey string          `json:"dataKey,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func validDataKey(key string) bool {
	return key != "" && len(key) <= maxDataKeyLength
}

// normalizeValue checks that a value was supplied and is a single JSON
// document
func normalizeValue(raw json.RawMessage) (json.RawMessage, *protocol.Response) {
	if len(raw) == 0 || string(raw) == "null" {
		resp := invalid("value required")
		return nil, &resp
	}
	value, err := store.NormalizeJSON(raw)
	if err != nil {
		resp := invalid("%v", err)
		return nil, &resp
	}
	return value, nil
}

func (p dbWriteParams) selector() (store.Selector, *protocol.Response) {
	sel := store.Selector{ID: p.ID, DataKey: p.DataKey}
	if sel.Empty() {
		resp := invalid("id or dataKey required")
		return sel, &resp
	}
	if sel.ID != "" && !id.IsValidRecordID(sel.ID) {
		resp := invalid("invalid record id %q", sel.ID)
		return sel, &resp
	}
	return sel, nil
}

func (b *Bridge) dbQuery(ctx context.Context, req request) protocol.Response {
	var p dbQueryParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	if p.Limit > maxListLimit {
		p.Limit = maxListLimit
	}
	if p.Offset < 0 {
		return invalid("offset must not be negative")
	}
	q := store.Query{DataKey: p.DataKey, Limit: p.Limit, Offset: p.Offset}
	if p.Filter != nil {
		q.KeyPrefix = p.Filter.KeyPrefix
	}

	records, err := b.deps.Data.Query(ctx, req.scope, q)
	if err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "query", err)
	}
	if records == nil {
		records = []store.Record{}
	}
	return protocol.OK(map[string]any{"records": records})
}

func (b *Bridge) dbInsert(ctx context.Context, req request) protocol.Response {
	var p dbWriteParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !validDataKey(p.DataKey) {
		return invalid("dataKey required (at most %d bytes)", maxDataKeyLength)
	}
	value, resp := normalizeValue(p.Value)
	if resp != nil {
		return *resp
	}

	record, err := b.deps.Data.Insert(ctx, req.scope, p.DataKey, value)
	if errors.Is(err, store.ErrConflict) {
		return protocol.Failf(protocol.CodeConflict, "dataKey %q already exists", p.DataKey)
	}
	if err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "insert", err)
	}
	return protocol.OK(map[string]any{"record": record})
}

func (b *Bridge) dbUpdate(ctx context.Context, req request) protocol.Response {
	var p dbWriteParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	sel, resp := p.selector()
	if resp != nil {
		return *resp
	}
	value, resp := normalizeValue(p.Value)
	if resp != nil {
		return *resp
	}

	record, err := b.deps.Data.Update(ctx, req.scope, sel, value)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Fail(protocol.CodeNotFound, "record not found")
	}
	if err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "update", err)
	}
	return protocol.OK(map[string]any{"record": record})
}

func (b *Bridge) dbDelete(ctx context.Context, req request) protocol.Response {
	var p dbWriteParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	sel, resp := p.selector()
	if resp != nil {
		return *resp
	}

	deleted, err := b.deps.Data.Delete(ctx, req.scope, sel)
	if err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "delete", err)
	}
	return protocol.OK(map[string]any{"deleted": deleted})
}

func (b *Bridge) dbUpsert(ctx context.Context, req request) protocol.Response {
	var p dbWriteParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !validDataKey(p.DataKey) {
		return invalid("dataKey required (at most %d bytes)", maxDataKeyLength)
	}
	value, resp := normalizeValue(p.Value)
	if resp != nil {
		return *resp
	}

	record, err := b.deps.Data.Upsert(ctx, req.scope, p.DataKey, value)
	if err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "upsert", err)
	}
	return protocol.OK(map[string]any{"record": record})
}
