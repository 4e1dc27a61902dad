package bridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
)

type settingsParams struct {
	Settings map[string]any `json:"settings"`
}

// SettingsResult is the data of a successful SETTINGS_SET. The runtime host
// reads it to replace the session's settings and push SETTINGS_CHANGED.
type SettingsResult struct {
	Settings map[string]any `json:"settings"`
}

func (b *Bridge) settingsGet(ctx context.Context, req request) protocol.Response {
	settings := maps.Clone(req.mc.Settings)
	if settings == nil {
		settings = map[string]any{}
	}
	return protocol.OK(SettingsResult{Settings: settings})
}

func (b *Bridge) settingsSet(ctx context.Context, req request) protocol.Response {
	var p settingsParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if p.Settings == nil {
		return invalid("settings object required")
	}

	if len(req.mc.SettingsSchema) > 0 {
		schema, err := b.compileSchema(req.mc.SettingsSchema)
		if err != nil {
			return b.backendFailure(req, protocol.CodeInternalError, "settings schema", err)
		}
		if err := validateAgainst(schema, p.Settings); err != nil {
			var verr *jsonschema.ValidationError
			if errors.As(err, &verr) {
				return invalid("settings do not match schema").WithDetails(map[string]any{
					"errors": schemaErrors(verr),
				})
			}
			return invalid("settings do not match schema: %v", err)
		}
	}

	if err := b.deps.Settings.Save(ctx, req.scope, p.Settings); err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "save settings", err)
	}
	return protocol.OK(SettingsResult{Settings: p.Settings})
}

// compileSchema caches compiled schemas by content
func (b *Bridge) compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	if cached, ok := b.schemas.Load(sum); ok {
		return cached.(*jsonschema.Schema), nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://module-runtime.local/settings/%x.schema.json", sum[:8])
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load settings schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile settings schema: %w", err)
	}
	b.schemas.Store(sum, schema)
	return schema, nil
}

// validateAgainst round-trips v through encoding/json so the validator sees
// the plain JSON types it expects
func validateAgainst(schema *jsonschema.Schema, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func schemaErrors(verr *jsonschema.ValidationError) []map[string]string {
	var out []map[string]string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, map[string]string{
				"field":   e.InstanceLocation,
				"message": e.Message,
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return out
}
