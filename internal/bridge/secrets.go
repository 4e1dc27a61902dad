package bridge

import (
	"context"
	"regexp"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
)

var secretNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,127}$`)

const maxSecretBytes = 64 << 10

type secretParams struct {
	Name  string  `json:"name"`
	Value *string `json:"value,omitempty"`
}

// Secret values travel module to host only. No handler ever puts a value
// or its sealed form into a response.

func (b *Bridge) secretGet(ctx context.Context, req request) protocol.Response {
	var p secretParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !secretNameRe.MatchString(p.Name) {
		return invalid("invalid secret name %q", p.Name)
	}
	exists, err := b.deps.Secrets.Exists(ctx, req.scope, p.Name)
	if err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "secret lookup", err)
	}
	return protocol.OK(map[string]any{"name": p.Name, "exists": exists})
}

func (b *Bridge) secretSet(ctx context.Context, req request) protocol.Response {
	var p secretParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !secretNameRe.MatchString(p.Name) {
		return invalid("invalid secret name %q", p.Name)
	}
	if p.Value == nil {
		return invalid("value required")
	}
	if len(*p.Value) > maxSecretBytes {
		return invalid("secret exceeds %d bytes", maxSecretBytes)
	}
	sealed, err := b.deps.Sealer.Seal([]byte(*p.Value))
	if err != nil {
		return b.backendFailure(req, protocol.CodeInternalError, "seal secret", err)
	}
	if err := b.deps.Secrets.Put(ctx, req.scope, p.Name, sealed); err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "store secret", err)
	}
	return protocol.OK(map[string]any{"name": p.Name, "exists": true})
}

func (b *Bridge) secretDelete(ctx context.Context, req request) protocol.Response {
	var p secretParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !secretNameRe.MatchString(p.Name) {
		return invalid("invalid secret name %q", p.Name)
	}
	deleted, err := b.deps.Secrets.Delete(ctx, req.scope, p.Name)
	if err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "delete secret", err)
	}
	return protocol.OK(map[string]any{"name": p.Name, "deleted": deleted})
}
