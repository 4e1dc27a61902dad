package bridge

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
)

// UIAction is a host UI request after sanitization
type UIAction struct {
	Type    protocol.MessageType `json:"type"`
	Path    string               `json:"path,omitempty"`
	Title   string               `json:"title,omitempty"`
	Content string               `json:"content,omitempty"`
	Message string               `json:"message,omitempty"`
	Variant string               `json:"variant,omitempty"`
}

// UIDelegate performs host UI actions on behalf of a module. The embedding
// application decides what navigating or opening a modal means.
type UIDelegate interface {
	Dispatch(ctx context.Context, mc protocol.ModuleContext, action UIAction) error
}

var toastVariants = map[string]bool{"info": true, "success": true, "warning": true, "error": true}

const (
	maxUITextLength    = 500
	maxUIContentLength = 20000
)

var (
	textPolicy    = bluemonday.StrictPolicy()
	contentPolicy = bluemonday.UGCPolicy()
)

type navigateParams struct {
	Path string `json:"path"`
}

type modalParams struct {
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

type toastParams struct {
	Message string `json:"message"`
	Variant string `json:"variant,omitempty"`
}

func sanitizeText(s string) string {
	s = strings.TrimSpace(textPolicy.Sanitize(s))
	if len(s) <= maxUITextLength {
		return s
	}
	// cut on a rune boundary
	end := maxUITextLength
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// validNavigationPath accepts host-relative paths only
func validNavigationPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return false
	}
	return !strings.ContainsAny(p, "\\\n\r") && !strings.Contains(p, "..")
}

func (b *Bridge) dispatchUI(ctx context.Context, req request, action UIAction) protocol.Response {
	if b.deps.UI != nil {
		if err := b.deps.UI.Dispatch(ctx, req.mc, action); err != nil {
			return b.backendFailure(req, protocol.CodeInternalError, "ui "+string(action.Type), err)
		}
	}
	return protocol.OK(map[string]any{"acknowledged": true})
}

func (b *Bridge) navigate(ctx context.Context, req request) protocol.Response {
	var p navigateParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !validNavigationPath(p.Path) {
		return invalid("path must be a host-relative path")
	}
	return b.dispatchUI(ctx, req, UIAction{Type: protocol.TypeNavigate, Path: p.Path})
}

func (b *Bridge) openModal(ctx context.Context, req request) protocol.Response {
	var p modalParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	title := sanitizeText(p.Title)
	if title == "" {
		return invalid("title required")
	}
	if len(p.Content) > maxUIContentLength {
		return invalid("content exceeds %d bytes", maxUIContentLength)
	}
	return b.dispatchUI(ctx, req, UIAction{
		Type:    protocol.TypeOpenModal,
		Title:   title,
		Content: contentPolicy.Sanitize(p.Content),
	})
}

func (b *Bridge) closeModal(ctx context.Context, req request) protocol.Response {
	return b.dispatchUI(ctx, req, UIAction{Type: protocol.TypeCloseModal})
}

func (b *Bridge) showToast(ctx context.Context, req request) protocol.Response {
	var p toastParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	message := sanitizeText(p.Message)
	if message == "" {
		return invalid("message required")
	}
	variant := p.Variant
	if variant == "" {
		variant = "info"
	}
	if !toastVariants[variant] {
		return invalid("unknown toast variant %q", variant)
	}
	return b.dispatchUI(ctx, req, UIAction{Type: protocol.TypeShowToast, Message: message, Variant: variant})
}

func (b *Bridge) getContext(ctx context.Context, req request) protocol.Response {
	return protocol.OK(req.mc.Snapshot())
}
