package http

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
)

// serveDocument writes a module document with a content security policy
// derived from its import map. Conditional requests are answered with 304.
func (h *Handlers) serveDocument(c *gin.Context, mod *compiler.CompiledModule, doc string) {
	etag := documentETag(mod, doc)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Security-Policy", contentSecurityPolicy(mod.ImportMap))
	c.Header("X-Content-Type-Options", "nosniff")

	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}

	h.gzip(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(doc))
	})).ServeHTTP(c.Writer, c.Request)
}

func documentETag(mod *compiler.CompiledModule, doc string) string {
	if doc == mod.HTML {
		return mod.ETag()
	}
	sum := sha256.Sum256([]byte(doc))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// contentSecurityPolicy allows inline scripts and styles (the document
// carries everything inline) plus the origins of declared dependencies.
// The document runs in an opaque-origin sandbox with no route back to this
// server; it talks to its host only through postMessage. It may be framed
// by any host page.
func contentSecurityPolicy(im compiler.ImportMap) string {
	origins := importOrigins(im)
	extra := ""
	connect := "connect-src 'none'"
	if len(origins) > 0 {
		extra = " " + strings.Join(origins, " ")
		connect = "connect-src" + extra
	}
	directives := []string{
		"default-src 'none'",
		"script-src 'unsafe-inline'" + extra,
		"style-src 'unsafe-inline'" + extra,
		"img-src * data: blob:",
		"font-src data:" + extra,
		connect,
		"frame-ancestors *",
		"sandbox allow-scripts",
	}
	return strings.Join(directives, "; ")
}

func importOrigins(im compiler.ImportMap) []string {
	seen := map[string]struct{}{}
	for _, target := range im.Imports {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			continue
		}
		seen[u.Scheme+"://"+u.Host] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
