package compiler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// exportsVar collects every file's exports inside the module script
const exportsVar = "__MODULE_EXPORTS__"

var (
	importFromRe   = regexp.MustCompile(`(?ms)^[ \t]*import\s[^;'"]*?\bfrom\s*(['"])([^'"\n]+)['"][ \t]*;?[ \t]*\n?`)
	importBareRe   = regexp.MustCompile(`(?m)^[ \t]*import\s*(['"])([^'"\n]+)['"][ \t]*;?[ \t]*\n?`)
	reexportRe     = regexp.MustCompile(`(?ms)^[ \t]*export\s+(?:\*|\{[^}]*\})\s*(?:as\s+[\w$]+\s*)?from\s*['"][^'"\n]+['"][ \t]*;?[ \t]*\n?`)
	exportListRe   = regexp.MustCompile(`(?m)^([ \t]*)export\s*\{([^}]*)\}[ \t]*;?`)
	exportDeclRe   = regexp.MustCompile(`(?m)^([ \t]*)export\s+((?:async\s+)?function\s*\*?\s*|class\s+|const\s+|let\s+|var\s+)([\w$]+)`)
	exportNamedDef = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s+((?:async\s+)?function\s*\*?\s*|class\s+)([\w$]+)`)
	exportDefault  = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s+`)
)

// rewrittenScript is one script file after module syntax was resolved
type rewrittenScript struct {
	body    string
	imports []string
}

// rewriteModuleSyntax turns a file's ES module syntax into assignments on
// the shared exports object. All files share one script scope, so relative
// imports are dropped and bare-specifier imports are returned for hoisting.
// The entry file's default export becomes "default"; other files' default
// exports are keyed by their path.
func rewriteModuleSyntax(src, filePath string, entry bool) rewrittenScript {
	var out rewrittenScript

	src = reexportRe.ReplaceAllString(src, "")
	src = importFromRe.ReplaceAllStringFunc(src, func(m string) string {
		spec := importFromRe.FindStringSubmatch(m)[2]
		if !isRelative(spec) {
			out.imports = append(out.imports, normalizeImport(m))
		}
		return ""
	})
	src = importBareRe.ReplaceAllStringFunc(src, func(m string) string {
		spec := importBareRe.FindStringSubmatch(m)[2]
		if !isRelative(spec) {
			out.imports = append(out.imports, normalizeImport(m))
		}
		return ""
	})

	defaultKey := "default"
	if !entry {
		defaultKey = filePath
	}
	target := exportsVar + "[" + strconv.Quote(defaultKey) + "]"

	var tail []string
	src = exportNamedDef.ReplaceAllStringFunc(src, func(m string) string {
		sub := exportNamedDef.FindStringSubmatch(m)
		tail = append(tail, fmt.Sprintf("%s = %s;", target, sub[3]))
		return sub[1] + sub[2] + sub[3]
	})
	src = exportDefault.ReplaceAllStringFunc(src, func(m string) string {
		sub := exportDefault.FindStringSubmatch(m)
		return sub[1] + target + " = "
	})
	src = exportDeclRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := exportDeclRe.FindStringSubmatch(m)
		tail = append(tail, fmt.Sprintf("%s.%s = %s;", exportsVar, sub[3], sub[3]))
		return sub[1] + sub[2] + sub[3]
	})
	src = exportListRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := exportListRe.FindStringSubmatch(m)
		var assigns []string
		for _, item := range strings.Split(sub[2], ",") {
			local, exported := parseExportItem(item)
			if local == "" {
				continue
			}
			if exported == "default" {
				assigns = append(assigns, fmt.Sprintf("%s = %s;", target, local))
				continue
			}
			assigns = append(assigns, fmt.Sprintf("%s.%s = %s;", exportsVar, exported, local))
		}
		return sub[1] + strings.Join(assigns, " ")
	})

	out.body = strings.TrimRight(src, " \t\n")
	if len(tail) > 0 {
		out.body += "\n" + strings.Join(tail, "\n")
	}
	return out
}

// parseExportItem splits "a as b" into its local and exported names
func parseExportItem(item string) (local, exported string) {
	fields := strings.Fields(item)
	switch {
	case len(fields) == 1:
		return fields[0], fields[0]
	case len(fields) == 3 && fields[1] == "as":
		return fields[0], fields[2]
	}
	return "", ""
}

func isRelative(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || strings.HasPrefix(spec, "/")
}

// normalizeImport collapses an import statement onto one line
func normalizeImport(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if !strings.HasSuffix(stmt, ";") {
		stmt += ";"
	}
	return stmt
}

// dedupeImports keeps the first occurrence of each statement
func dedupeImports(stmts []string) []string {
	seen := make(map[string]bool, len(stmts))
	out := stmts[:0:0]
	for _, s := range stmts {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
