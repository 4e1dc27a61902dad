package compiler

import (
	"regexp"
	"strings"
)

// StripTypes removes type-level syntax from a TypeScript-flavoured script so
// the result runs as plain JavaScript.
//
// This is a textual rewrite, not a compiler front end. It understands the
// constructs module authors commonly write: interface and type alias
// declarations, import/export of types, parameter, return, variable and
// class field annotations, generic parameters and arguments, as/satisfies
// assertions, the non-null operator, access modifiers and implements clauses.
// Anything else is left in place; a construct it cannot rewrite fails when
// the module executes and is reported as MODULE_ERROR.
func StripTypes(src string) string {
	src = importTypeRe.ReplaceAllString(src, "")
	src = exportTypeRe.ReplaceAllString(src, "")
	src = removeBlocks(src, interfaceRe, endAtBrace)
	src = removeBlocks(src, typeAliasRe, endAtStatement)
	src = removeBlocks(src, declareRe, endAtStatement)
	src = mapCode(src, func(code string) string {
		code = classHeaderRe.ReplaceAllStringFunc(code, stripClassHeader)
		for i := 0; i < 3; i++ {
			code = modifierRe.ReplaceAllString(code, "$1$2")
		}
		return code
	})
	src = stripSignatures(src)
	src = stripVariableAnnotations(src)
	src = stripClassFields(src)
	src = mapCode(src, func(code string) string {
		code = stripAssertions(code)
		code = nonNullRe.ReplaceAllString(code, "$1$2")
		code = callGenericRe.ReplaceAllString(code, "$1$2")
		code = arrowGenericRe.ReplaceAllString(code, "=$1(")
		return code
	})
	return src
}

var (
	importTypeRe   = regexp.MustCompile(`(?m)^[ \t]*import\s+type\s[^;\n]*;?[ \t]*\n?`)
	exportTypeRe   = regexp.MustCompile(`(?m)^[ \t]*export\s+type\s*\{[^}]*\}[^;\n]*;?[ \t]*\n?`)
	interfaceRe    = regexp.MustCompile(`(?m)^[ \t]*(?:export\s+)?(?:declare\s+)?interface\s+[\w$]+[^{\n]*\{`)
	typeAliasRe    = regexp.MustCompile(`(?m)^[ \t]*(?:export\s+)?(?:declare\s+)?type\s+[\w$]+\s*(?:<[^=\n]*>)?\s*=`)
	declareRe      = regexp.MustCompile(`(?m)^[ \t]*declare\s+(?:const|let|var|function|class|module|namespace|global)\b`)
	classHeaderRe  = regexp.MustCompile(`\bclass\s+[\w$]+[^{\n;]*\{`)
	classGenericRe = regexp.MustCompile(`<[^<>]*(?:<[^<>]*>[^<>]*)*>`)
	implementsRe   = regexp.MustCompile(`\s+implements\s+[^{]*\{`)
	modifierRe     = regexp.MustCompile(`(^|[\s(,{;])(?:public|private|protected|readonly|override|abstract)\s+([\w$\[])`)
	nonNullRe      = regexp.MustCompile(`([\w$\)\]])!([.\[\),;])`)
	callGenericRe  = regexp.MustCompile(`([\w$])<[\w$\s,.\[\]|&'"]*(?:<[\w$\s,.\[\]|&'"]*>)?[\w$\s,.\[\]|&'"]*>(\()`)
	arrowGenericRe = regexp.MustCompile(`=(\s*)<[\w$\s,]+(?:\s+extends\s+[^<>()=]+)?>\s*\(`)
	assertionRe    = regexp.MustCompile(`\s+(?:as|satisfies)\s+(?:const\b|[\w$.]+(?:<[^<>\n]*>)?(?:\[\])*)`)
	importLineRe   = regexp.MustCompile(`^\s*(?:import|export)\b`)
	varAnnotRe     = regexp.MustCompile(`\b(?:const|let|var)\s+(?:[\w$]+|\{[^}]*\}|\[[^\]]*\])!?\s*:`)
	classFieldRe   = regexp.MustCompile(`(?m)^[ \t]*(?:static\s+)?[\w$#]+[?!]?[ \t]*:`)
	controlWords   = map[string]bool{"if": true, "for": true, "while": true, "switch": true, "catch": true, "with": true}
	arrowLeaders   = map[string]bool{"async": true, "return": true, "yield": true, "await": true, "case": true, "else": true, "in": true, "of": true, "default": true, "export": true}
)

type blockEnd int

const (
	endAtBrace blockEnd = iota
	endAtStatement
)

// removeBlocks deletes every construct that starts with re. endAtBrace
// removes through the brace that closes the match; endAtStatement removes
// through the end of the statement.
func removeBlocks(src string, re *regexp.Regexp, end blockEnd) string {
	for {
		loc := re.FindStringIndex(src)
		if loc == nil {
			return src
		}
		var stop int
		switch end {
		case endAtBrace:
			stop = matchClose(src, loc[1]-1)
			if stop < 0 {
				return src
			}
			stop++
		case endAtStatement:
			stop = statementEnd(src, loc[1])
		}
		if stop < len(src) && src[stop] == '\n' {
			stop++
		}
		src = src[:loc[0]] + src[stop:]
	}
}

// statementEnd finds the end of a type-level statement beginning at i. It
// stops after a top-level semicolon or at a newline that does not continue
// a union or intersection.
func statementEnd(src string, i int) int {
	depth := 0
	for i < len(src) {
		c := src[i]
		switch {
		case isQuote(c):
			i = skipString(src, i)
			continue
		case c == '{' || c == '(' || c == '[':
			depth++
		case c == '<':
			depth++
		case c == '>' && i > 0 && src[i-1] != '=':
			depth--
		case c == '}' || c == ')' || c == ']':
			depth--
		case c == ';' && depth <= 0:
			return i + 1
		case c == '\n' && depth <= 0:
			next := strings.TrimLeft(src[i+1:], " \t")
			prev := strings.TrimRight(src[:i], " \t")
			continued := strings.HasPrefix(next, "|") || strings.HasPrefix(next, "&") ||
				strings.HasSuffix(prev, "|") || strings.HasSuffix(prev, "&") || strings.HasSuffix(prev, "=")
			if !continued {
				return i
			}
		}
		i++
	}
	return len(src)
}

func stripClassHeader(header string) string {
	header = classGenericRe.ReplaceAllString(header, "")
	return implementsRe.ReplaceAllString(header, " {")
}

func stripAssertions(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if importLineRe.MatchString(line) {
			continue
		}
		lines[i] = assertionRe.ReplaceAllString(line, "")
	}
	return strings.Join(lines, "\n")
}

// stripSignatures rewrites parameter lists of function declarations, methods
// and arrow functions, and drops their return type annotations.
func stripSignatures(src string) string {
	var out strings.Builder
	out.Grow(len(src))
	i := 0
	for i < len(src) {
		c := src[i]
		if isQuote(c) {
			j := skipString(src, i)
			out.WriteString(src[i:j])
			i = j
			continue
		}
		if j := skipComment(src, i); j > i {
			out.WriteString(src[i:j])
			i = j
			continue
		}
		if c != '(' {
			out.WriteByte(c)
			i++
			continue
		}
		closeAt := matchClose(src, i)
		if closeAt < 0 || controlWords[wordBefore(src, i)] {
			out.WriteByte(c)
			i++
			continue
		}
		bodyAt, ok := signatureBody(src, closeAt+1)
		if ok && strings.HasPrefix(src[bodyAt:], "=>") {
			// an arrow's parameter list never directly follows an identifier
			if w := wordBefore(src, i); w != "" && !arrowLeaders[w] {
				ok = false
			}
		}
		if !ok {
			out.WriteByte(c)
			i++
			continue
		}
		out.WriteByte('(')
		out.WriteString(stripSignatures(stripParams(src[i+1 : closeAt])))
		out.WriteByte(')')
		if k := skipSpace(src, closeAt+1); k < len(src) && src[k] == ':' {
			out.WriteByte(' ')
			i = bodyAt
		} else {
			i = closeAt + 1
		}
	}
	return out.String()
}

// signatureBody reports whether the text at i (just after a closing paren)
// continues as a function: an optional return type followed by a body brace
// or an arrow. It returns the index of the brace or arrow.
func signatureBody(src string, i int) (int, bool) {
	k := skipSpace(src, i)
	if k >= len(src) {
		return 0, false
	}
	if src[k] == '{' || strings.HasPrefix(src[k:], "=>") {
		return k, true
	}
	if src[k] != ':' {
		return 0, false
	}

	k++
	depth := 0
	typeStart := k
	for k < len(src) {
		c := src[k]
		if isQuote(c) {
			k = skipString(src, k)
			continue
		}
		typed := strings.TrimSpace(src[typeStart:k])
		switch {
		case depth == 0 && strings.HasPrefix(src[k:], "=>"):
			if typed == "" {
				return 0, false
			}
			return k, true
		case depth == 0 && c == '{':
			if typed == "" || strings.HasSuffix(typed, "|") || strings.HasSuffix(typed, "&") {
				end := matchClose(src, k)
				if end < 0 {
					return 0, false
				}
				k = end + 1
				continue
			}
			return k, true
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == '<':
			depth++
		case c == '>' && src[k-1] != '=':
			depth--
		case c == ')' || c == ']' || c == '}':
			depth--
			if depth < 0 {
				return 0, false
			}
		case depth == 0 && (c == ';' || c == ',' || c == '\n' || c == '='):
			return 0, false
		}
		k++
	}
	return 0, false
}

// stripParams removes annotations from a comma separated parameter list
func stripParams(list string) string {
	parts := splitTopLevel(list, ',')
	kept := parts[:0]
	for _, p := range parts {
		if strings.HasPrefix(strings.TrimSpace(p), "this") {
			rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "this"))
			if strings.HasPrefix(rest, ":") {
				continue
			}
		}
		kept = append(kept, stripParam(p))
	}
	return strings.Join(kept, ",")
}

func stripParam(p string) string {
	eq := indexTopLevel(p, '=')
	head, tail := p, ""
	if eq >= 0 {
		head, tail = p[:eq], p[eq:]
	}
	colon := indexTopLevel(head, ':')
	if colon < 0 {
		return p
	}
	name := strings.TrimRight(head[:colon], " \t")
	name = strings.TrimSuffix(name, "?")
	if tail != "" {
		return name + " " + tail
	}
	trailing := head[len(strings.TrimRight(head, " \t\n")):]
	return name + trailing
}

// stripVariableAnnotations turns `const x: T = v` into `const x = v`
func stripVariableAnnotations(src string) string {
	for from := 0; ; {
		loc := varAnnotRe.FindStringIndex(src[from:])
		if loc == nil {
			return src
		}
		start, colon := from+loc[0], from+loc[1]-1
		if inStringOrComment(src, start) {
			from = colon + 1
			continue
		}
		end := typeEnd(src, colon+1)
		name := strings.TrimRight(src[start:colon], " \t")
		name = strings.TrimSuffix(name, "!")
		rest := strings.TrimLeft(src[end:], " \t")
		if !strings.HasPrefix(rest, ";") && !strings.HasPrefix(rest, "\n") {
			name += " "
		}
		src = src[:start] + name + rest
		from = start + len(name)
	}
}

// stripClassFields removes annotations from `name: T = v;` and `name: T;`
// lines. Object literal lines are left alone because they end with a comma.
func stripClassFields(src string) string {
	for from := 0; ; {
		loc := classFieldRe.FindStringIndex(src[from:])
		if loc == nil {
			return src
		}
		start, colon := from+loc[0], from+loc[1]-1
		from = colon + 1

		name := strings.TrimSpace(src[start:colon])
		bare := strings.TrimRight(strings.TrimPrefix(name, "static "), "?!")
		if bare == "default" || bare == "case" || inStringOrComment(src, start) {
			continue
		}
		end := typeEnd(src, colon+1)
		if end >= len(src) || (src[end] != '=' && src[end] != ';') {
			continue
		}
		typ := strings.TrimSpace(src[colon+1 : end])
		if typ == "" || isQuote(typ[0]) || (typ[0] >= '0' && typ[0] <= '9') {
			continue
		}
		indent := src[start : start+len(src[start:colon])-len(strings.TrimLeft(src[start:colon], " \t"))]
		field := strings.TrimRight(name, "?!")
		replacement := indent + field
		if src[end] == '=' {
			replacement += " "
		}
		src = src[:start] + replacement + src[end:]
		from = start + len(replacement)
	}
}

// typeEnd scans a type expression starting at i and returns the index of
// the first top-level `=`, `;`, `,`, `)` or unbalanced newline.
func typeEnd(src string, i int) int {
	depth := 0
	for i < len(src) {
		c := src[i]
		switch {
		case isQuote(c):
			i = skipString(src, i)
			continue
		case c == '=' && i+1 < len(src) && src[i+1] == '>':
			i += 2
			continue
		case c == '{' || c == '(' || c == '[' || c == '<':
			depth++
		case c == '>':
			depth--
		case c == '}' || c == ']':
			depth--
		case c == ')':
			if depth == 0 {
				return i
			}
			depth--
		case depth <= 0 && (c == '=' || c == ';' || c == ',' || c == '\n'):
			return i
		}
		i++
	}
	return i
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, last := 0, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isQuote(c):
			i = skipString(s, i) - 1
		case c == '=' && i+1 < len(s) && s[i+1] == '>':
			i++
		case c == '(' || c == '[' || c == '{' || c == '<':
			depth++
		case c == ')' || c == ']' || c == '}' || c == '>':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	return append(parts, s[last:])
}

func indexTopLevel(s string, target byte) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isQuote(c):
			i = skipString(s, i) - 1
		case c == '=' && i+1 < len(s) && (s[i+1] == '>' || s[i+1] == '='):
			i++
		case c == '(' || c == '[' || c == '{' || c == '<':
			depth++
		case c == ')' || c == ']' || c == '}' || c == '>':
			depth--
		case c == target && depth == 0:
			return i
		}
	}
	return -1
}

func isQuote(c byte) bool {
	return c == '\'' || c == '"' || c == '`'
}

// skipString returns the index just past the string literal opening at i
func skipString(src string, i int) int {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j + 1
		case '\n':
			if q != '`' {
				return j
			}
		}
	}
	return len(src)
}

// skipComment returns the index past a comment starting at i, or i
func skipComment(src string, i int) int {
	if i+1 >= len(src) || src[i] != '/' {
		return i
	}
	switch src[i+1] {
	case '/':
		if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
			return i + j
		}
		return len(src)
	case '*':
		if j := strings.Index(src[i+2:], "*/"); j >= 0 {
			return i + 2 + j + 2
		}
		return len(src)
	}
	return i
}

// matchClose returns the index of the bracket closing the one at open
func matchClose(src string, open int) int {
	var closer byte
	switch src[open] {
	case '(':
		closer = ')'
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return -1
	}
	opener := src[open]
	depth := 0
	for i := open; i < len(src); i++ {
		c := src[i]
		if isQuote(c) {
			i = skipString(src, i) - 1
			continue
		}
		if j := skipComment(src, i); j > i {
			i = j - 1
			continue
		}
		switch c {
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func skipSpace(src string, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\t' || src[i] == '\n' || src[i] == '\r') {
		i++
	}
	return i
}

func wordBefore(src string, i int) string {
	j := i
	for j > 0 && (src[j-1] == ' ' || src[j-1] == '\t') {
		j--
	}
	k := j
	for k > 0 && isIdent(src[k-1]) {
		k--
	}
	return src[k:j]
}

func isIdent(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// inStringOrComment reports whether position pos lies inside a literal or
// comment
func inStringOrComment(src string, pos int) bool {
	for i := 0; i < pos && i < len(src); {
		if isQuote(src[i]) {
			j := skipString(src, i)
			if pos < j {
				return true
			}
			i = j
			continue
		}
		if j := skipComment(src, i); j > i {
			if pos < j {
				return true
			}
			i = j
			continue
		}
		i++
	}
	return false
}

// mapCode applies fn to the parts of src outside literals and comments
func mapCode(src string, fn func(string) string) string {
	var out strings.Builder
	out.Grow(len(src))
	start := 0
	for i := 0; i < len(src); {
		var j int
		if isQuote(src[i]) {
			j = skipString(src, i)
		} else if j = skipComment(src, i); j == i {
			i++
			continue
		}
		out.WriteString(fn(src[start:i]))
		out.WriteString(src[i:j])
		i, start = j, j
	}
	out.WriteString(fn(src[start:]))
	return out.String()
}
