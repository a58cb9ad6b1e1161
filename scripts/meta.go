// Package scripts derives and validates script metadata from submitted code.
package scripts

import (
	"bufio"
	"regexp"
	"strings"
)

const (
	LanguageJS  = "js"
	LanguageCSS = "css"
)

var (
	userScriptStart = regexp.MustCompile(`^\s*//\s*==UserScript==\s*$`)
	userScriptEnd   = regexp.MustCompile(`^\s*//\s*==/UserScript==\s*$`)
	userScriptLine  = regexp.MustCompile(`^\s*//\s*@(\S+)(?:\s+(.*))?$`)

	userStyleStart = regexp.MustCompile(`^\s*/\*\s*==UserStyle==\s*$`)
	userStyleEnd   = regexp.MustCompile(`^\s*==/UserStyle==\s*\*/\s*$`)
	userStyleLine  = regexp.MustCompile(`^\s*@(\S+)(?:\s+(.*))?$`)
)

// Meta holds the key/value pairs of a meta block. A key may repeat, e.g.
// @require or @match.
type Meta map[string][]string

// First returns the first value for key, or "".
func (m Meta) First(key string) string {
	if values := m[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Localized returns every "key:locale" value keyed by locale.
func (m Meta) Localized(key string) map[string]string {
	found := map[string]string{}
	prefix := key + ":"
	for k, values := range m {
		if strings.HasPrefix(k, prefix) && len(values) > 0 {
			found[strings.TrimPrefix(k, prefix)] = values[0]
		}
	}
	return found
}

// ParseMeta extracts the meta block of code. The second result is false
// when the code has no meta block at all.
func ParseMeta(code, language string) (Meta, bool) {
	start, end, line := userScriptStart, userScriptEnd, userScriptLine
	if language == LanguageCSS {
		start, end, line = userStyleStart, userStyleEnd, userStyleLine
	}

	meta := Meta{}
	inBlock, found := false, false

	scanner := bufio.NewScanner(strings.NewReader(code))
	scanner.Buffer(make([]byte, 64*1024), MaxCodeLength)
	for scanner.Scan() {
		text := scanner.Text()
		if !inBlock {
			if start.MatchString(text) {
				inBlock = true
			}
			continue
		}
		if end.MatchString(text) {
			found = true
			break
		}
		if m := line.FindStringSubmatch(text); m != nil {
			meta[m[1]] = append(meta[m[1]], strings.TrimSpace(m[2]))
		}
	}

	return meta, found
}

// MetaBlock returns the meta block of code verbatim, start and end lines
// included, or "" when there is none. Update checks are served this
// instead of the whole code.
func MetaBlock(code, language string) string {
	start, end := userScriptStart, userScriptEnd
	if language == LanguageCSS {
		start, end = userStyleStart, userStyleEnd
	}

	var b strings.Builder
	inBlock := false
	for _, text := range strings.Split(code, "\n") {
		if !inBlock {
			if !start.MatchString(text) {
				continue
			}
			inBlock = true
		}
		b.WriteString(text)
		b.WriteString("\n")
		if end.MatchString(text) {
			return b.String()
		}
	}
	return ""
}
