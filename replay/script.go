package replay

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ReadScript parses a deployment script into its statements. Blank lines
// and comment lines are skipped; other lines accumulate into the current
// statement until a line carries the end-of-statement marker.
func ReadScript(r io.Reader, endOfStatement string) ([]string, error) {
	var statements []string
	var buffer []string

	var scanner = bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line = scanner.Text()
		if idx := strings.Index(line, endOfStatement); idx >= 0 {
			if head := strings.TrimSpace(line[:idx]); head != "" {
				buffer = append(buffer, head)
			}
			if stmt := strings.TrimSpace(strings.Join(buffer, "\n")); stmt != "" {
				statements = append(statements, stmt)
			}
			buffer = buffer[:0]
			continue
		}
		var trimmed = strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		buffer = append(buffer, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading deployment script: %w", err)
	}
	if stmt := strings.TrimSpace(strings.Join(buffer, "\n")); stmt != "" {
		return nil, fmt.Errorf("deployment script ends with an unterminated statement: %q", stmt)
	}
	return statements, nil
}

// SubstitutePlaceholders replaces every resolved placeholder token with its
// id. A token is only replaced at a token boundary: tokens end in a decimal
// id, so a match followed by another digit is a different (longer) token,
// possibly one not resolved yet.
func SubstitutePlaceholders(stmt string, ids map[string]int64) string {
	if len(ids) == 0 {
		return stmt
	}
	var tokens = make([]string, 0, len(ids))
	for token := range ids {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	for _, token := range tokens {
		stmt = replaceToken(stmt, token, strconv.FormatInt(ids[token], 10))
	}
	return stmt
}

func replaceToken(stmt, token, id string) string {
	var out strings.Builder
	for {
		var idx = strings.Index(stmt, token)
		if idx < 0 {
			out.WriteString(stmt)
			return out.String()
		}
		var end = idx + len(token)
		if end < len(stmt) && stmt[end] >= '0' && stmt[end] <= '9' {
			// Prefix of a longer token; leave it intact.
			out.WriteString(stmt[:end])
		} else {
			out.WriteString(stmt[:idx])
			out.WriteString(id)
		}
		stmt = stmt[end:]
	}
}

// FixupSerializedLengths walks the statement looking for PHP-serialized
// string fields, `s:<len>:"<content>";`, whose content contains resolved
// placeholder tokens, and rewrites the declared length to match the content
// as it will be after substitution. It must run before substitution, since
// a placeholder and the id replacing it rarely have the same length.
//
// The scanner honors backslash escapes inside the quoted content instead of
// pattern-matching the closing quote, so escaped quotes in the payload do
// not cut a field short.
func FixupSerializedLengths(stmt string, ids map[string]int64) string {
	if len(ids) == 0 {
		return stmt
	}
	var out strings.Builder
	out.Grow(len(stmt))

	var i = 0
	for i < len(stmt) {
		var field, consumed = scanSerializedField(stmt[i:])
		if consumed == 0 {
			out.WriteByte(stmt[i])
			i++
			continue
		}
		var substituted = SubstitutePlaceholders(field.content, ids)
		if substituted == field.content {
			out.WriteString(stmt[i : i+consumed])
		} else {
			// Only the declared length changes here; the placeholder
			// itself is replaced by the later substitution pass.
			fmt.Fprintf(&out, "s:%d:%s%s%s;", unescapedLength(substituted), field.quote, field.content, field.quote)
		}
		i += consumed
	}
	return out.String()
}

type serializedField struct {
	content string // still escaped, placeholders not yet substituted
	quote   string // `"` in plain text, `\"` inside a SQL string literal
}

// scanSerializedField reads one `s:<len>:"<content>";` field from the start
// of s, returning how many bytes it spans, or 0 when s does not start with
// one.
func scanSerializedField(s string) (serializedField, int) {
	if !strings.HasPrefix(s, "s:") {
		return serializedField{}, 0
	}
	var i = 2
	var digits = 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if digits == 0 || i >= len(s) || s[i] != ':' {
		return serializedField{}, 0
	}
	i++

	var quote string
	switch {
	case strings.HasPrefix(s[i:], `\"`):
		quote = `\"`
	case strings.HasPrefix(s[i:], `"`):
		quote = `"`
	default:
		return serializedField{}, 0
	}
	i += len(quote)

	var start = i
	for i < len(s) {
		if quote == `"` && s[i] == '\\' && i+1 < len(s) {
			// An escaped character inside the content, e.g. \" or \\.
			i += 2
			continue
		}
		if strings.HasPrefix(s[i:], quote+";") {
			return serializedField{content: s[start:i], quote: quote}, i + len(quote) + 1
		}
		if quote == `\"` && strings.HasPrefix(s[i:], `\\`) {
			i += 2
			continue
		}
		i++
	}
	return serializedField{}, 0
}

// unescapedLength counts the bytes of content with each backslash escape
// counted as the single byte it stands for, which is how the serialization
// format measures string length.
func unescapedLength(content string) int {
	var length = 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\\' && i+1 < len(content) {
			i++
		}
		length++
	}
	return length
}
