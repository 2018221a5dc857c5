package capture

import (
	"context"
	"regexp"
	"strings"
)

// IgnoreRules decides which statements are excluded from recording, keyed by
// target table (tenant prefix stripped). A key may be a plain table name or
// a regular expression anchored over the whole name, optionally carrying a
// ":column" suffix naming the column the patterns constrain. An empty
// pattern list excludes every statement on the table; otherwise a statement
// is excluded when any pattern matches its SQL text (plain substring, or
// regular expression when the pattern compiles as one).
type IgnoreRules map[string][]string

// Match reports whether a statement on the given table is excluded.
func (r IgnoreRules) Match(table, sql string) bool {
	for key, patterns := range r {
		if !tableMatches(key, table) {
			continue
		}
		if len(patterns) == 0 {
			return true
		}
		for _, pattern := range patterns {
			if textMatches(pattern, sql) {
				return true
			}
		}
	}
	return false
}

func tableMatches(key, table string) bool {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		key = key[:i]
	}
	if key == table {
		return true
	}
	var re, err = regexp.Compile("^(?:" + key + ")$")
	if err != nil {
		return false
	}
	return re.MatchString(table)
}

func textMatches(pattern, text string) bool {
	if strings.Contains(text, pattern) {
		return true
	}
	var re, err = regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

// ForgetPatterns lists SQL text patterns whose excluded INSERTs should not
// even leave an excluded-insert marker behind: rows so ephemeral that a
// later DELETE of them is of no interest either.
type ForgetPatterns []string

func (f ForgetPatterns) Match(sql string) bool {
	for _, pattern := range f {
		if textMatches(pattern, sql) {
			return true
		}
	}
	return false
}

type contextKey int

const (
	suppressKey contextKey = iota
	bypassIgnoreKey
)

// Suppress returns a context under which the recorder lets every statement
// proceed unrecorded. It scopes bulk or administrative writes that must not
// enter the change history, and ends when the context goes out of scope.
func Suppress(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey, true)
}

func suppressed(ctx context.Context) bool {
	var v, _ = ctx.Value(suppressKey).(bool)
	return v
}

// BypassIgnoreRules returns a context under which ignore rules are not
// consulted, so normally-excluded statements are recorded.
func BypassIgnoreRules(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassIgnoreKey, true)
}

func bypassIgnore(ctx context.Context) bool {
	var v, _ = ctx.Value(bypassIgnoreKey).(bool)
	return v
}
