// Package classify identifies mutating SQL statements by their leading verb
// phrase, extracts the target table and tenant, and applies light text
// normalization so that loosely-formatted SQL from string-concatenating
// callers parses cleanly downstream.
package classify

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Kind enumerates the recognized mutating statement kinds.
type Kind int

const (
	KindInvalid Kind = iota
	KindInsert
	KindUpdate
	KindDelete
	KindCreateTable
	KindAlterTable
	KindDropTable
	KindRenameTable
	KindTruncateTable
	KindCreateIndex
	KindDropIndex
)

var kindNames = map[Kind]string{
	KindInsert:        "INSERT",
	KindUpdate:        "UPDATE",
	KindDelete:        "DELETE",
	KindCreateTable:   "CREATE_TABLE",
	KindAlterTable:    "ALTER_TABLE",
	KindDropTable:     "DROP_TABLE",
	KindRenameTable:   "RENAME_TABLE",
	KindTruncateTable: "TRUNCATE_TABLE",
	KindCreateIndex:   "CREATE_INDEX",
	KindDropIndex:     "DROP_INDEX",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsDDL reports whether the kind changes table structure rather than rows.
func (k Kind) IsDDL() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return false
	}
	return true
}

// ErrNotRecordable is returned for statements whose leading verb is not in
// the recognized set (SELECT, SHOW, SET, and so on).
var ErrNotRecordable = errors.New("statement is not recordable")

// Statement is the classification result for one SQL statement.
type Statement struct {
	Kind     Kind
	Table    string // target table with the tenant prefix stripped
	RawTable string // target table exactly as written, backticks removed
	TenantID int64
	SQL      string // statement text after normalization
}

// verbEntry pairs a leading verb phrase with its kind. Entries are matched
// in order, so longer phrases must precede their prefixes ("INSERT IGNORE
// INTO" before "INSERT INTO").
type verbEntry struct {
	pattern *regexp.Regexp
	kind    Kind
	// table name follows the ON keyword rather than the verb phrase
	tableAfterOn bool
}

func verb(phrase string, kind Kind, afterOn bool) verbEntry {
	var pattern = `(?i)^\s*` + strings.ReplaceAll(phrase, " ", `\s+`) + `\s+`
	return verbEntry{pattern: regexp.MustCompile(pattern), kind: kind, tableAfterOn: afterOn}
}

var verbTable = []verbEntry{
	verb("INSERT IGNORE INTO", KindInsert, false),
	verb("INSERT INTO", KindInsert, false),
	verb("UPDATE IGNORE", KindUpdate, false),
	verb("UPDATE", KindUpdate, false),
	verb("DELETE FROM", KindDelete, false),
	verb("CREATE TABLE IF NOT EXISTS", KindCreateTable, false),
	verb("CREATE TABLE", KindCreateTable, false),
	verb("ALTER IGNORE TABLE", KindAlterTable, false),
	verb("ALTER TABLE", KindAlterTable, false),
	verb("DROP TABLE IF EXISTS", KindDropTable, false),
	verb("DROP TABLE", KindDropTable, false),
	verb("RENAME TABLE", KindRenameTable, false),
	verb("TRUNCATE TABLE", KindTruncateTable, false),
	verb("CREATE UNIQUE INDEX", KindCreateIndex, true),
	verb("CREATE FULLTEXT INDEX", KindCreateIndex, true),
	verb("CREATE SPATIAL INDEX", KindCreateIndex, true),
	verb("CREATE INDEX", KindCreateIndex, true),
	verb("DROP INDEX", KindDropIndex, true),
}

// A Classifier tags SQL statements. The zero value uses DefaultBasePrefix.
type Classifier struct {
	// BasePrefix is the table-name prefix shared by all tenants,
	// e.g. "wp_" for prefix "wp_" and shard tables "wp_3_posts".
	BasePrefix string
}

// DefaultBasePrefix is the table prefix assumed when none is configured.
const DefaultBasePrefix = "wp_"

// Classify determines the kind, target table, and tenant of a mutating SQL
// statement. It returns ErrNotRecordable for statements it does not track.
// The returned Statement carries the normalized SQL text.
func (c *Classifier) Classify(sql string) (Statement, error) {
	var entry, _ = matchVerb(sql)
	if entry == nil {
		return Statement{}, ErrNotRecordable
	}
	var normalized = normalize(entry.kind, sql)
	// Re-match the whole verb table against the normalized text:
	// normalization can lengthen the verb phrase itself (a plain CREATE
	// TABLE becomes CREATE TABLE IF NOT EXISTS), so both the winning
	// entry and its match offsets must be recomputed.
	entry, match := matchVerb(normalized)
	if entry == nil {
		return Statement{}, ErrNotRecordable
	}
	var rawTable = extractTable(normalized[len(match):], entry.tableAfterOn)
	if rawTable == "" {
		return Statement{}, fmt.Errorf("no table name after %q verb: %w", entry.kind, ErrNotRecordable)
	}
	table, tenant := c.resolveTenant(rawTable)
	return Statement{
		Kind:     entry.kind,
		Table:    table,
		RawTable: rawTable,
		TenantID: tenant,
		SQL:      normalized,
	}, nil
}

func matchVerb(sql string) (*verbEntry, string) {
	for i := range verbTable {
		if match := verbTable[i].pattern.FindString(sql); match != "" {
			return &verbTable[i], match
		}
	}
	return nil, ""
}

// extractTable returns the first whitespace-delimited token of rest,
// stripped of backticks, parentheses, and statement terminators. When
// afterOn is set (index statements), the token following the ON keyword is
// used instead.
func extractTable(rest string, afterOn bool) string {
	var fields = strings.Fields(rest)
	if afterOn {
		for i, field := range fields {
			if strings.EqualFold(field, "ON") && i+1 < len(fields) {
				fields = fields[i+1:]
				break
			}
		}
	}
	if len(fields) == 0 {
		return ""
	}
	var table = fields[0]
	if idx := strings.IndexByte(table, '('); idx >= 0 {
		table = table[:idx]
	}
	return strings.Trim(table, "`;,")
}

// resolveTenant strips the base prefix and the optional numeric shard
// segment. Tables without a shard segment belong to the default tenant 1.
func (c *Classifier) resolveTenant(table string) (string, int64) {
	var prefix = c.BasePrefix
	if prefix == "" {
		prefix = DefaultBasePrefix
	}
	if !strings.HasPrefix(table, prefix) {
		log.WithField("table", table).Warn("table does not carry the configured base prefix")
		return table, 1
	}
	var rest = table[len(prefix):]
	if idx := strings.IndexByte(rest, '_'); idx > 0 {
		if shard, err := strconv.ParseInt(rest[:idx], 10, 64); err == nil {
			return rest[idx+1:], shard
		}
	}
	return rest, 1
}

var (
	reSpaceBeforeParen = regexp.MustCompile("([^\\s(])\\(")
	reValuesParen      = regexp.MustCompile(`(?i)\bVALUES?\s*\(`)
	reCreateTable      = regexp.MustCompile(`(?i)^(\s*)CREATE\s+TABLE\s+`)
	reCreateTableIfNE  = regexp.MustCompile(`(?i)^\s*CREATE\s+TABLE\s+IF\s+NOT\s+EXISTS\s+`)
	reDropTable        = regexp.MustCompile(`(?i)^(\s*)DROP\s+TABLE\s+`)
	reDropTableIfE     = regexp.MustCompile(`(?i)^\s*DROP\s+TABLE\s+IF\s+EXISTS\s+`)
	reKeyColumnList    = regexp.MustCompile(`(?i)((?:PRIMARY\s+|UNIQUE\s+|FULLTEXT\s+)?KEY\b[^(]*\()([^)]*)\)`)
)

// normalize fixes up statement text ahead of structural parsing, per kind.
func normalize(kind Kind, sql string) string {
	switch kind {
	case KindInsert:
		// "INSERT INTO t(a,b) VALUES(1,2)" is valid MySQL but defeats
		// token-splitting table extraction; force the spaces. Only the
		// text up to the VALUES keyword is touched so that parentheses
		// inside string literals survive intact.
		if loc := reValuesParen.FindStringIndex(sql); loc != nil {
			var head = reSpaceBeforeParen.ReplaceAllString(sql[:loc[0]], "$1 (")
			var keyword = strings.TrimRight(sql[loc[0]:loc[1]-1], " \t")
			sql = head + keyword + " (" + sql[loc[1]:]
		} else {
			// INSERT ... SET form carries no VALUES list.
			sql = reSpaceBeforeParen.ReplaceAllString(sql, "$1 (")
		}
	case KindCreateTable:
		if !reCreateTableIfNE.MatchString(sql) {
			sql = reCreateTable.ReplaceAllString(sql, "${1}CREATE TABLE IF NOT EXISTS ")
		}
		sql = reSpaceBeforeParen.ReplaceAllString(sql, "$1 (")
		sql = reKeyColumnList.ReplaceAllStringFunc(sql, spaceKeyColumns)
	case KindDropTable:
		if !reDropTableIfE.MatchString(sql) {
			sql = reDropTable.ReplaceAllString(sql, "${1}DROP TABLE IF EXISTS ")
		}
	}
	return sql
}

// spaceKeyColumns rewrites a compound key's column list "(a,b)" as "(a, b)".
func spaceKeyColumns(match string) string {
	var groups = reKeyColumnList.FindStringSubmatch(match)
	var columns = strings.Split(groups[2], ",")
	for i, col := range columns {
		columns[i] = strings.TrimSpace(col)
	}
	return groups[1] + strings.Join(columns, ", ") + ")"
}
