// Package rewrite wraps a structural SQL parser and derives new statements
// from existing ones: the read-only SELECT used for pre-image snapshots, and
// the single-tuple INSERTs a multi-row INSERT is split into.
package rewrite

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/estuary/vitess/go/vt/sqlparser"
	log "github.com/sirupsen/logrus"
)

// ErrNotRewritable is returned when a statement's shape does not admit the
// requested rewrite (no snapshot SELECT can be built for it).
var ErrNotRewritable = errors.New("statement cannot be rewritten")

// A Rewriter parses SQL text and synthesizes derived statements from the AST.
type Rewriter struct {
	parser *sqlparser.Parser
}

func New() (*Rewriter, error) {
	var parser, err = sqlparser.New(sqlparser.Options{})
	if err != nil {
		return nil, fmt.Errorf("initializing SQL parser: %w", err)
	}
	return &Rewriter{parser: parser}, nil
}

// Parse builds the AST of a single SQL statement. Failures are expected for
// exotic but legal inputs and are logged with the offending text; callers
// treat them as "recordability lost", not as fatal errors.
func (r *Rewriter) Parse(sql string) (sqlparser.Statement, error) {
	var stmt, err = r.parser.Parse(sql)
	if err != nil {
		log.WithFields(log.Fields{"sql": sql, "err": err}).Warn("failed to parse statement")
		return nil, fmt.Errorf("parsing statement: %w", err)
	}
	return stmt, nil
}

// ToSQL serializes an AST back to executable SQL text.
func (r *Rewriter) ToSQL(stmt sqlparser.Statement) string {
	return sqlparser.String(stmt)
}

// ToSelect reshapes a mutating statement into a SELECT returning the rows
// the mutation would touch, so their pre-image can be captured before the
// mutation runs.
//
// For an INSERT the synthesized WHERE equates inserted values to their
// columns, restricted to uniqueColumns (the table's uniqueness constraint);
// this finds the row an upsert would implicitly update. UPDATE and DELETE
// keep their own WHERE/JOIN context unchanged.
func (r *Rewriter) ToSelect(stmt sqlparser.Statement, uniqueColumns []string) (string, error) {
	switch s := stmt.(type) {
	case *sqlparser.Insert:
		return insertToSelect(s, uniqueColumns)
	case *sqlparser.Update:
		var alias, err = targetAlias(s.TableExprs)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SELECT %s.* FROM %s%s%s%s", alias,
			sqlparser.String(sqlparser.TableExprs(s.TableExprs)),
			whereString(s.Where),
			sqlparser.String(s.OrderBy),
			limitString(s.Limit)), nil
	case *sqlparser.Delete:
		var alias string
		if len(s.Targets) > 0 {
			alias = sqlparser.String(s.Targets[0])
		} else {
			var err error
			if alias, err = targetAlias(s.TableExprs); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("SELECT %s.* FROM %s%s%s%s", alias,
			sqlparser.String(sqlparser.TableExprs(s.TableExprs)),
			whereString(s.Where),
			sqlparser.String(s.OrderBy),
			limitString(s.Limit)), nil
	}
	return "", fmt.Errorf("%T: %w", stmt, ErrNotRewritable)
}

// insertToSelect builds "SELECT t.* FROM t WHERE uniqueCol = value [AND ...]"
// from an INSERT's column/value lists.
func insertToSelect(insert *sqlparser.Insert, uniqueColumns []string) (string, error) {
	var values, ok = insert.Rows.(sqlparser.Values)
	if !ok || len(values) == 0 {
		return "", fmt.Errorf("INSERT without a VALUES list: %w", ErrNotRewritable)
	}
	var tuple = values[0]
	if len(insert.Columns) != len(tuple) {
		return "", fmt.Errorf("INSERT with %d columns but %d values: %w",
			len(insert.Columns), len(tuple), ErrNotRewritable)
	}

	var unique = make(map[string]bool, len(uniqueColumns))
	for _, col := range uniqueColumns {
		unique[strings.ToLower(col)] = true
	}

	var conditions []string
	for i, col := range insert.Columns {
		var name = trimIdentifier(sqlparser.String(col))
		if len(unique) > 0 && !unique[strings.ToLower(name)] {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s = %s", name, sqlparser.String(tuple[i])))
	}
	if len(conditions) == 0 {
		return "", fmt.Errorf("INSERT touches no unique-constraint column: %w", ErrNotRewritable)
	}

	var table = sqlparser.String(insert.Table)
	return fmt.Sprintf("SELECT %s.* FROM %s WHERE %s",
		table, table, strings.Join(conditions, " AND ")), nil
}

// SplitInsert turns a multi-tuple INSERT into one single-tuple INSERT per
// VALUES tuple, all other clauses preserved. The input AST is restored to
// its original row list before returning.
func (r *Rewriter) SplitInsert(stmt sqlparser.Statement) ([]string, error) {
	var insert, ok = stmt.(*sqlparser.Insert)
	if !ok {
		return nil, fmt.Errorf("%T is not an INSERT: %w", stmt, ErrNotRewritable)
	}
	var values, ok2 = insert.Rows.(sqlparser.Values)
	if !ok2 {
		return nil, fmt.Errorf("INSERT without a VALUES list: %w", ErrNotRewritable)
	}
	var split = make([]string, 0, len(values))
	for _, tuple := range values {
		insert.Rows = sqlparser.Values{tuple}
		split = append(split, sqlparser.String(insert))
	}
	insert.Rows = values
	return split, nil
}

// InsertTuples returns the number of VALUES tuples of an INSERT statement,
// or 0 when the statement is not an INSERT or takes its rows from a SELECT.
func InsertTuples(stmt sqlparser.Statement) int {
	if insert, ok := stmt.(*sqlparser.Insert); ok {
		if values, ok := insert.Rows.(sqlparser.Values); ok {
			return len(values)
		}
	}
	return 0
}

// HasOnDuplicate reports whether an INSERT carries an ON DUPLICATE KEY
// UPDATE clause or the IGNORE modifier, either of which can turn the INSERT
// into an implicit update of an existing row.
func HasOnDuplicate(stmt sqlparser.Statement) bool {
	if insert, ok := stmt.(*sqlparser.Insert); ok {
		return len(insert.OnDup) > 0 || insert.Ignore == sqlparser.Ignore(true)
	}
	return false
}

// PrimaryKeyEquality inspects a DELETE whose WHERE clause is a single
// predicate on the named column, either "col = n" or "col IN (n, ...)", and
// returns the referenced ids. ok is false for any other statement shape.
func PrimaryKeyEquality(stmt sqlparser.Statement, column string) ([]int64, bool) {
	var del, isDelete = stmt.(*sqlparser.Delete)
	if !isDelete || del.Where == nil {
		return nil, false
	}
	var cmp, isCmp = del.Where.Expr.(*sqlparser.ComparisonExpr)
	if !isCmp {
		return nil, false
	}
	var col, isCol = cmp.Left.(*sqlparser.ColName)
	if !isCol || !strings.EqualFold(trimIdentifier(sqlparser.String(col.Name)), column) {
		return nil, false
	}

	switch cmp.Operator {
	case sqlparser.EqualOp:
		if id, ok := literalInt(cmp.Right); ok {
			return []int64{id}, true
		}
	case sqlparser.InOp:
		var tuple, isTuple = cmp.Right.(sqlparser.ValTuple)
		if !isTuple {
			return nil, false
		}
		var ids = make([]int64, 0, len(tuple))
		for _, expr := range tuple {
			var id, ok = literalInt(expr)
			if !ok {
				return nil, false
			}
			ids = append(ids, id)
		}
		return ids, true
	}
	return nil, false
}

func literalInt(expr sqlparser.Expr) (int64, bool) {
	var lit, ok = expr.(*sqlparser.Literal)
	if !ok {
		return 0, false
	}
	var id, err = strconv.ParseInt(strings.Trim(lit.Val, `'"`), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// targetAlias returns the name a SELECT should qualify its star with: the
// alias of the first table expression, or the table name itself.
func targetAlias(exprs sqlparser.TableExprs) (string, error) {
	if len(exprs) == 0 {
		return "", fmt.Errorf("statement has no table expression: %w", ErrNotRewritable)
	}
	var expr = exprs[0]
	for {
		switch e := expr.(type) {
		case *sqlparser.AliasedTableExpr:
			if !e.As.IsEmpty() {
				return trimIdentifier(sqlparser.String(e.As)), nil
			}
			return trimIdentifier(sqlparser.String(e.Expr)), nil
		case *sqlparser.JoinTableExpr:
			expr = e.LeftExpr
		case *sqlparser.ParenTableExpr:
			if len(e.Exprs) == 0 {
				return "", fmt.Errorf("empty parenthesized table expression: %w", ErrNotRewritable)
			}
			expr = e.Exprs[0]
		default:
			return "", fmt.Errorf("unsupported table expression %T: %w", expr, ErrNotRewritable)
		}
	}
}

func whereString(where *sqlparser.Where) string {
	if where == nil {
		return ""
	}
	return sqlparser.String(where)
}

func limitString(limit *sqlparser.Limit) string {
	if limit == nil {
		return ""
	}
	return sqlparser.String(limit)
}

// trimIdentifier strips the quoting sqlparser.String adds around reserved or
// unusual identifiers.
func trimIdentifier(s string) string {
	return strings.Trim(s, "`\"")
}
