// Package schema answers questions about table structure that the capture
// and replay layers need: which column auto-increments, which column is the
// primary key, and which columns carry unique constraints.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Metadata describes the parts of a table's definition that change capture
// relies on. Implementations may cache aggressively: table definitions are
// expected to change rarely, and InvalidateCache exists for when they do.
type Metadata interface {
	// AutoIncrementColumn returns the name of the table's auto-increment
	// column, or "" when the table has none.
	AutoIncrementColumn(ctx context.Context, table string) (string, error)
	// PrimaryKeyColumn returns the name of the table's single-column
	// primary key, or "" when the table has none or the key is composite.
	PrimaryKeyColumn(ctx context.Context, table string) (string, error)
	// UniqueColumns returns the names of all columns covered by the
	// primary key or by a unique index.
	UniqueColumns(ctx context.Context, table string) ([]string, error)
	// InvalidateCache discards any cached metadata for the named table,
	// or for all tables when table is "".
	InvalidateCache(table string)
}

// MySQLMetadata reads table definitions from information_schema and caches
// the results per table.
type MySQLMetadata struct {
	db       *sqlx.DB
	database string

	mu     sync.Mutex
	tables map[string]*tableInfo
}

type tableInfo struct {
	autoIncrement string
	primaryKey    string
	unique        []string
}

func NewMySQLMetadata(db *sqlx.DB, database string) *MySQLMetadata {
	return &MySQLMetadata{db: db, database: database, tables: make(map[string]*tableInfo)}
}

// ConnectMySQL opens a connection from a DSN and returns metadata bound to
// the DSN's database.
func ConnectMySQL(dsn string) (*MySQLMetadata, error) {
	var cfg, err = mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("DSN names no database")
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return NewMySQLMetadata(db, cfg.DBName), nil
}

func (m *MySQLMetadata) AutoIncrementColumn(ctx context.Context, table string) (string, error) {
	info, err := m.describe(ctx, table)
	if err != nil {
		return "", err
	}
	return info.autoIncrement, nil
}

func (m *MySQLMetadata) PrimaryKeyColumn(ctx context.Context, table string) (string, error) {
	info, err := m.describe(ctx, table)
	if err != nil {
		return "", err
	}
	return info.primaryKey, nil
}

func (m *MySQLMetadata) UniqueColumns(ctx context.Context, table string) ([]string, error) {
	info, err := m.describe(ctx, table)
	if err != nil {
		return nil, err
	}
	return info.unique, nil
}

func (m *MySQLMetadata) InvalidateCache(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if table == "" {
		m.tables = make(map[string]*tableInfo)
		return
	}
	delete(m.tables, table)
}

const columnsQuery = `
  SELECT column_name, column_key, extra
  FROM information_schema.columns
  WHERE table_schema = ? AND table_name = ?
  ORDER BY ordinal_position`

func (m *MySQLMetadata) describe(ctx context.Context, table string) (*tableInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.tables[table]; ok {
		return info, nil
	}

	var columns []struct {
		Name  string `db:"column_name"`
		Key   string `db:"column_key"`
		Extra string `db:"extra"`
	}
	if err := m.db.SelectContext(ctx, &columns, m.db.Rebind(columnsQuery), m.database, table); err != nil {
		return nil, fmt.Errorf("describing table %q: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %q: %w", table, ErrUnknownTable)
	}

	var info = new(tableInfo)
	var primaryCount int
	for _, col := range columns {
		switch col.Key {
		case "PRI":
			primaryCount++
			info.primaryKey = col.Name
			info.unique = append(info.unique, col.Name)
		case "UNI":
			info.unique = append(info.unique, col.Name)
		}
		if col.Extra == "auto_increment" {
			info.autoIncrement = col.Name
		}
	}
	if primaryCount > 1 {
		info.primaryKey = "" // composite keys are not usable as a row handle
	}
	m.tables[table] = info
	return info, nil
}

// ErrUnknownTable is returned when metadata is requested for a table the
// database does not have.
var ErrUnknownTable = errors.New("unknown table")

// StaticMetadata serves fixed answers from a map. It exists for tests and
// for callers that know their schema up front.
type StaticMetadata struct {
	Tables map[string]StaticTable
}

type StaticTable struct {
	AutoIncrement string
	PrimaryKey    string
	Unique        []string
}

func (m *StaticMetadata) lookup(table string) (StaticTable, error) {
	if info, ok := m.Tables[table]; ok {
		return info, nil
	}
	return StaticTable{}, fmt.Errorf("table %q: %w", table, ErrUnknownTable)
}

func (m *StaticMetadata) AutoIncrementColumn(_ context.Context, table string) (string, error) {
	info, err := m.lookup(table)
	return info.AutoIncrement, err
}

func (m *StaticMetadata) PrimaryKeyColumn(_ context.Context, table string) (string, error) {
	info, err := m.lookup(table)
	return info.PrimaryKey, err
}

func (m *StaticMetadata) UniqueColumns(_ context.Context, table string) ([]string, error) {
	info, err := m.lookup(table)
	return info.Unique, err
}

func (m *StaticMetadata) InvalidateCache(string) {}

var _ Metadata = (*MySQLMetadata)(nil)
var _ Metadata = (*StaticMetadata)(nil)
