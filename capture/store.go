package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Table names for the recorder's own bookkeeping. Statements touching these
// tables are never themselves recorded.
const (
	queriesTable           = "mergebot_queries"
	snapshotsTable         = "mergebot_data"
	excludedTable          = "mergebot_excluded_objects"
	deploymentInsertsTable = "mergebot_deployment_inserts"
)

// TimeFormat is the wire and storage layout of capture timestamps.
const TimeFormat = "2006-01-02 15:04:05"

// ChangeRecord is one captured mutating statement.
type ChangeRecord struct {
	ID          int64  `db:"id" json:"id"`
	RecordingID string `db:"recording_id" json:"recording_id"`
	Type        string `db:"type" json:"type"`
	Table       string `db:"insert_table" json:"insert_table"`
	InsertID    int64  `db:"insert_id" json:"insert_id"`
	SQL         string `db:"sql_statement" json:"sql_statement"`
	RecordedAt  string `db:"date_recorded" json:"date_recorded"`
	TenantID    int64  `db:"blog_id" json:"blog_id"`
	AppError    string `db:"app_error" json:"app_error"`
	Processed   bool   `db:"processed" json:"processed"`
}

// DataSnapshot is the pre-image of one row a ChangeRecord will mutate.
type DataSnapshot struct {
	ID       int64  `db:"id"`
	QueryID  int64  `db:"query_id"`
	Table    string `db:"data_table"`
	Data     string `db:"data"` // JSON object of column name to value
}

// ExcludedInsert marks an INSERT that was deliberately not recorded, so a
// later DELETE of the same row can be ignored too.
type ExcludedInsert struct {
	ID       int64  `db:"id"`
	InsertID int64  `db:"insert_id"`
	Table    string `db:"insert_table"`
}

// DeploymentInsert links an auto-increment id produced during replay back to
// the originating change record.
type DeploymentInsert struct {
	ID               int64 `db:"id" json:"-"`
	QueryID          int64 `db:"query_id" json:"query_id"`
	DeployedID       int64 `db:"deployed_id" json:"deployed_id"`
	IsOnDuplicateKey bool  `db:"is_on_duplicate_key" json:"is_on_duplicate_key"`
}

// Store persists change records and their associated bookkeeping rows.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle, for callers that share the connection.
func (s *Store) DB() *sqlx.DB { return s.db }

// EnsureSchema creates the bookkeeping tables if they do not already exist.
// The DDL targets MySQL; tests against other engines create their own.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, query := range []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		  recording_id VARCHAR(64) NOT NULL DEFAULT '',
		  type VARCHAR(32) NOT NULL,
		  insert_table VARCHAR(191) NOT NULL,
		  insert_id BIGINT NOT NULL DEFAULT 0,
		  sql_statement LONGTEXT NOT NULL,
		  date_recorded DATETIME NOT NULL,
		  blog_id BIGINT NOT NULL DEFAULT 1,
		  app_error TEXT NOT NULL,
		  processed TINYINT(1) NOT NULL DEFAULT 0
		)`, queriesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		  query_id BIGINT UNSIGNED NOT NULL,
		  data_table VARCHAR(191) NOT NULL,
		  data LONGTEXT NOT NULL,
		  KEY query_id (query_id)
		)`, snapshotsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		  insert_id BIGINT NOT NULL DEFAULT 0,
		  insert_table VARCHAR(191) NOT NULL
		)`, excludedTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		  query_id BIGINT UNSIGNED NOT NULL,
		  deployed_id BIGINT NOT NULL DEFAULT 0,
		  is_on_duplicate_key TINYINT(1) NOT NULL DEFAULT 0
		)`, deploymentInsertsTable),
	} {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("creating bookkeeping tables: %w", err)
		}
	}
	return nil
}

// CreateRecord inserts a new change record and fills in its sequence id.
func (s *Store) CreateRecord(ctx context.Context, record *ChangeRecord) error {
	if record.RecordedAt == "" {
		record.RecordedAt = time.Now().UTC().Format(TimeFormat)
	}
	var query = s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (recording_id, type, insert_table, insert_id, sql_statement, date_recorded, blog_id, app_error, processed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, queriesTable))
	res, err := s.db.ExecContext(ctx, query,
		record.RecordingID, record.Type, record.Table, record.InsertID,
		record.SQL, record.RecordedAt, record.TenantID, record.AppError, record.Processed)
	if err != nil {
		return fmt.Errorf("persisting change record: %w", err)
	}
	record.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading change record id: %w", err)
	}
	return nil
}

// ResolveInsertID stores the generated id of a recorded INSERT and marks
// the record processed.
func (s *Store) ResolveInsertID(ctx context.Context, recordID, insertID int64) error {
	var query = s.db.Rebind(fmt.Sprintf(
		`UPDATE %s SET insert_id = ?, processed = ?, app_error = '' WHERE id = ?`, queriesTable))
	if _, err := s.db.ExecContext(ctx, query, insertID, true, recordID); err != nil {
		return fmt.Errorf("resolving insert id of record %d: %w", recordID, err)
	}
	return nil
}

// SetRecordError stores an operator-visible error message on a record.
func (s *Store) SetRecordError(ctx context.Context, recordID int64, message string) error {
	var query = s.db.Rebind(fmt.Sprintf(`UPDATE %s SET app_error = ? WHERE id = ?`, queriesTable))
	if _, err := s.db.ExecContext(ctx, query, message, recordID); err != nil {
		return fmt.Errorf("storing record error: %w", err)
	}
	return nil
}

// DeleteRecords removes change records together with their snapshot rows.
// The two deletes run in one transaction so a record never outlives its
// snapshots or vice versa.
func (s *Store) DeleteRecords(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	var tx, err = s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(fmt.Sprintf(`DELETE FROM %s WHERE query_id IN (?)`, snapshotsTable), ids)
	if err != nil {
		return fmt.Errorf("expanding snapshot delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting snapshots: %w", err)
	}

	query, args, err = sqlx.In(fmt.Sprintf(`DELETE FROM %s WHERE id IN (?)`, queriesTable), ids)
	if err != nil {
		return fmt.Errorf("expanding record delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// DeleteSession removes every record captured under a recording session.
func (s *Store) DeleteSession(ctx context.Context, recordingID string) error {
	var ids []int64
	var query = s.db.Rebind(fmt.Sprintf(`SELECT id FROM %s WHERE recording_id = ?`, queriesTable))
	if err := s.db.SelectContext(ctx, &ids, query, recordingID); err != nil {
		return fmt.Errorf("listing session records: %w", err)
	}
	return s.DeleteRecords(ctx, ids...)
}

// AddSnapshot stores one pre-image row for a change record.
func (s *Store) AddSnapshot(ctx context.Context, recordID int64, table, data string) error {
	var query = s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (query_id, data_table, data) VALUES (?, ?, ?)`, snapshotsTable))
	if _, err := s.db.ExecContext(ctx, query, recordID, table, data); err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}
	return nil
}

// SnapshotsFor returns the pre-image rows captured for a change record.
func (s *Store) SnapshotsFor(ctx context.Context, recordID int64) ([]DataSnapshot, error) {
	var snapshots []DataSnapshot
	var query = s.db.Rebind(fmt.Sprintf(
		`SELECT id, query_id, data_table, data FROM %s WHERE query_id = ? ORDER BY id`, snapshotsTable))
	if err := s.db.SelectContext(ctx, &snapshots, query, recordID); err != nil {
		return nil, fmt.Errorf("reading snapshots of record %d: %w", recordID, err)
	}
	return snapshots, nil
}

// CreateExcludedInsert adds a marker for a deliberately unrecorded INSERT.
// The row id starts at zero and is backfilled once the real id is known.
func (s *Store) CreateExcludedInsert(ctx context.Context, table string) (int64, error) {
	var query = s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (insert_id, insert_table) VALUES (0, ?)`, excludedTable))
	res, err := s.db.ExecContext(ctx, query, table)
	if err != nil {
		return 0, fmt.Errorf("persisting excluded insert marker: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading excluded insert marker id: %w", err)
	}
	return id, nil
}

// BackfillExcludedInsert fills in the generated row id of a marker.
func (s *Store) BackfillExcludedInsert(ctx context.Context, markerID, insertID int64) error {
	var query = s.db.Rebind(fmt.Sprintf(`UPDATE %s SET insert_id = ? WHERE id = ?`, excludedTable))
	if _, err := s.db.ExecContext(ctx, query, insertID, markerID); err != nil {
		return fmt.Errorf("backfilling excluded insert marker %d: %w", markerID, err)
	}
	return nil
}

// DeleteExcludedInsert removes a marker by its marker id.
func (s *Store) DeleteExcludedInsert(ctx context.Context, markerID int64) error {
	var query = s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, excludedTable))
	if _, err := s.db.ExecContext(ctx, query, markerID); err != nil {
		return fmt.Errorf("deleting excluded insert marker %d: %w", markerID, err)
	}
	return nil
}

// ConsumeExcludedInsert deletes the marker matching (table, row id) and
// reports whether one existed. A marker is consumed at most once.
func (s *Store) ConsumeExcludedInsert(ctx context.Context, table string, insertID int64) (bool, error) {
	var marker ExcludedInsert
	var query = s.db.Rebind(fmt.Sprintf(
		`SELECT id, insert_id, insert_table FROM %s WHERE insert_table = ? AND insert_id = ? LIMIT 1`, excludedTable))
	if err := s.db.GetContext(ctx, &marker, query, table, insertID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("looking up excluded insert marker: %w", err)
	}
	if err := s.DeleteExcludedInsert(ctx, marker.ID); err != nil {
		return false, err
	}
	return true, nil
}

// FirstUnprocessed returns the oldest record still waiting on its generated
// id, or nil when every record is processed.
func (s *Store) FirstUnprocessed(ctx context.Context) (*ChangeRecord, error) {
	var record ChangeRecord
	var query = s.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM %s WHERE processed = ? ORDER BY id LIMIT 1`, recordColumns, queriesTable))
	if err := s.db.GetContext(ctx, &record, query, false); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading first unprocessed record: %w", err)
	}
	return &record, nil
}

// ProcessedBatch returns up to limit processed records in sequence order,
// stopping at the first unprocessed record: a record waiting on its id
// blocks everything recorded after it, so ordering is never violated.
func (s *Store) ProcessedBatch(ctx context.Context, limit int) ([]ChangeRecord, error) {
	var records []ChangeRecord
	var query = s.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE processed = ?
		   AND id < COALESCE((SELECT MIN(id) FROM %s WHERE processed = ?), %d)
		 ORDER BY id LIMIT %d`,
		recordColumns, queriesTable, queriesTable, int64(1)<<62, limit))
	if err := s.db.SelectContext(ctx, &records, query, true, false); err != nil {
		return nil, fmt.Errorf("reading processed records: %w", err)
	}
	return records, nil
}

// RecordCount returns the number of captured records still awaiting
// transmission.
func (s *Store) RecordCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, queriesTable)); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

// CreateDeploymentInsert stores one replayed-id mapping.
func (s *Store) CreateDeploymentInsert(ctx context.Context, mapping *DeploymentInsert) error {
	var query = s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (query_id, deployed_id, is_on_duplicate_key) VALUES (?, ?, ?)`, deploymentInsertsTable))
	res, err := s.db.ExecContext(ctx, query, mapping.QueryID, mapping.DeployedID, mapping.IsOnDuplicateKey)
	if err != nil {
		return fmt.Errorf("persisting deployment insert mapping: %w", err)
	}
	mapping.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading deployment insert mapping id: %w", err)
	}
	return nil
}

// DeploymentInserts returns all stored replayed-id mappings in order.
func (s *Store) DeploymentInserts(ctx context.Context) ([]DeploymentInsert, error) {
	var mappings []DeploymentInsert
	var query = fmt.Sprintf(
		`SELECT id, query_id, deployed_id, is_on_duplicate_key FROM %s ORDER BY id`, deploymentInsertsTable)
	if err := s.db.SelectContext(ctx, &mappings, query); err != nil {
		return nil, fmt.Errorf("reading deployment insert mappings: %w", err)
	}
	return mappings, nil
}

// DeleteDeploymentInserts removes all stored replayed-id mappings.
func (s *Store) DeleteDeploymentInserts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, deploymentInsertsTable)); err != nil {
		return fmt.Errorf("deleting deployment insert mappings: %w", err)
	}
	return nil
}

var recordColumns = strings.Join([]string{
	"id", "recording_id", "type", "insert_table", "insert_id",
	"sql_statement", "date_recorded", "blog_id", "app_error", "processed",
}, ", ")
