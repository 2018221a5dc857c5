package capture

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// DB composes an Interceptor with a database handle: every statement
// executed through it passes through BeforeExecute/AfterExecute, blocked
// multi-row INSERTs are re-entered as their split statements, and capture
// failures never stop the caller's statement.
type DB struct {
	db          *sqlx.DB
	interceptor Interceptor
}

func NewDB(db *sqlx.DB, interceptor Interceptor) *DB {
	return &DB{db: db, interceptor: interceptor}
}

// ExecContext executes one mutating statement under interception.
func (d *DB) ExecContext(ctx context.Context, query string) (sql.Result, error) {
	var st, err = d.interceptor.BeforeExecute(ctx, query)
	if err != nil {
		log.WithFields(log.Fields{"sql": query, "err": err}).Error("statement interception failed")
		st = nil
	}

	if st != nil && st.Decision == Block {
		// The original multi-row INSERT never runs. Each split statement
		// passes through interception itself so it is classified,
		// snapshotted, and id-resolved individually.
		var combined = new(splitResult)
		for _, split := range st.Splits() {
			res, err := d.ExecContext(ctx, split)
			if err != nil {
				return combined, fmt.Errorf("executing split INSERT: %w", err)
			}
			combined.add(res)
		}
		return combined, nil
	}

	res, execErr := d.db.ExecContext(ctx, query)
	if st != nil {
		if aerr := d.interceptor.AfterExecute(ctx, st, res, execErr); aerr != nil {
			log.WithFields(log.Fields{"sql": query, "err": aerr}).
				Error("statement post-processing failed")
		}
	}
	return res, execErr
}

// QueryContext passes reads straight through; only mutations are observed.
func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// splitResult aggregates the driver results of the split statements that
// replaced one multi-row INSERT.
type splitResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r *splitResult) add(res sql.Result) {
	if id, err := res.LastInsertId(); err == nil {
		r.lastInsertID = id
	}
	if n, err := res.RowsAffected(); err == nil {
		r.rowsAffected += n
	}
}

// LastInsertId returns the id generated by the final split statement.
func (r *splitResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }

func (r *splitResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }
