// Package capture observes mutating SQL statements as they execute, decides
// which ones belong in the change history, snapshots the rows they are about
// to touch, and persists change records for later transmission.
package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/estuary/vitess/go/vt/sqlparser"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/deliciousbrains/mergebot/classify"
	"github.com/deliciousbrains/mergebot/rewrite"
	"github.com/deliciousbrains/mergebot/schema"
)

// internalTablePrefix marks the recorder's own bookkeeping tables.
const internalTablePrefix = "mergebot_"

// ErrUnresolvedInsertID is returned when the generated id of a recorded
// INSERT cannot be determined. The record stays unprocessed and blocks
// transmission of everything recorded after it until resolved.
var ErrUnresolvedInsertID = errors.New("generated insert id could not be resolved")

// Decision tells the executing layer what to do with a statement.
type Decision int

const (
	// Proceed executes the statement without recording it.
	Proceed Decision = iota
	// ProceedAndRecord executes the statement; a change record was created.
	ProceedAndRecord
	// Block means the original statement must not execute: its effect is
	// achieved by executing Splits() instead.
	Block
)

// Statement is the interceptor's per-statement state, created by
// BeforeExecute and handed back to AfterExecute. It is not shared between
// statements, so concurrent callers never contend on it.
type Statement struct {
	Decision Decision

	record        *ChangeRecord
	splits        []string
	ast           sqlparser.Statement
	classified    classify.Statement
	markerID      int64
	hasMarker     bool
	autoIncrement string
}

// Splits returns the single-tuple INSERTs that replace a blocked multi-row
// INSERT.
func (st *Statement) Splits() []string { return st.splits }

// Record returns the change record created for the statement, or nil.
func (st *Statement) Record() *ChangeRecord { return st.record }

// Interceptor observes statement execution. BeforeExecute runs ahead of the
// statement and returns the per-statement state; AfterExecute runs once the
// database has reported the outcome.
type Interceptor interface {
	BeforeExecute(ctx context.Context, sql string) (*Statement, error)
	AfterExecute(ctx context.Context, st *Statement, result sql.Result, execErr error) error
}

// Config carries the recorder's tunables.
type Config struct {
	// BasePrefix is the tenant table prefix, e.g. "wp_".
	BasePrefix string `json:"base_prefix"`
	// IgnoreRules excludes table/pattern combinations from recording.
	IgnoreRules IgnoreRules `json:"ignore_rules"`
	// ForgetPatterns lists excluded INSERTs that leave no marker behind.
	ForgetPatterns ForgetPatterns `json:"forget_patterns"`
	// MarkerComment tags replayed statements so they are not re-captured.
	MarkerComment string `json:"marker_comment"`
}

func (c *Config) SetDefaults() {
	if c.BasePrefix == "" {
		c.BasePrefix = classify.DefaultBasePrefix
	}
	if c.MarkerComment == "" {
		c.MarkerComment = "#mergebot"
	}
}

// Recorder implements Interceptor: it classifies statements, applies ignore
// rules and excluded-insert bookkeeping, splits multi-row INSERTs, captures
// pre-image snapshots, and persists change records.
//
// All work happens synchronously on the caller's goroutine; record ordering
// across concurrent callers is delegated to the store's auto-increment ids.
type Recorder struct {
	store    *Store
	meta     schema.Metadata
	rewriter *rewrite.Rewriter
	classify *classify.Classifier
	config   Config

	mu        sync.Mutex
	sessionID string
}

func NewRecorder(store *Store, meta schema.Metadata, config Config) (*Recorder, error) {
	config.SetDefaults()
	var rewriter, err = rewrite.New()
	if err != nil {
		return nil, err
	}
	return &Recorder{
		store:    store,
		meta:     meta,
		rewriter: rewriter,
		classify: &classify.Classifier{BasePrefix: config.BasePrefix},
		config:   config,
	}, nil
}

// StartSession begins a recording session grouping subsequent records into
// one logical batch, and returns the session id.
func (r *Recorder) StartSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = uuid.New().String()
	log.WithField("session", r.sessionID).Info("started recording session")
	return r.sessionID
}

// StopSession ends the active recording session. Records captured outside a
// session carry an empty session id.
func (r *Recorder) StopSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID != "" {
		log.WithField("session", r.sessionID).Info("stopped recording session")
	}
	r.sessionID = ""
}

// CurrentSession returns the active session id, or "".
func (r *Recorder) CurrentSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// DiscardSession deletes every record captured under the given session.
func (r *Recorder) DiscardSession(ctx context.Context, sessionID string) error {
	return r.store.DeleteSession(ctx, sessionID)
}

// BeforeExecute classifies an incoming statement and decides its fate.
// Errors in the capture machinery never block the caller's statement: on
// any internal failure the decision degrades to Proceed and the failure is
// logged, so the application keeps working with an incomplete history.
func (r *Recorder) BeforeExecute(ctx context.Context, sqlText string) (*Statement, error) {
	var st = &Statement{Decision: Proceed}
	if suppressed(ctx) {
		return st, nil
	}
	// Statements carrying the marker comment were produced by a replay and
	// are already accounted for on the source side.
	if strings.Contains(sqlText, r.config.MarkerComment) {
		return st, nil
	}

	var classified, err = r.classify.Classify(sqlText)
	if err != nil {
		return st, nil // not a recordable statement kind
	}
	if strings.HasPrefix(classified.Table, internalTablePrefix) ||
		strings.HasPrefix(classified.RawTable, internalTablePrefix) {
		return st, nil // never record our own bookkeeping writes
	}
	st.classified = classified

	if !bypassIgnore(ctx) {
		// Every DELETE consults the excluded-insert markers, whether or
		// not its own text matches an ignore rule: the marker is what
		// ties the row back to the INSERT that was never recorded.
		if classified.Kind == classify.KindDelete {
			consumed, err := r.consumeExcludedDelete(ctx, classified)
			if err != nil {
				log.WithFields(log.Fields{"table": classified.Table, "err": err}).
					Error("excluded-insert lookup failed")
			} else if consumed {
				return st, nil
			}
			// A DELETE with no matching marker is recorded normally, even
			// when an ignore rule matches its text: a destructive change
			// with no insert history behind it must not vanish silently.
		} else if r.config.IgnoreRules.Match(classified.Table, classified.SQL) {
			if err := r.applyIgnoreRule(ctx, st, classified); err != nil {
				log.WithFields(log.Fields{"table": classified.Table, "err": err}).
					Error("ignore-rule bookkeeping failed")
			}
			return st, nil
		}
	}

	if classified.Kind == classify.KindInsert && looksMultiValued(classified.SQL) {
		if done := r.splitMultiInsert(st, classified); done {
			return st, nil
		}
	}

	r.record(ctx, st, classified)
	return st, nil
}

// applyIgnoreRule handles a non-DELETE statement matched by the ignore
// rules. Excluded INSERTs leave a marker behind (unless a forget pattern
// matches) so that the eventual DELETE of the same row can be ignored too.
func (r *Recorder) applyIgnoreRule(ctx context.Context, st *Statement, classified classify.Statement) error {
	if classified.Kind != classify.KindInsert || r.config.ForgetPatterns.Match(classified.SQL) {
		return nil
	}
	markerID, err := r.store.CreateExcludedInsert(ctx, classified.Table)
	if err != nil {
		return err
	}
	st.markerID, st.hasMarker = markerID, true
	return nil
}

// consumeExcludedDelete checks whether a DELETE targets exactly one row by
// its primary key and that row has an excluded-insert marker; if so the
// marker is consumed and the DELETE is ignored too.
func (r *Recorder) consumeExcludedDelete(ctx context.Context, classified classify.Statement) (bool, error) {
	pk, err := r.meta.PrimaryKeyColumn(ctx, classified.RawTable)
	if err != nil || pk == "" {
		return false, err
	}
	ast, err := r.rewriter.Parse(classified.SQL)
	if err != nil {
		return false, nil
	}
	ids, ok := rewrite.PrimaryKeyEquality(ast, pk)
	if !ok || len(ids) != 1 {
		return false, nil
	}
	return r.store.ConsumeExcludedInsert(ctx, classified.Table, ids[0])
}

// splitMultiInsert turns a multi-tuple INSERT into Block + split statements.
// It reports false when the statement turns out to be single-tuple or does
// not parse, in which case normal recording continues.
func (r *Recorder) splitMultiInsert(st *Statement, classified classify.Statement) bool {
	var ast, err = r.rewriter.Parse(classified.SQL)
	if err != nil {
		return false
	}
	if rewrite.InsertTuples(ast) < 2 {
		st.ast = ast
		return false
	}
	splits, err := r.rewriter.SplitInsert(ast)
	if err != nil {
		log.WithFields(log.Fields{"sql": classified.SQL, "err": err}).
			Warn("failed to split multi-row INSERT")
		return false
	}
	st.Decision = Block
	st.splits = splits
	log.WithFields(log.Fields{"table": classified.Table, "tuples": len(splits)}).
		Debug("split multi-row INSERT")
	return true
}

// record captures the pre-image where required and persists a change record.
func (r *Recorder) record(ctx context.Context, st *Statement, classified classify.Statement) {
	var record = &ChangeRecord{
		RecordingID: r.CurrentSession(),
		Type:        classified.Kind.String(),
		Table:       classified.Table,
		SQL:         classified.SQL,
		TenantID:    classified.TenantID,
		Processed:   true,
	}

	var needSnapshot bool
	var unique []string
	switch classified.Kind {
	case classify.KindUpdate, classify.KindDelete:
		needSnapshot = true
	case classify.KindInsert:
		autoInc, err := r.meta.AutoIncrementColumn(ctx, classified.RawTable)
		if err != nil {
			log.WithFields(log.Fields{"table": classified.RawTable, "err": err}).
				Warn("auto-increment lookup failed")
		}
		if autoInc != "" {
			// The generated id is only known after execution.
			record.Processed = false
			st.autoIncrement = autoInc
		}
		if st.ast == nil {
			st.ast, _ = r.rewriter.Parse(classified.SQL)
		}
		if st.ast != nil && rewrite.HasOnDuplicate(st.ast) {
			unique, err = r.meta.UniqueColumns(ctx, classified.RawTable)
			if err != nil {
				log.WithFields(log.Fields{"table": classified.RawTable, "err": err}).
					Warn("unique-column lookup failed")
			}
			// An upsert can silently update the conflicting row, so its
			// pre-image matters just like an UPDATE's.
			needSnapshot = len(unique) > 0
		}
	}

	if err := r.store.CreateRecord(ctx, record); err != nil {
		log.WithFields(log.Fields{"table": classified.Table, "err": err}).
			Error("failed to persist change record")
		return
	}
	st.record = record
	st.Decision = ProceedAndRecord

	if !needSnapshot {
		return
	}
	if err := r.snapshot(ctx, st, record, unique); err != nil {
		// No partial capture: the statement executes, unrecorded.
		log.WithFields(log.Fields{"record": record.ID, "err": err}).
			Error("pre-image snapshot failed, discarding record")
		if derr := r.store.DeleteRecords(ctx, record.ID); derr != nil {
			log.WithFields(log.Fields{"record": record.ID, "err": derr}).
				Error("failed to discard record after snapshot failure")
		}
		st.record = nil
		st.Decision = Proceed
	}
}

// snapshot rewrites the statement to a SELECT, runs it on the same
// connection pool, and stores one pre-image row per result row.
func (r *Recorder) snapshot(ctx context.Context, st *Statement, record *ChangeRecord, unique []string) error {
	if st.ast == nil {
		var err error
		if st.ast, err = r.rewriter.Parse(st.classified.SQL); err != nil {
			return err
		}
	}
	selectSQL, err := r.rewriter.ToSelect(st.ast, unique)
	if err != nil {
		return err
	}
	rows, err := r.store.DB().QueryxContext(ctx, selectSQL)
	if err != nil {
		return fmt.Errorf("running snapshot query: %w", err)
	}
	// Drain the cursor before writing: the inserts below must not need a
	// second connection while this one is still streaming results.
	var encodedRows []string
	for rows.Next() {
		var row = make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			rows.Close()
			return fmt.Errorf("scanning snapshot row: %w", err)
		}
		encoded, err := encodeRow(row)
		if err != nil {
			rows.Close()
			return err
		}
		encodedRows = append(encodedRows, encoded)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, encoded := range encodedRows {
		if err := r.store.AddSnapshot(ctx, record.ID, st.classified.Table, encoded); err != nil {
			return err
		}
	}
	return nil
}

// AfterExecute completes a statement's capture once the database reports
// the outcome: failed statements leave no capture state behind, excluded
// INSERT markers are backfilled, and generated ids of recorded INSERTs are
// resolved.
func (r *Recorder) AfterExecute(ctx context.Context, st *Statement, result sql.Result, execErr error) error {
	if st == nil {
		return nil
	}
	if execErr != nil {
		return r.discard(ctx, st)
	}

	if st.hasMarker {
		if id := lastInsertID(result); id > 0 {
			if err := r.store.BackfillExcludedInsert(ctx, st.markerID, id); err != nil {
				return err
			}
		}
		return nil
	}

	var record = st.record
	if record == nil || record.Processed {
		return nil
	}

	var insertID = lastInsertID(result)
	if insertID == 0 {
		insertID = r.lookupInsertID(ctx, st)
	}
	if insertID == 0 {
		var message = "could not resolve generated insert id"
		if err := r.store.SetRecordError(ctx, record.ID, message); err != nil {
			log.WithFields(log.Fields{"record": record.ID, "err": err}).
				Error("failed to store record error")
		}
		return fmt.Errorf("record %d: %w", record.ID, ErrUnresolvedInsertID)
	}
	if err := r.store.ResolveInsertID(ctx, record.ID, insertID); err != nil {
		return err
	}
	record.InsertID = insertID
	record.Processed = true
	return nil
}

// discard undoes capture state of a statement that failed at the database.
func (r *Recorder) discard(ctx context.Context, st *Statement) error {
	if st.hasMarker {
		if err := r.store.DeleteExcludedInsert(ctx, st.markerID); err != nil {
			return err
		}
	}
	if st.record != nil {
		if err := r.store.DeleteRecords(ctx, st.record.ID); err != nil {
			return err
		}
		st.record = nil
	}
	return nil
}

// lookupInsertID is the fallback when the driver reports no generated id:
// rewrite the INSERT to a SELECT on its unique columns and read the
// auto-increment column off the matching row.
func (r *Recorder) lookupInsertID(ctx context.Context, st *Statement) int64 {
	if st.ast == nil || st.autoIncrement == "" {
		return 0
	}
	unique, err := r.meta.UniqueColumns(ctx, st.classified.RawTable)
	if err != nil {
		return 0
	}
	// The auto-increment column itself is unknown before execution and
	// cannot constrain the lookup.
	var constraint = make([]string, 0, len(unique))
	for _, col := range unique {
		if !strings.EqualFold(col, st.autoIncrement) {
			constraint = append(constraint, col)
		}
	}
	selectSQL, err := r.rewriter.ToSelect(st.ast, constraint)
	if err != nil {
		return 0
	}
	var row = make(map[string]interface{})
	rows, err := r.store.DB().QueryxContext(ctx, selectSQL)
	if err != nil {
		return 0
	}
	defer rows.Close()
	if !rows.Next() || rows.MapScan(row) != nil {
		return 0
	}
	return toInt64(row[st.autoIncrement])
}

func lastInsertID(result sql.Result) int64 {
	if result == nil {
		return 0
	}
	var id, err = result.LastInsertId()
	if err != nil {
		return 0
	}
	return id
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case []byte:
		var id, _ = strconv.ParseInt(string(n), 10, 64)
		return id
	case string:
		var id, _ = strconv.ParseInt(n, 10, 64)
		return id
	}
	return 0
}

// encodeRow serializes a snapshot row as JSON, with byte slices rendered as
// strings so the payload stays readable to the remote side.
func encodeRow(row map[string]interface{}) (string, error) {
	for key, value := range row {
		if b, ok := value.([]byte); ok {
			row[key] = string(b)
		}
	}
	var encoded, err = json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot row: %w", err)
	}
	return string(encoded), nil
}

// looksMultiValued is a cheap textual check for more than one VALUES tuple,
// ahead of the full parse.
func looksMultiValued(sql string) bool {
	var compact = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, sql)
	return strings.Contains(compact, "),(")
}

var _ Interceptor = (*Recorder)(nil)
