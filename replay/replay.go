// Package replay executes an approved deployment script against the target
// database inside one transaction, threading identifiers generated during
// the replay into the statements that reference them.
package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deliciousbrains/mergebot/budget"
	"github.com/deliciousbrains/mergebot/capture"
	"github.com/deliciousbrains/mergebot/options"
)

// ErrAlreadyDeployed means the changeset's idempotency marker exists: the
// script ran before and must not run again.
var ErrAlreadyDeployed = errors.New("changeset already deployed")

// ErrIncomplete means the transaction committed but the script's own
// proof-of-completion marker is missing, so success must not be reported
// upstream.
var ErrIncomplete = errors.New("deployment committed without its completion marker")

// ReplayError reports a failed replay. Nothing was committed.
type ReplayError struct {
	Index     int    // zero-based statement index, -1 when no statement is at fault
	Statement string // the statement as executed, "" when not statement-bound
	Budget    budget.Kind
	Err       error
}

func (e *ReplayError) Error() string {
	if e.Budget != "" {
		return fmt.Sprintf("replay aborted before statement %d: %s budget exceeded", e.Index, e.Budget)
	}
	return fmt.Sprintf("replay failed at statement %d: %v", e.Index, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Config carries the replay engine's tunables. The zero value, after
// SetDefaults, matches the script format the remote authority produces.
type Config struct {
	// PlaceholderPrefix starts every identifier placeholder token.
	PlaceholderPrefix string `json:"placeholder_prefix"`
	// EndOfStatement marks the final line of each script statement.
	EndOfStatement string `json:"end_of_statement"`
	// MarkerComment is appended to every replayed statement so a recorder
	// on the target side does not re-capture it.
	MarkerComment string `json:"marker_comment"`
	// LastInsertIDToken identifies the id-retrieval statements that bind a
	// correlation token to a freshly generated id.
	LastInsertIDToken string `json:"last_insert_id_token"`
	// TimeBudget and MemoryBudget bound one replay run; zero disables.
	TimeBudget   time.Duration `json:"time_budget"`
	MemoryBudget uint64        `json:"memory_budget"`
}

func (c *Config) SetDefaults() {
	if c.PlaceholderPrefix == "" {
		c.PlaceholderPrefix = "@mergebot_query_"
	}
	if c.EndOfStatement == "" {
		c.EndOfStatement = "#mbend"
	}
	if c.MarkerComment == "" {
		c.MarkerComment = "#mergebot"
	}
	if c.LastInsertIDToken == "" {
		c.LastInsertIDToken = "LAST_INSERT_ID()"
	}
}

// Engine replays deployment scripts. It is not re-entrant for the same
// changeset; the idempotency marker enforces single execution.
type Engine struct {
	db      *sql.DB
	markers *options.Store
	store   *capture.Store // optional: persists replayed-id mappings
	config  Config

	// OnCommit, when set, runs after a successful commit so the caller can
	// invalidate any object or result caches holding pre-replay data.
	OnCommit func()
}

func NewEngine(db *sql.DB, markers *options.Store, store *capture.Store, config Config) *Engine {
	config.SetDefaults()
	return &Engine{db: db, markers: markers, store: store, config: config}
}

func deploymentMarker(changesetID int64) string {
	return fmt.Sprintf("mergebot_deployment_%d", changesetID)
}

// CompletionMarker is the options key the script's own proof-of-completion
// statement must write for the given changeset.
func CompletionMarker(changesetID int64) string {
	return deploymentMarker(changesetID) + "_completed"
}

// Replay executes an approved script for one changeset as a single
// transaction. On any statement failure or exceeded budget the transaction
// is rolled back and a ReplayError is returned; no partial application is
// ever visible.
func (e *Engine) Replay(ctx context.Context, changesetID int64, script io.Reader) error {
	if _, deployed, err := e.markers.Get(ctx, deploymentMarker(changesetID)); err != nil {
		return fmt.Errorf("checking deployment marker: %w", err)
	} else if deployed {
		return fmt.Errorf("changeset %d: %w", changesetID, ErrAlreadyDeployed)
	}

	var statements, err = ReadScript(script, e.config.EndOfStatement)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"changeset": changesetID, "statements": len(statements)}).
		Info("replaying deployment script")

	var limits = budget.New(e.config.TimeBudget, e.config.MemoryBudget)
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replay transaction: %w", err)
	}
	defer tx.Rollback()

	// The deployment marker commits or rolls back with the script itself.
	if err := e.markers.SetTx(ctx, tx, deploymentMarker(changesetID), time.Now().UTC().Format(capture.TimeFormat), 0); err != nil {
		return err
	}

	var ids = make(map[string]int64)
	var mappings []capture.DeploymentInsert
	var lastWasUpsert bool
	for i, stmt := range statements {
		if exceeded, kind := limits.Exceeded(); exceeded {
			return &ReplayError{Index: i, Budget: kind, Err: &budget.ErrExceeded{Kind: kind}}
		}

		stmt = FixupSerializedLengths(stmt, ids)
		stmt = SubstitutePlaceholders(stmt, ids)

		if strings.Contains(stmt, e.config.LastInsertIDToken) {
			token, id, err := e.fetchGeneratedID(ctx, tx, stmt)
			if err != nil {
				return &ReplayError{Index: i, Statement: stmt, Err: err}
			}
			ids[token] = id
			if queryID := e.tokenQueryID(token); queryID > 0 {
				mappings = append(mappings, capture.DeploymentInsert{
					QueryID:          queryID,
					DeployedID:       id,
					IsOnDuplicateKey: lastWasUpsert,
				})
			}
			continue
		}

		lastWasUpsert = strings.Contains(strings.ToUpper(stmt), "ON DUPLICATE KEY")
		if _, err := tx.ExecContext(ctx, stmt+" "+e.config.MarkerComment); err != nil {
			log.WithFields(log.Fields{"changeset": changesetID, "statement": i, "err": err}).
				Error("replay statement failed, rolling back")
			return &ReplayError{Index: i, Statement: stmt, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replay transaction: %w", err)
	}
	if e.OnCommit != nil {
		e.OnCommit()
	}

	if e.store != nil {
		for i := range mappings {
			if err := e.store.CreateDeploymentInsert(ctx, &mappings[i]); err != nil {
				log.WithFields(log.Fields{"query": mappings[i].QueryID, "err": err}).
					Error("failed to persist replayed-id mapping")
			}
		}
	}

	// The script's final statement writes its own completion marker; a
	// commit without it means the script was truncated or tampered with.
	if _, completed, err := e.markers.Get(ctx, CompletionMarker(changesetID)); err != nil {
		return fmt.Errorf("checking completion marker: %w", err)
	} else if !completed {
		return fmt.Errorf("changeset %d: %w", changesetID, ErrIncomplete)
	}
	log.WithField("changeset", changesetID).Info("deployment replayed")
	return nil
}

// fetchGeneratedID runs an id-retrieval statement, which returns one row of
// (generated id, correlation token).
func (e *Engine) fetchGeneratedID(ctx context.Context, tx *sql.Tx, stmt string) (string, int64, error) {
	var id int64
	var token string
	if err := tx.QueryRowContext(ctx, stmt).Scan(&id, &token); err != nil {
		return "", 0, fmt.Errorf("retrieving generated id: %w", err)
	}
	if !strings.HasPrefix(token, e.config.PlaceholderPrefix) {
		return "", 0, fmt.Errorf("unexpected correlation token %q", token)
	}
	return token, id, nil
}

// tokenQueryID extracts the originating change record id from a token.
func (e *Engine) tokenQueryID(token string) int64 {
	var n, err = strconv.ParseInt(strings.TrimPrefix(token, e.config.PlaceholderPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
