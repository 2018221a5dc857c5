package replay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/deliciousbrains/mergebot/budget"
	"github.com/deliciousbrains/mergebot/capture"
	"github.com/deliciousbrains/mergebot/options"
)

type replayHarness struct {
	db      *sqlx.DB
	markers *options.Store
	store   *capture.Store
	engine  *Engine
}

// sqlite stands in for the target database: the id-retrieval token and the
// marker comment are configured to its dialect.
func newReplayHarness(t *testing.T) *replayHarness {
	t.Helper()
	var db = sqlx.MustOpen("sqlite3", ":memory:")
	t.Cleanup(func() { db.Close() })

	for _, ddl := range []string{
		`CREATE TABLE wp_posts (ID INTEGER PRIMARY KEY AUTOINCREMENT, post_title TEXT NOT NULL, post_status TEXT NOT NULL DEFAULT 'draft')`,
		`CREATE TABLE wp_postmeta (meta_id INTEGER PRIMARY KEY AUTOINCREMENT, post_id INTEGER NOT NULL, meta_key TEXT NOT NULL)`,
		`CREATE TABLE mergebot_deployment_inserts (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  query_id INTEGER NOT NULL,
		  deployed_id INTEGER NOT NULL DEFAULT 0,
		  is_on_duplicate_key INTEGER NOT NULL DEFAULT 0
		)`,
	} {
		db.MustExec(ddl)
	}
	var markers = options.NewStore(db)
	require.NoError(t, markers.EnsureSchema(context.Background()))

	var store = capture.NewStore(db)
	var engine = NewEngine(db.DB, markers, store, Config{
		MarkerComment:     "-- mergebot",
		LastInsertIDToken: "last_insert_rowid()",
	})
	return &replayHarness{db: db, markers: markers, store: store, engine: engine}
}

func completionStatement(changesetID int64) string {
	return `REPLACE INTO mergebot_options (name, value) VALUES ('` +
		CompletionMarker(changesetID) + `', '1') #mbend`
}

func TestReplaySubstitutesGeneratedIDs(t *testing.T) {
	var ctx = context.Background()
	var h = newReplayHarness(t)

	var script = strings.Join([]string{
		`-- changeset 7`,
		`INSERT INTO wp_posts (post_title) VALUES ('Hello') #mbend`,
		`SELECT last_insert_rowid(), '@mergebot_query_42' #mbend`,
		`INSERT INTO wp_postmeta (post_id, meta_key) VALUES (@mergebot_query_42, 'color') #mbend`,
		completionStatement(7),
	}, "\n")
	require.NoError(t, h.engine.Replay(ctx, 7, strings.NewReader(script)))

	// The placeholder was replaced by the id statement one produced.
	var postID int64
	require.NoError(t, h.db.Get(&postID, `SELECT post_id FROM wp_postmeta WHERE meta_key = 'color'`))
	require.Equal(t, int64(1), postID)

	// The replayed-id mapping was persisted for upstream reporting.
	mappings, err := h.store.DeploymentInserts(ctx)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	require.Equal(t, int64(42), mappings[0].QueryID)
	require.Equal(t, int64(1), mappings[0].DeployedID)
	require.False(t, mappings[0].IsOnDuplicateKey)
}

func TestReplaySiblingTokenPrefixes(t *testing.T) {
	var ctx = context.Background()
	var h = newReplayHarness(t)

	// Record 4's token is a numeric prefix of record 42's. Resolving the
	// first must not mangle the second's id-retrieval statement.
	var script = strings.Join([]string{
		`INSERT INTO wp_posts (post_title) VALUES ('first') #mbend`,
		`SELECT last_insert_rowid(), '@mergebot_query_4' #mbend`,
		`INSERT INTO wp_posts (post_title) VALUES ('second') #mbend`,
		`SELECT last_insert_rowid(), '@mergebot_query_42' #mbend`,
		`INSERT INTO wp_postmeta (post_id, meta_key) VALUES (@mergebot_query_4, 'a') #mbend`,
		`INSERT INTO wp_postmeta (post_id, meta_key) VALUES (@mergebot_query_42, 'b') #mbend`,
		completionStatement(14),
	}, "\n")
	require.NoError(t, h.engine.Replay(ctx, 14, strings.NewReader(script)))

	var postIDs []int64
	require.NoError(t, h.db.Select(&postIDs,
		`SELECT post_id FROM wp_postmeta ORDER BY meta_key`))
	require.Equal(t, []int64{1, 2}, postIDs)

	mappings, err := h.store.DeploymentInserts(ctx)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	require.Equal(t, int64(4), mappings[0].QueryID)
	require.Equal(t, int64(42), mappings[1].QueryID)
}

func TestReplayRollsBackOnFailure(t *testing.T) {
	var ctx = context.Background()
	var h = newReplayHarness(t)

	var script = strings.Join([]string{
		`INSERT INTO wp_posts (post_title) VALUES ('one') #mbend`,
		`INSERT INTO wp_posts (post_title) VALUES ('two') #mbend`,
		`INSERT INTO wp_missing (x) VALUES (1) #mbend`,
		completionStatement(8),
	}, "\n")

	var err = h.engine.Replay(ctx, 8, strings.NewReader(script))
	var replayErr *ReplayError
	require.ErrorAs(t, err, &replayErr)
	require.Equal(t, 2, replayErr.Index)
	require.Contains(t, replayErr.Statement, "wp_missing")

	// Nothing from the script is visible.
	var count int
	require.NoError(t, h.db.Get(&count, `SELECT COUNT(*) FROM wp_posts`))
	require.Zero(t, count)

	// The deployment marker rolled back too, so a corrected script for the
	// same changeset can be replayed.
	_, deployed, err := h.markers.Get(ctx, "mergebot_deployment_8")
	require.NoError(t, err)
	require.False(t, deployed)
}

func TestReplayRefusesSecondRun(t *testing.T) {
	var ctx = context.Background()
	var h = newReplayHarness(t)

	var script = strings.Join([]string{
		`INSERT INTO wp_posts (post_title) VALUES ('once') #mbend`,
		completionStatement(9),
	}, "\n")
	require.NoError(t, h.engine.Replay(ctx, 9, strings.NewReader(script)))
	require.ErrorIs(t, h.engine.Replay(ctx, 9, strings.NewReader(script)), ErrAlreadyDeployed)

	var count int
	require.NoError(t, h.db.Get(&count, `SELECT COUNT(*) FROM wp_posts`))
	require.Equal(t, 1, count)
}

func TestReplayTimeBudget(t *testing.T) {
	var ctx = context.Background()
	var h = newReplayHarness(t)
	h.engine.config.TimeBudget = time.Nanosecond

	var script = `INSERT INTO wp_posts (post_title) VALUES ('late') #mbend`
	var err = h.engine.Replay(ctx, 10, strings.NewReader(script))

	var replayErr *ReplayError
	require.ErrorAs(t, err, &replayErr)
	require.Equal(t, budget.KindTime, replayErr.Budget)

	var count int
	require.NoError(t, h.db.Get(&count, `SELECT COUNT(*) FROM wp_posts`))
	require.Zero(t, count)
}

func TestReplayMissingCompletionMarker(t *testing.T) {
	var ctx = context.Background()
	var h = newReplayHarness(t)

	var script = `INSERT INTO wp_posts (post_title) VALUES ('x') #mbend`
	require.ErrorIs(t, h.engine.Replay(ctx, 11, strings.NewReader(script)), ErrIncomplete)
}

func TestReplayRunsOnCommitHook(t *testing.T) {
	var ctx = context.Background()
	var h = newReplayHarness(t)

	var invalidated bool
	h.engine.OnCommit = func() { invalidated = true }
	var script = strings.Join([]string{
		`INSERT INTO wp_posts (post_title) VALUES ('x') #mbend`,
		completionStatement(12),
	}, "\n")
	require.NoError(t, h.engine.Replay(ctx, 12, strings.NewReader(script)))
	require.True(t, invalidated)
}

func TestReplayAppendsMarkerComment(t *testing.T) {
	var ctx = context.Background()
	var h = newReplayHarness(t)

	// A marker comment the target dialect rejects surfaces as a statement
	// error, proving it is appended to every executed statement.
	h.engine.config.MarkerComment = "#mergebot"
	var script = `INSERT INTO wp_posts (post_title) VALUES ('x') #mbend`
	var replayErr *ReplayError
	require.ErrorAs(t, h.engine.Replay(ctx, 13, strings.NewReader(script)), &replayErr)
}
