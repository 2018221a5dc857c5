package rewrite

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRewriter(t *testing.T) *Rewriter {
	t.Helper()
	var r, err = New()
	require.NoError(t, err)
	return r
}

func TestParseFailureIsReported(t *testing.T) {
	var r = testRewriter(t)
	_, err := r.Parse("INSERT INTO WHERE")
	require.Error(t, err)
}

func TestUpdateToSelect(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(`UPDATE wp_posts SET post_title = 'New' WHERE ID = 10`)
	require.NoError(t, err)

	sel, err := r.ToSelect(stmt, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sel, "SELECT wp_posts.* FROM wp_posts"), sel)
	require.Contains(t, sel, "ID = 10")
	require.NotContains(t, strings.ToUpper(sel), "UPDATE")
}

func TestUpdateWithJoinToSelect(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(
		`UPDATE wp_posts p JOIN wp_postmeta m ON p.ID = m.post_id SET p.post_status = 'draft' WHERE m.meta_key = 'lock'`)
	require.NoError(t, err)

	sel, err := r.ToSelect(stmt, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sel, "SELECT p.* FROM"), sel)
	require.Contains(t, sel, "join")
	require.Contains(t, sel, "meta_key = 'lock'")
}

func TestDeleteToSelect(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(`DELETE FROM wp_postmeta WHERE meta_id = 9`)
	require.NoError(t, err)

	sel, err := r.ToSelect(stmt, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sel, "SELECT wp_postmeta.* FROM wp_postmeta"), sel)
	require.Contains(t, sel, "meta_id = 9")
}

func TestInsertToSelectRestrictsToUniqueColumns(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(
		`INSERT INTO wp_options (option_name, option_value, autoload) VALUES ('siteurl', 'https://x', 'yes') ON DUPLICATE KEY UPDATE option_value = 'https://x'`)
	require.NoError(t, err)
	require.True(t, HasOnDuplicate(stmt))

	sel, err := r.ToSelect(stmt, []string{"option_id", "option_name"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sel, "SELECT wp_options.* FROM wp_options WHERE"), sel)
	require.Contains(t, sel, "option_name = 'siteurl'")
	// Non-unique columns must not constrain the lookup.
	require.NotContains(t, sel, "option_value")
	require.NotContains(t, sel, "autoload")
}

func TestInsertToSelectWithoutUniqueOverlap(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(`INSERT INTO wp_postmeta (post_id, meta_key) VALUES (5, 'a')`)
	require.NoError(t, err)

	_, err = r.ToSelect(stmt, []string{"meta_id"})
	require.ErrorIs(t, err, ErrNotRewritable)
}

func TestInsertToSelectUnrestricted(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(`INSERT INTO wp_postmeta (post_id, meta_key) VALUES (5, 'a')`)
	require.NoError(t, err)

	// With no declared unique columns every inserted column constrains.
	sel, err := r.ToSelect(stmt, nil)
	require.NoError(t, err)
	require.Contains(t, sel, "post_id = 5")
	require.Contains(t, sel, "meta_key = 'a'")
}

func TestSelectNotRewritable(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(`SELECT * FROM wp_posts`)
	require.NoError(t, err)
	_, err = r.ToSelect(stmt, nil)
	require.ErrorIs(t, err, ErrNotRewritable)
}

func TestSplitInsert(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(
		`INSERT INTO wp_postmeta (post_id, meta_key, meta_value) VALUES (5, 'a', 'x'), (5, 'b', 'y')`)
	require.NoError(t, err)
	require.Equal(t, 2, InsertTuples(stmt))

	split, err := r.SplitInsert(stmt)
	require.NoError(t, err)
	require.Len(t, split, 2)
	require.Contains(t, split[0], "'a'")
	require.NotContains(t, split[0], "'b'")
	require.Contains(t, split[1], "'b'")
	require.NotContains(t, split[1], "'a'")

	// Splitting must not consume the original AST.
	require.Equal(t, 2, InsertTuples(stmt))

	// Each split statement parses back to a one-tuple INSERT.
	for _, sql := range split {
		one, err := r.Parse(sql)
		require.NoError(t, err)
		require.Equal(t, 1, InsertTuples(one))
	}
}

func TestSingleTupleInsert(t *testing.T) {
	var r = testRewriter(t)
	stmt, err := r.Parse(`INSERT INTO wp_postmeta (post_id) VALUES (5)`)
	require.NoError(t, err)
	require.Equal(t, 1, InsertTuples(stmt))
	require.False(t, HasOnDuplicate(stmt))
}

func TestPrimaryKeyEquality(t *testing.T) {
	var r = testRewriter(t)

	stmt, err := r.Parse(`DELETE FROM wp_postmeta WHERE meta_id = 9`)
	require.NoError(t, err)
	ids, ok := PrimaryKeyEquality(stmt, "meta_id")
	require.True(t, ok)
	require.Equal(t, []int64{9}, ids)

	stmt, err = r.Parse(`DELETE FROM wp_postmeta WHERE meta_id IN (1, 2, 3)`)
	require.NoError(t, err)
	ids, ok = PrimaryKeyEquality(stmt, "meta_id")
	require.True(t, ok)
	require.Equal(t, []int64{1, 2, 3}, ids)

	// Wrong column.
	_, ok = PrimaryKeyEquality(stmt, "post_id")
	require.False(t, ok)

	// Compound predicate is not a single-row handle.
	stmt, err = r.Parse(`DELETE FROM wp_postmeta WHERE meta_id = 9 AND post_id = 5`)
	require.NoError(t, err)
	_, ok = PrimaryKeyEquality(stmt, "meta_id")
	require.False(t, ok)

	// Non-literal value.
	stmt, err = r.Parse(`DELETE FROM wp_postmeta WHERE meta_id = post_id`)
	require.NoError(t, err)
	_, ok = PrimaryKeyEquality(stmt, "meta_id")
	require.False(t, ok)
}
