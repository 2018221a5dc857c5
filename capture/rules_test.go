package capture

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIgnoreRulesMatch(t *testing.T) {
	var rules = IgnoreRules{
		"options":              {"'_transient", "'cron'"},
		"session_.*":           nil,
		"actionscheduler_logs": nil,
	}

	// Pattern match against the SQL text.
	require.True(t, rules.Match("options", `INSERT INTO wp_options (option_name) VALUES ('_transient_x')`))
	require.True(t, rules.Match("options", `UPDATE wp_options SET option_value = '' WHERE option_name = 'cron'`))
	require.False(t, rules.Match("options", `UPDATE wp_options SET option_value = '' WHERE option_name = 'siteurl'`))

	// Empty pattern list excludes the whole table.
	require.True(t, rules.Match("actionscheduler_logs", `INSERT INTO wp_actionscheduler_logs (message) VALUES ('x')`))

	// Regular-expression table keys.
	require.True(t, rules.Match("session_tokens", `DELETE FROM wp_session_tokens`))
	require.False(t, rules.Match("sessions", `DELETE FROM wp_sessions`))

	// Unlisted tables never match.
	require.False(t, rules.Match("posts", `INSERT INTO wp_posts (post_title) VALUES ('_transient')`))
}

func TestIgnoreRulesColumnSuffixKeys(t *testing.T) {
	var rules = IgnoreRules{
		"postmeta:meta_key": {"'_edit_lock'"},
	}
	require.True(t, rules.Match("postmeta", `UPDATE wp_postmeta SET meta_value = '1' WHERE meta_key = '_edit_lock'`))
	require.False(t, rules.Match("postmeta", `UPDATE wp_postmeta SET meta_value = '1' WHERE meta_key = '_thumbnail_id'`))
	require.False(t, rules.Match("posts", `UPDATE wp_posts SET post_title = '_edit_lock'`))
}

func TestForgetPatterns(t *testing.T) {
	var patterns = ForgetPatterns{"'_transient_timeout", `meta_key = '_edit_l(ock|ast)'`}
	require.True(t, patterns.Match(`INSERT INTO wp_options (option_name) VALUES ('_transient_timeout_x')`))
	require.True(t, patterns.Match(`UPDATE wp_postmeta SET meta_value = '1' WHERE meta_key = '_edit_lock'`))
	require.False(t, patterns.Match(`INSERT INTO wp_options (option_name) VALUES ('siteurl')`))
}

func TestLooksMultiValued(t *testing.T) {
	require.True(t, looksMultiValued(`INSERT INTO t (a) VALUES (1), (2)`))
	require.True(t, looksMultiValued("INSERT INTO t (a) VALUES (1),\n(2)"))
	require.False(t, looksMultiValued(`INSERT INTO t (a) VALUES (1)`))
	require.False(t, looksMultiValued(`UPDATE t SET a = 1`))
}