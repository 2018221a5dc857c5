package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticMetadata(t *testing.T) {
	var ctx = context.Background()
	var meta = &StaticMetadata{Tables: map[string]StaticTable{
		"wp_posts": {AutoIncrement: "ID", PrimaryKey: "ID", Unique: []string{"ID"}},
		"wp_options": {
			AutoIncrement: "option_id",
			PrimaryKey:    "option_id",
			Unique:        []string{"option_id", "option_name"},
		},
		"wp_term_relationships": {},
	}}

	col, err := meta.AutoIncrementColumn(ctx, "wp_posts")
	require.NoError(t, err)
	require.Equal(t, "ID", col)

	unique, err := meta.UniqueColumns(ctx, "wp_options")
	require.NoError(t, err)
	require.Equal(t, []string{"option_id", "option_name"}, unique)

	// A table with no keys answers with empty values, not an error.
	pk, err := meta.PrimaryKeyColumn(ctx, "wp_term_relationships")
	require.NoError(t, err)
	require.Empty(t, pk)

	_, err = meta.UniqueColumns(ctx, "wp_nope")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestConnectMySQLValidatesDSN(t *testing.T) {
	_, err := ConnectMySQL("://not-a-dsn")
	require.Error(t, err)

	// A DSN without a database cannot answer information_schema queries.
	_, err = ConnectMySQL("user:pass@tcp(localhost:3306)/")
	require.ErrorContains(t, err, "no database")

	meta, err := ConnectMySQL("user:pass@tcp(localhost:3306)/wordpress")
	require.NoError(t, err)
	require.Equal(t, "wordpress", meta.database)
}
