package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsHaveUpAndDown(t *testing.T) {
	files, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, name := range files {
		data, err := fs.ReadFile(FS, name)
		require.NoError(t, err)
		body := string(data)
		require.Contains(t, body, "-- +goose Up", name)
		require.Contains(t, body, "-- +goose Down", name)
		require.Less(t, strings.Index(body, "-- +goose Up"), strings.Index(body, "-- +goose Down"), name)
		require.Regexp(t, `^\d{5}_[a-z_]+\.sql$`, name)
	}
}

func TestAuditTableIsAppendOnly(t *testing.T) {
	data, err := fs.ReadFile(FS, "00001_recommendations.sql")
	require.NoError(t, err)
	body := string(data)
	require.Contains(t, body, "recommendation_audit")
	require.Contains(t, body, "-- +goose StatementBegin")
	require.Contains(t, body, "BEFORE UPDATE OR DELETE ON recommendation_audit")
}
