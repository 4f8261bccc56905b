//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/observability"
)

func TestMigrator_UpIsIdempotent(t *testing.T) {
	db, dsn := SetupPostgresContainer(t)

	m, err := NewMigrator(dsn, observability.NopLogger())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Up())
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	var plans int
	require.NoError(t, db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM plans").Scan(&plans))
	assert.Equal(t, 3, plans)
}
