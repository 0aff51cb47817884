package db

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwnlink/agent/migrations"
)

func TestMigrationVersions_SortedSQLOnly(t *testing.T) {
	fsys := fstest.MapFS{
		"010_more.sql":       {Data: []byte("SELECT 1")},
		"002_second.sql":     {Data: []byte("SELECT 1")},
		"001_init.sql":       {Data: []byte("SELECT 1")},
		"README.md":          {Data: []byte("docs")},
		"nested/003_sub.sql": {Data: []byte("SELECT 1")},
	}

	versions, err := migrationVersions(fsys)

	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_second.sql", "010_more.sql"}, versions)
}

func TestMigrationVersions_EmbeddedSchema(t *testing.T) {
	versions, err := migrationVersions(migrations.FS)

	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, "001_init.sql", versions[0])
}
