package store

import (
	"context"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryDrivers(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"mongodb", "mysql", "oracle", "postgres", "sqlite", "sqlserver"}, r.Drivers())
}

func TestRegistryOpenSQLite(t *testing.T) {
	r := DefaultRegistry()
	s, err := r.Open(context.Background(), Config{Driver: "sqlite"})
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(UsageIncrementer)
	assert.True(t, ok, "sqlite store should support atomic increments")
}

func TestRegistryOpenFileSQLite(t *testing.T) {
	dir := t.TempDir()
	s, err := DefaultRegistry().Open(context.Background(), Config{Driver: "sqlite", DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening runs the migrations again against the existing file.
	s, err = DefaultRegistry().Open(context.Background(), Config{Driver: "sqlite", DataDir: dir})
	require.NoError(t, err)
	s.Close()
}

func TestRegistryUnknownDriver(t *testing.T) {
	_, err := DefaultRegistry().Open(context.Background(), Config{Driver: "db2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestRegistryMissingDSN(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlserver", "oracle", "mongodb"} {
		_, err := DefaultRegistry().Open(context.Background(), Config{Driver: driver})
		assert.Error(t, err, driver)
	}
}

func TestMySQLDSNAddsParseTime(t *testing.T) {
	d, err := dialectFor("mysql")
	require.NoError(t, err)

	dsn, err := d.dsn(Config{DSN: "user:pw@tcp(localhost:3306)/keys"})
	require.NoError(t, err)
	assert.Equal(t, "user:pw@tcp(localhost:3306)/keys?parseTime=true&loc=UTC", dsn)

	dsn, err = d.dsn(Config{DSN: "user:pw@tcp(localhost:3306)/keys?tls=true"})
	require.NoError(t, err)
	assert.Equal(t, "user:pw@tcp(localhost:3306)/keys?tls=true&parseTime=true&loc=UTC", dsn)

	dsn, err = d.dsn(Config{DSN: "x/y?parseTime=false"})
	require.NoError(t, err)
	assert.Equal(t, "x/y?parseTime=false", dsn)
}

func TestOracleDSNAddsScheme(t *testing.T) {
	d, err := dialectFor("oracle")
	require.NoError(t, err)

	dsn, err := d.dsn(Config{DSN: "gk:pw@db.internal:1521/KEYS"})
	require.NoError(t, err)
	assert.Equal(t, "oracle://gk:pw@db.internal:1521/KEYS", dsn)

	dsn, err = d.dsn(Config{DSN: "oracle://gk:pw@db.internal:1521/KEYS?SSL=true"})
	require.NoError(t, err)
	assert.Equal(t, "oracle://gk:pw@db.internal:1521/KEYS?SSL=true", dsn)

	_, err = d.dsn(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle store requires a dsn")
}

func TestOracleDialect(t *testing.T) {
	d, err := dialectFor("oracle")
	require.NoError(t, err)
	assert.Equal(t, "oracle", d.sqlDriver)
	assert.Equal(t, sqlx.NAMED, sqlx.BindType(d.sqlDriver))

	assert.True(t, strings.HasPrefix(d.columns, `id AS "id", user_id AS "user_id"`), d.columns)
	assert.True(t, strings.HasSuffix(d.columns, `last_used_from_ip AS "last_used_from_ip"`), d.columns)
	assert.Equal(t, strings.Count(keyColumns, ",")+1, strings.Count(d.columns, " AS "))

	assert.True(t, d.isIgnorable(errors.New("ORA-00955: name is already used by an existing object")))
	assert.True(t, d.isIgnorable(errors.New("ORA-01408: such column list already indexed")))
	assert.False(t, d.isIgnorable(errors.New("ORA-00904: invalid identifier")))

	for _, m := range d.migrations {
		assert.NotContains(t, m, "IF NOT EXISTS")
		assert.False(t, strings.HasSuffix(strings.TrimSpace(m), ";"), "go-ora rejects a trailing semicolon")
	}
	assert.NotContains(t, d.migrations[0], "NOT NULL DEFAULT ''")
}

func TestDialectColumnsDefault(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres", "mysql", "sqlserver"} {
		d, err := dialectFor(driver)
		require.NoError(t, err, driver)
		assert.Equal(t, keyColumns, d.columns, driver)
	}
}
