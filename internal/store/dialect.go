package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	_ "modernc.org/sqlite"
)

func init() {
	// go-ora registers as "oracle", which sqlx does not know; it takes
	// :name placeholders.
	sqlx.BindDriver("oracle", sqlx.NAMED)
}

// dialect holds what differs between the SQL backends: the database/sql
// driver name, the select list, the schema DDL and the migration errors that
// mean "already applied".
type dialect struct {
	name       string
	sqlDriver  string
	columns    string
	migrations []string
	ignorable  []string
}

func dialectFor(driver string) (dialect, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return d, err
	}
	if d.columns == "" {
		d.columns = keyColumns
	}
	return d, nil
}

func lookupDialect(driver string) (dialect, error) {
	switch driver {
	case "sqlite":
		return dialect{
			name:       "sqlite",
			sqlDriver:  "sqlite",
			migrations: sqliteMigrations,
			ignorable:  []string{"duplicate column"},
		}, nil
	case "postgres":
		return dialect{
			name:       "postgres",
			sqlDriver:  "pgx",
			migrations: postgresMigrations,
			ignorable:  []string{"already exists"},
		}, nil
	case "mysql":
		return dialect{
			name:       "mysql",
			sqlDriver:  "mysql",
			migrations: mysqlMigrations,
			ignorable:  []string{"Duplicate key name", "Duplicate column"},
		}, nil
	case "sqlserver":
		return dialect{
			name:       "sqlserver",
			sqlDriver:  "sqlserver",
			migrations: sqlserverMigrations,
		}, nil
	case "oracle":
		return dialect{
			name:       "oracle",
			sqlDriver:  "oracle",
			columns:    lowerAliases(keyColumns),
			migrations: oracleMigrations,
			// ORA-00955: name is already used; ORA-01408: column list
			// already indexed.
			ignorable: []string{"ORA-00955", "ORA-01408"},
		}, nil
	}
	return dialect{}, errors.Errorf("unknown sql dialect %q", driver)
}

func (d dialect) isIgnorable(err error) bool {
	msg := err.Error()
	for _, s := range d.ignorable {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// dsn returns the connection string for cfg, filling in dialect defaults.
func (d dialect) dsn(cfg Config) (string, error) {
	switch d.name {
	case "sqlite":
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		if cfg.DataDir == "" {
			return ":memory:?_journal_mode=WAL", nil
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return "", errors.Wrap(err, "create data dir")
		}
		return filepath.Join(cfg.DataDir, "gatekeeper.db") + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case "mysql":
		if cfg.DSN == "" {
			return "", errors.New("mysql store requires a dsn")
		}
		if strings.Contains(cfg.DSN, "parseTime=") {
			return cfg.DSN, nil
		}
		sep := "?"
		if strings.Contains(cfg.DSN, "?") {
			sep = "&"
		}
		return cfg.DSN + sep + "parseTime=true&loc=UTC", nil
	case "oracle":
		if cfg.DSN == "" {
			return "", errors.New("oracle store requires a dsn")
		}
		if strings.HasPrefix(cfg.DSN, "oracle://") {
			return cfg.DSN, nil
		}
		return "oracle://" + cfg.DSN, nil
	}
	if cfg.DSN == "" {
		return "", errors.Errorf("%s store requires a dsn", d.name)
	}
	return cfg.DSN, nil
}

// lowerAliases labels each column with its quoted lower-case name. Oracle
// reports unquoted identifiers in upper case, which would not match the db
// tags.
func lowerAliases(columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		c := strings.TrimSpace(p)
		parts[i] = c + ` AS "` + c + `"`
	}
	return strings.Join(parts, ", ")
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT 'free',
		status TEXT NOT NULL DEFAULT 'active',
		request_count INTEGER NOT NULL DEFAULT 0,
		daily_limit INTEGER,
		monthly_limit INTEGER,
		monthly_count INTEGER NOT NULL DEFAULT 0,
		usage_month TEXT NOT NULL DEFAULT '',
		allowed_endpoints TEXT NOT NULL DEFAULT '[]',
		allowed_origins TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at DATETIME,
		created_from_ip TEXT NOT NULL DEFAULT '',
		last_used_from_ip TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_user_status ON api_keys(user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_status ON api_keys(status)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT 'free',
		status TEXT NOT NULL DEFAULT 'active',
		request_count BIGINT NOT NULL DEFAULT 0,
		daily_limit BIGINT,
		monthly_limit BIGINT,
		monthly_count BIGINT NOT NULL DEFAULT 0,
		usage_month TEXT NOT NULL DEFAULT '',
		allowed_endpoints TEXT NOT NULL DEFAULT '[]',
		allowed_origins TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		created_from_ip TEXT NOT NULL DEFAULT '',
		last_used_from_ip TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_user_status ON api_keys(user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_status ON api_keys(status)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS; reruns fail with
// "Duplicate key name", which is ignored.
var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		key_hash VARCHAR(128) NOT NULL,
		key_prefix VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		tier VARCHAR(16) NOT NULL DEFAULT 'free',
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		request_count BIGINT NOT NULL DEFAULT 0,
		daily_limit BIGINT NULL,
		monthly_limit BIGINT NULL,
		monthly_count BIGINT NOT NULL DEFAULT 0,
		usage_month VARCHAR(7) NOT NULL DEFAULT '',
		allowed_endpoints TEXT NOT NULL,
		allowed_origins TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		last_used_at DATETIME(6) NULL,
		expires_at DATETIME(6) NULL,
		created_from_ip VARCHAR(64) NOT NULL DEFAULT '',
		last_used_from_ip VARCHAR(64) NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX idx_api_keys_key_hash ON api_keys(key_hash)`,
	`CREATE INDEX idx_api_keys_user_status ON api_keys(user_id, status)`,
	`CREATE INDEX idx_api_keys_status ON api_keys(status)`,
}

var sqlserverMigrations = []string{
	`IF OBJECT_ID(N'api_keys', N'U') IS NULL
	CREATE TABLE api_keys (
		id NVARCHAR(64) PRIMARY KEY,
		user_id NVARCHAR(191) NOT NULL,
		key_hash NVARCHAR(128) NOT NULL,
		key_prefix NVARCHAR(64) NOT NULL,
		name NVARCHAR(255) NOT NULL,
		description NVARCHAR(MAX) NOT NULL DEFAULT '',
		tier NVARCHAR(16) NOT NULL DEFAULT 'free',
		status NVARCHAR(16) NOT NULL DEFAULT 'active',
		request_count BIGINT NOT NULL DEFAULT 0,
		daily_limit BIGINT NULL,
		monthly_limit BIGINT NULL,
		monthly_count BIGINT NOT NULL DEFAULT 0,
		usage_month NVARCHAR(7) NOT NULL DEFAULT '',
		allowed_endpoints NVARCHAR(MAX) NOT NULL DEFAULT '[]',
		allowed_origins NVARCHAR(MAX) NOT NULL DEFAULT '[]',
		created_at DATETIME2 NOT NULL,
		updated_at DATETIME2 NOT NULL,
		last_used_at DATETIME2 NULL,
		expires_at DATETIME2 NULL,
		created_from_ip NVARCHAR(64) NOT NULL DEFAULT '',
		last_used_from_ip NVARCHAR(64) NOT NULL DEFAULT ''
	)`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_api_keys_key_hash')
	CREATE UNIQUE INDEX idx_api_keys_key_hash ON api_keys(key_hash)`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_api_keys_user_status')
	CREATE INDEX idx_api_keys_user_status ON api_keys(user_id, status)`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_api_keys_status')
	CREATE INDEX idx_api_keys_status ON api_keys(status)`,
}

// Oracle stores '' as NULL, so text columns that may be empty are nullable.
// Reruns fail with ORA-00955, which is ignored.
var oracleMigrations = []string{
	`CREATE TABLE api_keys (
		id VARCHAR2(64) PRIMARY KEY,
		user_id VARCHAR2(191) NOT NULL,
		key_hash VARCHAR2(128) NOT NULL,
		key_prefix VARCHAR2(64) NOT NULL,
		name VARCHAR2(255) NOT NULL,
		description VARCHAR2(2000),
		tier VARCHAR2(16) DEFAULT 'free' NOT NULL,
		status VARCHAR2(16) DEFAULT 'active' NOT NULL,
		request_count NUMBER(19) DEFAULT 0 NOT NULL,
		daily_limit NUMBER(19),
		monthly_limit NUMBER(19),
		monthly_count NUMBER(19) DEFAULT 0 NOT NULL,
		usage_month VARCHAR2(7),
		allowed_endpoints CLOB DEFAULT '[]' NOT NULL,
		allowed_origins CLOB DEFAULT '[]' NOT NULL,
		created_at TIMESTAMP(6) WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP(6) WITH TIME ZONE NOT NULL,
		last_used_at TIMESTAMP(6) WITH TIME ZONE,
		expires_at TIMESTAMP(6) WITH TIME ZONE,
		created_from_ip VARCHAR2(64),
		last_used_from_ip VARCHAR2(64)
	)`,
	`CREATE UNIQUE INDEX idx_api_keys_key_hash ON api_keys(key_hash)`,
	`CREATE INDEX idx_api_keys_user_status ON api_keys(user_id, status)`,
	`CREATE INDEX idx_api_keys_status ON api_keys(status)`,
}
