// Package store persists API key records. It offers a small interface with
// a sqlx-backed implementation for SQLite, PostgreSQL, MySQL and SQL Server
// and a MongoDB implementation, selected through a driver Registry.
package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/pdfflex/gatekeeper/internal/model"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("not found")

// ErrStatusChanged is returned by a guarded Update when the record exists
// but no longer has the expected status.
var ErrStatusChanged = errors.New("status changed")

// Store is the credential store used by the validation, usage and issuance
// paths. Implementations must be safe for concurrent use.
type Store interface {
	// FindActiveByHash returns the key with the given hash if its status is
	// active, or ErrNotFound.
	FindActiveByHash(ctx context.Context, hash string) (*model.APIKey, error)

	// FindActiveByUser returns the user's keys that are not revoked or
	// expired. Inactive keys are included.
	FindActiveByUser(ctx context.Context, userID string) ([]model.APIKey, error)

	// ListByUser returns all of the user's keys, newest first.
	ListByUser(ctx context.Context, userID string) ([]model.APIKey, error)

	// Get returns a key by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.APIKey, error)

	// Create inserts key. ID, CreatedAt and UpdatedAt are assigned when unset.
	Create(ctx context.Context, key *model.APIKey) error

	// Update applies patch to the key with the given id and returns the
	// resulting record, or ErrNotFound. When patch.IfStatus is set and the
	// stored status differs, nothing is written and ErrStatusChanged is
	// returned.
	Update(ctx context.Context, id string, patch model.APIKeyPatch) (*model.APIKey, error)

	Ping(ctx context.Context) error
	Close() error
}

// UsageIncrementer is implemented by stores that can count a request in a
// single atomic write. The monthly counter restarts at 1 when the window of
// at differs from the stored one. An empty ip leaves the last-used address
// unchanged.
type UsageIncrementer interface {
	IncrementUsage(ctx context.Context, id string, at time.Time, ip string) error
}

// Config selects and tunes a backend.
type Config struct {
	Driver   string // sqlite, postgres, mysql, sqlserver, oracle, mongodb
	DSN      string
	DataDir  string // sqlite only; empty means in-memory
	Database string // mongodb only

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}
