package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pdfflex/gatekeeper/internal/model"
)

// SQLStore keeps API keys in a single api_keys table through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

var (
	_ Store            = (*SQLStore)(nil)
	_ UsageIncrementer = (*SQLStore)(nil)
)

func openSQL(ctx context.Context, cfg Config) (Store, error) {
	return OpenSQL(ctx, cfg)
}

// OpenSQL connects to the database described by cfg and applies the schema.
func OpenSQL(ctx context.Context, cfg Config) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, d.sqlDriver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "%s connect", d.name)
	}

	if d.name == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	s := &SQLStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return s, nil
}

// NewMemory opens an in-memory SQLite store.
func NewMemory(ctx context.Context) (*SQLStore, error) {
	return OpenSQL(ctx, Config{Driver: "sqlite"})
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, m := range s.dialect.migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			if s.dialect.isIgnorable(err) {
				continue
			}
			return errors.Wrapf(err, "migration failed\nSQL: %s", m)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

const keyColumns = `id, user_id, key_hash, key_prefix, name, description, tier, status,
	request_count, daily_limit, monthly_limit, monthly_count, usage_month,
	allowed_endpoints, allowed_origins, created_at, updated_at, last_used_at,
	expires_at, created_from_ip, last_used_from_ip`

// keyRow maps 1:1 to the api_keys columns. List fields are stored as JSON
// text so every dialect can hold them in a plain column. Strings that may be
// empty are nullable for Oracle.
type keyRow struct {
	ID               string         `db:"id"`
	UserID           string         `db:"user_id"`
	KeyHash          string         `db:"key_hash"`
	KeyPrefix        string         `db:"key_prefix"`
	Name             string         `db:"name"`
	Description      sql.NullString `db:"description"`
	Tier             string         `db:"tier"`
	Status           string         `db:"status"`
	RequestCount     int64          `db:"request_count"`
	DailyLimit       sql.NullInt64  `db:"daily_limit"`
	MonthlyLimit     sql.NullInt64  `db:"monthly_limit"`
	MonthlyCount     int64          `db:"monthly_count"`
	UsageMonth       sql.NullString `db:"usage_month"`
	AllowedEndpoints string         `db:"allowed_endpoints"`
	AllowedOrigins   string         `db:"allowed_origins"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	LastUsedAt       sql.NullTime   `db:"last_used_at"`
	ExpiresAt        sql.NullTime   `db:"expires_at"`
	CreatedFromIP    sql.NullString `db:"created_from_ip"`
	LastUsedFromIP   sql.NullString `db:"last_used_from_ip"`
}

func keyRowFromModel(k *model.APIKey) (keyRow, error) {
	endpoints, err := encodeList(k.AllowedEndpoints)
	if err != nil {
		return keyRow{}, err
	}
	origins, err := encodeList(k.AllowedOrigins)
	if err != nil {
		return keyRow{}, err
	}
	return keyRow{
		ID:               k.ID,
		UserID:           k.UserID,
		KeyHash:          k.KeyHash,
		KeyPrefix:        k.KeyPrefix,
		Name:             k.Name,
		Description:      text(k.Description),
		Tier:             string(k.Tier),
		Status:           string(k.Status),
		RequestCount:     k.RequestCount,
		DailyLimit:       nullInt(k.DailyLimit),
		MonthlyLimit:     nullInt(k.MonthlyLimit),
		MonthlyCount:     k.MonthlyCount,
		UsageMonth:       text(k.UsageMonth),
		AllowedEndpoints: endpoints,
		AllowedOrigins:   origins,
		CreatedAt:        k.CreatedAt,
		UpdatedAt:        k.UpdatedAt,
		LastUsedAt:       nullTime(k.LastUsedAt),
		ExpiresAt:        nullTime(k.ExpiresAt),
		CreatedFromIP:    text(k.CreatedFromIP),
		LastUsedFromIP:   text(k.LastUsedFromIP),
	}, nil
}

func (r keyRow) toModel() (model.APIKey, error) {
	endpoints, err := decodeList(r.AllowedEndpoints)
	if err != nil {
		return model.APIKey{}, errors.Wrap(err, "decode allowed_endpoints")
	}
	origins, err := decodeList(r.AllowedOrigins)
	if err != nil {
		return model.APIKey{}, errors.Wrap(err, "decode allowed_origins")
	}
	k := model.APIKey{
		ID:               r.ID,
		UserID:           r.UserID,
		KeyHash:          r.KeyHash,
		KeyPrefix:        r.KeyPrefix,
		Name:             r.Name,
		Description:      r.Description.String,
		Tier:             model.Tier(r.Tier),
		Status:           model.Status(r.Status),
		RequestCount:     r.RequestCount,
		MonthlyCount:     r.MonthlyCount,
		UsageMonth:       r.UsageMonth.String,
		AllowedEndpoints: endpoints,
		AllowedOrigins:   origins,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		CreatedFromIP:    r.CreatedFromIP.String,
		LastUsedFromIP:   r.LastUsedFromIP.String,
	}
	if r.DailyLimit.Valid {
		v := r.DailyLimit.Int64
		k.DailyLimit = &v
	}
	if r.MonthlyLimit.Valid {
		v := r.MonthlyLimit.Int64
		k.MonthlyLimit = &v
	}
	if r.LastUsedAt.Valid {
		t := r.LastUsedAt.Time.UTC()
		k.LastUsedAt = &t
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time.UTC()
		k.ExpiresAt = &t
	}
	return k, nil
}

func rowsToModels(rows []keyRow) ([]model.APIKey, error) {
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func encodeList(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode list")
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// text writes s as a present value. Oracle reads an empty string back as
// NULL, which scans to "".
func text(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *SQLStore) getOne(ctx context.Context, op, where string, args ...interface{}) (*model.APIKey, error) {
	var row keyRow
	q := s.db.Rebind("SELECT " + s.dialect.columns + " FROM api_keys WHERE " + where)
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, op)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return &k, nil
}

// FindActiveByHash looks up an active key by its hash.
func (s *SQLStore) FindActiveByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getOne(ctx, "find api key by hash", "key_hash = ? AND status = ?", hash, string(model.StatusActive))
}

// Get returns a key by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getOne(ctx, "get api key", "id = ?", id)
}

// FindActiveByUser returns the user's keys that still count toward the tier
// ceiling.
func (s *SQLStore) FindActiveByUser(ctx context.Context, userID string) ([]model.APIKey, error) {
	var rows []keyRow
	q := s.db.Rebind("SELECT " + s.dialect.columns + ` FROM api_keys
		WHERE user_id = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC, id DESC`)
	err := s.db.SelectContext(ctx, &rows, q, userID, string(model.StatusRevoked), string(model.StatusExpired))
	if err != nil {
		return nil, errors.Wrap(err, "find api keys by user")
	}
	return rowsToModels(rows)
}

// ListByUser returns all of the user's keys, newest first.
func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]model.APIKey, error) {
	var rows []keyRow
	q := s.db.Rebind("SELECT " + s.dialect.columns + " FROM api_keys WHERE user_id = ? ORDER BY created_at DESC, id DESC")
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, errors.Wrap(err, "list api keys")
	}
	return rowsToModels(rows)
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Create inserts a new key record. The key hash must already be set.
func (s *SQLStore) Create(ctx context.Context, key *model.APIKey) error {
	if key.KeyHash == "" {
		return errors.New("insert api key: empty key hash")
	}
	if key.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return errors.Wrap(err, "generate api key id")
		}
		key.ID = id.String()
	}
	now := s.now()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = key.CreatedAt
	if key.AllowedEndpoints == nil {
		key.AllowedEndpoints = []string{}
	}
	if key.AllowedOrigins == nil {
		key.AllowedOrigins = []string{}
	}

	row, err := keyRowFromModel(key)
	if err != nil {
		return errors.Wrap(err, "insert api key")
	}

	const q = `INSERT INTO api_keys
		(id, user_id, key_hash, key_prefix, name, description, tier, status,
		 request_count, daily_limit, monthly_limit, monthly_count, usage_month,
		 allowed_endpoints, allowed_origins, created_at, updated_at, last_used_at,
		 expires_at, created_from_ip, last_used_from_ip)
		VALUES
		(:id, :user_id, :key_hash, :key_prefix, :name, :description, :tier, :status,
		 :request_count, :daily_limit, :monthly_limit, :monthly_count, :usage_month,
		 :allowed_endpoints, :allowed_origins, :created_at, :updated_at, :last_used_at,
		 :expires_at, :created_from_ip, :last_used_from_ip)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return errors.Wrap(err, "insert api key")
	}
	return nil
}

// Update applies patch and returns the updated record.
func (s *SQLStore) Update(ctx context.Context, id string, patch model.APIKeyPatch) (*model.APIKey, error) {
	sets, args, err := patchColumns(patch)
	if err != nil {
		return nil, errors.Wrap(err, "update api key")
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id)

	where := " WHERE id = ?"
	if patch.IfStatus != nil {
		where += " AND status = ?"
		args = append(args, string(*patch.IfStatus))
	}

	q := s.db.Rebind("UPDATE api_keys SET " + strings.Join(sets, ", ") + where)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "update api key")
	}
	if patch.IfStatus != nil {
		// updated_at always changes, so a matched row is a changed row.
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			if _, err := s.Get(ctx, id); err != nil {
				return nil, err
			}
			return nil, ErrStatusChanged
		}
	}
	// RowsAffected is unreliable on MySQL when values are unchanged, so
	// existence is decided by reading the row back.
	return s.Get(ctx, id)
}

func patchColumns(p model.APIKeyPatch) ([]string, []interface{}, error) {
	var (
		sets []string
		args []interface{}
	)
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.DailyLimit != nil {
		add("daily_limit", nullInt(*p.DailyLimit))
	}
	if p.MonthlyLimit != nil {
		add("monthly_limit", nullInt(*p.MonthlyLimit))
	}
	if p.AllowedEndpoints != nil {
		v, err := encodeList(*p.AllowedEndpoints)
		if err != nil {
			return nil, nil, err
		}
		add("allowed_endpoints", v)
	}
	if p.AllowedOrigins != nil {
		v, err := encodeList(*p.AllowedOrigins)
		if err != nil {
			return nil, nil, err
		}
		add("allowed_origins", v)
	}
	if p.RequestCount != nil {
		add("request_count", *p.RequestCount)
	}
	if p.MonthlyCount != nil {
		add("monthly_count", *p.MonthlyCount)
	}
	if p.UsageMonth != nil {
		add("usage_month", *p.UsageMonth)
	}
	if p.LastUsedAt != nil {
		add("last_used_at", p.LastUsedAt.UTC())
	}
	if p.LastUsedFromIP != nil {
		add("last_used_from_ip", *p.LastUsedFromIP)
	}
	return sets, args, nil
}

// IncrementUsage counts one request in a single UPDATE. monthly_count is
// assigned before usage_month so MySQL, which evaluates SET left to right,
// compares against the stored window.
func (s *SQLStore) IncrementUsage(ctx context.Context, id string, at time.Time, ip string) error {
	at = at.UTC()
	month := model.UsageMonthOf(at)

	q := `UPDATE api_keys SET
		request_count = request_count + 1,
		monthly_count = CASE WHEN usage_month = ? THEN monthly_count + 1 ELSE 1 END,
		usage_month = ?,
		last_used_at = ?,
		updated_at = ?`
	args := []interface{}{month, month, at, at}
	if ip != "" {
		q += `, last_used_from_ip = ?`
		args = append(args, ip)
	}
	q += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return errors.Wrap(err, "increment api key usage")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "increment api key usage rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
