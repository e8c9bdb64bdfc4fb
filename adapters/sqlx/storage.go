package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"sipkit/core"
)

// Driver names a supported SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver(string(DriverSQLite), sqlx.QUESTION)
}

// Config holds SQL connection settings.
type Config struct {
	Driver          Driver        `json:"driver" env:"SIPKIT_SQL_DRIVER"`
	DSN             string        `json:"dsn,omitempty" env:"SIPKIT_SQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" env:"SIPKIT_SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"SIPKIT_SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"SIPKIT_SQL_CONN_MAX_LIFETIME"`
	ConnectTimeout  time.Duration `json:"connect_timeout" env:"SIPKIT_SQL_CONNECT_TIMEOUT"`
	MaxRetries      int           `json:"max_retries" env:"SIPKIT_SQL_MAX_RETRIES"`
	AutoMigrate     bool          `json:"auto_migrate" env:"SIPKIT_SQL_AUTO_MIGRATE"`
}

// DefaultConfig returns pool defaults for the driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  30 * time.Second,
		MaxRetries:      5,
		AutoMigrate:     true,
	}
	if driver == DriverSQLite {
		// one writer; the in-memory DSN is per-connection
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.DSN = "file::memory:?cache=shared"
	}
	return cfg
}

// Store implements the engine repository on top of a SQL database.
// Award uniqueness is the table constraint UNIQUE (user_id, badge_id, scope),
// where scope is the session id for per-session badges and '' otherwise.
type Store struct {
	db     *sqlx.DB
	driver Driver
}

// New opens the database, waits for it with exponential backoff and applies
// the schema when AutoMigrate is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sql dsn is required")
	}
	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := ping(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := NewWithDB(db, cfg.Driver)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func ping(ctx context.Context, db *sqlx.DB, cfg Config) error {
	b := backoff.NewExponentialBackOff()
	if cfg.ConnectTimeout > 0 {
		b.MaxElapsedTime = cfg.ConnectTimeout
	}
	var policy backoff.BackOff = b
	if cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}
	err := backoff.RetryNotify(
		func() error { return db.PingContext(ctx) },
		backoff.WithContext(policy, ctx),
		func(err error, d time.Duration) {
			slog.Warn("database ping failed", "driver", cfg.Driver, "error", err, "backoff", d)
		},
	)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Driver, err)
	}
	return nil
}

// NewWithDB wraps an existing connection (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id VARCHAR(191) PRIMARY KEY,
		weight_kg {{float}} NOT NULL,
		gender VARCHAR(16) NOT NULL,
		age INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR(191) PRIMARY KEY,
		start_time {{ts}} NOT NULL,
		end_time {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS drinks (
		id VARCHAR(191) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		session_id VARCHAR(191) NOT NULL,
		volume_ml {{float}} NOT NULL,
		alcohol_percentage {{float}} NOT NULL,
		consumed_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS badges (
		id VARCHAR(191) PRIMARY KEY,
		code VARCHAR(191) NOT NULL UNIQUE,
		name TEXT,
		description TEXT,
		category VARCHAR(32) NOT NULL,
		criteria TEXT NOT NULL,
		is_automatic BOOLEAN NOT NULL,
		is_active BOOLEAN NOT NULL,
		points INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS user_badges (
		id VARCHAR(191) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		badge_id VARCHAR(191) NOT NULL,
		scope VARCHAR(191) NOT NULL DEFAULT '',
		session_id VARCHAR(191) NULL,
		earned_at {{ts}} NOT NULL,
		metadata TEXT,
		UNIQUE (user_id, badge_id, scope)
	)`,
	`CREATE TABLE IF NOT EXISTS badge_progress (
		user_id VARCHAR(191) NOT NULL,
		badge_id VARCHAR(191) NOT NULL,
		current_value {{float}} NOT NULL,
		last_updated {{ts}} NOT NULL,
		PRIMARY KEY (user_id, badge_id)
	)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS; the unique key covers awards there.
var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_drinks_user ON drinks (user_id, session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_drinks_session ON drinks (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_end ON sessions (end_time)`,
}

func (s *Store) dialect() *strings.Replacer {
	switch s.driver {
	case DriverPostgres:
		return strings.NewReplacer("{{float}}", "DOUBLE PRECISION", "{{ts}}", "TIMESTAMPTZ")
	case DriverMySQL:
		return strings.NewReplacer("{{float}}", "DOUBLE", "{{ts}}", "DATETIME(6)")
	}
	return strings.NewReplacer("{{float}}", "REAL", "{{ts}}", "TIMESTAMP")
}

// Migrate applies the idempotent schema.
func (s *Store) Migrate(ctx context.Context) error {
	r := s.dialect()
	stmts := make([]string, 0, len(schema)+len(indexes))
	for _, q := range schema {
		stmts = append(stmts, r.Replace(q))
	}
	if s.driver != DriverMySQL {
		stmts = append(stmts, indexes...)
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return core.Persistence("migrate", err)
		}
	}
	return nil
}

// upsertSQL builds an insert that overwrites non-key columns on conflict.
func (s *Store) upsertSQL(table string, cols, keys []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		if s.driver == DriverMySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks)
	if s.driver == DriverMySQL {
		q += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	} else {
		q += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
	}
	return s.db.Rebind(q)
}

func (s *Store) SaveProfile(ctx context.Context, p core.Profile) error {
	q := s.upsertSQL("profiles", []string{"id", "weight_kg", "gender", "age"}, []string{"id"})
	_, err := s.db.ExecContext(ctx, q, p.ID, p.WeightKg, p.Gender, p.Age)
	return core.Persistence("save profile", err)
}

func (s *Store) FetchProfile(ctx context.Context, user core.UserID) (core.Profile, error) {
	var p core.Profile
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT id, weight_kg, gender, age FROM profiles WHERE id = ?`), user)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Profile{}, core.Persistence("fetch profile", fmt.Errorf("profile %q: %w", user, core.ErrNotFound))
	}
	return p, core.Persistence("fetch profile", err)
}

func (s *Store) SaveSession(ctx context.Context, sess core.Session) error {
	q := s.upsertSQL("sessions", []string{"id", "start_time", "end_time"}, []string{"id"})
	_, err := s.db.ExecContext(ctx, q, sess.ID, sess.StartTime.UTC(), sess.EndTime.UTC())
	return core.Persistence("save session", err)
}

func (s *Store) FetchSession(ctx context.Context, id core.SessionID) (core.Session, error) {
	var sess core.Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(`SELECT id, start_time, end_time FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, core.Persistence("fetch session", fmt.Errorf("session %q: %w", id, core.ErrNotFound))
	}
	return sess, core.Persistence("fetch session", err)
}

func (s *Store) LogDrink(ctx context.Context, d core.DrinkEntry) (core.DrinkEntry, error) {
	if d.ID == "" {
		d.ID = core.DrinkID(uuid.NewString())
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO drinks
		(id, user_id, session_id, volume_ml, alcohol_percentage, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		d.ID, d.UserID, d.SessionID, d.VolumeMl, d.AlcoholPercentage, d.ConsumedAt.UTC())
	if err != nil {
		return core.DrinkEntry{}, core.Persistence("log drink", err)
	}
	return d, nil
}

func (s *Store) FetchDrinks(ctx context.Context, user core.UserID, session core.SessionID) ([]core.DrinkEntry, error) {
	q := `SELECT id, user_id, session_id, volume_ml, alcohol_percentage, consumed_at FROM drinks WHERE user_id = ?`
	args := []any{user}
	if !session.IsZero() {
		q += ` AND session_id = ?`
		args = append(args, session)
	}
	q += ` ORDER BY consumed_at`
	var out []core.DrinkEntry
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, core.Persistence("fetch drinks", err)
	}
	return out, nil
}

func (s *Store) CountAllTime(ctx context.Context, metric core.MetricName, user core.UserID) (float64, error) {
	var q string
	switch metric {
	case core.MetricTotalDrinks:
		q = `SELECT COUNT(*) FROM drinks WHERE user_id = ?`
	case core.MetricSessionCount:
		q = `SELECT COUNT(DISTINCT session_id) FROM drinks WHERE user_id = ?`
	default:
		return 0, fmt.Errorf("%w: %q is not an all-time count", core.ErrUnknownMetric, metric)
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(q), user); err != nil {
		return 0, core.Persistence("count all time", err)
	}
	return float64(n), nil
}

func (s *Store) CountInSession(ctx context.Context, metric core.MetricName, user core.UserID, session core.SessionID) (float64, error) {
	var (
		q    string
		args []any
	)
	switch metric {
	case core.MetricDrinksInSession:
		q = `SELECT COUNT(*) FROM drinks WHERE user_id = ? AND session_id = ?`
		args = []any{user, session}
	case core.MetricUniqueFriendsInSession:
		q = `SELECT COUNT(DISTINCT user_id) FROM drinks WHERE session_id = ? AND user_id <> ?`
		args = []any{session, user}
	default:
		return 0, fmt.Errorf("%w: %q is not a session count", core.ErrUnknownMetric, metric)
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(q), args...); err != nil {
		return 0, core.Persistence("count in session", err)
	}
	return float64(n), nil
}

type badgeRow struct {
	core.Badge
	CriteriaJSON string `db:"criteria"`
}

const badgeColumns = `id, code, name, description, category, criteria, is_automatic, is_active, points`

func (s *Store) SaveBadge(ctx context.Context, b core.Badge) error {
	criteria, err := json.Marshal(b.Criteria)
	if err != nil {
		return fmt.Errorf("encode criteria for %s: %w", b.ID, err)
	}
	q := s.upsertSQL("badges", strings.Split(badgeColumns, ", "), []string{"id"})
	_, err = s.db.ExecContext(ctx, q,
		b.ID, b.Code, b.Name, b.Description, b.Category, string(criteria), b.IsAutomatic, b.IsActive, b.Points)
	return core.Persistence("save badge", err)
}

func (s *Store) FetchActiveAutomaticBadges(ctx context.Context, categories []core.Category) ([]core.Badge, error) {
	if len(categories) == 0 {
		return nil, nil
	}
	cats := make([]string, len(categories))
	for i, c := range categories {
		cats[i] = string(c)
	}
	q, args, err := sqlx.In(`SELECT `+badgeColumns+` FROM badges
		WHERE is_active = ? AND is_automatic = ? AND category IN (?) ORDER BY id`, true, true, cats)
	if err != nil {
		return nil, fmt.Errorf("build badge query: %w", err)
	}
	var rows []badgeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, core.Persistence("fetch badges", err)
	}
	out := make([]core.Badge, 0, len(rows))
	for _, r := range rows {
		b := r.Badge
		// a bad document surfaces as ErrInvalidCriteria for this badge only
		if err := json.Unmarshal([]byte(r.CriteriaJSON), &b.Criteria); err != nil {
			b.Criteria = core.CriteriaDoc{}
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) conflictNothing() string {
	if s.driver == DriverMySQL {
		return ` ON DUPLICATE KEY UPDATE id = id`
	}
	return ` ON CONFLICT (user_id, badge_id, scope) DO NOTHING`
}

// AwardIfAbsent inserts the award and lets the unique key reject duplicates.
// When nothing was inserted the existing row's id is returned.
func (s *Store) AwardIfAbsent(ctx context.Context, req core.AwardRequest) (core.AwardResult, error) {
	id := uuid.NewString()
	md, err := encodeMetadata(req.Metadata)
	if err != nil {
		return core.AwardResult{}, err
	}
	earned := req.EarnedAt
	if earned.IsZero() {
		earned = time.Now()
	}
	q := s.db.Rebind(`INSERT INTO user_badges
		(id, user_id, badge_id, scope, session_id, earned_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)` + s.conflictNothing())
	res, err := s.db.ExecContext(ctx, q,
		id, req.UserID, req.BadgeID, string(req.SessionID), nullSession(req.SessionID), earned.UTC(), md)
	if err != nil {
		return core.AwardResult{}, core.Persistence("award if absent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.AwardResult{}, core.Persistence("award if absent", err)
	}
	if n == 1 {
		return core.AwardResult{Created: true, UserBadgeID: id}, nil
	}
	var existing string
	err = s.db.GetContext(ctx, &existing,
		s.db.Rebind(`SELECT id FROM user_badges WHERE user_id = ? AND badge_id = ? AND scope = ?`),
		req.UserID, req.BadgeID, string(req.SessionID))
	if err != nil {
		return core.AwardResult{}, core.Persistence("award if absent", err)
	}
	return core.AwardResult{Created: false, UserBadgeID: existing}, nil
}

type userBadgeRow struct {
	ID        string         `db:"id"`
	UserID    core.UserID    `db:"user_id"`
	BadgeID   core.BadgeID   `db:"badge_id"`
	SessionID sql.NullString `db:"session_id"`
	EarnedAt  time.Time      `db:"earned_at"`
	Metadata  sql.NullString `db:"metadata"`
}

func (s *Store) ListUserBadges(ctx context.Context, user core.UserID) ([]core.UserBadge, error) {
	var rows []userBadgeRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, user_id, badge_id, session_id, earned_at, metadata
		FROM user_badges WHERE user_id = ? ORDER BY earned_at, badge_id, scope`), user)
	if err != nil {
		return nil, core.Persistence("list user badges", err)
	}
	out := make([]core.UserBadge, 0, len(rows))
	for _, r := range rows {
		ub := core.UserBadge{
			ID:        r.ID,
			UserID:    r.UserID,
			BadgeID:   r.BadgeID,
			SessionID: core.SessionID(r.SessionID.String),
			EarnedAt:  r.EarnedAt.UTC(),
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			_ = json.Unmarshal([]byte(r.Metadata.String), &ub.Metadata)
		}
		out = append(out, ub)
	}
	return out, nil
}

func (s *Store) UpsertProgress(ctx context.Context, p core.BadgeProgress) error {
	q := s.upsertSQL("badge_progress",
		[]string{"user_id", "badge_id", "current_value", "last_updated"},
		[]string{"user_id", "badge_id"})
	_, err := s.db.ExecContext(ctx, q, p.UserID, p.BadgeID, p.CurrentValue, p.LastUpdated.UTC())
	return core.Persistence("upsert progress", err)
}

func (s *Store) EndedSessions(ctx context.Context, since, until time.Time) ([]core.Session, error) {
	var out []core.Session
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT id, start_time, end_time FROM sessions WHERE end_time > ? AND end_time <= ? ORDER BY end_time`),
		since.UTC(), until.UTC())
	if err != nil {
		return nil, core.Persistence("ended sessions", err)
	}
	return out, nil
}

func (s *Store) SessionParticipants(ctx context.Context, session core.SessionID) ([]core.UserID, error) {
	var out []core.UserID
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT DISTINCT user_id FROM drinks WHERE session_id = ? ORDER BY user_id`), session)
	if err != nil {
		return nil, core.Persistence("session participants", err)
	}
	return out, nil
}

func nullSession(s core.SessionID) sql.NullString {
	return sql.NullString{String: string(s), Valid: !s.IsZero()}
}

func encodeMetadata(md map[string]any) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode award metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
