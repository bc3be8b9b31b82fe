package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"snipserve/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type Opts struct {
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// Store is the relational backing for users, pastes and view events.
type Store struct {
	db           *sql.DB
	dialect      Dialect
	br           breaker
	queryTimeout time.Duration
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Open connects using a database/sql driver name ("sqlite3" or "pgx") and
// applies pending migrations.
func Open(ctx context.Context, driver, dsn string, o Opts) (*Store, error) {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = defaultMaxOpenConns
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = defaultMaxIdleConns
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	var d Dialect
	memory := false
	switch driver {
	case "sqlite3":
		d = SQLite
		// every connection to :memory: is a separate database
		memory = dsn == ":memory:"
		if memory {
			o.MaxOpenConns = 1
		}
		dsn = sqliteDSN(dsn)
	case "pgx":
		d = Postgres
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxIdleConns)
	if !memory {
		db.SetConnMaxLifetime(1 * time.Hour)
		db.SetConnMaxIdleTime(10 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &Store{db: db, dialect: d, queryTimeout: o.QueryTimeout}
	if err := Migrate(ctx, db, d); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// sqliteDSN turns on WAL, foreign keys and BEGIN IMMEDIATE for every
// transaction so a writer takes the lock before reading.
func sqliteDSN(path string) string {
	params := "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1&_txlock=immediate&_synchronous=FULL"
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return "file:" + path + "?" + params
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.br.allow(); err != nil {
		return nil, nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	return qctx, cancel, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// conflict maps a uniqueness failure to the domain taxonomy. Callers never retry.
func conflict(err error) error {
	if strings.Contains(err.Error(), "username") {
		return domain.ErrUsernameTaken
	}
	return errors.Wrap(domain.ErrConflict, err.Error())
}

func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
