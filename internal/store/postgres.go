package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/model"
)

// BackendPostgres keeps locks in a PostgreSQL table shared by all scopes.
const BackendPostgres = "postgres"

// uniqueViolation is the SQLSTATE reported when an INSERT hits the primary key.
const uniqueViolation = "unique_violation"

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresProvider stores the locks of every scope in one table keyed by
// (repository, id).
type PostgresProvider struct {
	db     *sql.DB
	table  string
	logger *zap.Logger

	mu     sync.Mutex
	scopes map[string]struct{}
}

// NewPostgresProvider connects to PostgreSQL and creates the locks table if
// it does not exist.
func NewPostgresProvider(ctx context.Context, cfg *PostgresConfig, logger *zap.Logger) (*PostgresProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p := &PostgresProvider{
		db:     db,
		table:  cfg.Table,
		logger: logger,
		scopes: make(map[string]struct{}),
	}

	if err := p.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("PostgreSQL lock store initialized", zap.String("table", cfg.Table))
	return p, nil
}

func (p *PostgresProvider) migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		repository TEXT NOT NULL,
		id         TEXT NOT NULL,
		path       TEXT NOT NULL,
		locked_at  TEXT NOT NULL,
		owner      TEXT,
		ref        TEXT,
		PRIMARY KEY (repository, id)
	)`, pq.QuoteIdentifier(p.table))

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create locks table: %w", err)
	}
	return nil
}

func (p *PostgresProvider) Backend() string { return BackendPostgres }

func (p *PostgresProvider) Open(_ context.Context, scope string) (Store, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.scopes[scope] = struct{}{}
	p.mu.Unlock()

	return &PostgresStore{
		db:     p.db,
		table:  pq.QuoteIdentifier(p.table),
		scope:  scope,
		logger: p.logger.With(zap.String("scope", scope)),
	}, nil
}

func (p *PostgresProvider) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	return nil
}

func (p *PostgresProvider) Stats(context.Context) (*StoreStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &StoreStats{
		Backend:           BackendPostgres,
		Scopes:            len(p.scopes),
		ClusterMembers:    1,
		ReplicationFactor: 1,
	}, nil
}

func (p *PostgresProvider) Close(context.Context) error {
	return p.db.Close()
}

// PostgresStore is a Store over the rows of one repository. The primary key
// makes the database arbitrate concurrent creators.
type PostgresStore struct {
	db     *sql.DB
	table  string
	scope  string
	logger *zap.Logger
}

func (s *PostgresStore) Create(ctx context.Context, rec *model.Record) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (repository, id, path, locked_at, owner, ref) VALUES ($1, $2, $3, $4, $5, $6)`,
		s.table,
	)

	_, err := s.db.ExecContext(ctx, query,
		s.scope, rec.ID, rec.Path, rec.LockedAt,
		nullString(rec.OwnerName()), nullString(rec.RefName()),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == uniqueViolation {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Record, error) {
	query := fmt.Sprintf(
		`SELECT id, path, locked_at, owner, ref FROM %s WHERE repository = $1 AND id = $2`,
		s.table,
	)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, s.scope, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE repository = $1 AND id = $2`, s.table)

	if _, err := s.db.ExecContext(ctx, query, s.scope, id); err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		query := fmt.Sprintf(
			`SELECT id, path, locked_at, owner, ref FROM %s WHERE repository = $1 ORDER BY id`,
			s.table,
		)

		rows, err := s.db.QueryContext(ctx, query, s.scope)
		if err != nil {
			yield(nil, fmt.Errorf("failed to list locks: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				s.logger.Warn("Skipping unreadable lock row", zap.Error(err))
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to list locks: %w", err))
		}
	}
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE repository = $1`, s.table)

	var n int64
	if err := s.db.QueryRowContext(ctx, query, s.scope).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count locks: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.Record, error) {
	var (
		rec        model.Record
		owner, ref sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Path, &rec.LockedAt, &owner, &ref); err != nil {
		return nil, err
	}
	if owner.Valid {
		rec.Owner = &model.Owner{Name: owner.String}
	}
	if ref.Valid {
		rec.Ref = &model.Ref{Name: ref.String}
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
