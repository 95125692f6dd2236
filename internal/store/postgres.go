package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serialises migrations across issuer instances.
const migrationLockID int64 = 5810236604

// PostgresConfig holds database connection configuration.
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPostgresConfig returns a PostgresConfig with sensible defaults.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// PostgresStore keeps license records in PostgreSQL for a shared issuer.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info().Msg("database connection pool established")
	return s, nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return nil, fmt.Errorf("parse migration filename %s: %w", entry.Name(), err)
		}

		out = append(out, migration{
			version: version,
			name:    strings.TrimSuffix(entry.Name(), ".sql"),
			sql:     string(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies pending embedded migrations under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		var exists bool
		if err := conn.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if exists {
			continue
		}

		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("execute migration SQL: %w", err)
			}
			_, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
				m.version, m.name,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}

		s.logger.Info().Int("version", m.version).Str("name", m.name).Msg("migration applied")
	}

	return nil
}

// GetLicenseRecord retrieves the record for subjectID.
func (s *PostgresStore) GetLicenseRecord(ctx context.Context, subjectID string) (*models.LicenseRecord, error) {
	var (
		rec       models.LicenseRecord
		serial    *string
		expiresOn *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT subject_id, serial, expires_on, is_admin, updated_at
		FROM license_records
		WHERE subject_id = $1
	`, subjectID).Scan(&rec.SubjectID, &serial, &expiresOn, &rec.IsAdmin, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get license record: %w", err)
	}

	if serial != nil {
		rec.Serial = *serial
	}
	if expiresOn != nil {
		rec.ExpiresOn = *expiresOn
	}
	return &rec, nil
}

// SaveLicense upserts the serial and expiry for subjectID.
func (s *PostgresStore) SaveLicense(ctx context.Context, subjectID, serial, expiresOn string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO license_records (subject_id, serial, expires_on, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			serial = EXCLUDED.serial,
			expires_on = EXCLUDED.expires_on,
			updated_at = EXCLUDED.updated_at
	`, subjectID, nullable(serial), nullable(expiresOn))
	if err != nil {
		return fmt.Errorf("save license: %w", err)
	}
	return nil
}

// SetAdmin sets the admin flag for subjectID.
func (s *PostgresStore) SetAdmin(ctx context.Context, subjectID string, isAdmin bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO license_records (subject_id, is_admin, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			is_admin = EXCLUDED.is_admin,
			updated_at = EXCLUDED.updated_at
	`, subjectID, isAdmin)
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
