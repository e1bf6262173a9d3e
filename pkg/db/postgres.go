package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // this is required to register the pgx driver with database/sql
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/golang-migrate/migrate/v4"
	psqlmigrator "github.com/golang-migrate/migrate/v4/database/postgres"

	"initsync/internal/config"
	"initsync/pkg/db/migrations"
	"initsync/pkg/log"
)

//nolint:gochecknoglobals
var defaultHealthCheckPeriod = 1 * time.Minute

// PostgresDatastore owns the connection pool used for the clone attempt
// history. It applies the embedded migrations on creation and pings the
// database periodically until closed.
type PostgresDatastore struct {
	DB              *sqlx.DB
	migrationSource migrations.MigrationSource
	logger          zerolog.Logger

	stopOnce          sync.Once
	stopHealthCheckCh chan struct{}
	healthCheckDone   sync.WaitGroup
}

type poolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func NewPostgresDatastore(
	ctx context.Context,
	cfg *config.Postgres,
	migrationSource migrations.MigrationSource,
) (*PostgresDatastore, error) {
	connectionString := buildPostgresDSN(cfg)
	redactedConnectionString := redactDSN(connectionString)

	log.Logger.Info().Str("dsn", redactedConnectionString).Msg("Attempting to connect to PostgreSQL")

	db, err := sqlx.ConnectContext(ctx, "pgx", connectionString)
	if err != nil {
		log.Logger.Error().Err(err).Str("dsn", redactedConnectionString).Msg("Failed to connect to PostgreSQL")
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	setPoolConfig(newPoolConfig(cfg), db)

	log.Logger.Info().Str("dsn", redactedConnectionString).Msg("Successfully connected to PostgreSQL")

	psqlDB := &PostgresDatastore{
		DB:                db,
		migrationSource:   migrationSource,
		stopHealthCheckCh: make(chan struct{}),
		logger: log.Logger.With().
			Str("component", "postgres_datastore").
			Logger(),
	}

	if err := psqlDB.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	psqlDB.startHealthCheck(defaultHealthCheckPeriod)
	return psqlDB, nil
}

// Close stops the health check and closes the pool. It is safe to call more
// than once.
func (p *PostgresDatastore) Close() error {
	stopped := false
	p.stopOnce.Do(func() {
		close(p.stopHealthCheckCh)
		p.healthCheckDone.Wait()
		stopped = true
	})
	if !stopped || p.DB == nil {
		return nil
	}
	p.logger.Info().Msg("Closing PostgreSQL connection")
	return p.DB.Close()
}

func redactDSN(dsnStr string) string {
	parsedDSN, err := url.Parse(dsnStr)
	if err != nil {
		return "<invalid dsn>"
	}

	if parsedDSN.User != nil {
		username := parsedDSN.User.Username()
		parsedDSN.User = url.UserPassword(username, "xxxxx")
	}

	return parsedDSN.String()
}

func (p *PostgresDatastore) initSchema() error {
	p.logger.Info().Msg("Applying embedded schema migrations")
	d, err := p.migrationSource.GetSourceDriver()
	if err != nil {
		return err
	}

	driver, err := psqlmigrator.WithInstance(p.DB.DB, &psqlmigrator.Config{})
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not create postgres driver for migrate")
		return fmt.Errorf("could not create postgres driver for migrate: %w", err)
	}

	m, err := migrate.NewWithInstance(p.migrationSource.GetSourceType(), d, p.DB.DriverName(), driver)
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not create migrate instance")
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if upErr := m.Up(); upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		p.logger.Error().Err(upErr).Msg("Failed to apply migrations")
		return fmt.Errorf("failed to apply migrations: %w", upErr)
	}

	version, dirty, err := m.Version()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Could not get migration version after applying")
	} else {
		p.logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migrations applied")
	}
	return nil
}

func buildPostgresDSN(cfg *config.Postgres) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Path:   cfg.DBName,
	}
	query := dsn.Query()
	query.Set("sslmode", sslMode)
	dsn.RawQuery = query.Encode()

	return dsn.String()
}

// The history tables see one write burst per attempt, so the pool stays small.
//
//nolint:mnd
func newPoolConfig(cfg *config.Postgres) poolConfig {
	return poolConfig{
		MaxOpenConns:    cfg.MaxConnections,
		MaxIdleConns:    2,
		ConnMaxLifetime: 15 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func setPoolConfig(cfg poolConfig, db *sqlx.DB) {
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Logger.Debug().
		Int("max_open", cfg.MaxOpenConns).
		Int("max_idle", cfg.MaxIdleConns).
		Dur("max_lifetime", cfg.ConnMaxLifetime).
		Dur("max_idle_time", cfg.ConnMaxIdleTime).
		Msg("Configured PostgreSQL connection pool")
}

//nolint:mnd
func (p *PostgresDatastore) startHealthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	p.healthCheckDone.Add(1)
	go func() {
		defer p.healthCheckDone.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := p.DB.PingContext(ctx); err != nil {
					p.logger.Warn().Err(err).Msg("Database health check failed")
				}
				cancel()
			case <-p.stopHealthCheckCh:
				p.logger.Debug().Msg("Stopped PostgreSQL health check")
				return
			}
		}
	}()
}
