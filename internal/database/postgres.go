package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ErrPersistenceUnavailable indicates storage could not be reached within the retry budget.
var ErrPersistenceUnavailable = errors.New("persistence unavailable")

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// RetryPolicy bounds connection attempts. The delay between attempts is fixed.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Opener opens a database handle; it is invoked once per attempt.
type Opener func() (*gorm.DB, error)

// Connect calls open until it yields a reachable database or the policy is exhausted.
func Connect(ctx context.Context, open Opener, policy RetryPolicy, logger zerolog.Logger) (*gorm.DB, error) {
	log := logger.With().Str("component", "database-init").Logger()

	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		log.Debug().Int("attempt", attempt).Msg("attempting connection to database")

		db, err := open()
		if err == nil {
			if err = ping(ctx, db); err == nil {
				return db, nil
			}
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", policy.Delay).Msg("failed to connect to database, retrying")

		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrPersistenceUnavailable, attempts, lastErr)
}

// ConnectPostgres establishes a connection to PostgreSQL, retrying per policy.
// Tables are created inside schemaName.
func ConnectPostgres(ctx context.Context, dsn, schemaName string, policy RetryPolicy, logger zerolog.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn must not be empty")
	}
	if !schemaNamePattern.MatchString(schemaName) {
		return nil, fmt.Errorf("invalid schema name %q", schemaName)
	}

	open := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			TranslateError: true,
			NamingStrategy: schema.NamingStrategy{TablePrefix: schemaName + "."},
			Logger:         newGormLogger(logger),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil
	}

	return Connect(ctx, open, policy, logger)
}

// gormWriter forwards gorm's formatted lines to zerolog.
type gormWriter struct {
	logger zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.logger.Warn().Msg(fmt.Sprintf(format, args...))
}

// newGormLogger reports slow queries and SQL errors through zerolog. Missing
// rows are an expected outcome for lookups and are not logged.
func newGormLogger(logger zerolog.Logger) gormlogger.Interface {
	return gormlogger.New(gormWriter{logger: logger.With().Str("component", "gorm").Logger()}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return err
	}
	return nil
}
