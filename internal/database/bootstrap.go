package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/models"
)

// pgDuplicateObject is raised by CREATE TYPE when the type already exists.
const pgDuplicateObject = "42710"

var enumTypes = []struct {
	name   string
	values string
}{
	{name: "file_type", values: "'image', 'file'"},
	{name: "role_level", values: "'admin', 'mod'"},
}

// Bootstrap ensures the schema, enum types and tables exist.
//
// Users, categories, threads and messages are migrated one after the other
// because each holds foreign references to the previous ones. The remaining
// tables only reference those and are migrated concurrently.
func Bootstrap(ctx context.Context, db *gorm.DB, schemaName string, logger zerolog.Logger) error {
	log := logger.With().Str("component", "database-init").Logger()

	if db.Dialector.Name() == "postgres" {
		if err := ensureNamespace(ctx, db, schemaName); err != nil {
			return err
		}
	}

	ordered := []interface{}{&models.User{}, &models.Category{}, &models.Thread{}, &models.Message{}}
	for _, model := range ordered {
		if err := db.WithContext(ctx).AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, model := range []interface{}{&models.Attachment{}, &models.Edit{}, &models.Mute{}, &models.StandardReply{}} {
		model := model
		group.Go(func() error {
			if err := db.WithContext(groupCtx).AutoMigrate(model); err != nil {
				return fmt.Errorf("failed to migrate %T: %w", model, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	log.Info().Str("schema", schemaName).Msg("database schema ready")
	return nil
}

func ensureNamespace(ctx context.Context, db *gorm.DB, schemaName string) error {
	if !schemaNamePattern.MatchString(schemaName) {
		return fmt.Errorf("invalid schema name %q", schemaName)
	}

	if err := db.WithContext(ctx).Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName)).Error; err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	for _, enum := range enumTypes {
		stmt := fmt.Sprintf("CREATE TYPE %s.%s AS ENUM (%s)", schemaName, enum.name, enum.values)
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("failed to create type %s: %w", enum.name, err)
		}
	}

	return nil
}

func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject
}
