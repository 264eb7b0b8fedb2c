package db

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate auto-migrates models and, on postgres, installs the stored
// procedures the balance store calls.
func Migrate(ctx context.Context, db *gorm.DB, models ...any) error {
	if db == nil {
		return errNilDB
	}

	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return err
	}

	if !IsPostgres(db) {
		return nil
	}

	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, name := range files {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if err := db.WithContext(ctx).Exec(string(body)).Error; err != nil {
			zap.L().Error("[DB] migration failed", zap.String("file", name), zap.Error(err))
			return err
		}
		zap.L().Info("[DB] migration applied", zap.String("file", name))
	}

	return nil
}
