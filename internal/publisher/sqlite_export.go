package publisher

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
)

// exportViews are recreated on every export. They give downstream consumers
// of the portable SQLite file the common joins without SQL of their own.
var exportViews = map[string]string{
	"locations_by_scraper": `
		SELECT ls.scraper_id, l.*
		FROM locations l
		JOIN location_sources ls ON ls.canonical_id = l.id`,
	"multi_source_locations": `
		SELECT l.*, COUNT(ls.id) AS source_count
		FROM locations l
		JOIN location_sources ls ON ls.canonical_id = l.id
		GROUP BY l.id
		HAVING COUNT(ls.id) > 1`,
	"location_with_services": `
		SELECT l.id AS location_id, l.name AS location_name,
		       l.latitude, l.longitude,
		       s.id AS service_id, s.name AS service_name, s.status
		FROM locations l
		JOIN service_at_locations sal ON sal.location_id = l.id
		JOIN services s ON s.id = sal.service_id`,
	"organization_with_services": `
		SELECT o.id AS organization_id, o.name AS organization_name,
		       s.id AS service_id, s.name AS service_name, s.status
		FROM organizations o
		LEFT JOIN services s ON s.organization_id = o.id`,
	"service_with_locations": `
		SELECT s.id AS service_id, s.name AS service_name, s.status,
		       l.id AS location_id, l.name AS location_name,
		       l.latitude, l.longitude
		FROM services s
		LEFT JOIN service_at_locations sal ON sal.service_id = s.id
		LEFT JOIN locations l ON l.id = sal.location_id`,
}

// ExportSQLite copies every canonical table from source into a fresh SQLite
// file at path and creates the export views. The file is built under a temp
// name and renamed into place, so readers never see a half-written export.
func ExportSQLite(ctx context.Context, source *gorm.DB, path string, logger *zap.Logger) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	target, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      tmp,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("publisher: open export database: %w", err)
	}

	if err := copyTables(ctx, source, target); err != nil {
		closeDB(target)
		return err
	}

	for name, query := range exportViews {
		stmt := fmt.Sprintf("CREATE VIEW IF NOT EXISTS %s AS %s", name, query)
		if err := target.WithContext(ctx).Exec(stmt).Error; err != nil {
			closeDB(target)
			return fmt.Errorf("publisher: create view %s: %w", name, err)
		}
	}

	if err := closeDB(target); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publisher: rename export: %w", err)
	}
	return nil
}

func copyTables(ctx context.Context, source, target *gorm.DB) error {
	if err := copyRows[db.Organization](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.Location](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.Service](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.ServiceAtLocation](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.Address](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.Phone](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.Schedule](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.Language](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.Accessibility](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.OrganizationIdentifier](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.OrganizationSource](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.LocationSource](ctx, source, target); err != nil {
		return err
	}
	if err := copyRows[db.ServiceSource](ctx, source, target); err != nil {
		return err
	}
	return copyRows[db.RecordVersion](ctx, source, target)
}

func copyRows[T any](ctx context.Context, source, target *gorm.DB) error {
	var batch []T
	result := source.WithContext(ctx).FindInBatches(&batch, 500, func(_ *gorm.DB, _ int) error {
		if len(batch) == 0 {
			return nil
		}
		return target.WithContext(ctx).Create(&batch).Error
	})
	if result.Error != nil {
		var zero T
		return fmt.Errorf("publisher: export %T rows: %w", zero, result.Error)
	}
	return nil
}

func closeDB(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("publisher: get export sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("publisher: close export: %w", err)
	}
	return nil
}
