package main

import (
	"gorm.io/gorm"

	"github.com/deploybay/engine/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.Project{},
		&models.Deployment{},
		&models.DomainBinding{},
	}
}

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	if err := enableUUIDExtension(db); err != nil {
		return err
	}

	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}

	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addDeploymentIndexes,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// enableUUIDExtension ensures UUID generation is available
func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// addDeploymentIndexes adds indexes the hot paths rely on
func addDeploymentIndexes(db *gorm.DB) error {
	// In-flight guard: one live pipeline per project.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_project_status
		ON deployments(project_id, status)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	// Teardown sweep scans terminal deployments that still hold a unit.
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_reclaimable
		ON deployments(retired_at)
		WHERE unit_ref <> '' AND deleted_at IS NULL
	`).Error
}
