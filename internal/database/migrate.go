package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// Models lists every table owned by the grading engine in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.ClientFingerprint{},
		&models.Question{},
		&models.Assessment{},
		&models.Zone{},
		&models.AssessmentQuestion{},
		&models.Group{},
		&models.GroupUser{},
		&models.AssessmentInstance{},
		&models.InstanceQuestion{},
		&models.Variant{},
		&models.Submission{},
		&models.AssessmentStateLog{},
		&models.JobSequence{},
	}
}

// Migrate creates or updates the engine tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
