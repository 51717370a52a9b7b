package models

import (
	"log"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) {
	err := db.AutoMigrate(
		&VariantRule{},
		&ProcessedOrder{},
		&Session{},
		&ReconcileRun{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
