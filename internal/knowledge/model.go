package knowledge

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// sourceRow records how many chunks a source was last split into, so a
// shorter re-ingest can delete the stale tail.
type sourceRow struct {
	Name       string    `gorm:"primaryKey;size:128"`
	Chunks     int       `gorm:"not null"`
	IngestedAt time.Time `gorm:"not null"`
}

func (sourceRow) TableName() string {
	return "knowledge_sources"
}

// Migrate creates or updates the source table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&sourceRow{}); err != nil {
		return fmt.Errorf("migrate knowledge: %w", err)
	}
	return nil
}
