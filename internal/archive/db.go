package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the configured relational store and migrates the
// record table.
func Open(cfg config.ArchiveConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := cfg.DSN.Value()
	if dsn == "" {
		return nil, fmt.Errorf("archive dsn is empty")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		path, err := sqlitePath(dsn)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(path)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported archive driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connect archive: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("retrieve sql db: %w", err)
	}
	if cfg.Driver != "postgres" {
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetMaxOpenConns(16)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Info("archive opened", zap.String("driver", cfg.Driver))
	return db, nil
}

// Migrate creates or updates the record table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

// sqlitePath expands ~ and creates the parent directory of a file DSN.
func sqlitePath(dsn string) (string, error) {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	path, err := config.ExpandHome(dsn)
	if err != nil {
		return "", fmt.Errorf("expanding archive path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}
	return path, nil
}
