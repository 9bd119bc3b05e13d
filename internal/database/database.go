package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is nil when persistence is disabled; every helper then becomes a no-op.
var DB *gorm.DB

// ErrDisabled is returned by reads when no database is configured.
var ErrDisabled = errors.New("persistence is disabled")

func Init(dbPath string) error {
	if dbPath == "" {
		DB = nil
		return nil
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if err := Migrate(db); err != nil {
		return err
	}
	DB = db
	return nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&TunnelEvent{}, &StatsSample{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	DB = nil
	return sqlDB.Close()
}

func RecordTunnelEvent(ev *TunnelEvent) error {
	if DB == nil {
		return nil
	}
	return DB.Create(ev).Error
}

// ListTunnelEvents returns the newest limit events, newest first.
func ListTunnelEvents(limit int) ([]TunnelEvent, error) {
	if DB == nil {
		return nil, ErrDisabled
	}
	var events []TunnelEvent
	err := DB.Order("id desc").Limit(limit).Find(&events).Error
	return events, err
}

func RecordStatsSample(s *StatsSample) error {
	if DB == nil {
		return nil
	}
	return DB.Create(s).Error
}

// ListStatsSamples returns the newest limit samples, newest first.
func ListStatsSamples(limit int) ([]StatsSample, error) {
	if DB == nil {
		return nil, ErrDisabled
	}
	var samples []StatsSample
	err := DB.Order("id desc").Limit(limit).Find(&samples).Error
	return samples, err
}

// PruneStatsSamples keeps only the newest keep samples.
func PruneStatsSamples(keep int) (int64, error) {
	if DB == nil {
		return 0, nil
	}
	var cutoff StatsSample
	err := DB.Order("id desc").Offset(keep).Limit(1).Find(&cutoff).Error
	if err != nil || cutoff.ID == 0 {
		return 0, err
	}
	res := DB.Where("id <= ?", cutoff.ID).Delete(&StatsSample{})
	return res.RowsAffected, res.Error
}
