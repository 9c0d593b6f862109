package data

import (
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Initialize opens the sqlite database backing the server's persistent
// state (currently just the ban list) and runs any pending migrations.
func Initialize(filename string, debug bool) (*gorm.DB, error) {
	// By default only log errors but enable full SQL query prints-to-console
	// with debug mode.
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(sqlite.Open(filename), &gorm.Config{Logger: log})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}

	if err := db.AutoMigrate(&BanRecord{}); err != nil {
		return nil, errors.Wrap(err, "auto migrating db")
	}

	return db, nil
}

// Shutdown closes the underlying database connection.
func Shutdown(db *gorm.DB) error {
	database, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "getting current connection")
	}
	if err := database.Close(); err != nil {
		return errors.Wrap(err, "closing database connection")
	}
	return nil
}
