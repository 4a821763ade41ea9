// Package history persists a record of every refresh the daemon issued.
// No imagery is stored.
package history

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultDBName = "history.db"

// DB wraps the gorm handle.
type DB struct {
	*gorm.DB
}

// DefaultPath returns the database location under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to locate config directory")
	}
	return filepath.Join(dir, "quietrefresh", defaultDBName), nil
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create history directory")
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history database %s", path)
	}

	db := &DB{gdb}
	if err := db.AutoMigrate(&FireRecord{}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to migrate history schema")
	}
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Close()
}
