package db

import (
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open picks the driver from the DSN: "sqlite:" / "file:" prefixes or a *.db path
// go to SQLite, everything else is treated as a MySQL DSN.
func Open(dsn string, debug bool) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}
	return gorm.Open(dialector(dsn), cfg)
}

func dialector(dsn string) gorm.Dialector {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return gormsqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"):
		return gormsqlite.Open(dsn)
	default:
		return mysql.Open(dsn)
	}
}
