package sqlstore

import (
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// dialect hides the differences between supported SQL backends.
type dialect interface {
	driverName() string
	dsn(raw string) string
	configure(db *sqlx.DB)
	// lockSuffix is appended to row reads inside a commit.
	lockSuffix() string
}

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, true
	case "postgres", "postgresql":
		return postgresDialect{}, true
	default:
		return nil, false
	}
}

type sqliteDialect struct{}

func (sqliteDialect) driverName() string { return "sqlite3" }

// dsn adds a busy timeout and immediate write locks unless the caller set them.
func (sqliteDialect) dsn(raw string) string {
	params := []string{}
	if !strings.Contains(raw, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if !strings.Contains(raw, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + strings.Join(params, "&")
}

// configure pins a single connection so writers serialize and ":memory:"
// databases stay one database.
func (sqliteDialect) configure(db *sqlx.DB) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
}

func (sqliteDialect) lockSuffix() string { return "" }

type postgresDialect struct{}

func (postgresDialect) driverName() string { return "postgres" }

func (postgresDialect) dsn(raw string) string { return raw }

func (postgresDialect) configure(db *sqlx.DB) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
}

func (postgresDialect) lockSuffix() string { return " FOR UPDATE" }
