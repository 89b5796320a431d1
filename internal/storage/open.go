package storage

import (
	"strings"

	"uniops/internal/errors"
	logx "uniops/pkg/logx"
)

// Open initializes the configured store. An empty driver selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
