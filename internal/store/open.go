package store

import (
	"errors"
	"strings"

	logx "dripsend/pkg/logx"
)

// Open initializes the configured driver and wraps it with the single-writer
// queue and read-through cache.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		d   driver
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		d, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		d, err = openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return newQueued(d, cfg.CacheTTL, log), nil
}
