//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dripsend/internal/campaign"
	logx "dripsend/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteDriver stores each campaign as a JSON document in a single table,
// with status and updated_at lifted into columns for querying.
type sqliteDriver struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteDriver, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	d := &sqliteDriver{db: db, log: log}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *sqliteDriver) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, string(b))
	return err
}

func (d *sqliteDriver) put(ctx context.Context, c *campaign.Campaign) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("campaign id is empty")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, status, data, updated_at) VALUES(?,?,?,datetime('now'))
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, data=excluded.data, updated_at=excluded.updated_at`,
		c.ID, string(c.Status), string(b),
	)
	return err
}

func (d *sqliteDriver) get(ctx context.Context, id string) (*campaign.Campaign, error) {
	var data string
	err := d.db.QueryRowContext(ctx, `SELECT data FROM campaigns WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c campaign.Campaign
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *sqliteDriver) list(ctx context.Context) ([]*campaign.Campaign, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT data FROM campaigns ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c campaign.Campaign
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			d.log.Error("skipping unreadable campaign row", logx.Err(err))
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) delete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *sqliteDriver) close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
