package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dripsend/internal/campaign"
	logx "dripsend/pkg/logx"
)

// fileDriver is a dependency-free persistence backend: one JSON document per
// campaign under a directory.
//
// Writes are staged and swapped so a crash mid-write never corrupts the
// current document:
//
//	<id>.json.tmp  (full new document)
//	<id>.json      -> renamed to <id>.json.bak
//	<id>.json.tmp  -> renamed to <id>.json
//	<id>.json.bak  removed
//
// A surviving .bak with no .json means the swap was interrupted; it is
// restored on the next open or read.
type fileDriver struct {
	log logx.Logger
	dir string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (*fileDriver, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	d := &fileDriver{log: log, dir: dir}
	if err := d.recover(); err != nil {
		return nil, err
	}
	return d, nil
}

// recover finishes interrupted swaps: restores orphaned backups and removes
// stale staging files.
func (d *fileDriver) recover() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".json.tmp"):
			_ = os.Remove(filepath.Join(d.dir, name))
		case strings.HasSuffix(name, ".json.bak"):
			cur := filepath.Join(d.dir, strings.TrimSuffix(name, ".bak"))
			bak := filepath.Join(d.dir, name)
			if _, err := os.Stat(cur); errors.Is(err, os.ErrNotExist) {
				d.log.Warn("restoring campaign from backup", logx.String("file", name))
				if err := os.Rename(bak, cur); err != nil {
					return err
				}
			} else {
				_ = os.Remove(bak)
			}
		}
	}
	return nil
}

func (d *fileDriver) path(id string) string {
	return filepath.Join(d.dir, id+".json")
}

func (d *fileDriver) put(ctx context.Context, c *campaign.Campaign) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("campaign id is empty")
	}

	cur := d.path(c.ID)
	tmp := cur + ".tmp"
	bak := cur + ".bak"

	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if _, err := os.Stat(cur); err == nil {
		if err := os.Rename(cur, bak); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, cur); err != nil {
		// Put the previous document back so readers keep working.
		_ = os.Rename(bak, cur)
		_ = os.Remove(tmp)
		return err
	}
	_ = os.Remove(bak)
	return nil
}

func (d *fileDriver) get(ctx context.Context, id string) (*campaign.Campaign, error) {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.readLocked(id)
}

func (d *fileDriver) readLocked(id string) (*campaign.Campaign, error) {
	cur := d.path(id)
	b, err := os.ReadFile(cur)
	if errors.Is(err, os.ErrNotExist) {
		// Interrupted swap: fall back to the backup.
		bak := cur + ".bak"
		if rb, rerr := os.ReadFile(bak); rerr == nil {
			d.log.Warn("reading campaign from backup", logx.String("id", id))
			b, err = rb, nil
			_ = os.Rename(bak, cur)
		} else {
			return nil, ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}
	var c campaign.Campaign
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *fileDriver) list(ctx context.Context) ([]*campaign.Campaign, error) {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var out []*campaign.Campaign
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		c, err := d.readLocked(id)
		if err != nil {
			// One bad document must not hide the rest.
			d.log.Error("skipping unreadable campaign file", logx.String("file", name), logx.Err(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *fileDriver) delete(ctx context.Context, id string) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	cur := d.path(id)
	err := os.Remove(cur)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	_ = os.Remove(cur + ".bak")
	_ = os.Remove(cur + ".tmp")
	return err
}

func (d *fileDriver) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
