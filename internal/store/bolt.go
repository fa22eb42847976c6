package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	// boltDirPerm is the permission mode for the database directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the database file.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second
)

// indexSep separates the indexed value from the primary key inside an
// index bucket key. Neither hashes nor UUIDs contain a NUL byte.
const indexSep = 0x00

func indexBucket(table, index string) []byte {
	return []byte(table + "#" + index)
}

func indexKey(value, pk string) []byte {
	k := make([]byte, 0, len(value)+1+len(pk))
	k = append(k, value...)
	k = append(k, indexSep)

	return append(k, pk...)
}

// Bolt is a Store backed by a single bbolt file. Each table is a
// bucket of JSON values; each secondary index is a bucket whose keys
// are "<value>\x00<primary key>".
type Bolt struct {
	db     *bolt.DB
	schema *Schema
	now    func() time.Time
}

// OpenBolt opens the database at path, creating it and every table and
// index bucket if they do not exist.
func OpenBolt(path string, schema *Schema) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range schema.Tables() {
			if _, err := tx.CreateBucketIfNotExists([]byte(t.Name)); err != nil {
				return err
			}

			for index := range t.Indexes {
				if _, err := tx.CreateBucketIfNotExists(indexBucket(t.Name, index)); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Bolt{db: db, schema: schema, now: time.Now}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Get returns the item with the given hash key, or nil if not found.
func (b *Bolt) Get(_ context.Context, table string, key Item) (Item, error) {
	t, err := b.schema.Table(table)
	if err != nil {
		return nil, err
	}

	pk, err := t.keyValue(key)
	if err != nil {
		return nil, err
	}

	var item Item

	err = b.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getItem(tx.Bucket([]byte(t.Name)), pk)

		return err
	})

	return item, err
}

// Query returns every item whose indexed attribute equals the value in key.
func (b *Bolt) Query(_ context.Context, table, index string, key Item) ([]Item, error) {
	t, err := b.schema.Table(table)
	if err != nil {
		return nil, err
	}

	a, err := t.indexAttr(index)
	if err != nil {
		return nil, err
	}

	value := attr(key, a)
	if value == "" {
		return nil, fmt.Errorf("missing index attribute %q", a)
	}

	var items []Item

	err = b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(t.Name))
		prefix := indexKey(value, "")
		c := tx.Bucket(indexBucket(t.Name, index)).Cursor()

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			item, err := getItem(data, string(k[len(prefix):]))
			if err != nil {
				return err
			}

			if item != nil && attr(item, a) == value {
				items = append(items, item)
			}
		}

		return nil
	})

	return items, err
}

// Put writes item, replacing any existing record with the same key.
func (b *Bolt) Put(_ context.Context, table string, item Item) error {
	t, err := b.schema.Table(table)
	if err != nil {
		return err
	}

	pk, err := t.keyValue(item)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		old, err := getItem(tx.Bucket([]byte(t.Name)), pk)
		if err != nil {
			return err
		}

		return writeItem(tx, t, pk, old, item)
	})
}

// Update merges patch into the existing record with the given key.
func (b *Bolt) Update(_ context.Context, table string, key Item, patch Item) error {
	t, err := b.schema.Table(table)
	if err != nil {
		return err
	}

	pk, err := t.keyValue(key)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		old, err := getItem(tx.Bucket([]byte(t.Name)), pk)
		if err != nil {
			return err
		}

		if old == nil {
			return fmt.Errorf("updating %s/%s: %w", t.Name, pk, apperrors.ErrNotFound)
		}

		updated := merge(old, patch)
		updated[t.Key] = pk

		return writeItem(tx, t, pk, old, updated)
	})
}

// Scan returns every item in the table.
func (b *Bolt) Scan(_ context.Context, table string) ([]Item, error) {
	t, err := b.schema.Table(table)
	if err != nil {
		return nil, err
	}

	if !t.Scannable {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotScannable, t.Name)
	}

	var items []Item

	err = b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(t.Name)).ForEach(func(k, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", t.Name, k, err)
			}

			items = append(items, item)

			return nil
		})
	})

	return items, err
}

// Sweep deletes every item whose expires_on is in the past and returns
// how many were removed.
func (b *Bolt) Sweep() (int, error) {
	now := b.now().Unix()
	removed := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, t := range b.schema.Tables() {
			data := tx.Bucket([]byte(t.Name))

			var expired []Item

			err := data.ForEach(func(_, v []byte) error {
				var item Item
				if err := json.Unmarshal(v, &item); err != nil {
					return err
				}

				if exp, ok := ExpiresOn(item); ok && exp < now {
					expired = append(expired, item)
				}

				return nil
			})
			if err != nil {
				return err
			}

			for _, item := range expired {
				pk := attr(item, t.Key)
				if err := deleteIndexes(tx, t, pk, item); err != nil {
					return err
				}

				if err := data.Delete([]byte(pk)); err != nil {
					return err
				}

				removed++
			}
		}

		return nil
	})

	return removed, err
}

// RunGC sweeps expired items every interval until ctx is cancelled.
func (b *Bolt) RunGC(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := b.Sweep()
			if err != nil {
				logger.Warn("store sweep failed", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				logger.Debug("swept expired records", slog.Int("count", n))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func getItem(b *bolt.Bucket, pk string) (Item, error) {
	v := b.Get([]byte(pk))
	if v == nil {
		return nil, nil
	}

	var item Item
	if err := json.Unmarshal(v, &item); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", pk, err)
	}

	return item, nil
}

func writeItem(tx *bolt.Tx, t Table, pk string, old, item Item) error {
	if old != nil {
		if err := deleteIndexes(tx, t, pk, old); err != nil {
			return err
		}
	}

	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	if err := tx.Bucket([]byte(t.Name)).Put([]byte(pk), data); err != nil {
		return err
	}

	for index, a := range t.Indexes {
		value := attr(item, a)
		if value == "" {
			continue
		}

		if err := tx.Bucket(indexBucket(t.Name, index)).Put(indexKey(value, pk), []byte{}); err != nil {
			return err
		}
	}

	return nil
}

func deleteIndexes(tx *bolt.Tx, t Table, pk string, item Item) error {
	for index, a := range t.Indexes {
		value := attr(item, a)
		if value == "" {
			continue
		}

		if err := tx.Bucket(indexBucket(t.Name, index)).Delete(indexKey(value, pk)); err != nil {
			return err
		}
	}

	return nil
}
