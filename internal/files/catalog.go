// Package files provides the job-file catalog consulted by the streaming
// pipeline: a lookup-by-id interface and a BoltDB-backed implementation.
// Uploading and managing files is the enclosing API layer's business; this
// core only resolves ids to paths.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"FabHost/internal/util"
)

// Record describes one cataloged job file.
type Record struct {
	ID   string
	Name string
	Path string
}

// Catalog is the collaborator interface the streamer consumes.
type Catalog interface {
	// GetFile resolves a file id to its record.
	GetFile(id string) (Record, error)
	// GetFilePath returns the absolute path backing a record.
	GetFilePath(rec Record) string
}

var filesBucket = []byte("files")

// BoltCatalog stores id → path records in a BoltDB file.
type BoltCatalog struct {
	db  *bbolt.DB
	log *util.Logger
}

// OpenBolt opens (creating if needed) the catalog database at path.
func OpenBolt(path string, logger *util.Logger) (*BoltCatalog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o666, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog bucket: %w", err)
	}
	return &BoltCatalog{db: db, log: logger}, nil
}

// Add registers a job file under the given id. The stored path is made
// absolute so later lookups do not depend on the working directory.
func (c *BoltCatalog) Add(id, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).Put([]byte(id), []byte(abs))
	})
	if err != nil {
		return fmt.Errorf("catalog add %s: %w", id, err)
	}
	c.log.Info("cataloged %s -> %s", id, abs)
	return nil
}

// GetFile resolves a file id to its record.
func (c *BoltCatalog) GetFile(id string) (Record, error) {
	var path []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		path = tx.Bucket(filesBucket).Get([]byte(id))
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("catalog lookup %s: %w", id, err)
	}
	if path == nil {
		return Record{}, fmt.Errorf("no file cataloged under id %q", id)
	}
	p := string(path)
	return Record{ID: id, Name: filepath.Base(p), Path: p}, nil
}

// GetFilePath returns the absolute path backing a record.
func (c *BoltCatalog) GetFilePath(rec Record) string {
	return rec.Path
}

// Close closes the underlying database.
func (c *BoltCatalog) Close() error {
	return c.db.Close()
}
