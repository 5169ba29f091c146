// Package database persists job and batch records in a bitcask store.
package database

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

const (
	// maxValueSize bounds a single compressed record.
	maxValueSize = 4 << 20
	// Records are small JSON documents written on every state change, so
	// speed matters more than ratio.
	compressionLevel = gzip.BestSpeed
)

var gzipMagic = []byte{0x1f, 0x8b}

// DB is the record store. Values are gzip-compressed JSON; records written
// uncompressed by older versions are still readable.
type DB struct {
	mu   sync.RWMutex
	kv   *bitcask.Bitcask
	path string
}

// Open opens or creates the store at path, creating parent directories.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	kv, err := bitcask.Open(path, bitcask.WithMaxValueSize(maxValueSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.WithFields(log.Fields{"path": path, "keys": kv.Len()}).Info("Database opened")
	return &DB{kv: kv, path: path}, nil
}

// Close flushes and closes the store.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	log.WithField("path", d.path).Debug("Closing database")
	return d.kv.Close()
}

// Len returns the number of stored records.
func (d *DB) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.kv.Len()
}

// Get returns the decoded value of key, or ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	raw, err := d.kv.Get(key)
	d.mu.RUnlock()
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("error getting key %s: %w", key, err)
	}
	return decode(raw)
}

// Put compresses and stores value under key.
func (d *DB) Put(key, value []byte) error {
	encoded, err := encode(value)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", key, err)
	}
	d.mu.Lock()
	err = d.kv.Put(key, encoded)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("error putting key %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (d *DB) Delete(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.kv.Has(key) {
		return ErrNotFound
	}
	if err := d.kv.Delete(key); err != nil {
		return fmt.Errorf("error deleting key %s: %w", key, err)
	}
	return nil
}

// Scan calls fn with every record whose key starts with prefix. Records
// that cannot be read are skipped with a warning; an error from fn stops
// the scan.
func (d *DB) Scan(prefix []byte, fn func(key, value []byte) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.kv.Scan(prefix, func(key []byte) error {
		raw, err := d.kv.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable record %s", key)
			return nil
		}
		value, err := decode(raw)
		if err != nil {
			log.WithError(err).Warnf("Skipping corrupt record %s", key)
			return nil
		}
		return fn(key, value)
	})
}

// Sync forces buffered writes to disk.
func (d *DB) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kv.Sync()
}

// Compact merges the data files, reclaiming space left by overwritten
// progress updates and deleted batches.
func (d *DB) Compact() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.kv.Merge(); err != nil {
		return fmt.Errorf("error compacting database %s: %w", d.path, err)
	}
	log.WithFields(log.Fields{"path": d.path, "keys": d.kv.Len()}).Info("Database compacted")
	return nil
}

func decode(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip record: %w", err)
	}
	defer zr.Close()
	value, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("truncated gzip record: %w", err)
	}
	return value, nil
}

func encode(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(value); err != nil {
		_ = zw.Close()
		return nil, err
	}
	// Close flushes the gzip footer.
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
