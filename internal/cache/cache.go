// Package cache keeps the last fully merged settings snapshot per device in
// a local Badger store, so reads keep working while a device is offline.
// Only complete merges are written; a failed or cancelled sync never touches
// the cached copy.
package cache

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

const snapshotPrefix = "snapshot/"

// Cache is a Badger-backed snapshot cache.
type Cache struct {
	db     *badger.DB
	logger *logrus.Logger
}

// Open opens (or creates) the cache at dir.
func Open(dir string, logger *logrus.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot cache: %w", err)
	}

	logger.WithField("dir", dir).Info("Snapshot cache opened")
	return &Cache{db: db, logger: logger}, nil
}

// Close closes the underlying store.
func (c *Cache) Close() error { return c.db.Close() }

// PutSnapshot stores snap as the last merged state for its device.
func (c *Cache) PutSnapshot(snap *device.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+snap.DeviceID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to cache snapshot for device %s: %w", snap.DeviceID, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot for deviceID.
func (c *Cache) GetSnapshot(deviceID string) (*device.Snapshot, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + deviceID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, device.NewError(device.ErrNotFound, "no cached snapshot for device: %s", deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached snapshot for device %s: %w", deviceID, err)
	}

	var snap device.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached snapshot for device %s: %w", deviceID, err)
	}
	return &snap, nil
}

// DeleteSnapshot drops the cached snapshot for deviceID, if any.
func (c *Cache) DeleteSnapshot(deviceID string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(snapshotPrefix + deviceID))
	})
	if err != nil {
		return fmt.Errorf("failed to drop cached snapshot for device %s: %w", deviceID, err)
	}
	return nil
}
