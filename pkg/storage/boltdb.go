package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hearthlink/hearthlink/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCredentials = []byte("credentials")
	bucketDevices     = []byte("devices")

	keyRefreshCredential = []byte("refresh")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "hearthlink.db")

	// 0600: the credentials bucket holds the long-lived refresh credential
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCredentials,
			bucketDevices,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// LoadRefreshCredential returns the stored refresh credential, or nil if no
// bootstrap has happened yet.
func (s *BoltStore) LoadRefreshCredential() (*types.RefreshCredential, error) {
	var cred *types.RefreshCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get(keyRefreshCredential)
		if data == nil {
			return nil
		}
		cred = &types.RefreshCredential{}
		return json.Unmarshal(data, cred)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh credential: %w", err)
	}
	return cred, nil
}

// SaveRefreshCredential persists a (possibly rotated) refresh credential.
func (s *BoltStore) SaveRefreshCredential(cred *types.RefreshCredential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("failed to marshal refresh credential: %w", err)
		}
		return tx.Bucket(bucketCredentials).Put(keyRefreshCredential, data)
	})
}

// DeleteRefreshCredential removes the stored refresh credential (logout).
func (s *BoltStore) DeleteRefreshCredential() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete(keyRefreshCredential)
	})
}

// SaveDevices replaces the persisted device inventory.
func (s *BoltStore) SaveDevices(devices []types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			stale = append(stale, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, d := range devices {
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("failed to marshal device: %w", err)
			}
			if err := b.Put([]byte(d.SAID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadDevices returns the persisted device inventory.
func (s *BoltStore) LoadDevices() ([]types.Device, error) {
	var devices []types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			devices = append(devices, d)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	return devices, nil
}
