package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loansync/loansync/internal/hash"
)

var (
	SnapshotBucket = []byte("snapshots")
	MetadataBucket = []byte("metadata")
)

const (
	EntityLoans   = "loans"
	EntityMembers = "members"
)

// ErrOutdated is returned by PutSnapshot when a newer snapshot is already
// stored under the same key.
var ErrOutdated = errors.New("snapshot is older than the stored one")

type Storage struct {
	db  *bolt.DB
	now func() time.Time
}

type Key struct {
	EntityType string
	Owner      string
}

func NewKey(entityType, owner string) Key {
	return Key{EntityType: entityType, Owner: strings.ToLower(strings.TrimSpace(owner))}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.EntityType, strings.ToLower(k.Owner))
}

type Snapshot struct {
	EntityType string    `json:"entity_type"`
	OwnerKey   string    `json:"owner_key"`
	IDs        []string  `json:"ids"`
	CapturedAt time.Time `json:"captured_at"`
	Checksum   string    `json:"checksum"`
}

func (s *Snapshot) Key() Key {
	return NewKey(s.EntityType, s.OwnerKey)
}

// Age is the staleness marker shown next to cached lists.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

func (s *Snapshot) IsStale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && s.Age(now) > maxAge
}

func (s *Snapshot) computeChecksum() (string, error) {
	return hash.Calculate(struct {
		EntityType string    `json:"entity_type"`
		OwnerKey   string    `json:"owner_key"`
		IDs        []string  `json:"ids"`
		CapturedAt time.Time `json:"captured_at"`
	}{s.EntityType, s.OwnerKey, s.IDs, s.CapturedAt.UTC()})
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{SnapshotBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db, now: time.Now}, nil
}

// SetClock replaces the time source used to stamp Put.
func (s *Storage) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Get returns the snapshot stored under key. An entry that cannot be parsed
// or fails its checksum is dropped and reported as absent.
func (s *Storage) Get(key Key) (*Snapshot, bool, error) {
	var (
		snap    Snapshot
		found   bool
		corrupt bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(SnapshotBucket).Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			corrupt = true
			return nil
		}
		sum, err := snap.computeChecksum()
		if err != nil || sum != snap.Checksum {
			corrupt = true
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if corrupt {
		if err := s.discard(key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	return &snap, true, nil
}

func (s *Storage) discard(key Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(SnapshotBucket).Delete([]byte(key.String()))
	})
}

// Put stores ids under key stamped with the current time.
func (s *Storage) Put(key Key, ids []string) (*Snapshot, error) {
	snap := &Snapshot{
		EntityType: key.EntityType,
		OwnerKey:   strings.ToLower(key.Owner),
		IDs:        append([]string{}, ids...),
		CapturedAt: s.now().UTC(),
	}
	if err := s.PutSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// PutSnapshot replaces the stored snapshot unless the stored one was captured
// later. Set size plays no part in the decision.
func (s *Storage) PutSnapshot(snap *Snapshot) error {
	snap.OwnerKey = strings.ToLower(snap.OwnerKey)
	snap.CapturedAt = snap.CapturedAt.UTC()
	if snap.IDs == nil {
		snap.IDs = []string{}
	}
	sum, err := snap.computeChecksum()
	if err != nil {
		return err
	}
	snap.Checksum = sum

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(SnapshotBucket)
		key := []byte(snap.Key().String())

		if existing := bucket.Get(key); existing != nil {
			var current Snapshot
			if err := json.Unmarshal(existing, &current); err == nil && current.CapturedAt.After(snap.CapturedAt) {
				return fmt.Errorf("%w: %s captured at %s", ErrOutdated, snap.Key(), current.CapturedAt.Format(time.RFC3339Nano))
			}
		}

		return bucket.Put(key, data)
	})
}

// List returns every readable snapshot of the given entity type. An empty
// entityType lists all of them.
func (s *Storage) List(entityType string) ([]*Snapshot, error) {
	var snaps []*Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(SnapshotBucket).Cursor()
		prefix := []byte(entityType + ":")
		if entityType == "" {
			prefix = nil
		}

		for k, v := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cursor.Next() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				continue
			}
			snaps = append(snaps, &snap)
		}
		return nil
	})

	return snaps, err
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}

// RawPut writes data under key without validation. It exists for the cache
// maintenance tool.
func (s *Storage) RawPut(key Key, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(SnapshotBucket).Put([]byte(key.String()), data)
	})
}
