package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	bucketName = "checkpoints"
	valueSize  = 16 // records + updated_at (unix ms), big endian
)

var errBucketNotFound = errors.New("bucket not found")

// BoltDBStore implements Store using BoltDB
type BoltDBStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltDBStore)(nil)

// NewBoltDBStore opens (or creates) the checkpoint database at dbPath
func NewBoltDBStore(dbPath string) (*BoltDBStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// a held lock means another ingest is running against the same file
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB checkpoint store initialized")

	return &BoltDBStore{db: db}, nil
}

// Get retrieves the committed record count for a source
func (s *BoltDBStore) Get(ctx context.Context, source string) (uint64, error) {
	var records uint64

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}

		val := b.Get([]byte(source))
		if val == nil {
			return nil
		}

		cp, err := decodeValue(source, val)
		if err != nil {
			return err
		}
		records = cp.Records
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return records, nil
}

// Set stores the committed record count for a source
func (s *BoltDBStore) Set(ctx context.Context, source string, records uint64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}
		return b.Put([]byte(source), encodeValue(records, time.Now()))
	})
	if err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}

	log.Debug().
		Str("source", source).
		Uint64("records", records).
		Msg("Checkpoint updated")

	return nil
}

// Delete removes the checkpoint for a source
func (s *BoltDBStore) Delete(ctx context.Context, source string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}
		return b.Delete([]byte(source))
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	return nil
}

// List returns all stored checkpoints in key order
func (s *BoltDBStore) List(ctx context.Context) ([]Checkpoint, error) {
	var result []Checkpoint

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}

		return b.ForEach(func(k, v []byte) error {
			cp, err := decodeValue(string(k), v)
			if err != nil {
				log.Warn().Err(err).Str("source", string(k)).Msg("Skipping corrupt checkpoint")
				return nil
			}
			result = append(result, cp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	return result, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB checkpoint store")
	return s.db.Close()
}

func encodeValue(records uint64, updatedAt time.Time) []byte {
	val := make([]byte, valueSize)
	binary.BigEndian.PutUint64(val[:8], records)
	binary.BigEndian.PutUint64(val[8:], uint64(updatedAt.UnixMilli()))
	return val
}

func decodeValue(source string, val []byte) (Checkpoint, error) {
	if len(val) < valueSize {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint value for %s (%d bytes)", source, len(val))
	}
	return Checkpoint{
		Source:    source,
		Records:   binary.BigEndian.Uint64(val[:8]),
		UpdatedAt: time.UnixMilli(int64(binary.BigEndian.Uint64(val[8:]))).UTC(),
	}, nil
}
