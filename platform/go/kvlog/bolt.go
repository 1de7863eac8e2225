package kvlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

const (
	// fileMode sets permissions so only the owner can read and write.
	fileMode       = 0600
	defaultTimeout = 1 * time.Second
)

// Bolt is the durable Log backed by a BoltDB file, one bucket per tenant.
type Bolt struct {
	logger *zap.Logger
	db     *bolt.DB
	path   string
}

// NewBolt opens (creating if needed) the BoltDB file at path.
func NewBolt(logger *zap.Logger, path string) (*Bolt, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bolt{logger: logger, db: db, path: path}, nil
}

func versionKey(version uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, version)
	return key
}

func (b *Bolt) Append(_ context.Context, tenant string, version uint64, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(tenant))
		if err != nil {
			return err
		}
		key := versionKey(version)
		if bucket.Get(key) != nil {
			return ErrVersionExists
		}
		return bucket.Put(key, data)
	})
	if err == ErrVersionExists {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: append %s@%d: %v", ErrUnavailable, tenant, version, err)
	}
	return nil
}

func (b *Bolt) Range(_ context.Context, tenant string, from, to uint64) ([]Entry, error) {
	if from > to {
		return nil, nil
	}
	var entries []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tenant))
		if bucket == nil {
			return fmt.Errorf("no entries for tenant %s", tenant)
		}
		cursor := bucket.Cursor()
		expected := from
		for k, v := cursor.Seek(versionKey(from)); k != nil; k, v = cursor.Next() {
			version := binary.BigEndian.Uint64(k)
			if version > to {
				break
			}
			if version != expected {
				return fmt.Errorf("gap in log for tenant %s: want %d, have %d", tenant, expected, version)
			}
			entries = append(entries, Entry{Version: version, Data: append([]byte(nil), v...)})
			expected++
		}
		if expected != to+1 {
			return fmt.Errorf("log for tenant %s ends at %d, want %d", tenant, expected-1, to)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *Bolt) Bounds(_ context.Context, tenant string) (uint64, uint64, error) {
	var oldest, newest uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tenant))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		if k, _ := cursor.First(); k != nil {
			oldest = binary.BigEndian.Uint64(k)
		}
		if k, _ := cursor.Last(); k != nil {
			newest = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bounds %s: %v", ErrUnavailable, tenant, err)
	}
	return oldest, newest, nil
}

func (b *Bolt) PruneBelow(_ context.Context, tenant string, below uint64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tenant))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if binary.BigEndian.Uint64(k) >= below {
				break
			}
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: prune %s below %d: %v", ErrUnavailable, tenant, below, err)
	}
	return nil
}

// Close closes the underlying BoltDB file.
func (b *Bolt) Close() error {
	b.logger.Debug("closing mutation log", zap.String("path", b.path))
	return b.db.Close()
}

var _ Log = (*Bolt)(nil)
