package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/tabletime/internal/storage"
	"go.etcd.io/bbolt"
)

// Bucket layout:
//
//	sessions            tableID -> TableSession
//	bills               billID  -> BillRecord
//	bills_by_closed     closedKey -> billID
//	bills_by_table/<id> closedKey -> billID
var (
	bucketSessions      = []byte("sessions")
	bucketBills         = []byte("bills")
	bucketBillsByClosed = []byte("bills_by_closed")
	bucketBillsByTable  = []byte("bills_by_table")
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store, creating the file and its directory if
// needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketBills, bucketBillsByClosed, bucketBillsByTable} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the session snapshot store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }

// Bills returns the bill store.
func (s *Store) Bills() storage.BillStore { return &billStore{db: s.db} }

// view and update fail fast on a cancelled context. bbolt transactions are
// not interruptible once started.
func view(ctx context.Context, db *bbolt.DB, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.View(fn)
}

func update(ctx context.Context, db *bbolt.DB, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.Update(fn)
}

// decode reads the JSON value at key into out, or storage.ErrNotFound.
func decode(b *bbolt.Bucket, key []byte, out any) error {
	data := b.Get(key)
	if data == nil {
		return storage.ErrNotFound
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func encode(b *bbolt.Bucket, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put(key, data)
}

// closedKey orders bills by close time, then id, for instants after 1970.
func closedKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", ts.UnixNano(), id))
}
