package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tabletime/internal/storage"
	"go.etcd.io/bbolt"
)

// unassignedTable indexes bills saved without a table id.
const unassignedTable = "unknown"

type billStore struct {
	db *bbolt.DB
}

func (s *billStore) SaveBill(ctx context.Context, rec storage.BillRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("bill id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = rec.CreatedAt
	}

	return update(ctx, s.db, func(tx *bbolt.Tx) error {
		bills := tx.Bucket(bucketBills)

		// Saving the same session again replaces the bill and its index entries.
		var previous storage.BillRecord
		switch err := decode(bills, []byte(rec.ID), &previous); err {
		case nil:
			if err := unindex(tx, previous); err != nil {
				return err
			}
		case storage.ErrNotFound:
		default:
			return err
		}

		if err := encode(bills, []byte(rec.ID), rec); err != nil {
			return err
		}
		return index(tx, rec)
	})
}

func (s *billStore) GetBill(ctx context.Context, id string) (*storage.BillRecord, error) {
	var rec storage.BillRecord
	err := view(ctx, s.db, func(tx *bbolt.Tx) error {
		return decode(tx.Bucket(bucketBills), []byte(id), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// QueryBills walks the close-time index newest first. A table filter walks
// that table's index instead.
func (s *billStore) QueryBills(ctx context.Context, filter storage.BillFilter) ([]storage.BillRecord, error) {
	recs := make([]storage.BillRecord, 0)
	want := 0
	if filter.Limit > 0 {
		want = filter.Offset + filter.Limit
	}

	err := view(ctx, s.db, func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketBillsByClosed)
		if filter.TableID != "" {
			idx = tx.Bucket(bucketBillsByTable).Bucket([]byte(filter.TableID))
		}
		if idx == nil {
			return nil
		}
		bills := tx.Bucket(bucketBills)

		c := idx.Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec storage.BillRecord
			if err := decode(bills, id, &rec); err == storage.ErrNotFound {
				continue
			} else if err != nil {
				return err
			}
			if !filter.Match(rec) {
				continue
			}
			recs = append(recs, rec)
			if want > 0 && len(recs) >= want {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filter.Page(recs), nil
}

// DeleteBillsBefore removes every bill closed strictly before cutoff.
func (s *billStore) DeleteBillsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var deleted int
	err := update(ctx, s.db, func(tx *bbolt.Tx) error {
		bills := tx.Bucket(bucketBills)

		var expired []storage.BillRecord
		c := tx.Bucket(bucketBillsByClosed).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			var rec storage.BillRecord
			if err := decode(bills, id, &rec); err == storage.ErrNotFound {
				continue
			} else if err != nil {
				return err
			}
			if !rec.ClosedAt.Before(cutoff) {
				break
			}
			expired = append(expired, rec)
		}

		// Cursor keys must not change while iterating, so delete afterwards.
		for _, rec := range expired {
			if err := unindex(tx, rec); err != nil {
				return err
			}
			if err := bills.Delete([]byte(rec.ID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func tableKey(rec storage.BillRecord) []byte {
	if rec.TableID == "" {
		return []byte(unassignedTable)
	}
	return []byte(rec.TableID)
}

func index(tx *bbolt.Tx, rec storage.BillRecord) error {
	key := closedKey(rec.ClosedAt, rec.ID)
	if err := tx.Bucket(bucketBillsByClosed).Put(key, []byte(rec.ID)); err != nil {
		return err
	}
	byTable, err := tx.Bucket(bucketBillsByTable).CreateBucketIfNotExists(tableKey(rec))
	if err != nil {
		return fmt.Errorf("create table index: %w", err)
	}
	return byTable.Put(key, []byte(rec.ID))
}

func unindex(tx *bbolt.Tx, rec storage.BillRecord) error {
	key := closedKey(rec.ClosedAt, rec.ID)
	if err := tx.Bucket(bucketBillsByClosed).Delete(key); err != nil {
		return err
	}
	if byTable := tx.Bucket(bucketBillsByTable).Bucket(tableKey(rec)); byTable != nil {
		return byTable.Delete(key)
	}
	return nil
}
