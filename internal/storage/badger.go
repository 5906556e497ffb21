package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/qrseal/qrseal-go/internal/model"
)

var (
	activePrefix = []byte("rec/")
	preregKeys   = []byte("prereg/")
)

// BadgerStore keeps records in an embedded Badger database, one key per
// record under the rec/ and prereg/ prefixes.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadger opens a Badger database at path. An empty path opens an
// in-memory database.
func NewBadger(path string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func key(prefix []byte, id string) []byte {
	k := make([]byte, 0, len(prefix)+len(id))
	k = append(k, prefix...)
	return append(k, id...)
}

func (b *BadgerStore) put(rec model.BindingRecord, prefix []byte, mustBeNew bool) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	k := key(prefix, rec.DocumentID)
	return b.db.Update(func(txn *badger.Txn) error {
		if mustBeNew {
			_, err := txn.Get(k)
			if err == nil {
				return ErrConflict
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		} else if err := txn.Delete(key(preregKeys, rec.DocumentID)); err != nil {
			return err
		}
		return txn.Set(k, val)
	})
}

func (b *BadgerStore) Save(ctx context.Context, rec model.BindingRecord) error {
	return b.put(rec, activePrefix, false)
}

func (b *BadgerStore) SavePreRegistration(ctx context.Context, rec model.BindingRecord) error {
	return b.put(rec, preregKeys, true)
}

func (b *BadgerStore) Get(ctx context.Context, id string) (*model.BindingRecord, error) {
	var rec *model.BindingRecord
	err := b.db.View(func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{activePrefix, preregKeys} {
			item, err := txn.Get(key(prefix, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				rec = &model.BindingRecord{}
				return json.Unmarshal(val, rec)
			})
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BadgerStore) Delete(ctx context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		found := false
		for _, prefix := range [][]byte{activePrefix, preregKeys} {
			k := key(prefix, id)
			_, err := txn.Get(k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			found = true
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
}

// scan calls fn for every record under both prefixes.
func (b *BadgerStore) scan(fn func(k []byte, rec model.BindingRecord)) error {
	return b.db.View(func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{activePrefix, preregKeys} {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				k := item.KeyCopy(nil)
				err := item.Value(func(val []byte) error {
					var rec model.BindingRecord
					if err := json.Unmarshal(val, &rec); err != nil {
						b.logger.Warn("skipping undecodable record", "key", string(k), "error", err)
						return nil
					}
					fn(k, rec)
					return nil
				})
				if err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
}

func (b *BadgerStore) List(ctx context.Context, q model.ListBindingsQuery) (*model.ListBindingsResult, error) {
	var recs []model.BindingRecord
	if err := b.scan(func(_ []byte, rec model.BindingRecord) { recs = append(recs, rec) }); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return paginate(recs, q)
}

func (b *BadgerStore) CleanupExpired(ctx context.Context, now int64) (int, error) {
	var expired [][]byte
	err := b.scan(func(k []byte, rec model.BindingRecord) {
		if rec.Expired(now) {
			expired = append(expired, k)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("scan records: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range expired {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return len(expired), nil
}

func (b *BadgerStore) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// RunGC runs one round of value log garbage collection.
func (b *BadgerStore) RunGC() error {
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func (b *BadgerStore) Close() error { return b.db.Close() }
