package journal

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/util/btree"

	"github.com/cubefs/itemdb/errors"
)

type recordItem struct {
	rec *Record
}

func (r *recordItem) Less(than btree.Item) bool {
	return r.rec.Revision < than.(*recordItem).rec.Revision
}

func (r *recordItem) Copy() btree.Item {
	c := *r.rec
	return &recordItem{rec: &c}
}

// MemoryLog is an in-process journal storage. Backends created from the
// same log behave like cluster members sharing one journal.
type MemoryLog struct {
	sem chan struct{}

	lock      sync.RWMutex
	revision  int64
	records   *btree.BTree
	listeners map[*memoryBackend]struct{}
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		sem:       make(chan struct{}, 1),
		records:   btree.New(32),
		listeners: make(map[*memoryBackend]struct{}),
	}
}

// Revision returns the global revision.
func (l *MemoryLog) Revision() int64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.revision
}

type memoryBackend struct {
	log     *MemoryLog
	locked  bool
	changes chan struct{}
}

func NewMemoryBackend(log *MemoryLog) Backend {
	b := &memoryBackend{log: log, changes: make(chan struct{}, 1)}
	log.lock.Lock()
	log.listeners[b] = struct{}{}
	log.lock.Unlock()
	return b
}

func (b *memoryBackend) Lock(ctx context.Context) (int64, error) {
	select {
	case b.log.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, errors.ErrLockTimeout
	}
	b.locked = true
	return b.log.Revision(), nil
}

func (b *memoryBackend) Append(ctx context.Context, rec *Record) (int64, error) {
	if !b.locked {
		return 0, errors.ErrNotLocked
	}
	l := b.log
	l.lock.Lock()
	l.revision++
	stored := *rec
	stored.Revision = l.revision
	stored.Data = append([]byte(nil), rec.Data...)
	l.records.ReplaceOrInsert(&recordItem{rec: &stored})
	for other := range l.listeners {
		if other != b {
			select {
			case other.changes <- struct{}{}:
			default:
			}
		}
	}
	l.lock.Unlock()
	return stored.Revision, nil
}

func (b *memoryBackend) Unlock(ctx context.Context, successful bool) error {
	if !b.locked {
		return errors.ErrNotLocked
	}
	b.locked = false
	<-b.log.sem
	return nil
}

func (b *memoryBackend) Records(ctx context.Context, after int64) (RecordIterator, error) {
	l := b.log
	l.lock.RLock()
	defer l.lock.RUnlock()
	var records []*Record
	l.records.AscendGreaterOrEqual(&recordItem{rec: &Record{Revision: after + 1}}, func(i btree.Item) bool {
		c := *i.(*recordItem).rec
		records = append(records, &c)
		return true
	})
	return NewSliceIterator(records), nil
}

func (b *memoryBackend) InstanceRevision(ctx context.Context) (InstanceRevision, error) {
	return NewMemoryRevision(), nil
}

func (b *memoryBackend) Changes() <-chan struct{} { return b.changes }

func (b *memoryBackend) Close() error {
	b.log.lock.Lock()
	delete(b.log.listeners, b)
	b.log.lock.Unlock()
	return nil
}
