package journal

import (
	"context"
	"encoding/binary"
	"io"
	"strconv"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/common/kvstore"
	"github.com/cubefs/itemdb/errors"
)

const (
	recordsCF kvstore.CF = "records"
	metaCF    kvstore.CF = "meta"
	localCF   kvstore.CF = "local"
)

var globalRevisionKey = []byte("global_revision")

type KVConfig struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

// KVLog keeps the journal in a rocksdb instance: records keyed by big
// endian revision, the global revision, and the watermark of every member
// keyed by journal id. One process owns the store; other processes reach
// it through the journal server.
type KVLog struct {
	store kvstore.Store
	sem   chan struct{}

	lock     sync.Mutex
	revision int64
}

func OpenKVLog(ctx context.Context, cfg KVConfig) (*KVLog, error) {
	opt := cfg.KVOption
	opt.CreateIfMissing = true
	opt.ColumnFamily = []kvstore.CF{recordsCF, metaCF, localCF}
	store, err := kvstore.NewKVStore(ctx, cfg.Path, kvstore.RocksdbLsmKVType, &opt)
	if err != nil {
		return nil, errors.Info(err, "open kv journal", cfg.Path)
	}

	l := &KVLog{store: store, sem: make(chan struct{}, 1)}
	raw, err := store.GetRaw(ctx, metaCF, globalRevisionKey)
	switch {
	case err == nil:
		l.revision = decodeRevision(raw)
	case err != kvstore.ErrNotFound:
		store.Close()
		return nil, err
	}
	return l, nil
}

func encodeRevision(rev int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(rev))
	return b
}

func decodeRevision(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func (l *KVLog) Revision() int64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.revision
}

// Lock waits for the append lock until ctx is done.
func (l *KVLog) Lock(ctx context.Context) (int64, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, errors.ErrLockTimeout
	}
	return l.Revision(), nil
}

func (l *KVLog) Unlock() {
	select {
	case <-l.sem:
	default:
	}
}

// Append writes rec and the new global revision in one batch. The caller
// must hold the lock.
func (l *KVLog) Append(ctx context.Context, rec *Record) (int64, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	stored := *rec
	stored.Revision = l.revision + 1
	value, err := encodeRecord(&stored)
	if err != nil {
		return 0, err
	}
	batch := l.store.NewWriteBatch()
	defer batch.Close()
	batch.Put(recordsCF, encodeRevision(stored.Revision), value)
	batch.Put(metaCF, globalRevisionKey, encodeRevision(stored.Revision))
	if err = l.store.Write(ctx, batch); err != nil {
		return 0, errors.Info(err, "write record", stored.Revision)
	}
	l.revision = stored.Revision
	return stored.Revision, nil
}

// Range returns at most limit records after the given revision; limit <= 0
// reads to the end.
func (l *KVLog) Range(ctx context.Context, after int64, limit int) ([]*Record, error) {
	lr := l.store.List(ctx, recordsCF, nil, encodeRevision(after+1))
	defer lr.Close()

	var records []*Record
	for limit <= 0 || len(records) < limit {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "read next record failed")
		}
		if key == nil {
			break
		}
		rec, err := decodeRecord(value)
		if err != nil {
			return nil, errors.NewItemStateError("decode record", revisionString(decodeRevision(key)), errors.ErrCorruptData)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *KVLog) LocalRevision(ctx context.Context, journalID string) (int64, error) {
	raw, err := l.store.GetRaw(ctx, localCF, []byte(journalID))
	if err == kvstore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Info(err, "get local revision of", journalID)
	}
	return decodeRevision(raw), nil
}

func (l *KVLog) SetLocalRevision(ctx context.Context, journalID string, rev int64) error {
	if err := l.store.SetRaw(ctx, localCF, []byte(journalID), encodeRevision(rev)); err != nil {
		return errors.Info(err, "set local revision of", journalID, rev)
	}
	return nil
}

// Janitor deletes the records every known member has applied and returns
// the revision up to which records were removed.
func (l *KVLog) Janitor(ctx context.Context) (int64, error) {
	span := trace.SpanFromContextSafe(ctx)

	lr := l.store.List(ctx, localCF, nil, nil)
	var (
		low   int64 = -1
		count int
	)
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			lr.Close()
			return 0, errors.Info(err, "read next local revision failed")
		}
		if key == nil {
			break
		}
		count++
		if rev := decodeRevision(value); low < 0 || rev < low {
			low = rev
		}
	}
	lr.Close()
	if count == 0 || low <= 0 {
		return 0, nil
	}

	batch := l.store.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(recordsCF, encodeRevision(0), encodeRevision(low+1))
	if err := l.store.Write(ctx, batch); err != nil {
		return 0, errors.Info(err, "delete records up to", low)
	}
	span.Infof("journal janitor removed records up to revision %d, %d members", low, count)
	return low, nil
}

func (l *KVLog) Close() {
	l.store.Close()
}

type revisionString int64

func (r revisionString) String() string {
	return strconv.FormatInt(int64(r), 10)
}

type kvBackend struct {
	log       *KVLog
	journalID string
	locked    bool
}

// NewKVBackend returns a member of the journal kept in log.
func NewKVBackend(log *KVLog, journalID string) Backend {
	return &kvBackend{log: log, journalID: journalID}
}

func (b *kvBackend) Lock(ctx context.Context) (int64, error) {
	rev, err := b.log.Lock(ctx)
	if err != nil {
		return 0, err
	}
	b.locked = true
	return rev, nil
}

func (b *kvBackend) Append(ctx context.Context, rec *Record) (int64, error) {
	if !b.locked {
		return 0, errors.ErrNotLocked
	}
	return b.log.Append(ctx, rec)
}

func (b *kvBackend) Unlock(ctx context.Context, successful bool) error {
	if !b.locked {
		return errors.ErrNotLocked
	}
	b.locked = false
	b.log.Unlock()
	return nil
}

func (b *kvBackend) Records(ctx context.Context, after int64) (RecordIterator, error) {
	return &kvIterator{ctx: ctx, log: b.log, after: after}, nil
}

func (b *kvBackend) InstanceRevision(ctx context.Context) (InstanceRevision, error) {
	return &kvRevision{log: b.log, journalID: b.journalID}, nil
}

func (b *kvBackend) Close() error { return nil }

const kvPageSize = 256

// kvIterator reads the records in pages so a long replay does not pin a
// rocksdb iterator.
type kvIterator struct {
	ctx   context.Context
	log   *KVLog
	after int64
	page  []*Record
	done  bool
}

func (it *kvIterator) Next() (*Record, error) {
	if len(it.page) == 0 {
		if it.done {
			return nil, io.EOF
		}
		page, err := it.log.Range(it.ctx, it.after, kvPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) < kvPageSize {
			it.done = true
		}
		if len(page) == 0 {
			return nil, io.EOF
		}
		it.page = page
	}
	rec := it.page[0]
	it.page = it.page[1:]
	it.after = rec.Revision
	return rec, nil
}

func (it *kvIterator) Close() error {
	it.page = nil
	it.done = true
	return nil
}

type kvRevision struct {
	log       *KVLog
	journalID string
}

func (r *kvRevision) Get(ctx context.Context) (int64, error) {
	return r.log.LocalRevision(ctx, r.journalID)
}

func (r *kvRevision) Set(ctx context.Context, rev int64) error {
	return r.log.SetLocalRevision(ctx, r.journalID, rev)
}

func (r *kvRevision) Close() error { return nil }
