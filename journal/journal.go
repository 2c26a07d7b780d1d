// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package journal

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/metrics"
	"github.com/cubefs/itemdb/util"
)

// Backend is the storage of a journal shared by all cluster members.
// Lock, Append and Unlock are always called in that order by one writer.
type Backend interface {
	// Lock takes the exclusive append lock and returns the current global
	// revision.
	Lock(ctx context.Context) (int64, error)
	// Append stores rec under the next global revision and returns it.
	// It is only valid between Lock and Unlock.
	Append(ctx context.Context, rec *Record) (int64, error)
	// Unlock releases the append lock. successful is false when nothing
	// was appended or the append was abandoned.
	Unlock(ctx context.Context, successful bool) error
	// Records iterates the records with a revision greater than after.
	Records(ctx context.Context, after int64) (RecordIterator, error)
	// InstanceRevision opens the store of this instance's watermark.
	InstanceRevision(ctx context.Context) (InstanceRevision, error)
	Close() error
}

// Notifier is implemented by backends that can tell when another member
// appended a record. Receiving from Changes is only a hint to sync early.
type Notifier interface {
	Changes() <-chan struct{}
}

// Journal orders change records of all cluster members. Syncs share a read
// lock; an append holds the write lock from LockAndSync to Unlock.
type Journal struct {
	id      string
	backend Backend

	rwl sync.RWMutex
	// held is set while LockAndSync's write lock is owned.
	held atomic.Bool
	// syncMu serializes record delivery between concurrent syncs.
	syncMu sync.Mutex

	consumers *util.Registry[string, RecordConsumer]
	producers *util.Registry[string, *Producer]
}

func New(id string, backend Backend) (*Journal, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.NewJournalError("new", errors.New("empty journal id"))
	}
	return &Journal{
		id:        id,
		backend:   backend,
		consumers: util.NewRegistry[string, RecordConsumer](),
		producers: util.NewRegistry[string, *Producer](),
	}, nil
}

func (j *Journal) ID() string { return j.id }

func (j *Journal) Register(c RecordConsumer) error {
	return errors.NewJournalError("register", j.consumers.Register(c.ID(), c))
}

// Unregister is idempotent and reports whether c was registered.
func (j *Journal) Unregister(c RecordConsumer) bool {
	_, ok := j.consumers.Unregister(c.ID())
	return ok
}

// Producer returns the producer for id, creating it on first use.
func (j *Journal) Producer(id string) *Producer {
	return j.producers.GetOrCreate(id, func() *Producer {
		return &Producer{id: id, journal: j}
	})
}

// Changes returns the backend change channel, nil when the backend cannot
// notify.
func (j *Journal) Changes() <-chan struct{} {
	if n, ok := j.backend.(Notifier); ok {
		return n.Changes()
	}
	return nil
}

func (j *Journal) InstanceRevision(ctx context.Context) (InstanceRevision, error) {
	rev, err := j.backend.InstanceRevision(ctx)
	return rev, errors.NewJournalError("instance revision", err)
}

// Records iterates all records with a revision greater than after,
// including those produced by this instance.
func (j *Journal) Records(ctx context.Context, after int64) (RecordIterator, error) {
	it, err := j.backend.Records(ctx, after)
	return it, errors.NewJournalError("records", err)
}

// Sync delivers the records every consumer has not seen yet.
func (j *Journal) Sync(ctx context.Context) error {
	j.rwl.RLock()
	defer j.rwl.RUnlock()
	return j.doSync(ctx)
}

// LockAndSync takes the write lock and the backend lock, then syncs so the
// caller appends on top of the latest state. Every successful call must be
// followed by Unlock.
func (j *Journal) LockAndSync(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	j.rwl.Lock()
	rev, err := j.backend.Lock(ctx)
	if err != nil {
		j.rwl.Unlock()
		return errors.NewJournalError("lock", err)
	}
	span.Debugf("journal %s locked at revision %d", j.id, rev)

	if err = j.doSync(ctx); err != nil {
		if e := j.backend.Unlock(ctx, false); e != nil {
			span.Warnf("journal %s unlock after failed sync: %s", j.id, errors.Detail(e))
		}
		j.rwl.Unlock()
		return err
	}
	j.held.Store(true)
	return nil
}

// Unlock releases the locks taken by LockAndSync. Without a preceding
// LockAndSync it returns ErrNotLocked.
func (j *Journal) Unlock(ctx context.Context, successful bool) error {
	if !j.held.CompareAndSwap(true, false) {
		return errors.NewJournalError("unlock", errors.ErrNotLocked)
	}
	defer j.rwl.Unlock()
	return errors.NewJournalError("unlock", j.backend.Unlock(ctx, successful))
}

func (j *Journal) doSync(ctx context.Context) error {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()

	consumers := j.consumers.Values()
	if len(consumers) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.JournalSyncDuration.WithLabelValues(j.id).Observe(time.Since(start).Seconds())
	}()

	from := consumers[0].Revision()
	for _, c := range consumers[1:] {
		if rev := c.Revision(); rev < from {
			from = rev
		}
	}

	it, err := j.backend.Records(ctx, from)
	if err != nil {
		return errors.NewJournalError("sync", err)
	}
	defer it.Close()

	last := from
	delivered := 0
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewJournalError("sync", err)
		}
		if rec.Revision <= last {
			return errors.NewJournalError("sync", errors.ErrInvalidRevision)
		}
		last = rec.Revision
		if rec.JournalID == j.id {
			continue
		}
		c, ok := j.consumers.Get(rec.ProducerID)
		if !ok || rec.Revision <= c.Revision() {
			continue
		}
		c.Consume(ctx, rec)
		delivered++
	}

	// Watermarks advance independently. A consumer whose SetRevision failed
	// gets its records again on the next sync; the others do not.
	var setErr error
	for _, c := range consumers {
		if last > c.Revision() {
			if err := c.SetRevision(ctx, last); err != nil && setErr == nil {
				setErr = err
			}
		}
	}
	if setErr != nil {
		return errors.NewJournalError("sync", setErr)
	}
	if delivered > 0 {
		metrics.JournalRecordsReplayed.WithLabelValues(j.id).Add(float64(delivered))
		trace.SpanFromContextSafe(ctx).Debugf("journal %s delivered %d records up to revision %d", j.id, delivered, last)
	}
	return nil
}

func (j *Journal) Close() error {
	return errors.NewJournalError("close", j.backend.Close())
}
