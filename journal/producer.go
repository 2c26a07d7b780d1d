package journal

import (
	"bytes"
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/metrics"
)

// Producer appends records tagged with its id.
type Producer struct {
	id      string
	journal *Journal
}

func (p *Producer) ID() string { return p.id }

// Append locks and syncs the journal and returns a record to fill. The
// journal stays locked until the record is updated or cancelled.
func (p *Producer) Append(ctx context.Context) (*AppendRecord, error) {
	if err := p.journal.LockAndSync(ctx); err != nil {
		return nil, err
	}
	return &AppendRecord{producer: p}, nil
}

// AppendRecord collects the payload of one record while the journal is
// locked.
type AppendRecord struct {
	producer *Producer
	buf      bytes.Buffer
	revision int64
	done     bool
}

func (r *AppendRecord) Write(b []byte) (int, error) {
	if r.done {
		return 0, errors.NewJournalError("write", errors.ErrNotLocked)
	}
	return r.buf.Write(b)
}

func (r *AppendRecord) ProducerID() string { return r.producer.id }

// Revision is the revision assigned by Update, 0 before.
func (r *AppendRecord) Revision() int64 { return r.revision }

// Update appends the record and unlocks the journal.
func (r *AppendRecord) Update(ctx context.Context) (int64, error) {
	if r.done {
		return 0, errors.NewJournalError("update", errors.ErrNotLocked)
	}
	r.done = true
	j := r.producer.journal

	rev, err := j.backend.Append(ctx, &Record{
		JournalID:  j.id,
		ProducerID: r.producer.id,
		Data:       r.buf.Bytes(),
	})
	metrics.JournalAppends.WithLabelValues(j.id, metrics.Result(err)).Inc()
	if uerr := j.Unlock(ctx, err == nil); uerr != nil {
		trace.SpanFromContextSafe(ctx).Warnf("journal %s unlock after append: %s", j.id, errors.Detail(uerr))
		if err == nil {
			err = uerr
		}
	}
	if err != nil {
		return 0, errors.NewJournalError("append", err)
	}
	r.revision = rev
	return rev, nil
}

// Cancel abandons the record and unlocks the journal. It is a no-op after
// Update or a previous Cancel.
func (r *AppendRecord) Cancel(ctx context.Context) {
	if r.done {
		return
	}
	r.done = true
	j := r.producer.journal
	if err := j.Unlock(ctx, false); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("journal %s unlock on cancel: %s", j.id, errors.Detail(err))
	}
}
