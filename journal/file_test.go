package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/itemdb/errors"
)

func newFileJournal(t *testing.T, cfg FileConfig, id string) *Journal {
	backend, err := NewFileBackend(id, cfg)
	require.NoError(t, err)
	j, err := New(id, backend)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func readAllRecords(t *testing.T, j *Journal, after int64) []*Record {
	it, err := j.Records(context.Background(), after)
	require.NoError(t, err)
	records, err := ReadAll(it)
	require.NoError(t, err)
	return records
}

func TestFileConfigCheck(t *testing.T) {
	cfg := FileConfig{}
	require.Error(t, cfg.checkAndFix("a"))

	cfg = FileConfig{Dir: "/tmp/j"}
	require.NoError(t, cfg.checkAndFix("a"))
	require.Equal(t, filepath.Join("/tmp/j", "instances", "a"), cfg.RevisionFile)
	require.Equal(t, int64(defaultMaxSegmentSize), cfg.MaxSegmentSize)
}

func TestFileJournalSharedDir(t *testing.T) {
	ctx := context.Background()
	cfg := FileConfig{Dir: t.TempDir()}
	a := newFileJournal(t, cfg, "a")
	b := newFileJournal(t, cfg, "b")
	ca := &testConsumer{id: "JR"}
	cb := &testConsumer{id: "JR"}
	require.NoError(t, a.Register(ca))
	require.NoError(t, b.Register(cb))

	r1 := appendData(t, a, "JR", "one")
	r2 := appendData(t, b, "JR", "two")
	r3 := appendData(t, a, "JR", "three")
	require.Equal(t, []int64{1, 2, 3}, []int64{r1, r2, r3})

	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))
	require.Len(t, ca.received(), 1)
	require.Equal(t, "two", string(ca.received()[0].Data))
	require.Len(t, cb.received(), 2)
	require.Equal(t, "three", string(cb.received()[1].Data))

	records := readAllRecords(t, a, 1)
	require.Len(t, records, 2)
	require.Equal(t, r2, records[0].Revision)
	require.Equal(t, "b", records[0].JournalID)
}

func TestFileJournalTornTail(t *testing.T) {
	cfg := FileConfig{Dir: t.TempDir()}
	a := newFileJournal(t, cfg, "a")
	appendData(t, a, "JR", "one")
	appendData(t, a, "JR", "two")

	segment := filepath.Join(cfg.Dir, segmentDir, segmentName(1))
	f, err := os.OpenFile(segment, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 9, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Len(t, readAllRecords(t, a, 0), 2)

	r3 := appendData(t, a, "JR", "three")
	require.Equal(t, int64(3), r3)
	records := readAllRecords(t, a, 0)
	require.Len(t, records, 3)
	require.Equal(t, "three", string(records[2].Data))
}

func TestFileJournalUncommittedFrame(t *testing.T) {
	ctx := context.Background()
	cfg := FileConfig{Dir: t.TempDir()}
	backend, err := NewFileBackend("a", cfg)
	require.NoError(t, err)
	defer backend.Close()
	fb := backend.(*fileBackend)

	_, err = fb.Lock(ctx)
	require.NoError(t, err)
	_, err = fb.Append(ctx, &Record{JournalID: "a", ProducerID: "JR", Data: []byte("one")})
	require.NoError(t, err)
	// a frame written without moving the revision file
	payload, err := encodeRecord(&Record{Revision: 2, JournalID: "a", ProducerID: "JR", Data: []byte("lost")})
	require.NoError(t, err)
	end, err := fb.validEnd(segmentName(1))
	require.NoError(t, err)
	require.NoError(t, fb.writeFrame(segmentName(1), end, payload))
	require.NoError(t, fb.Unlock(ctx, false))

	it, err := fb.Records(ctx, 0)
	require.NoError(t, err)
	records, err := ReadAll(it)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rev, err := fb.Lock(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rev)
	rev, err = fb.Append(ctx, &Record{JournalID: "a", ProducerID: "JR", Data: []byte("two")})
	require.NoError(t, err)
	require.Equal(t, int64(2), rev)
	require.NoError(t, fb.Unlock(ctx, true))

	it, err = fb.Records(ctx, 1)
	require.NoError(t, err)
	records, err = ReadAll(it)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "two", string(records[0].Data))
}

func TestFileJournalSegments(t *testing.T) {
	cfg := FileConfig{Dir: t.TempDir(), MaxSegmentSize: 1, RetainSegments: 2}
	a := newFileJournal(t, cfg, "a")
	for i := 0; i < 5; i++ {
		appendData(t, a, "JR", "x")
	}

	entries, err := os.ReadDir(filepath.Join(cfg.Dir, segmentDir))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, segmentName(4), entries[0].Name())
	require.Equal(t, segmentName(5), entries[1].Name())

	records := readAllRecords(t, a, 4)
	require.Len(t, records, 1)
	require.Equal(t, int64(5), records[0].Revision)
	records = readAllRecords(t, a, 0)
	require.Len(t, records, 2)
}

func TestFileJournalLockTimeout(t *testing.T) {
	cfg := FileConfig{Dir: t.TempDir(), LockRetryMs: 5}
	a := newFileJournal(t, cfg, "a")
	b := newFileJournal(t, cfg, "b")

	rec, err := a.Producer("JR").Append(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Producer("JR").Append(ctx)
	require.ErrorIs(t, err, errors.ErrJournal)
	require.ErrorIs(t, err, errors.ErrLockTimeout)

	rec.Cancel(context.Background())
	require.Equal(t, int64(1), appendData(t, b, "JR", "x"))
}

func TestFileJournalChanges(t *testing.T) {
	cfg := FileConfig{Dir: t.TempDir()}
	a := newFileJournal(t, cfg, "a")
	b := newFileJournal(t, cfg, "b")
	require.NotNil(t, b.Changes())

	appendData(t, a, "JR", "x")
	select {
	case <-b.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestFileInstanceRevision(t *testing.T) {
	ctx := context.Background()
	cfg := FileConfig{Dir: t.TempDir()}
	a := newFileJournal(t, cfg, "a")

	rev, err := a.InstanceRevision(ctx)
	require.NoError(t, err)
	require.NoError(t, rev.Set(ctx, 42))
	require.NoError(t, rev.Close())

	rev, err = OpenFileRevision(filepath.Join(cfg.Dir, "instances", "a"))
	require.NoError(t, err)
	v, err := rev.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "bad"), []byte{1}, 0o644))
	_, err = OpenFileRevision(filepath.Join(cfg.Dir, "bad"))
	require.Error(t, err)
}
