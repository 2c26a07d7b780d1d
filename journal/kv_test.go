package journal

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/itemdb/util"
)

func openTestKVLog(t *testing.T) *KVLog {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	log, err := OpenKVLog(context.Background(), KVConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() {
		log.Close()
		os.RemoveAll(path)
	})
	return log
}

func TestKVLogAppendRange(t *testing.T) {
	ctx := context.Background()
	log := openTestKVLog(t)

	_, err := log.Lock(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		rev, err := log.Append(ctx, &Record{JournalID: "a", ProducerID: "JR", Data: []byte{byte(i)}})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), rev)
	}
	log.Unlock()
	require.Equal(t, int64(5), log.Revision())

	records, err := log.Range(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, int64(3), records[0].Revision)
	require.Equal(t, []byte{2}, records[0].Data)

	records, err = log.Range(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestKVJournalMembers(t *testing.T) {
	ctx := context.Background()
	log := openTestKVLog(t)
	a, err := New("a", NewKVBackend(log, "a"))
	require.NoError(t, err)
	b, err := New("b", NewKVBackend(log, "b"))
	require.NoError(t, err)

	rev, err := b.InstanceRevision(ctx)
	require.NoError(t, err)
	c := &testConsumer{id: "JR"}
	require.NoError(t, b.Register(c))

	for i := 0; i < kvPageSize+10; i++ {
		appendData(t, a, "JR", "x")
	}
	require.NoError(t, b.Sync(ctx))
	require.Len(t, c.received(), kvPageSize+10)
	require.NoError(t, rev.Set(ctx, c.Revision()))

	v, err := log.LocalRevision(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, int64(kvPageSize+10), v)
}

func TestKVLogJanitor(t *testing.T) {
	ctx := context.Background()
	log := openTestKVLog(t)

	low, err := log.Janitor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), low)

	_, err = log.Lock(ctx)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = log.Append(ctx, &Record{JournalID: "a", ProducerID: "JR"})
		require.NoError(t, err)
	}
	log.Unlock()

	require.NoError(t, log.SetLocalRevision(ctx, "a", 10))
	require.NoError(t, log.SetLocalRevision(ctx, "b", 4))
	low, err = log.Janitor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), low)

	records, err := log.Range(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 6)
	require.Equal(t, int64(5), records[0].Revision)
}

func TestKVLogReopen(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	log, err := OpenKVLog(ctx, KVConfig{Path: path})
	require.NoError(t, err)
	_, err = log.Lock(ctx)
	require.NoError(t, err)
	_, err = log.Append(ctx, &Record{JournalID: "a", ProducerID: "JR"})
	require.NoError(t, err)
	log.Unlock()
	log.Close()

	log, err = OpenKVLog(ctx, KVConfig{Path: path})
	require.NoError(t, err)
	defer log.Close()
	require.Equal(t, int64(1), log.Revision())
}
