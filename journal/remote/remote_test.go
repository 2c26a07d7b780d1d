package remote

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/journal"
	"github.com/cubefs/itemdb/util"
)

type testConsumer struct {
	id       string
	revision int64
	records  []*journal.Record
}

func (c *testConsumer) ID() string      { return c.id }
func (c *testConsumer) Revision() int64 { return c.revision }

func (c *testConsumer) SetRevision(ctx context.Context, rev int64) error {
	c.revision = rev
	return nil
}

func (c *testConsumer) Consume(ctx context.Context, rec *journal.Record) {
	c.records = append(c.records, rec)
}

func startServer(t *testing.T) (*journal.KVLog, *Server, *grpc.ClientConn) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	log, err := journal.OpenKVLog(context.Background(), journal.KVConfig{Path: path})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(log)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryInterceptorWithTracer))
	RegisterJournalServer(s, srv)
	go s.Serve(lis)

	conn, err := Dial("bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		s.Stop()
		srv.Close()
		log.Close()
		os.RemoveAll(path)
	})
	return log, srv, conn
}

func newJournal(t *testing.T, conn *grpc.ClientConn, id string, cfg Config) *journal.Journal {
	j, err := journal.New(id, NewBackend(conn, id, cfg))
	require.NoError(t, err)
	return j
}

func appendData(t *testing.T, j *journal.Journal, data string) int64 {
	ctx := context.Background()
	rec, err := j.Producer("JR").Append(ctx)
	require.NoError(t, err)
	_, err = rec.Write([]byte(data))
	require.NoError(t, err)
	rev, err := rec.Update(ctx)
	require.NoError(t, err)
	return rev
}

func TestRemoteJournal(t *testing.T) {
	ctx := context.Background()
	log, _, conn := startServer(t)
	a := newJournal(t, conn, "a", Config{PageSize: 2})
	b := newJournal(t, conn, "b", Config{PageSize: 2})
	ca := &testConsumer{id: "JR"}
	cb := &testConsumer{id: "JR"}
	require.NoError(t, a.Register(ca))
	require.NoError(t, b.Register(cb))

	for i := 0; i < 5; i++ {
		appendData(t, a, "a")
	}
	rev := appendData(t, b, "b")
	require.Equal(t, int64(6), rev)
	require.Equal(t, int64(6), log.Revision())
	require.Len(t, cb.records, 5)

	require.NoError(t, a.Sync(ctx))
	require.Len(t, ca.records, 1)
	require.Equal(t, "b", string(ca.records[0].Data))
	require.Equal(t, int64(6), ca.Revision())

	it, err := a.Records(ctx, 3)
	require.NoError(t, err)
	records, err := journal.ReadAll(it)
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestRemoteInstanceRevision(t *testing.T) {
	ctx := context.Background()
	log, _, conn := startServer(t)
	a := newJournal(t, conn, "a", Config{})

	rev, err := a.InstanceRevision(ctx)
	require.NoError(t, err)
	require.NoError(t, rev.Set(ctx, 9))
	v, err := rev.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(9), v)

	v, err = log.LocalRevision(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(9), v)
}

func TestRemoteLockTimeout(t *testing.T) {
	_, _, conn := startServer(t)
	a := newJournal(t, conn, "a", Config{})
	b := newJournal(t, conn, "b", Config{})

	rec, err := a.Producer("JR").Append(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = b.Producer("JR").Append(ctx)
	require.ErrorIs(t, err, errors.ErrJournal)
	require.ErrorIs(t, err, errors.ErrLockTimeout)

	rec.Cancel(context.Background())
	require.Equal(t, int64(1), appendData(t, b, "b"))
}

func TestRemoteLeaseExpired(t *testing.T) {
	_, _, conn := startServer(t)
	a := newJournal(t, conn, "a", Config{LeaseMs: 50})
	b := newJournal(t, conn, "b", Config{})

	rec, err := a.Producer("JR").Append(context.Background())
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	// the lease is gone, so b gets the lock
	require.Equal(t, int64(1), appendData(t, b, "b"))

	_, err = rec.Update(context.Background())
	require.ErrorIs(t, err, errors.ErrJournal)
	require.ErrorIs(t, err, errors.ErrLeaseExpired)
}

func TestStatusMapping(t *testing.T) {
	require.Nil(t, toStatus(nil))
	require.Nil(t, fromStatus(nil))
	for _, err := range []error{errors.ErrLockTimeout, errors.ErrNotLocked, errors.ErrLeaseExpired, errors.ErrCorruptData} {
		require.ErrorIs(t, fromStatus(toStatus(err)), err)
	}
	require.ErrorIs(t, fromStatus(context.Canceled), errors.ErrLockTimeout)
}
