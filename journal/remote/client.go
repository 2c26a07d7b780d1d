package remote

import (
	"context"
	"io"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/journal"
)

const defaultPageSize = 256

type Config struct {
	Addr     string `json:"addr"`
	LeaseMs  int64  `json:"lease_ms"`
	PageSize int    `json:"page_size"`
}

func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                10 * time.Second,
				Timeout:             5 * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return grpc.Dial(addr, append(dialOpts, opts...)...)
}

type backend struct {
	journalID string
	cfg       Config
	client    *journalClient
	conn      *grpc.ClientConn

	token string
}

// Open dials cfg.Addr and returns a backend owning the connection.
func Open(journalID string, cfg Config) (journal.Backend, error) {
	conn, err := Dial(cfg.Addr)
	if err != nil {
		return nil, err
	}
	b := NewBackend(conn, journalID, cfg).(*backend)
	b.conn = conn
	return b, nil
}

// NewBackend returns a backend using cc; closing the backend leaves cc open.
func NewBackend(cc grpc.ClientConnInterface, journalID string, cfg Config) journal.Backend {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.LeaseMs <= 0 {
		cfg.LeaseMs = defaultLeaseMs
	}
	return &backend{journalID: journalID, cfg: cfg, client: &journalClient{cc: cc}}
}

func withReqID(ctx context.Context) context.Context {
	span := trace.SpanFromContextSafe(ctx)
	return metadata.AppendToOutgoingContext(ctx, reqIDKey, span.TraceID())
}

func (b *backend) Lock(ctx context.Context) (int64, error) {
	resp, err := b.client.Lock(withReqID(ctx), &LockRequest{Holder: b.journalID, LeaseMs: b.cfg.LeaseMs})
	if err != nil {
		return 0, fromStatus(err)
	}
	b.token = resp.Token
	return resp.Revision, nil
}

func (b *backend) Append(ctx context.Context, rec *journal.Record) (int64, error) {
	if b.token == "" {
		return 0, errors.ErrNotLocked
	}
	resp, err := b.client.Append(withReqID(ctx), &AppendRequest{Token: b.token, Record: rec})
	if err != nil {
		return 0, fromStatus(err)
	}
	return resp.Revision, nil
}

func (b *backend) Unlock(ctx context.Context, successful bool) error {
	if b.token == "" {
		return errors.ErrNotLocked
	}
	token := b.token
	b.token = ""
	_, err := b.client.Unlock(withReqID(ctx), &UnlockRequest{Token: token, Successful: successful})
	return fromStatus(err)
}

func (b *backend) Records(ctx context.Context, after int64) (journal.RecordIterator, error) {
	return &remoteIterator{ctx: withReqID(ctx), client: b.client, after: after, pageSize: b.cfg.PageSize}, nil
}

func (b *backend) InstanceRevision(ctx context.Context) (journal.InstanceRevision, error) {
	return &remoteRevision{client: b.client, journalID: b.journalID}, nil
}

func (b *backend) Close() error {
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type remoteIterator struct {
	ctx      context.Context
	client   *journalClient
	after    int64
	pageSize int
	page     []*journal.Record
	done     bool
}

func (it *remoteIterator) Next() (*journal.Record, error) {
	if len(it.page) == 0 {
		if it.done {
			return nil, io.EOF
		}
		resp, err := it.client.Records(it.ctx, &RecordsRequest{After: it.after, Limit: it.pageSize})
		if err != nil {
			return nil, fromStatus(err)
		}
		if len(resp.Records) < it.pageSize {
			it.done = true
		}
		if len(resp.Records) == 0 {
			return nil, io.EOF
		}
		it.page = resp.Records
	}
	rec := it.page[0]
	it.page = it.page[1:]
	it.after = rec.Revision
	return rec, nil
}

func (it *remoteIterator) Close() error {
	it.page = nil
	it.done = true
	return nil
}

type remoteRevision struct {
	client    *journalClient
	journalID string
}

func (r *remoteRevision) Get(ctx context.Context) (int64, error) {
	resp, err := r.client.GetLocalRevision(withReqID(ctx), &RevisionRequest{JournalID: r.journalID})
	if err != nil {
		return 0, fromStatus(err)
	}
	return resp.Revision, nil
}

func (r *remoteRevision) Set(ctx context.Context, rev int64) error {
	_, err := r.client.SetLocalRevision(withReqID(ctx), &RevisionRequest{JournalID: r.journalID, Revision: rev})
	return fromStatus(err)
}

func (r *remoteRevision) Close() error { return nil }
