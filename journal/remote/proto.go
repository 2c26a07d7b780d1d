package remote

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cubefs/itemdb/journal"
)

const (
	serviceName = "itemdb.journal.Journal"

	// reqIDKey carries the trace id of the caller.
	reqIDKey = "x-req-id"
)

type (
	LockRequest struct {
		Holder  string `msgpack:"holder"`
		LeaseMs int64  `msgpack:"lease_ms"`
	}
	LockResponse struct {
		Token    string `msgpack:"token"`
		Revision int64  `msgpack:"rev"`
	}
	AppendRequest struct {
		Token  string          `msgpack:"token"`
		Record *journal.Record `msgpack:"record"`
	}
	AppendResponse struct {
		Revision int64 `msgpack:"rev"`
	}
	UnlockRequest struct {
		Token      string `msgpack:"token"`
		Successful bool   `msgpack:"successful"`
	}
	RecordsRequest struct {
		After int64 `msgpack:"after"`
		Limit int   `msgpack:"limit"`
	}
	RecordsResponse struct {
		Records []*journal.Record `msgpack:"records"`
	}
	RevisionRequest struct {
		JournalID string `msgpack:"journal"`
		Revision  int64  `msgpack:"rev"`
	}
	RevisionResponse struct {
		Revision int64 `msgpack:"rev"`
	}
	Empty struct{}
)

// JournalServer is the service served by the journal daemon.
type JournalServer interface {
	Lock(context.Context, *LockRequest) (*LockResponse, error)
	Append(context.Context, *AppendRequest) (*AppendResponse, error)
	Unlock(context.Context, *UnlockRequest) (*Empty, error)
	Records(context.Context, *RecordsRequest) (*RecordsResponse, error)
	GetLocalRevision(context.Context, *RevisionRequest) (*RevisionResponse, error)
	SetLocalRevision(context.Context, *RevisionRequest) (*Empty, error)
}

func RegisterJournalServer(s grpc.ServiceRegistrar, srv JournalServer) {
	s.RegisterService(&journalServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(JournalServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(JournalServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(JournalServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

var journalServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*JournalServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Lock", JournalServer.Lock),
		unaryHandler("Append", JournalServer.Append),
		unaryHandler("Unlock", JournalServer.Unlock),
		unaryHandler("Records", JournalServer.Records),
		unaryHandler("GetLocalRevision", JournalServer.GetLocalRevision),
		unaryHandler("SetLocalRevision", JournalServer.SetLocalRevision),
	},
	Streams: []grpc.StreamDesc{},
}

type journalClient struct {
	cc grpc.ClientConnInterface
}

func (c *journalClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(codecName))
}

func (c *journalClient) Lock(ctx context.Context, in *LockRequest) (*LockResponse, error) {
	out := new(LockResponse)
	return out, c.invoke(ctx, "Lock", in, out)
}

func (c *journalClient) Append(ctx context.Context, in *AppendRequest) (*AppendResponse, error) {
	out := new(AppendResponse)
	return out, c.invoke(ctx, "Append", in, out)
}

func (c *journalClient) Unlock(ctx context.Context, in *UnlockRequest) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, "Unlock", in, out)
}

func (c *journalClient) Records(ctx context.Context, in *RecordsRequest) (*RecordsResponse, error) {
	out := new(RecordsResponse)
	return out, c.invoke(ctx, "Records", in, out)
}

func (c *journalClient) GetLocalRevision(ctx context.Context, in *RevisionRequest) (*RevisionResponse, error) {
	out := new(RevisionResponse)
	return out, c.invoke(ctx, "GetLocalRevision", in, out)
}

func (c *journalClient) SetLocalRevision(ctx context.Context, in *RevisionRequest) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, "SetLocalRevision", in, out)
}
