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

package remote

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/journal"
)

const (
	defaultLeaseMs = 30000
	maxRecordsPage = 1024
)

// Log is the journal storage served to remote members.
type Log interface {
	Lock(ctx context.Context) (int64, error)
	Unlock()
	Append(ctx context.Context, rec *journal.Record) (int64, error)
	Range(ctx context.Context, after int64, limit int) ([]*journal.Record, error)
	LocalRevision(ctx context.Context, journalID string) (int64, error)
	SetLocalRevision(ctx context.Context, journalID string, rev int64) error
}

// Server hands out the journal append lock as a lease. A member that dies
// while holding it loses the lock when the lease runs out.
type Server struct {
	log Log

	lock   sync.Mutex
	holder string
	token  string
	timer  *time.Timer
}

func NewServer(log Log) *Server {
	return &Server{log: log}
}

func (s *Server) Lock(ctx context.Context, req *LockRequest) (*LockResponse, error) {
	span := trace.SpanFromContextSafe(ctx)
	rev, err := s.log.Lock(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	lease := time.Duration(req.LeaseMs) * time.Millisecond
	if lease <= 0 {
		lease = defaultLeaseMs * time.Millisecond
	}
	token := uuid.NewString()

	s.lock.Lock()
	s.holder = req.Holder
	s.token = token
	s.timer = time.AfterFunc(lease, func() { s.expire(token) })
	s.lock.Unlock()

	span.Debugf("journal lock granted to %s at revision %d", req.Holder, rev)
	return &LockResponse{Token: token, Revision: rev}, nil
}

func (s *Server) expire(token string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.token != token {
		return
	}
	span, _ := trace.StartSpanFromContext(context.Background(), "")
	span.Warnf("journal lock lease of %s expired", s.holder)
	s.release()
}

// release must be called with s.lock held.
func (s *Server) release() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.holder = ""
	s.token = ""
	s.log.Unlock()
}

func (s *Server) checkToken(token string) error {
	if token == "" {
		return errors.ErrNotLocked
	}
	if s.token != token {
		return errors.ErrLeaseExpired
	}
	return nil
}

func (s *Server) Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkToken(req.Token); err != nil {
		return nil, toStatus(err)
	}
	if req.Record == nil {
		return nil, toStatus(errors.ErrCorruptData)
	}
	rev, err := s.log.Append(ctx, req.Record)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("journal append for %s failed: %s", s.holder, errors.Detail(err))
		return nil, toStatus(err)
	}
	return &AppendResponse{Revision: rev}, nil
}

func (s *Server) Unlock(ctx context.Context, req *UnlockRequest) (*Empty, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkToken(req.Token); err != nil {
		return nil, toStatus(err)
	}
	s.release()
	return &Empty{}, nil
}

func (s *Server) Records(ctx context.Context, req *RecordsRequest) (*RecordsResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxRecordsPage {
		limit = maxRecordsPage
	}
	records, err := s.log.Range(ctx, req.After, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RecordsResponse{Records: records}, nil
}

func (s *Server) GetLocalRevision(ctx context.Context, req *RevisionRequest) (*RevisionResponse, error) {
	rev, err := s.log.LocalRevision(ctx, req.JournalID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RevisionResponse{Revision: rev}, nil
}

func (s *Server) SetLocalRevision(ctx context.Context, req *RevisionRequest) (*Empty, error) {
	if err := s.log.SetLocalRevision(ctx, req.JournalID, req.Revision); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// Close drops a held lease.
func (s *Server) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.token != "" {
		s.release()
	}
}

// UnaryInterceptorWithTracer continues the caller's trace in the handler
// context.
func UnaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if reqID := md.Get(reqIDKey); len(reqID) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, reqID[0])
		}
	}
	return handler(ctx, req)
}
