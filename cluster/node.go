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

package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/time/rate"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/journal"
	"github.com/cubefs/itemdb/metrics"
)

const (
	statusNone int32 = iota
	statusStarted
	statusStopped
)

// Context is the repository side of the cluster node.
type Context interface {
	// WorkspaceOnline brings a workspace up so records for it can be
	// delivered.
	WorkspaceOnline(ctx context.Context, name string) error
}

// BackendFunc opens the journal backend for the given node id.
type BackendFunc func(id string) (journal.Backend, error)

type dispatcher interface {
	dispatch(ctx context.Context, env *envelope) error
}

// Node replicates local changes through the journal and applies the
// changes of other members. It consumes the records of producer "JR".
type Node struct {
	cfg        Config
	journal    *journal.Journal
	clusterCtx Context
	status     int32

	revMu    sync.Mutex
	revision journal.InstanceRevision
	consumed int64

	limiter *rate.Limiter

	updates    *updateDispatcher
	locks      *lockDispatcher
	namespaces *namespaceDispatcher
	nodeTypes  *nodeTypeDispatcher
	workspaces *workspaceDispatcher

	dispatchers map[RecordKind]dispatcher

	done    chan struct{}
	stopped chan struct{}
}

func New(cfg Config, newBackend BackendFunc, clusterCtx Context) (*Node, error) {
	if err := cfg.checkAndFix(); err != nil {
		return nil, err
	}
	backend, err := newBackend(cfg.ID)
	if err != nil {
		return nil, errors.NewJournalError("open", err)
	}
	j, err := journal.New(cfg.ID, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		journal:    j,
		clusterCtx: clusterCtx,
		limiter:    rate.NewLimiter(rate.Limit(cfg.NotifyLimit), 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	n.updates = newUpdateDispatcher(n)
	n.locks = newLockDispatcher(n)
	n.namespaces = &namespaceDispatcher{node: n}
	n.nodeTypes = &nodeTypeDispatcher{node: n}
	n.workspaces = &workspaceDispatcher{node: n}
	n.dispatchers = map[RecordKind]dispatcher{
		RecordChangeLog: n.updates,
		RecordLock:      n.locks,
		RecordNamespace: n.namespaces,
		RecordNodeType:  n.nodeTypes,
		RecordWorkspace: n.workspaces,
	}
	return n, nil
}

func (n *Node) ID() string { return n.cfg.ID }

func (n *Node) Journal() *journal.Journal { return n.journal }

// Start catches up with the journal and then keeps syncing in the
// background.
func (n *Node) Start(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if !atomic.CompareAndSwapInt32(&n.status, statusNone, statusStarted) {
		return errors.ErrIllegalState
	}

	revision, err := n.journal.InstanceRevision(ctx)
	if err != nil {
		atomic.StoreInt32(&n.status, statusNone)
		return err
	}
	rev, err := revision.Get(ctx)
	if err != nil {
		revision.Close()
		atomic.StoreInt32(&n.status, statusNone)
		return errors.NewJournalError("instance revision", err)
	}
	n.revision = revision
	atomic.StoreInt64(&n.consumed, rev)
	metrics.JournalRevision.WithLabelValues(n.cfg.ID).Set(float64(rev))

	if err = n.journal.Register(n); err != nil {
		revision.Close()
		atomic.StoreInt32(&n.status, statusNone)
		return err
	}
	if err = n.journal.Sync(ctx); err != nil {
		n.journal.Unregister(n)
		revision.Close()
		n.revision = nil
		atomic.StoreInt32(&n.status, statusNone)
		return err
	}

	span.Infof("cluster node %s started at revision %d", n.cfg.ID, n.Revision())
	go n.loop()
	return nil
}

func (n *Node) loop() {
	defer close(n.stopped)
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	delay := n.cfg.syncDelay()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	changes := n.journal.Changes()

	for {
		select {
		case <-n.done:
			return
		case <-timer.C:
		case <-changes:
			if !n.limiter.Allow() {
				continue
			}
			if !timer.Stop() {
				<-timer.C
			}
		}
		if err := n.journal.Sync(ctx); err != nil {
			span.Warnf("cluster node %s sync failed: %s", n.cfg.ID, errors.Detail(err))
		}
		timer.Reset(delay)
	}
}

// Sync applies the records appended by other members since the last sync.
func (n *Node) Sync(ctx context.Context) error {
	if atomic.LoadInt32(&n.status) != statusStarted {
		return errors.ErrClusterStopped
	}
	return n.journal.Sync(ctx)
}

// Stop ends the sync loop, waiting at most the stop delay for it, and closes
// the journal. It is idempotent.
func (n *Node) Stop(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if atomic.CompareAndSwapInt32(&n.status, statusNone, statusStopped) {
		return n.journal.Close()
	}
	if !atomic.CompareAndSwapInt32(&n.status, statusStarted, statusStopped) {
		return nil
	}

	close(n.done)
	select {
	case <-n.stopped:
	case <-time.After(n.cfg.stopDelay()):
		span.Warnf("cluster node %s sync loop did not stop within %s", n.cfg.ID, n.cfg.stopDelay())
	}
	n.journal.Unregister(n)
	err := n.journal.Close()
	if e := n.revision.Close(); e != nil && err == nil {
		err = e
	}
	span.Infof("cluster node %s stopped at revision %d", n.cfg.ID, n.Revision())
	return err
}

func (n *Node) checkStarted() error {
	if atomic.LoadInt32(&n.status) != statusStarted {
		return errors.ErrClusterStopped
	}
	return nil
}

// RecordConsumer

func (n *Node) Revision() int64 { return atomic.LoadInt64(&n.consumed) }

// SetRevision never moves the watermark backwards.
func (n *Node) SetRevision(ctx context.Context, rev int64) error {
	n.revMu.Lock()
	defer n.revMu.Unlock()
	if rev <= n.Revision() {
		return nil
	}
	if err := n.revision.Set(ctx, rev); err != nil {
		return errors.Info(err, "store instance revision", rev)
	}
	atomic.StoreInt64(&n.consumed, rev)
	metrics.JournalRevision.WithLabelValues(n.cfg.ID).Set(float64(rev))
	return nil
}

// Consume delivers one record. Failures are logged and never stop the
// records that follow.
func (n *Node) Consume(ctx context.Context, rec *journal.Record) {
	span := trace.SpanFromContextSafe(ctx)
	env, err := decodeEnvelope(rec.Data)
	if err != nil {
		span.Errorf("cluster record %d from %s undecodable: %s", rec.Revision, rec.JournalID, errors.Detail(err))
		metrics.ClusterRecords.WithLabelValues("in", "unknown", metrics.Result(err)).Inc()
		return
	}

	d, ok := n.dispatchers[env.Kind]
	if !ok {
		err = errors.ErrUnknownRecord
	} else {
		err = d.dispatch(ctx, env)
	}
	if err != nil {
		span.Errorf("cluster record %d (%s, workspace %q) from %s not applied: %s",
			rec.Revision, env.Kind, env.Workspace, rec.JournalID, errors.Detail(err))
	}
	metrics.ClusterRecords.WithLabelValues("in", env.Kind.String(), metrics.Result(err)).Inc()
}

// append writes one metadata record. apply runs while the journal is locked
// and synced; when it fails nothing is appended.
func (n *Node) append(ctx context.Context, kind RecordKind, workspace string, body interface{}, apply func() error) error {
	if err := n.checkStarted(); err != nil {
		return err
	}
	data, err := encodeEnvelope(kind, workspace, body)
	if err != nil {
		return err
	}

	rec, err := n.journal.Producer(producerID).Append(ctx)
	if err != nil {
		metrics.ClusterRecords.WithLabelValues("out", kind.String(), metrics.Result(err)).Inc()
		return errors.Info(err, "lock journal for", kind, "record")
	}
	if apply != nil {
		if err = apply(); err != nil {
			rec.Cancel(ctx)
			return err
		}
	}
	if _, err = rec.Write(data); err != nil {
		rec.Cancel(ctx)
		return err
	}
	rev, err := rec.Update(ctx)
	metrics.ClusterRecords.WithLabelValues("out", kind.String(), metrics.Result(err)).Inc()
	if err != nil {
		return errors.Info(err, "append", kind, "record of workspace", workspace)
	}
	n.committed(ctx, rev)
	return nil
}

// committed moves the watermark over a record this node appended.
func (n *Node) committed(ctx context.Context, rev int64) {
	if rev <= n.Revision() {
		return
	}
	if err := n.SetRevision(ctx, rev); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("cluster node %s save revision %d: %s", n.cfg.ID, rev, errors.Detail(err))
	}
}
