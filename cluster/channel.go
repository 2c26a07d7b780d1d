package cluster

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/journal"
	"github.com/cubefs/itemdb/metrics"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/util"
)

type (
	UpdateEventListener interface {
		ExternalUpdate(ctx context.Context, changes *proto.ChangeLog, events []proto.EventState) error
	}
	LockEventListener interface {
		ExternalLock(ctx context.Context, id proto.NodeID, deep bool, owner string) error
		ExternalUnlock(ctx context.Context, id proto.NodeID) error
	}
	NamespaceEventListener interface {
		ExternalRemap(ctx context.Context, oldPrefix, newPrefix, uri string) error
	}
	NodeTypeEventListener interface {
		ExternalRegistered(ctx context.Context, defs []*proto.NodeTypeDef) error
		ExternalReregistered(ctx context.Context, def *proto.NodeTypeDef) error
		ExternalUnregistered(ctx context.Context, names []proto.Name) error
	}
	WorkspaceEventListener interface {
		ExternalWorkspaceAdded(ctx context.Context, name string) error
	}
)

// lookup finds the listener of a workspace, bringing the workspace online
// once when it is not registered yet.
func lookup[L any](ctx context.Context, n *Node, listeners *util.Registry[string, L], workspace string) (L, error) {
	if l, ok := listeners.Get(workspace); ok {
		return l, nil
	}
	var zero L
	if n.clusterCtx == nil {
		return zero, errors.ErrNoListener
	}
	if err := n.clusterCtx.WorkspaceOnline(ctx, workspace); err != nil {
		return zero, err
	}
	if l, ok := listeners.Get(workspace); ok {
		return l, nil
	}
	return zero, errors.ErrNoListener
}

// holder keeps the listener of a repository wide role.
type holder[L any] struct {
	lock     sync.RWMutex
	listener L
	set      bool
}

func (h *holder[L]) put(l L) {
	h.lock.Lock()
	h.listener, h.set = l, true
	h.lock.Unlock()
}

func (h *holder[L]) get() (L, error) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if !h.set {
		var zero L
		return zero, errors.ErrNoListener
	}
	return h.listener, nil
}

// Update is the call scoped state of one replicated workspace update.
type Update struct {
	Workspace string
	Changes   *proto.ChangeLog
	Events    []proto.EventState
	UserID    string

	record *journal.AppendRecord
}

type updateDispatcher struct {
	node      *Node
	listeners *util.Registry[string, UpdateEventListener]
}

func newUpdateDispatcher(n *Node) *updateDispatcher {
	return &updateDispatcher{node: n, listeners: util.NewRegistry[string, UpdateEventListener]()}
}

func (d *updateDispatcher) dispatch(ctx context.Context, env *envelope) error {
	rec := &changeLogRecord{}
	if err := env.decodeBody(rec); err != nil {
		return err
	}
	l, err := lookup(ctx, d.node, d.listeners, env.Workspace)
	if err != nil {
		return err
	}
	if err = l.ExternalUpdate(ctx, rec.changeLog(), rec.events()); err != nil {
		return errors.Info(err, "apply replicated update of workspace", env.Workspace)
	}
	return nil
}

// UpdateChannel replicates the content updates of one workspace.
type UpdateChannel struct {
	d         *updateDispatcher
	workspace string
}

func (n *Node) UpdateChannel(workspace string) *UpdateChannel {
	return &UpdateChannel{d: n.updates, workspace: workspace}
}

func (c *UpdateChannel) SetListener(l UpdateEventListener) error {
	return c.d.listeners.Register(c.workspace, l)
}

func (c *UpdateChannel) RemoveListener() {
	c.d.listeners.Unregister(c.workspace)
}

// UpdateCreated locks and syncs the journal and keeps the append handle in
// u. Records of other members are applied before it returns, so it must be
// called before the caller takes its own locks.
func (c *UpdateChannel) UpdateCreated(ctx context.Context, u *Update) error {
	n := c.d.node
	if err := n.checkStarted(); err != nil {
		return err
	}
	rec, err := n.journal.Producer(producerID).Append(ctx)
	if err != nil {
		return err
	}
	u.Workspace = c.workspace
	u.record = rec
	return nil
}

// UpdatePrepared writes the change log and events into the pending record.
// On failure the append is cancelled; the local update is not affected.
func (c *UpdateChannel) UpdatePrepared(ctx context.Context, u *Update) error {
	if u.record == nil {
		return nil
	}
	data, err := encodeEnvelope(RecordChangeLog, c.workspace, newChangeLogRecord(u))
	if err == nil {
		_, err = u.record.Write(data)
	}
	if err != nil {
		u.record.Cancel(ctx)
		u.record = nil
		return err
	}
	return nil
}

// UpdateCommitted appends the prepared record.
func (c *UpdateChannel) UpdateCommitted(ctx context.Context, u *Update) {
	span := trace.SpanFromContextSafe(ctx)
	if u.record == nil {
		span.Warnf("update of workspace %s committed without a prepared record, not replicated", c.workspace)
		return
	}
	rec := u.record
	u.record = nil
	rev, err := rec.Update(ctx)
	metrics.ClusterRecords.WithLabelValues("out", RecordChangeLog.String(), metrics.Result(err)).Inc()
	if err != nil {
		span.Errorf("update of workspace %s not replicated: %s", c.workspace, errors.Detail(err))
		return
	}
	c.d.node.committed(ctx, rev)
}

func (c *UpdateChannel) UpdateCancelled(ctx context.Context, u *Update) {
	if u.record != nil {
		u.record.Cancel(ctx)
		u.record = nil
	}
}

type lockDispatcher struct {
	node      *Node
	listeners *util.Registry[string, LockEventListener]
}

func newLockDispatcher(n *Node) *lockDispatcher {
	return &lockDispatcher{node: n, listeners: util.NewRegistry[string, LockEventListener]()}
}

func (d *lockDispatcher) dispatch(ctx context.Context, env *envelope) error {
	rec := &lockRecord{}
	if err := env.decodeBody(rec); err != nil {
		return err
	}
	l, err := lookup(ctx, d.node, d.listeners, env.Workspace)
	if err != nil {
		return err
	}
	if rec.Lock {
		return l.ExternalLock(ctx, rec.NodeID, rec.Deep, rec.Owner)
	}
	return l.ExternalUnlock(ctx, rec.NodeID)
}

// LockChannel replicates the lock operations of one workspace.
type LockChannel struct {
	d         *lockDispatcher
	workspace string
}

func (n *Node) LockChannel(workspace string) *LockChannel {
	return &LockChannel{d: n.locks, workspace: workspace}
}

func (c *LockChannel) SetListener(l LockEventListener) error {
	return c.d.listeners.Register(c.workspace, l)
}

func (c *LockChannel) RemoveListener() {
	c.d.listeners.Unregister(c.workspace)
}

func (c *LockChannel) Lock(ctx context.Context, id proto.NodeID, deep bool, owner string, apply func() error) error {
	return c.d.node.append(ctx, RecordLock, c.workspace, &lockRecord{NodeID: id, Lock: true, Deep: deep, Owner: owner}, apply)
}

func (c *LockChannel) Unlock(ctx context.Context, id proto.NodeID, apply func() error) error {
	return c.d.node.append(ctx, RecordLock, c.workspace, &lockRecord{NodeID: id}, apply)
}

type namespaceDispatcher struct {
	node *Node
	holder[NamespaceEventListener]
}

func (d *namespaceDispatcher) dispatch(ctx context.Context, env *envelope) error {
	rec := &namespaceRecord{}
	if err := env.decodeBody(rec); err != nil {
		return err
	}
	l, err := d.get()
	if err != nil {
		return err
	}
	return l.ExternalRemap(ctx, rec.OldPrefix, rec.NewPrefix, rec.URI)
}

func (n *Node) SetNamespaceListener(l NamespaceEventListener) { n.namespaces.put(l) }

// RemapNamespace replicates a namespace registration. oldPrefix is empty
// for a new uri.
func (n *Node) RemapNamespace(ctx context.Context, oldPrefix, newPrefix, uri string, apply func() error) error {
	return n.append(ctx, RecordNamespace, "", &namespaceRecord{OldPrefix: oldPrefix, NewPrefix: newPrefix, URI: uri}, apply)
}

type nodeTypeDispatcher struct {
	node *Node
	holder[NodeTypeEventListener]
}

func (d *nodeTypeDispatcher) dispatch(ctx context.Context, env *envelope) error {
	rec := &nodeTypeRecord{}
	if err := env.decodeBody(rec); err != nil {
		return err
	}
	l, err := d.get()
	if err != nil {
		return err
	}
	switch rec.Op {
	case NodeTypeRegister:
		return l.ExternalRegistered(ctx, rec.Defs)
	case NodeTypeReregister:
		if len(rec.Defs) != 1 {
			return errors.ErrCorruptData
		}
		return l.ExternalReregistered(ctx, rec.Defs[0])
	case NodeTypeUnregister:
		return l.ExternalUnregistered(ctx, rec.Names)
	}
	return errors.ErrUnknownRecord
}

func (n *Node) SetNodeTypeListener(l NodeTypeEventListener) { n.nodeTypes.put(l) }

func (n *Node) NodeTypesRegistered(ctx context.Context, defs []*proto.NodeTypeDef, apply func() error) error {
	return n.append(ctx, RecordNodeType, "", &nodeTypeRecord{Op: NodeTypeRegister, Defs: defs}, apply)
}

func (n *Node) NodeTypeReregistered(ctx context.Context, def *proto.NodeTypeDef, apply func() error) error {
	return n.append(ctx, RecordNodeType, "", &nodeTypeRecord{Op: NodeTypeReregister, Defs: []*proto.NodeTypeDef{def}}, apply)
}

func (n *Node) NodeTypesUnregistered(ctx context.Context, names []proto.Name, apply func() error) error {
	return n.append(ctx, RecordNodeType, "", &nodeTypeRecord{Op: NodeTypeUnregister, Names: names}, apply)
}

type workspaceDispatcher struct {
	node *Node
	holder[WorkspaceEventListener]
}

func (d *workspaceDispatcher) dispatch(ctx context.Context, env *envelope) error {
	rec := &workspaceRecord{}
	if err := env.decodeBody(rec); err != nil {
		return err
	}
	l, err := d.get()
	if err != nil {
		return err
	}
	return l.ExternalWorkspaceAdded(ctx, rec.Name)
}

func (n *Node) SetWorkspaceListener(l WorkspaceEventListener) { n.workspaces.put(l) }

func (n *Node) WorkspaceCreated(ctx context.Context, name string, apply func() error) error {
	return n.append(ctx, RecordWorkspace, name, &workspaceRecord{Name: name}, apply)
}
