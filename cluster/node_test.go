package cluster

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/journal"
	"github.com/cubefs/itemdb/proto"
)

type updateCall struct {
	changes *proto.ChangeLog
	events  []proto.EventState
}

type fakeListener struct {
	lock       sync.Mutex
	updates    []updateCall
	locks      map[proto.NodeID]string
	remaps     [][3]string
	registered []proto.Name
	workspaces []string
	fail       bool
}

func newFakeListener() *fakeListener {
	return &fakeListener{locks: make(map[proto.NodeID]string)}
}

func (f *fakeListener) ExternalUpdate(ctx context.Context, changes *proto.ChangeLog, events []proto.EventState) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.fail {
		return errors.ErrIllegalState
	}
	f.updates = append(f.updates, updateCall{changes: changes, events: events})
	return nil
}

func (f *fakeListener) ExternalLock(ctx context.Context, id proto.NodeID, deep bool, owner string) error {
	f.lock.Lock()
	f.locks[id] = owner
	f.lock.Unlock()
	return nil
}

func (f *fakeListener) ExternalUnlock(ctx context.Context, id proto.NodeID) error {
	f.lock.Lock()
	delete(f.locks, id)
	f.lock.Unlock()
	return nil
}

func (f *fakeListener) ExternalRemap(ctx context.Context, oldPrefix, newPrefix, uri string) error {
	f.lock.Lock()
	f.remaps = append(f.remaps, [3]string{oldPrefix, newPrefix, uri})
	f.lock.Unlock()
	return nil
}

func (f *fakeListener) ExternalRegistered(ctx context.Context, defs []*proto.NodeTypeDef) error {
	f.lock.Lock()
	for _, d := range defs {
		f.registered = append(f.registered, d.Name)
	}
	f.lock.Unlock()
	return nil
}

func (f *fakeListener) ExternalReregistered(ctx context.Context, def *proto.NodeTypeDef) error {
	return nil
}

func (f *fakeListener) ExternalUnregistered(ctx context.Context, names []proto.Name) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	var kept []proto.Name
	for _, r := range f.registered {
		drop := false
		for _, n := range names {
			drop = drop || r == n
		}
		if !drop {
			kept = append(kept, r)
		}
	}
	f.registered = kept
	return nil
}

func (f *fakeListener) ExternalWorkspaceAdded(ctx context.Context, name string) error {
	f.lock.Lock()
	f.workspaces = append(f.workspaces, name)
	f.lock.Unlock()
	return nil
}

func (f *fakeListener) updateCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.updates)
}

type fakeContext struct {
	node     *Node
	listener *fakeListener
	online   []string
}

func (c *fakeContext) WorkspaceOnline(ctx context.Context, name string) error {
	c.online = append(c.online, name)
	if name == "missing" {
		return errors.ErrWorkspaceNotFound
	}
	return c.node.UpdateChannel(name).SetListener(c.listener)
}

func newTestNode(t *testing.T, log *journal.MemoryLog, id string, cctx Context) *Node {
	n, err := New(Config{ID: id, SyncDelayMs: 60000, StopDelayMs: 1000}, func(id string) (journal.Backend, error) {
		return journal.NewMemoryBackend(log), nil
	}, cctx)
	require.NoError(t, err)
	t.Cleanup(func() { n.Stop(context.Background()) })
	return n
}

func replicate(t *testing.T, c *UpdateChannel, changes *proto.ChangeLog, events []proto.EventState) {
	ctx := context.Background()
	u := &Update{Changes: changes, Events: events, UserID: "admin"}
	require.NoError(t, c.UpdateCreated(ctx, u))
	require.NoError(t, c.UpdatePrepared(ctx, u))
	c.UpdateCommitted(ctx, u)
}

func TestTwoNodesShareJournal(t *testing.T) {
	ctx := context.Background()
	log := journal.NewMemoryLog()
	a := newTestNode(t, log, "A", nil)
	b := newTestNode(t, log, "B", nil)
	la, lb := newFakeListener(), newFakeListener()
	require.NoError(t, a.UpdateChannel("default").SetListener(la))
	require.NoError(t, b.UpdateChannel("default").SetListener(lb))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	x := proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, proto.RootNodeID)
	root := proto.NewNodeState(proto.RootNodeID, proto.RepRoot, proto.NilNodeID)
	root.AddChildNodeEntry(proto.Name{Local: "x"}, x.ID)
	changes := proto.NewChangeLog()
	changes.Added(x)
	changes.Modified(root)
	events := []proto.EventState{{Type: proto.EventNodeAdded, ParentID: root.ID, ChildID: x.ID, ChildName: proto.Name{Local: "x"}}}

	replicate(t, a.UpdateChannel("default"), changes, events)
	revA := log.Revision()
	require.Equal(t, revA, a.Revision())

	require.NoError(t, b.Sync(ctx))
	require.Equal(t, 1, lb.updateCount())
	got := lb.updates[0]
	added := got.changes.AddedStates()
	require.Len(t, added, 1)
	require.Equal(t, x.ID, added[0].(*proto.NodeState).ID)
	require.Len(t, got.changes.ModifiedStates(), 1)
	require.Len(t, got.events, 1)
	require.True(t, got.events[0].External)
	require.Equal(t, "admin", got.events[0].UserID)
	require.Equal(t, revA, b.Revision())

	// never delivered back to the producer
	require.NoError(t, a.Sync(ctx))
	require.Equal(t, 0, la.updateCount())
}

func TestWorkspaceBroughtOnline(t *testing.T) {
	ctx := context.Background()
	log := journal.NewMemoryLog()
	a := newTestNode(t, log, "A", nil)
	cctx := &fakeContext{listener: newFakeListener()}
	b := newTestNode(t, log, "B", cctx)
	cctx.node = b
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	changes := proto.NewChangeLog()
	changes.Added(proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, proto.RootNodeID))
	replicate(t, a.UpdateChannel("other"), changes, nil)
	replicate(t, a.UpdateChannel("missing"), changes, nil)
	replicate(t, a.UpdateChannel("other"), changes, nil)

	require.NoError(t, b.Sync(ctx))
	require.Equal(t, []string{"other", "missing"}, cctx.online)
	// the failing record did not stop the one after it
	require.Equal(t, 2, cctx.listener.updateCount())
	require.Equal(t, log.Revision(), b.Revision())
}

func TestListenerFailureSkipsRecord(t *testing.T) {
	ctx := context.Background()
	log := journal.NewMemoryLog()
	a := newTestNode(t, log, "A", nil)
	b := newTestNode(t, log, "B", nil)
	lb := newFakeListener()
	lb.fail = true
	require.NoError(t, b.UpdateChannel("default").SetListener(lb))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	replicate(t, a.UpdateChannel("default"), proto.NewChangeLog(), nil)
	require.NoError(t, b.Sync(ctx))
	require.Equal(t, log.Revision(), b.Revision())

	// a garbage record is logged and skipped
	rec, err := a.Journal().Producer(producerID).Append(ctx)
	require.NoError(t, err)
	_, err = rec.Write([]byte{0xc1})
	require.NoError(t, err)
	_, err = rec.Update(ctx)
	require.NoError(t, err)

	lb.fail = false
	replicate(t, a.UpdateChannel("default"), proto.NewChangeLog(), nil)
	require.NoError(t, b.Sync(ctx))
	require.Equal(t, 1, lb.updateCount())
}

func TestMetadataRecords(t *testing.T) {
	ctx := context.Background()
	log := journal.NewMemoryLog()
	a := newTestNode(t, log, "A", nil)
	b := newTestNode(t, log, "B", nil)
	lb := newFakeListener()
	require.NoError(t, b.LockChannel("default").SetListener(lb))
	b.SetNamespaceListener(lb)
	b.SetNodeTypeListener(lb)
	b.SetWorkspaceListener(lb)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	id := proto.NewNodeID()
	applied := 0
	apply := func() error { applied++; return nil }
	require.NoError(t, a.LockChannel("default").Lock(ctx, id, true, "alice", apply))
	require.NoError(t, a.RemapNamespace(ctx, "", "ex", "http://example.com", apply))
	def := &proto.NodeTypeDef{Name: proto.Name{URI: "http://example.com", Local: "doc"}}
	require.NoError(t, a.NodeTypesRegistered(ctx, []*proto.NodeTypeDef{def}, apply))
	require.NoError(t, a.WorkspaceCreated(ctx, "second", apply))
	require.Equal(t, 4, applied)

	require.NoError(t, b.Sync(ctx))
	require.Equal(t, "alice", lb.locks[id])
	require.Equal(t, [][3]string{{"", "ex", "http://example.com"}}, lb.remaps)
	require.Equal(t, []proto.Name{def.Name}, lb.registered)
	require.Equal(t, []string{"second"}, lb.workspaces)

	require.NoError(t, a.LockChannel("default").Unlock(ctx, id, nil))
	require.NoError(t, a.NodeTypesUnregistered(ctx, []proto.Name{def.Name}, nil))
	require.NoError(t, b.Sync(ctx))
	require.Empty(t, lb.locks)
	require.Empty(t, lb.registered)
}

func TestApplyFailureAppendsNothing(t *testing.T) {
	ctx := context.Background()
	log := journal.NewMemoryLog()
	a := newTestNode(t, log, "A", nil)
	require.NoError(t, a.Start(ctx))

	err := a.WorkspaceCreated(ctx, "w", func() error { return errors.ErrWorkspaceExists })
	require.ErrorIs(t, err, errors.ErrWorkspaceExists)
	require.Equal(t, int64(0), log.Revision())

	// the journal lock was released
	require.NoError(t, a.WorkspaceCreated(ctx, "w", nil))
	require.Equal(t, int64(1), log.Revision())
}

func TestUpdateCancelled(t *testing.T) {
	ctx := context.Background()
	log := journal.NewMemoryLog()
	a := newTestNode(t, log, "A", nil)
	require.NoError(t, a.Start(ctx))
	c := a.UpdateChannel("default")

	u := &Update{Changes: proto.NewChangeLog()}
	require.NoError(t, c.UpdateCreated(ctx, u))
	c.UpdateCancelled(ctx, u)
	// committing without a record only warns
	c.UpdateCommitted(ctx, u)
	require.Equal(t, int64(0), log.Revision())

	replicate(t, c, proto.NewChangeLog(), nil)
	require.Equal(t, int64(1), log.Revision())
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	log := journal.NewMemoryLog()
	a := newTestNode(t, log, "A", nil)

	require.ErrorIs(t, a.Sync(ctx), errors.ErrClusterStopped)
	require.ErrorIs(t, a.WorkspaceCreated(ctx, "w", nil), errors.ErrClusterStopped)
	require.NoError(t, a.Start(ctx))
	require.ErrorIs(t, a.Start(ctx), errors.ErrIllegalState)
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))
	require.ErrorIs(t, a.Sync(ctx), errors.ErrClusterStopped)
	require.ErrorIs(t, a.Start(ctx), errors.ErrIllegalState)

	b := newTestNode(t, log, "B", nil)
	require.NoError(t, b.Stop(ctx))
	require.ErrorIs(t, b.Start(ctx), errors.ErrIllegalState)
}

func TestRevisionPersisted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	newNode := func(id string) *Node {
		n, err := New(Config{ID: id, SyncDelayMs: 60000}, func(id string) (journal.Backend, error) {
			return journal.NewFileBackend(id, journal.FileConfig{Dir: dir})
		}, nil)
		require.NoError(t, err)
		return n
	}

	a := newNode("A")
	b := newNode("B")
	lb := newFakeListener()
	require.NoError(t, b.UpdateChannel("default").SetListener(lb))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	replicate(t, a.UpdateChannel("default"), proto.NewChangeLog(), nil)
	require.NoError(t, b.Sync(ctx))
	require.Equal(t, 1, lb.updateCount())
	require.NoError(t, b.Stop(ctx))

	// a restarted member resumes after its watermark
	b = newNode("B")
	lb = newFakeListener()
	require.NoError(t, b.UpdateChannel("default").SetListener(lb))
	require.NoError(t, b.Start(ctx))
	require.Equal(t, int64(1), b.Revision())
	require.Equal(t, 0, lb.updateCount())

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, b.Stop(ctx))
}

func TestResolveNodeID(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sub", "cluster_node.id")

	id, err := resolveNodeID(&Config{ID: " n1 ", IDFile: file})
	require.NoError(t, err)
	require.Equal(t, "n1", id)

	t.Setenv(EnvNodeID, "from-env")
	id, err = resolveNodeID(&Config{IDFile: file})
	require.NoError(t, err)
	require.Equal(t, "from-env", id)

	t.Setenv(EnvNodeID, "")
	id, err = resolveNodeID(&Config{IDFile: file})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, id, string(data))

	again, err := resolveNodeID(&Config{IDFile: file})
	require.NoError(t, err)
	require.Equal(t, id, again)
}
