package persistence

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/fs"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/util"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, func()) {
	if cfg.Workspace == "" {
		cfg.Workspace = "default"
	}
	m := New(cfg)
	require.NoError(t, m.Init(context.Background()))
	return m, func() { m.Close() }
}

func forEachManager(t *testing.T, fn func(t *testing.T, m *Manager)) {
	t.Run("memory", func(t *testing.T) {
		m, closer := newTestManager(t, Config{})
		defer closer()
		fn(t, m)
	})
	t.Run("local", func(t *testing.T) {
		dir, err := util.GenTmpPath()
		require.NoError(t, err)
		defer os.RemoveAll(dir)
		m, closer := newTestManager(t, Config{Dir: dir})
		defer closer()
		fn(t, m)
	})
	t.Run("chunked", func(t *testing.T) {
		m, closer := newTestManager(t, Config{BlobFSBlockSize: 64, MinBlobSize: 100})
		defer closer()
		fn(t, m)
	})
}

func stringProp(parent proto.NodeID, name, value string) *proto.PropertyState {
	p := proto.NewPropertyState(proto.NewPropertyID(parent, proto.Name{Local: name}), proto.PropertyTypeString, false)
	p.Values = []proto.Value{proto.StringValue(value)}
	return p
}

func TestBuildPaths(t *testing.T) {
	id := proto.MustParseNodeID("cafebabe-cafe-babe-cafe-babecafebabe")
	require.Equal(t, "ca/fe/cafebabe-cafe-babe-cafe-babecafebabe.n", BuildNodeFilePath(id))
	require.Equal(t, "ca/fe/cafebabe-cafe-babe-cafe-babecafebabe.r", BuildReferencesFilePath(id))

	other := proto.NewNodeID()
	require.Equal(t, BuildNodeFilePath(other), BuildNodeFilePath(other))
	require.NotEqual(t, BuildNodeFilePath(other), BuildReferencesFilePath(other))

	parsed, ok := parseFileName(other.String()+nodeFileSuffix, nodeFileSuffix)
	require.True(t, ok)
	require.Equal(t, other, parsed)
	_, ok = parseFileName(other.String()+refsFileSuffix, nodeFileSuffix)
	require.False(t, ok)

	require.True(t, isFanOutFolder("0f"))
	require.False(t, isFanOutFolder("blobs"))
	require.False(t, isFanOutFolder("0F"))
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	m := New(Config{Workspace: "default"})

	_, err := m.Load(ctx, proto.RootNodeID)
	require.ErrorIs(t, err, errors.ErrNotInitialized)
	require.ErrorIs(t, m.Close(), errors.ErrNotInitialized)

	require.NoError(t, m.Init(ctx))
	require.ErrorIs(t, m.Init(ctx), errors.ErrAlreadyInitialized)

	ok, err := m.Exists(ctx, proto.RootNodeID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Close(), errors.ErrClosed)
	_, err = m.GetAllNodeIDs(ctx, proto.NilNodeID, 0)
	require.ErrorIs(t, err, errors.ErrClosed)
	require.ErrorIs(t, err, errors.ErrIllegalState)
	require.ErrorIs(t, m.Init(ctx), errors.ErrClosed)
}

func TestCloseWhileWaitingForLock(t *testing.T) {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	m, closer := newTestManager(t, Config{Dir: dir})
	defer closer()

	// the manager is closed while the load waits for the lock
	m.lock.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := m.LoadBundle(ctx, proto.RootNodeID)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	atomic.StoreInt32(&m.status, statusClosed)
	m.lock.Unlock()

	select {
	case err = <-done:
		require.ErrorIs(t, err, errors.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("load did not return")
	}
}

func TestInitBadErrorHandling(t *testing.T) {
	m := New(Config{ErrorHandling: "IGN_EVERYTHING"})
	require.Error(t, m.Init(context.Background()))
}

func TestStoreLoadDestroy(t *testing.T) {
	forEachManager(t, func(t *testing.T, m *Manager) {
		ctx := context.Background()

		root := proto.NewNodeState(proto.RootNodeID, proto.RepRoot, proto.NilNodeID)
		child := proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, root.ID)
		root.AddChildNodeEntry(proto.Name{Local: "child"}, child.ID)
		title := stringProp(child.ID, "title", "hello")
		child.AddPropertyName(title.ID.Name)

		changes := proto.NewChangeLog()
		changes.Added(root)
		changes.Added(child)
		changes.Added(title)
		require.NoError(t, m.Store(ctx, changes))

		loaded, err := m.Load(ctx, child.ID)
		require.NoError(t, err)
		require.Equal(t, root.ID, loaded.ParentID)
		require.Equal(t, proto.NTUnstructured, loaded.NodeTypeName)
		require.Equal(t, []proto.Name{title.ID.Name}, loaded.PropertyNames)

		loadedRoot, err := m.Load(ctx, root.ID)
		require.NoError(t, err)
		require.Len(t, loadedRoot.ChildEntries, 1)
		require.Equal(t, child.ID, loadedRoot.ChildEntries[0].ID)

		p, err := m.LoadProperty(ctx, title.ID)
		require.NoError(t, err)
		require.Equal(t, "hello", p.Values[0].String())

		ok, err := m.ExistsProperty(ctx, title.ID)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = m.ExistsProperty(ctx, proto.NewPropertyID(child.ID, proto.Name{Local: "missing"}))
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = m.ExistsProperty(ctx, proto.NewPropertyID(proto.NewNodeID(), proto.Name{Local: "x"}))
		require.NoError(t, err)
		require.False(t, ok)

		// modify the property, then remove it
		updated := title.Clone()
		updated.Values = []proto.Value{proto.StringValue("world")}
		changes = proto.NewChangeLog()
		changes.Modified(updated)
		require.NoError(t, m.Store(ctx, changes))
		p, err = m.LoadProperty(ctx, title.ID)
		require.NoError(t, err)
		require.Equal(t, "world", p.Values[0].String())

		changes = proto.NewChangeLog()
		changes.Deleted(updated)
		require.NoError(t, m.Store(ctx, changes))
		_, err = m.LoadProperty(ctx, title.ID)
		require.ErrorIs(t, err, errors.ErrNoSuchItemState)

		// destroy the child
		childBundle, err := m.LoadBundle(ctx, child.ID)
		require.NoError(t, err)
		require.NoError(t, m.DestroyBundle(ctx, childBundle))
		ok, err = m.ExistsBundle(ctx, child.ID)
		require.NoError(t, err)
		require.False(t, ok)
		_, err = m.Load(ctx, child.ID)
		require.ErrorIs(t, err, errors.ErrNoSuchItemState)
		require.ErrorIs(t, m.DestroyBundle(ctx, childBundle), errors.ErrNoSuchItemState)
	})
}

func TestLoadBundleReturnsCopy(t *testing.T) {
	m, closer := newTestManager(t, Config{})
	defer closer()
	ctx := context.Background()

	n := proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, proto.RootNodeID)
	changes := proto.NewChangeLog()
	changes.Added(n)
	require.NoError(t, m.Store(ctx, changes))

	b, err := m.LoadBundle(ctx, n.ID)
	require.NoError(t, err)
	b.NodeTypeName = proto.NTBase
	again, err := m.LoadBundle(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, proto.NTUnstructured, again.NodeTypeName)
}

func TestReferences(t *testing.T) {
	forEachManager(t, func(t *testing.T, m *Manager) {
		ctx := context.Background()
		target := proto.NewNodeID()

		_, err := m.LoadReferences(ctx, target)
		require.ErrorIs(t, err, errors.ErrNoSuchItemState)
		ok, err := m.ExistsReferences(ctx, target)
		require.NoError(t, err)
		require.False(t, ok)

		refs := proto.NewNodeReferences(target)
		refs.Add(proto.NewPropertyID(proto.NewNodeID(), proto.Name{Local: "ref"}))
		require.NoError(t, m.StoreReferences(ctx, refs))

		loaded, err := m.LoadReferences(ctx, target)
		require.NoError(t, err)
		require.Equal(t, refs.References, loaded.References)

		require.NoError(t, m.DestroyReferences(ctx, target))
		require.ErrorIs(t, m.DestroyReferences(ctx, target), errors.ErrNoSuchItemState)

		// a change log with an emptied record removes it
		refs = proto.NewNodeReferences(target)
		refs.Add(proto.NewPropertyID(proto.NewNodeID(), proto.Name{Local: "ref"}))
		changes := proto.NewChangeLog()
		changes.ModifiedReferences(refs)
		require.NoError(t, m.Store(ctx, changes))
		ok, err = m.ExistsReferences(ctx, target)
		require.NoError(t, err)
		require.True(t, ok)

		empty := proto.NewNodeReferences(target)
		changes = proto.NewChangeLog()
		changes.ModifiedReferences(empty)
		require.NoError(t, m.Store(ctx, changes))
		ok, err = m.ExistsReferences(ctx, target)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestGetAllNodeIDs(t *testing.T) {
	forEachManager(t, func(t *testing.T, m *Manager) {
		ctx := context.Background()

		ids, err := m.GetAllNodeIDs(ctx, proto.NilNodeID, 0)
		require.NoError(t, err)
		require.Empty(t, ids)

		changes := proto.NewChangeLog()
		var expected []proto.NodeID
		for i := 0; i < 30; i++ {
			n := proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, proto.RootNodeID)
			changes.Added(n)
			expected = append(expected, n.ID)
		}
		require.NoError(t, m.Store(ctx, changes))
		refs := proto.NewNodeReferences(expected[0])
		refs.Add(proto.NewPropertyID(expected[1], proto.Name{Local: "ref"}))
		require.NoError(t, m.StoreReferences(ctx, refs))

		sort.Slice(expected, func(i, j int) bool { return expected[i].String() < expected[j].String() })

		ids, err = m.GetAllNodeIDs(ctx, proto.NilNodeID, 0)
		require.NoError(t, err)
		require.Equal(t, expected, ids)

		ids, err = m.GetAllNodeIDs(ctx, expected[4], 5)
		require.NoError(t, err)
		require.Equal(t, expected[5:10], ids)

		ids, err = m.GetAllNodeIDs(ctx, expected[len(expected)-1], 5)
		require.NoError(t, err)
		require.Empty(t, ids)
	})
}

func TestBlobThresholdScenario(t *testing.T) {
	for _, blockSize := range []int{0, 64} {
		blobFS := fs.NewMemory()
		m, closer := newTestManager(t, Config{FS: blobFS, MinBlobSize: 100, BlobFSBlockSize: blockSize})
		ctx := context.Background()

		node := proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, proto.RootNodeID)
		str := stringProp(node.ID, "text", strings.Repeat("s", 50))
		bin := proto.NewPropertyState(proto.NewPropertyID(node.ID, proto.Name{Local: "data"}), proto.PropertyTypeBinary, false)
		payload := bytes.Repeat([]byte{0xab}, 500)
		bin.Values = []proto.Value{proto.BinaryValue(payload)}

		changes := proto.NewChangeLog()
		changes.Added(node)
		changes.Added(str)
		changes.Added(bin)
		require.NoError(t, m.Store(ctx, changes))

		b, err := m.LoadBundle(ctx, node.ID)
		require.NoError(t, err)
		require.Equal(t, "", b.Property(str.ID.Name).BlobIDs[0])
		require.Equal(t, strings.Repeat("s", 50), b.Property(str.ID.Name).Values[0].String())

		entry := b.Property(bin.ID.Name)
		store := m.Binding().BlobStore()
		require.Equal(t, store.CreateID(bin.ID, 0), entry.BlobIDs[0])
		require.Equal(t, payload, entry.Values[0].Data)

		r, err := store.Get(ctx, entry.BlobIDs[0])
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		require.Equal(t, payload, data)

		closer()
		require.NoError(t, blobFS.Close())
	}
}

func TestSharedFilesystemVisibility(t *testing.T) {
	shared := fs.NewMemory()
	defer shared.Close()
	a, closeA := newTestManager(t, Config{FS: shared, BlobFSBlockSize: 128})
	defer closeA()
	b, closeB := newTestManager(t, Config{FS: shared, BlobFSBlockSize: 128})
	defer closeB()
	ctx := context.Background()

	n := proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, proto.RootNodeID)
	changes := proto.NewChangeLog()
	changes.Added(n)
	require.NoError(t, a.Store(ctx, changes))

	loaded, err := b.Load(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, n.ID, loaded.ID)
}

func TestCheckConsistency(t *testing.T) {
	forEachManager(t, func(t *testing.T, m *Manager) {
		ctx := context.Background()

		root := proto.NewNodeState(proto.RootNodeID, proto.RepRoot, proto.NilNodeID)
		child := proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, root.ID)
		ghost := proto.NewNodeID()
		root.AddChildNodeEntry(proto.Name{Local: "child"}, child.ID)
		root.AddChildNodeEntry(proto.Name{Local: "ghost"}, ghost)

		ref := proto.NewPropertyState(proto.NewPropertyID(child.ID, proto.Name{Local: "ref"}), proto.PropertyTypeReference, false)
		ref.Values = []proto.Value{proto.ReferenceValue(root.ID)}
		child.AddPropertyName(ref.ID.Name)

		stale := proto.NewNodeReferences(root.ID)
		stale.Add(ref.ID)
		stale.Add(proto.NewPropertyID(child.ID, proto.Name{Local: "gone"}))

		changes := proto.NewChangeLog()
		changes.Added(root)
		changes.Added(child)
		changes.Added(ref)
		changes.ModifiedReferences(stale)
		require.NoError(t, m.Store(ctx, changes))

		report, err := m.CheckConsistency(ctx, ConsistencyOptions{})
		require.NoError(t, err)
		kinds := make(map[InconsistencyKind]int)
		for _, r := range report {
			kinds[r.Kind]++
			require.False(t, r.Fixed)
		}
		require.Equal(t, map[InconsistencyKind]int{MissingChild: 1, StaleReference: 1}, kinds)

		report, err = m.CheckConsistency(ctx, ConsistencyOptions{Fix: true})
		require.NoError(t, err)
		require.Len(t, report, 2)
		for _, r := range report {
			require.True(t, r.Fixed)
		}

		report, err = m.CheckConsistency(ctx, ConsistencyOptions{})
		require.NoError(t, err)
		require.Empty(t, report)

		loaded, err := m.Load(ctx, root.ID)
		require.NoError(t, err)
		require.Len(t, loaded.ChildEntries, 1)
		refs, err := m.LoadReferences(ctx, root.ID)
		require.NoError(t, err)
		require.Equal(t, []proto.PropertyID{ref.ID}, refs.References)
	})
}

func TestCheckConsistencyExternalTargets(t *testing.T) {
	m, closer := newTestManager(t, Config{})
	defer closer()
	ctx := context.Background()

	history := proto.NewNodeID()
	n := proto.NewNodeState(proto.NewNodeID(), proto.NTUnstructured, proto.NilNodeID)
	ref := proto.NewPropertyState(proto.NewPropertyID(n.ID, proto.JCRVersionHistory), proto.PropertyTypeReference, false)
	ref.Values = []proto.Value{proto.ReferenceValue(history)}
	changes := proto.NewChangeLog()
	changes.Added(n)
	changes.Added(ref)
	require.NoError(t, m.Store(ctx, changes))

	report, err := m.CheckConsistency(ctx, ConsistencyOptions{})
	require.NoError(t, err)
	require.Len(t, report, 1)
	require.Equal(t, DanglingReference, report[0].Kind)

	report, err = m.CheckConsistency(ctx, ConsistencyOptions{
		External: func(id proto.NodeID) bool { return id == history },
	})
	require.NoError(t, err)
	require.Empty(t, report)
}
