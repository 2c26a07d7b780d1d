package importer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/nodetype"
	"github.com/cubefs/itemdb/persistence"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/state"
	"github.com/cubefs/itemdb/version"
)

type env struct {
	state    *state.Manager
	types    *nodetype.Registry
	versions *version.Manager
}

func newEnv(t *testing.T) *env {
	ctx := context.Background()
	vpm := persistence.New(persistence.Config{Workspace: version.Workspace})
	require.NoError(t, vpm.Init(ctx))
	t.Cleanup(func() { vpm.Close() })
	vm := version.New(state.New(state.Config{}, vpm))
	require.NoError(t, vm.Init(ctx))

	pm := persistence.New(persistence.Config{Workspace: "default"})
	require.NoError(t, pm.Init(ctx))
	t.Cleanup(func() { pm.Close() })
	sm := state.New(state.Config{External: func(id proto.NodeID) bool {
		ok, err := vm.Contains(context.Background(), id)
		return err == nil && ok
	}}, pm)
	require.NoError(t, sm.EnsureRoot(ctx, proto.RootNodeID, proto.RepRoot))

	types, err := nodetype.New(nodetype.Config{})
	require.NoError(t, err)
	return &env{state: sm, types: types, versions: vm}
}

func (e *env) importer(behavior UUIDBehavior) *Importer {
	return New(e.state, e.types, e.versions, proto.RootNodeID, Config{UUIDBehavior: behavior, UserID: "admin"})
}

// existing creates a referenceable node below the root.
func (e *env) existing(t *testing.T, name string) proto.NodeID {
	ctx := context.Background()
	im := e.importer(CollisionThrow)
	id := proto.NewNodeID()
	require.NoError(t, im.Start(ctx))
	info := &NodeInfo{Name: proto.Name{Local: name}, Mixins: []proto.Name{proto.MixReferenceable}, ID: id}
	require.NoError(t, im.StartNode(ctx, info, []*PropInfo{stringProp("title", name)}))
	require.NoError(t, im.EndNode(ctx, info))
	require.NoError(t, im.End(ctx))
	return id
}

func stringProp(name, value string) *PropInfo {
	return &PropInfo{Name: proto.Name{Local: name}, Type: proto.PropertyTypeString, Values: []proto.Value{proto.StringValue(value)}}
}

func refProp(name string, id proto.NodeID) *PropInfo {
	return &PropInfo{Name: proto.Name{Local: name}, Type: proto.PropertyTypeReference, Values: []proto.Value{proto.ReferenceValue(id)}}
}

func (e *env) property(t *testing.T, id proto.NodeID, name proto.Name) *proto.PropertyState {
	p, err := e.state.GetProperty(context.Background(), proto.NewPropertyID(id, name))
	require.NoError(t, err)
	return p
}

func (e *env) children(t *testing.T, id proto.NodeID) []proto.ChildNodeEntry {
	n, err := e.state.Get(context.Background(), id)
	require.NoError(t, err)
	return n.ChildEntries
}

func TestImportTree(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	im := e.importer(CreateNew)
	require.NoError(t, im.Start(ctx))

	a := &NodeInfo{Name: proto.Name{Local: "a"}, Mixins: []proto.Name{proto.MixReferenceable}, ID: proto.NewNodeID()}
	b := &NodeInfo{Name: proto.Name{Local: "b"}}
	// b refers to a, jcr:primaryType is protected and ignored
	bogus := &PropInfo{Name: proto.JCRPrimaryType, Type: proto.PropertyTypeName, Values: []proto.Value{proto.NameValue(proto.NTVersion)}}
	require.NoError(t, im.StartNode(ctx, a, []*PropInfo{stringProp("title", "A")}))
	require.NoError(t, im.StartNode(ctx, b, []*PropInfo{refProp("link", a.ID), bogus}))
	require.NoError(t, im.EndNode(ctx, b))
	require.NoError(t, im.EndNode(ctx, a))
	require.NoError(t, im.End(ctx))
	require.ErrorIs(t, im.End(ctx), errors.ErrIllegalState)

	entries := e.children(t, proto.RootNodeID)
	require.Len(t, entries, 1)
	require.Equal(t, a.ID, entries[0].ID)
	require.Equal(t, a.ID.String(), e.property(t, a.ID, proto.JCRUUID).Values[0].String())
	require.Equal(t, "A", e.property(t, a.ID, proto.Name{Local: "title"}).Values[0].String())

	entries = e.children(t, a.ID)
	require.Len(t, entries, 1)
	bID := entries[0].ID
	require.Equal(t, proto.NTUnstructured, e.property(t, bID, proto.JCRPrimaryType).Values[0].Name())
	require.Equal(t, a.ID, e.property(t, bID, proto.Name{Local: "link"}).Values[0].Reference())

	refs, err := e.state.GetReferences(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, refs.References, 1)
}

func TestImportIsAtomic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	im := e.importer(CreateNew)
	require.NoError(t, im.Start(ctx))
	first := &NodeInfo{Name: proto.Name{Local: "first"}, ID: proto.NewNodeID()}
	require.NoError(t, im.StartNode(ctx, first, nil))
	require.NoError(t, im.EndNode(ctx, first))
	last := &NodeInfo{Name: proto.Name{Local: "last"}, NodeTypeName: proto.Name{Local: "unknown"}}
	require.ErrorIs(t, im.StartNode(ctx, last, nil), errors.ErrNodeTypeNotFound)
	require.True(t, im.Aborted())
	require.NoError(t, im.StartNode(ctx, first, nil))
	require.NoError(t, im.EndNode(ctx, first))
	require.ErrorIs(t, im.End(ctx), errors.ErrImportAborted)

	ok, err := e.state.Has(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, e.children(t, proto.RootNodeID))

	// failing at commit drops the batch as well
	im = e.importer(CreateNew)
	require.NoError(t, im.Start(ctx))
	require.NoError(t, im.StartNode(ctx, first, []*PropInfo{refProp("dangling", proto.NewNodeID())}))
	require.NoError(t, im.EndNode(ctx, first))
	require.ErrorIs(t, im.End(ctx), errors.ErrReferentialIntegrity)
	require.ErrorIs(t, im.End(ctx), errors.ErrImportAborted)
	ok, err = e.state.Has(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestImportUnbalanced(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	im := e.importer(CreateNew)
	require.ErrorIs(t, im.StartNode(ctx, &NodeInfo{Name: proto.Name{Local: "a"}}, nil), errors.ErrIllegalState)
	require.NoError(t, im.Start(ctx))
	require.ErrorIs(t, im.EndNode(ctx, &NodeInfo{Name: proto.Name{Local: "a"}}), errors.ErrIllegalState)
	require.ErrorIs(t, im.End(ctx), errors.ErrImportAborted)
}

func TestImportCreateNewRemapsReferences(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	x := e.existing(t, "x")

	im := e.importer(CreateNew)
	require.NoError(t, im.Start(ctx))
	// the reference comes first and is fixed up at the end
	r := &NodeInfo{Name: proto.Name{Local: "r"}}
	require.NoError(t, im.StartNode(ctx, r, []*PropInfo{refProp("link", x)}))
	require.NoError(t, im.EndNode(ctx, r))
	copied := &NodeInfo{Name: proto.Name{Local: "x"}, Mixins: []proto.Name{proto.MixReferenceable}, ID: x}
	require.NoError(t, im.StartNode(ctx, copied, []*PropInfo{stringProp("title", "copy")}))
	require.NoError(t, im.EndNode(ctx, copied))
	require.NoError(t, im.End(ctx))

	remapped, ok := im.Remapped(x)
	require.True(t, ok)
	require.NotEqual(t, x, remapped)

	entries := e.children(t, proto.RootNodeID)
	require.Len(t, entries, 3)
	require.Equal(t, x, entries[0].ID)
	require.Equal(t, remapped, entries[2].ID)
	require.Equal(t, 2, entries[2].Index)

	require.Equal(t, "x", e.property(t, x, proto.Name{Local: "title"}).Values[0].String())
	require.Equal(t, "copy", e.property(t, remapped, proto.Name{Local: "title"}).Values[0].String())
	require.Equal(t, remapped.String(), e.property(t, remapped, proto.JCRUUID).Values[0].String())
	require.Equal(t, remapped, e.property(t, entries[1].ID, proto.Name{Local: "link"}).Values[0].Reference())
}

func TestImportThrow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	x := e.existing(t, "x")

	im := e.importer(CollisionThrow)
	require.NoError(t, im.Start(ctx))
	other := &NodeInfo{Name: proto.Name{Local: "other"}}
	require.NoError(t, im.StartNode(ctx, other, nil))
	info := &NodeInfo{Name: proto.Name{Local: "x"}, ID: x}
	require.ErrorIs(t, im.StartNode(ctx, info, []*PropInfo{stringProp("title", "copy")}), errors.ErrItemExists)
	require.ErrorIs(t, im.End(ctx), errors.ErrImportAborted)

	entries := e.children(t, proto.RootNodeID)
	require.Len(t, entries, 1)
	require.Equal(t, x, entries[0].ID)
	require.Equal(t, "x", e.property(t, x, proto.Name{Local: "title"}).Values[0].String())
}

func TestImportThrowAddsShare(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	im := e.importer(CollisionThrow)
	require.NoError(t, im.Start(ctx))
	shared := &NodeInfo{Name: proto.Name{Local: "s"}, Mixins: []proto.Name{proto.MixShareable}, ID: proto.NewNodeID()}
	require.NoError(t, im.StartNode(ctx, shared, nil))
	require.NoError(t, im.EndNode(ctx, shared))
	folder := &NodeInfo{Name: proto.Name{Local: "folder"}, ID: proto.NewNodeID()}
	require.NoError(t, im.StartNode(ctx, folder, nil))
	// content below a share is not imported again
	require.NoError(t, im.StartNode(ctx, shared, []*PropInfo{stringProp("title", "ignored")}))
	require.NoError(t, im.StartNode(ctx, &NodeInfo{Name: proto.Name{Local: "child"}}, nil))
	require.NoError(t, im.EndNode(ctx, nil))
	require.NoError(t, im.EndNode(ctx, shared))
	require.NoError(t, im.EndNode(ctx, folder))
	require.NoError(t, im.End(ctx))

	n, err := e.state.Get(ctx, shared.ID)
	require.NoError(t, err)
	require.True(t, n.Shareable)
	require.Equal(t, proto.RootNodeID, n.ParentID)
	require.Equal(t, []proto.NodeID{folder.ID}, n.SharedSet)
	require.Empty(t, n.ChildEntries)
	require.False(t, n.HasPropertyName(proto.Name{Local: "title"}))
	entries := e.children(t, folder.ID)
	require.Len(t, entries, 1)
	require.Equal(t, shared.ID, entries[0].ID)
}

func TestImportRemoveExisting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	x := e.existing(t, "x")
	y := e.existing(t, "y")

	im := e.importer(CollisionRemoveExisting)
	require.NoError(t, im.Start(ctx))
	folder := &NodeInfo{Name: proto.Name{Local: "folder"}}
	require.NoError(t, im.StartNode(ctx, folder, nil))
	info := &NodeInfo{Name: proto.Name{Local: "moved"}, ID: x}
	require.NoError(t, im.StartNode(ctx, info, []*PropInfo{stringProp("other", "1")}))
	require.NoError(t, im.EndNode(ctx, info))
	require.NoError(t, im.EndNode(ctx, folder))
	require.NoError(t, im.End(ctx))

	entries := e.children(t, proto.RootNodeID)
	require.Len(t, entries, 2)
	require.Equal(t, y, entries[0].ID)
	folderID := entries[1].ID
	n, err := e.state.Get(ctx, x)
	require.NoError(t, err)
	require.Equal(t, folderID, n.ParentID)
	require.False(t, n.HasPropertyName(proto.Name{Local: "title"}))
	ok, err := e.state.HasProperty(ctx, proto.NewPropertyID(x, proto.Name{Local: "title"}))
	require.NoError(t, err)
	require.False(t, ok)

	// the target and its ancestors cannot be removed
	im = New(e.state, e.types, e.versions, x, Config{UUIDBehavior: CollisionRemoveExisting})
	require.NoError(t, im.Start(ctx))
	require.ErrorIs(t, im.StartNode(ctx, &NodeInfo{Name: proto.Name{Local: "self"}, ID: x}, nil), errors.ErrConstraintViolation)
	im = New(e.state, e.types, e.versions, x, Config{UUIDBehavior: CollisionRemoveExisting})
	require.NoError(t, im.Start(ctx))
	require.ErrorIs(t, im.StartNode(ctx, &NodeInfo{Name: proto.Name{Local: "up"}, ID: folderID}, nil), errors.ErrConstraintViolation)
}

func TestImportReplaceExisting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	x := e.existing(t, "x")
	y := e.existing(t, "y")

	im := New(e.state, e.types, e.versions, y, Config{UUIDBehavior: CollisionReplaceExisting})
	require.NoError(t, im.Start(ctx))
	info := &NodeInfo{Name: proto.Name{Local: "replaced"}, ID: x}
	require.NoError(t, im.StartNode(ctx, info, []*PropInfo{stringProp("title", "new")}))
	require.NoError(t, im.EndNode(ctx, info))
	require.NoError(t, im.End(ctx))

	entries := e.children(t, proto.RootNodeID)
	require.Len(t, entries, 2)
	require.Equal(t, x, entries[0].ID)
	require.Equal(t, proto.Name{Local: "replaced"}, entries[0].Name)
	require.Equal(t, y, entries[1].ID)
	require.Empty(t, e.children(t, y))
	require.Equal(t, "new", e.property(t, x, proto.Name{Local: "title"}).Values[0].String())
}

func TestImportVersionable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := proto.NewNodeID()
	info := &NodeInfo{Name: proto.Name{Local: "doc"}, Mixins: []proto.Name{proto.MixVersionable}, ID: id}

	im := e.importer(CollisionReplaceExisting)
	require.NoError(t, im.Start(ctx))
	require.NoError(t, im.StartNode(ctx, info, nil))
	require.NoError(t, im.EndNode(ctx, info))
	require.NoError(t, im.End(ctx))

	h, err := e.versions.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, h.ID, e.property(t, id, proto.JCRVersionHistory).Values[0].Reference())
	require.Equal(t, h.RootVersionID, e.property(t, id, proto.JCRBaseVersion).Values[0].Reference())
	require.Equal(t, h.RootVersionID, e.property(t, id, proto.JCRPredecessors).Values[0].Reference())
	require.True(t, e.property(t, id, proto.JCRIsCheckedOut).Values[0].Boolean())

	// importing the same node again keeps its history
	im = e.importer(CollisionReplaceExisting)
	require.NoError(t, im.Start(ctx))
	require.NoError(t, im.StartNode(ctx, info, nil))
	require.NoError(t, im.EndNode(ctx, info))
	require.NoError(t, im.End(ctx))

	again, err := e.versions.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, h, again)
	require.Equal(t, h.ID, e.property(t, id, proto.JCRVersionHistory).Values[0].Reference())
	storage, err := e.versions.State().Get(ctx, version.StorageRootID)
	require.NoError(t, err)
	require.Len(t, storage.ChildEntries, 1)
}
