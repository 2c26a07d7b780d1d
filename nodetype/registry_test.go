package nodetype

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/util"
)

var (
	folder   = proto.Name{URI: "urn:test", Local: "folder"}
	document = proto.Name{URI: "urn:test", Local: "document"}
)

type fakeReplicator struct {
	ops  []string
	fail bool
}

func (f *fakeReplicator) run(op string, apply func() error) error {
	if f.fail {
		return errors.ErrClusterStopped
	}
	if err := apply(); err != nil {
		return err
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeReplicator) NodeTypesRegistered(ctx context.Context, defs []*proto.NodeTypeDef, apply func() error) error {
	return f.run("register", apply)
}

func (f *fakeReplicator) NodeTypeReregistered(ctx context.Context, def *proto.NodeTypeDef, apply func() error) error {
	return f.run("reregister", apply)
}

func (f *fakeReplicator) NodeTypesUnregistered(ctx context.Context, names []proto.Name, apply func() error) error {
	return f.run("unregister", apply)
}

type nameListener struct {
	registered, unregistered []proto.Name
}

func (l *nameListener) Registered(ctx context.Context, names []proto.Name) {
	l.registered = append(l.registered, names...)
}
func (l *nameListener) Reregistered(ctx context.Context, name proto.Name) {}
func (l *nameListener) Unregistered(ctx context.Context, names []proto.Name) {
	l.unregistered = append(l.unregistered, names...)
}

func testDefs() []*proto.NodeTypeDef {
	return []*proto.NodeTypeDef{
		{
			Name:       document,
			Supertypes: []proto.Name{folder},
			PropertyDefs: []proto.ItemDef{
				{Name: proto.Name{Local: "sealed"}, RequiredType: proto.PropertyTypeBoolean, Protected: true},
			},
		},
		{
			Name:          folder,
			Supertypes:    []proto.Name{proto.NTBase},
			ChildNodeDefs: []proto.ItemDef{{Name: proto.AnyName, DefaultType: proto.NTUnstructured}},
		},
	}
}

func TestBuiltins(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	require.True(t, r.IsNodeType(proto.RepRoot, nil, proto.NTBase))
	require.True(t, r.IsNodeType(proto.NTUnstructured, []proto.Name{proto.MixVersionable}, proto.MixReferenceable))
	require.False(t, r.IsNodeType(proto.NTUnstructured, nil, proto.MixReferenceable))

	def, err := r.PropertyDef(proto.NTUnstructured, nil, proto.JCRPrimaryType, false)
	require.NoError(t, err)
	require.True(t, def.Protected)
	def, err = r.PropertyDef(proto.NTUnstructured, nil, proto.Name{Local: "any"}, true)
	require.NoError(t, err)
	require.False(t, def.Protected)
	require.Equal(t, proto.AnyName, def.Name)

	def, err = r.ChildNodeDef(proto.NTVersionHistory, nil, proto.JCRRootVersion)
	require.NoError(t, err)
	require.True(t, def.Protected)
	_, err = r.ChildNodeDef(proto.NTVersion, nil, proto.Name{Local: "x"})
	require.ErrorIs(t, err, errors.ErrConstraintViolation)

	_, err = r.Get(folder)
	require.ErrorIs(t, err, errors.ErrNodeTypeNotFound)
	require.ErrorIs(t, r.Unregister(context.Background(), proto.NTBase), errors.ErrConstraintViolation)
}

func TestRegisterLifecycle(t *testing.T) {
	ctx := context.Background()
	r, err := New(Config{})
	require.NoError(t, err)
	rep := &fakeReplicator{}
	l := &nameListener{}
	r.SetReplicator(rep)
	r.AddListener(l)

	require.NoError(t, r.Register(ctx, testDefs()...))
	require.ErrorIs(t, r.Register(ctx, testDefs()[1]), errors.ErrNodeTypeExists)
	require.True(t, r.IsNodeType(document, nil, proto.NTBase))
	require.ElementsMatch(t, []proto.Name{document, folder}, l.registered)

	def, err := r.PropertyDef(document, nil, proto.Name{Local: "sealed"}, false)
	require.NoError(t, err)
	require.True(t, def.Protected)

	// folder is still a supertype of document
	require.ErrorIs(t, r.Unregister(ctx, folder), errors.ErrConstraintViolation)

	changed := testDefs()[0]
	changed.Supertypes = []proto.Name{proto.NTUnstructured}
	require.NoError(t, r.Reregister(ctx, changed))
	require.False(t, r.IsNodeType(document, nil, folder))

	require.NoError(t, r.Unregister(ctx, folder))
	require.Equal(t, []proto.Name{folder}, l.unregistered)
	require.Equal(t, []string{"register", "reregister", "unregister"}, rep.ops)

	// a failed replication leaves the registry untouched
	rep.fail = true
	require.Error(t, r.Register(ctx, testDefs()[1]))
	require.False(t, r.Has(folder))
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	r, err := New(Config{})
	require.NoError(t, err)

	orphan := &proto.NodeTypeDef{Name: document, Supertypes: []proto.Name{folder}}
	require.ErrorIs(t, r.Register(ctx, orphan), errors.ErrNodeTypeNotFound)

	a := &proto.NodeTypeDef{Name: folder, Supertypes: []proto.Name{document}}
	b := &proto.NodeTypeDef{Name: document, Supertypes: []proto.Name{folder}}
	require.ErrorIs(t, r.Register(ctx, a, b), errors.ErrConstraintViolation)
	require.False(t, r.Has(folder))

	require.ErrorIs(t, r.Reregister(ctx, &proto.NodeTypeDef{Name: folder}), errors.ErrNodeTypeNotFound)
	require.ErrorIs(t, r.Unregister(ctx, folder), errors.ErrNodeTypeNotFound)
}

func TestExternalChangesAndPersistence(t *testing.T) {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "nodetypes")

	r, err := New(Config{Path: path})
	require.NoError(t, err)
	rep := &fakeReplicator{}
	r.SetReplicator(rep)
	require.NoError(t, r.ExternalRegistered(ctx, testDefs()))
	require.Empty(t, rep.ops)

	reopened, err := New(Config{Path: path})
	require.NoError(t, err)
	require.True(t, reopened.IsNodeType(document, nil, folder))
	require.True(t, reopened.IsNodeType(proto.NTUnstructured, nil, proto.NTBase))

	require.NoError(t, r.ExternalUnregistered(ctx, []proto.Name{document, folder}))
	reopened, err = New(Config{Path: path})
	require.NoError(t, err)
	require.False(t, reopened.Has(folder))
}
