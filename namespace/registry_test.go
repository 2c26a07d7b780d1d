package namespace

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

type remap struct{ old, new, uri string }

type fakeReplicator struct {
	remaps []remap
}

func (f *fakeReplicator) RemapNamespace(ctx context.Context, oldPrefix, newPrefix, uri string, apply func() error) error {
	if err := apply(); err != nil {
		return err
	}
	f.remaps = append(f.remaps, remap{oldPrefix, newPrefix, uri})
	return nil
}

func TestBuiltinNamespaces(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	uri, err := r.URI("jcr")
	require.NoError(t, err)
	require.Equal(t, proto.NamespaceJCR, uri)
	s, err := r.Format(proto.JCRPrimaryType)
	require.NoError(t, err)
	require.Equal(t, "jcr:primaryType", s)
	name, err := r.Parse("nt:unstructured")
	require.NoError(t, err)
	require.Equal(t, proto.NTUnstructured, name)
	name, err = r.Parse("plain")
	require.NoError(t, err)
	require.Equal(t, proto.Name{Local: "plain"}, name)

	_, err = r.Parse("nope:x")
	require.ErrorIs(t, err, errors.ErrNamespaceNotFound)

	ctx := context.Background()
	require.ErrorIs(t, r.Register(ctx, "jcr", "urn:other"), errors.ErrConstraintViolation)
	require.ErrorIs(t, r.Register(ctx, "other", proto.NamespaceNT), errors.ErrConstraintViolation)
	require.ErrorIs(t, r.Register(ctx, "xmlfoo", "urn:x"), errors.ErrConstraintViolation)
}

func TestRegisterAndRemap(t *testing.T) {
	ctx := context.Background()
	r, err := New(Config{})
	require.NoError(t, err)
	rep := &fakeReplicator{}
	r.SetReplicator(rep)

	require.NoError(t, r.Register(ctx, "a", "urn:a"))
	require.NoError(t, r.Register(ctx, "a", "urn:a"))
	require.ErrorIs(t, r.Register(ctx, "a", "urn:b"), errors.ErrNamespaceExists)

	require.NoError(t, r.Register(ctx, "b", "urn:a"))
	_, err = r.URI("a")
	require.ErrorIs(t, err, errors.ErrNamespaceNotFound)
	prefix, err := r.Prefix("urn:a")
	require.NoError(t, err)
	require.Equal(t, "b", prefix)

	require.Equal(t, []remap{{"", "a", "urn:a"}, {"a", "b", "urn:a"}}, rep.remaps)
}

func TestExternalRemapPersisted(t *testing.T) {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "ns", "namespaces.json")

	r, err := New(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, r.ExternalRemap(ctx, "", "c", "urn:c"))

	reopened, err := New(Config{Path: path})
	require.NoError(t, err)
	uri, err := reopened.URI("c")
	require.NoError(t, err)
	require.Equal(t, "urn:c", uri)
	require.Contains(t, reopened.Prefixes(), "jcr")
}
