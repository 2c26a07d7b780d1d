package version

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/persistence"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/state"
)

func newTestManager(t *testing.T) *Manager {
	ctx := context.Background()
	pm := persistence.New(persistence.Config{Workspace: Workspace})
	require.NoError(t, pm.Init(ctx))
	t.Cleanup(func() { pm.Close() })
	m := New(state.New(state.Config{}, pm))
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Init(ctx))
	return m
}

func TestCreateVersionHistory(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	versionable := proto.NewNodeID()

	_, err := m.Lookup(ctx, versionable)
	require.ErrorIs(t, err, errors.ErrNoSuchItemState)

	h, created, err := m.CreateVersionHistory(ctx, versionable, "admin")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, versionable, h.VersionableID)

	again, created, err := m.CreateVersionHistory(ctx, versionable, "admin")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, h, again)

	hist, err := m.State().Get(ctx, h.ID)
	require.NoError(t, err)
	require.Equal(t, proto.NTVersionHistory, hist.NodeTypeName)
	require.Equal(t, StorageRootID, hist.ParentID)
	p, err := m.State().GetProperty(ctx, proto.NewPropertyID(h.ID, proto.JCRVersionableID))
	require.NoError(t, err)
	require.Equal(t, versionable.String(), p.Values[0].String())

	rv, err := m.State().Get(ctx, h.RootVersionID)
	require.NoError(t, err)
	require.Equal(t, proto.NTVersion, rv.NodeTypeName)
	require.True(t, rv.HasPropertyName(proto.JCRCreated))
	pred, err := m.State().GetProperty(ctx, proto.NewPropertyID(h.RootVersionID, proto.JCRPredecessors))
	require.NoError(t, err)
	require.Empty(t, pred.Values)

	ok, err := m.Contains(ctx, h.RootVersionID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemoveVersionHistory(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	versionable := proto.NewNodeID()

	h, _, err := m.CreateVersionHistory(ctx, versionable, "")
	require.NoError(t, err)
	require.NoError(t, m.RemoveVersionHistory(ctx, versionable, ""))

	_, err = m.Lookup(ctx, versionable)
	require.ErrorIs(t, err, errors.ErrNoSuchItemState)
	for _, id := range []proto.NodeID{h.ID, h.RootVersionID} {
		ok, err := m.Contains(ctx, id)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.ErrorIs(t, m.RemoveVersionHistory(ctx, versionable, ""), errors.ErrNoSuchItemState)
}
