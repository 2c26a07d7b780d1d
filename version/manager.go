package version

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/state"
)

// Workspace is the name version storage uses on the cluster channels.
const Workspace = "rep:versionStorage"

var (
	StorageRootID     = proto.MustParseNodeID("deadbeef-face-babe-cafe-babecafebabe")
	RepVersionStorage = proto.Name{URI: proto.NamespaceRep, Local: "versionStorage"}
)

// History locates the version history of one versionable node.
type History struct {
	ID            proto.NodeID
	RootVersionID proto.NodeID
	VersionableID proto.NodeID
}

// Manager keeps the version histories of all workspaces below a single
// storage root.
type Manager struct {
	state *state.Manager
}

func New(sm *state.Manager) *Manager {
	return &Manager{state: sm}
}

func (m *Manager) State() *state.Manager { return m.state }

func (m *Manager) Init(ctx context.Context) error {
	return m.state.EnsureRoot(ctx, StorageRootID, RepVersionStorage)
}

// Contains reports whether id lives in version storage. Workspaces use it
// to exempt references into version storage from their integrity check.
func (m *Manager) Contains(ctx context.Context, id proto.NodeID) (bool, error) {
	return m.state.Has(ctx, id)
}

func historyName(versionableID proto.NodeID) proto.Name {
	return proto.Name{URI: proto.NamespaceRep, Local: versionableID.String()}
}

// Lookup returns the history of versionableID.
func (m *Manager) Lookup(ctx context.Context, versionableID proto.NodeID) (*History, error) {
	root, err := m.state.Get(ctx, StorageRootID)
	if err != nil {
		return nil, err
	}
	e, ok := root.ChildNodeEntry(historyName(versionableID), 1)
	if !ok {
		return nil, errors.NewItemStateError("version history", versionableID, errors.ErrNoSuchItemState)
	}
	hist, err := m.state.Get(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	rv, ok := hist.ChildNodeEntry(proto.JCRRootVersion, 1)
	if !ok {
		return nil, errors.NewItemStateError("root version", e.ID, errors.ErrInvalidItemState)
	}
	return &History{ID: e.ID, RootVersionID: rv.ID, VersionableID: versionableID}, nil
}

// CreateVersionHistory returns the history of versionableID, creating it
// with its root version when there is none. created tells which case
// happened.
func (m *Manager) CreateVersionHistory(ctx context.Context, versionableID proto.NodeID, userID string) (h *History, created bool, err error) {
	h, err = m.Lookup(ctx, versionableID)
	if err == nil {
		return h, false, nil
	}
	if !errors.Is(err, errors.ErrNoSuchItemState) {
		return nil, false, err
	}

	h = &History{ID: proto.NewNodeID(), RootVersionID: proto.NewNodeID(), VersionableID: versionableID}
	b := m.state.NewBatch(userID)
	defer b.Cancel()

	root, err := b.Get(ctx, StorageRootID)
	if err != nil {
		return nil, false, err
	}
	root.AddChildNodeEntry(historyName(versionableID), h.ID)
	if err = b.Store(root); err != nil {
		return nil, false, err
	}

	hist, err := b.CreateNode(ctx, h.ID, proto.NTVersionHistory, StorageRootID)
	if err != nil {
		return nil, false, err
	}
	hist.AddMixin(proto.MixReferenceable)
	hist.AddChildNodeEntry(proto.JCRRootVersion, h.RootVersionID)
	props := map[proto.Name]proto.Value{
		proto.JCRPrimaryType:   proto.NameValue(proto.NTVersionHistory),
		proto.JCRUUID:          proto.StringValue(h.ID.String()),
		proto.JCRVersionableID: proto.StringValue(versionableID.String()),
	}
	if err = m.setProperties(ctx, b, hist, props); err != nil {
		return nil, false, err
	}

	rv, err := b.CreateNode(ctx, h.RootVersionID, proto.NTVersion, h.ID)
	if err != nil {
		return nil, false, err
	}
	props = map[proto.Name]proto.Value{
		proto.JCRPrimaryType: proto.NameValue(proto.NTVersion),
		proto.JCRUUID:        proto.StringValue(h.RootVersionID.String()),
		proto.JCRCreated:     proto.DateValue(time.Now()),
	}
	if err = m.setProperties(ctx, b, rv, props); err != nil {
		return nil, false, err
	}
	pred, err := b.CreateProperty(ctx, rv.ID, proto.JCRPredecessors, proto.PropertyTypeReference, true)
	if err != nil {
		return nil, false, err
	}
	rv.AddPropertyName(pred.ID.Name)
	if err = b.Store(rv); err != nil {
		return nil, false, err
	}

	if err = b.Commit(ctx); err != nil {
		return nil, false, errors.Info(err, "commit version history of", versionableID)
	}
	trace.SpanFromContextSafe(ctx).Debugf("created version history %s for %s", h.ID, versionableID)
	return h, true, nil
}

func (m *Manager) setProperties(ctx context.Context, b *state.Batch, n *proto.NodeState, props map[proto.Name]proto.Value) error {
	for _, name := range []proto.Name{proto.JCRPrimaryType, proto.JCRUUID, proto.JCRVersionableID, proto.JCRCreated} {
		v, ok := props[name]
		if !ok {
			continue
		}
		p, err := b.CreateProperty(ctx, n.ID, name, v.Type, false)
		if err != nil {
			return err
		}
		p.Values = []proto.Value{v}
		n.AddPropertyName(name)
	}
	return b.Store(n)
}

// RemoveVersionHistory drops the history of versionableID with all its
// versions.
func (m *Manager) RemoveVersionHistory(ctx context.Context, versionableID proto.NodeID, userID string) error {
	h, err := m.Lookup(ctx, versionableID)
	if err != nil {
		return err
	}
	b := m.state.NewBatch(userID)
	defer b.Cancel()
	if err = b.RemoveNode(ctx, h.ID, StorageRootID); err != nil {
		return err
	}
	if err = b.Commit(ctx); err != nil {
		return errors.Info(err, "commit removal of version history", h.ID)
	}
	return nil
}
