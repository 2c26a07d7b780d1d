package state

import (
	"context"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

// Batch collects changes over the shared state of a workspace and commits
// them as one update. States handed out by a batch belong to it: modify
// them and pass them to Store. A batch is not safe for concurrent use.
type Batch struct {
	m       *Manager
	userID  string
	changes *proto.ChangeLog
	done    bool
}

func (m *Manager) NewBatch(userID string) *Batch {
	return &Batch{m: m, userID: userID, changes: proto.NewChangeLog()}
}

func (b *Batch) Manager() *Manager { return b.m }

func (b *Batch) Changes() *proto.ChangeLog { return b.changes }

func (b *Batch) check() error {
	if b.done {
		return errors.ErrIllegalState
	}
	return nil
}

func (b *Batch) Get(ctx context.Context, id proto.NodeID) (*proto.NodeState, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if s, deleted, ok := b.changes.Get(proto.NodeKey(id)); ok {
		if deleted {
			return nil, errors.NewItemStateError("get node", id, errors.ErrNoSuchItemState)
		}
		return s.(*proto.NodeState), nil
	}
	return b.m.Get(ctx, id)
}

func (b *Batch) GetProperty(ctx context.Context, id proto.PropertyID) (*proto.PropertyState, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if s, deleted, ok := b.changes.Get(proto.PropertyKey(id)); ok {
		if deleted {
			return nil, errors.NewItemStateError("get property", id, errors.ErrNoSuchItemState)
		}
		return s.(*proto.PropertyState), nil
	}
	if b.changes.IsDeleted(proto.NodeKey(id.ParentID)) {
		return nil, errors.NewItemStateError("get property", id, errors.ErrNoSuchItemState)
	}
	return b.m.GetProperty(ctx, id)
}

func (b *Batch) Has(ctx context.Context, id proto.NodeID) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	if _, deleted, ok := b.changes.Get(proto.NodeKey(id)); ok {
		return !deleted, nil
	}
	return b.m.Has(ctx, id)
}

func (b *Batch) HasProperty(ctx context.Context, id proto.PropertyID) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	if _, deleted, ok := b.changes.Get(proto.PropertyKey(id)); ok {
		return !deleted, nil
	}
	if b.changes.IsDeleted(proto.NodeKey(id.ParentID)) {
		return false, nil
	}
	return b.m.HasProperty(ctx, id)
}

// CreateNode adds a new node state. The caller links it into its parent.
func (b *Batch) CreateNode(ctx context.Context, id proto.NodeID, nodeType proto.Name, parentID proto.NodeID) (*proto.NodeState, error) {
	ok, err := b.Has(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, errors.NewItemStateError("create node", id, errors.ErrItemExists)
	}
	n := proto.NewNodeState(id, nodeType, parentID)
	b.changes.Added(n)
	return n, nil
}

// CreateProperty adds a new property state. The caller adds its name to the
// parent node.
func (b *Batch) CreateProperty(ctx context.Context, parentID proto.NodeID, name proto.Name, typ proto.PropertyType, multiValued bool) (*proto.PropertyState, error) {
	id := proto.NewPropertyID(parentID, name)
	ok, err := b.HasProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, errors.NewItemStateError("create property", id, errors.ErrItemExists)
	}
	p := proto.NewPropertyState(id, typ, multiValued)
	b.changes.Added(p)
	return p, nil
}

// Store records a modification of s.
func (b *Batch) Store(s proto.ItemState) error {
	if err := b.check(); err != nil {
		return err
	}
	b.changes.Modified(s)
	return nil
}

// Destroy records the removal of s alone, children and properties are
// left to the caller.
func (b *Batch) Destroy(s proto.ItemState) error {
	if err := b.check(); err != nil {
		return err
	}
	b.changes.Deleted(s)
	return nil
}

// RemoveNode unlinks node id from parentID. A node still reachable through
// another share keeps living, otherwise it is removed with its subtree.
func (b *Batch) RemoveNode(ctx context.Context, id, parentID proto.NodeID) error {
	parent, err := b.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.RemoveChildNodeEntry(id) < 0 {
		return errors.NewItemStateError("remove node", id, errors.ErrNoSuchItemState)
	}
	if err = b.Store(parent); err != nil {
		return err
	}
	return b.unlink(ctx, id, parentID)
}

func (b *Batch) unlink(ctx context.Context, id, parentID proto.NodeID) error {
	n, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.IsShared() {
		switch {
		case n.RemoveShare(parentID):
		case n.ParentID == parentID:
			n.ParentID = n.SharedSet[0]
			n.SharedSet = n.SharedSet[1:]
		default:
			return errors.NewItemStateError("remove share", id, errors.ErrInvalidItemState)
		}
		return b.Store(n)
	}
	return b.removeTree(ctx, n)
}

func (b *Batch) removeTree(ctx context.Context, n *proto.NodeState) error {
	for _, e := range n.ChildEntries {
		if err := b.unlink(ctx, e.ID, n.ID); err != nil {
			return err
		}
	}
	for _, name := range n.PropertyNames {
		p, err := b.GetProperty(ctx, proto.NewPropertyID(n.ID, name))
		if err != nil {
			if errors.Is(err, errors.ErrNoSuchItemState) {
				continue
			}
			return err
		}
		if err = b.Destroy(p); err != nil {
			return err
		}
	}
	return b.Destroy(n)
}

// IsAncestor reports whether ancestor is on the primary parent path of id.
func (b *Batch) IsAncestor(ctx context.Context, ancestor, id proto.NodeID) (bool, error) {
	n, err := b.Get(ctx, id)
	if err != nil {
		return false, err
	}
	for !n.ParentID.IsNil() {
		if n.ParentID == ancestor {
			return true, nil
		}
		if n, err = b.Get(ctx, n.ParentID); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Commit hands the changes to the manager. The batch is done afterwards
// whether or not the update succeeded.
func (b *Batch) Commit(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	b.done = true
	if b.changes.Empty() {
		return nil
	}
	return b.m.Update(ctx, b.changes, b.userID)
}

// Cancel drops the changes. It is a no-op on a finished batch.
func (b *Batch) Cancel() {
	if b.done {
		return
	}
	b.done = true
	b.changes.Reset()
}
