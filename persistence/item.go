package persistence

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/bundle"
	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

func (m *Manager) Load(ctx context.Context, id proto.NodeID) (*proto.NodeState, error) {
	b, err := m.LoadBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	return b.NodeState(), nil
}

func (m *Manager) LoadProperty(ctx context.Context, id proto.PropertyID) (*proto.PropertyState, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if err := m.checkInitialized(); err != nil {
		return nil, err
	}

	b, err := m.loadBundle(ctx, id.ParentID)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchItemState) {
			return nil, errors.NewItemStateError("load property", id, errors.ErrNoSuchItemState)
		}
		return nil, err
	}
	p := b.Property(id.Name)
	if p == nil {
		return nil, errors.NewItemStateError("load property", id, errors.ErrNoSuchItemState)
	}
	return p.PropertyState(), nil
}

func (m *Manager) Exists(ctx context.Context, id proto.NodeID) (bool, error) {
	return m.ExistsBundle(ctx, id)
}

func (m *Manager) ExistsProperty(ctx context.Context, id proto.PropertyID) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if err := m.checkInitialized(); err != nil {
		return false, err
	}

	b, err := m.loadBundle(ctx, id.ParentID)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchItemState) {
			return false, nil
		}
		return false, err
	}
	return b.Property(id.Name) != nil, nil
}

// Store applies a change log under the write lock. Node and property states
// are folded into one bundle per node so every touched node is written
// exactly once; reference records follow.
func (m *Manager) Store(ctx context.Context, changes *proto.ChangeLog) error {
	span := trace.SpanFromContextSafe(ctx)

	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkInitialized(); err != nil {
		return err
	}

	var (
		order     []proto.NodeID
		modified  = make(map[proto.NodeID]*bundle.NodePropBundle)
		destroyed = make(map[proto.NodeID]*bundle.NodePropBundle)
		removed   []*bundle.PropertyEntry
	)
	touch := func(b *bundle.NodePropBundle) {
		if _, ok := modified[b.ID]; !ok {
			order = append(order, b.ID)
		}
		modified[b.ID] = b
	}
	get := func(id proto.NodeID) (*bundle.NodePropBundle, error) {
		if b, ok := modified[id]; ok {
			return b, nil
		}
		b, err := m.loadBundle(ctx, id)
		if err != nil {
			return nil, err
		}
		b = b.Clone()
		touch(b)
		return b, nil
	}

	for _, s := range changes.DeletedStates() {
		if n, ok := s.(*proto.NodeState); ok {
			b, err := m.loadBundle(ctx, n.ID)
			if err != nil {
				return err
			}
			destroyed[n.ID] = b
			delete(modified, n.ID)
		}
	}
	for _, s := range changes.DeletedStates() {
		p, ok := s.(*proto.PropertyState)
		if !ok {
			continue
		}
		if _, gone := destroyed[p.ID.ParentID]; gone {
			continue
		}
		b, err := get(p.ID.ParentID)
		if err != nil {
			return err
		}
		if entry := b.RemoveProperty(p.ID.Name); entry != nil {
			removed = append(removed, entry)
		}
	}

	var states []proto.ItemState
	states = append(states, changes.AddedStates()...)
	states = append(states, changes.ModifiedStates()...)
	for _, s := range states {
		n, ok := s.(*proto.NodeState)
		if !ok {
			continue
		}
		b, err := get(n.ID)
		switch {
		case err == nil:
			b.Update(n)
		case errors.Is(err, errors.ErrNoSuchItemState):
			touch(bundle.New(n))
		default:
			return err
		}
	}
	for _, s := range states {
		p, ok := s.(*proto.PropertyState)
		if !ok {
			continue
		}
		b, err := get(p.ID.ParentID)
		if err != nil {
			return errors.NewItemStateError("store property", p.ID, err)
		}
		b.SetProperty(p)
	}

	for _, id := range order {
		b, ok := modified[id]
		if !ok {
			continue
		}
		if err := m.storeBundle(ctx, b); err != nil {
			return errors.Info(err, "store change log failed")
		}
	}
	for _, b := range destroyed {
		if err := m.destroyBundle(ctx, b); err != nil {
			return errors.Info(err, "store change log failed")
		}
	}
	for _, refs := range changes.ModifiedRefs() {
		if refs.HasReferences() {
			if err := m.storeReferences(refs); err != nil {
				return errors.Info(err, "store change log failed")
			}
			continue
		}
		err := m.destroyReferences(ctx, refs.Target)
		if err != nil && !errors.Is(err, errors.ErrNoSuchItemState) {
			return errors.Info(err, "store change log failed")
		}
	}
	for _, entry := range removed {
		m.binding.RemoveBlobs(ctx, entry)
	}
	span.Debugf("workspace %q stored %d bundles, destroyed %d, %d reference records",
		m.cfg.Workspace, len(modified), len(destroyed), len(changes.ModifiedRefs()))
	return nil
}
