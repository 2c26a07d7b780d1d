package state

import (
	"context"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

// updateReferences folds the reference properties of changes into the
// reference records of their targets and adds the touched records to
// changes. Old values come from the stored properties.
func (m *Manager) updateReferences(ctx context.Context, changes *proto.ChangeLog) error {
	get := func(target proto.NodeID) (*proto.NodeReferences, error) {
		if refs, ok := changes.References(target); ok {
			return refs, nil
		}
		refs, err := m.loadReferences(ctx, target)
		if err != nil {
			return nil, err
		}
		changes.ModifiedReferences(refs)
		return refs, nil
	}
	apply := func(p *proto.PropertyState, add bool) error {
		if p == nil || p.Type != proto.PropertyTypeReference {
			return nil
		}
		for _, v := range p.Values {
			refs, err := get(v.Reference())
			if err != nil {
				return err
			}
			if add {
				refs.Add(p.ID)
			} else {
				refs.Remove(p.ID)
			}
		}
		return nil
	}

	for _, s := range changes.AddedStates() {
		if p, ok := s.(*proto.PropertyState); ok {
			if err := apply(p, true); err != nil {
				return err
			}
		}
	}
	for _, s := range changes.ModifiedStates() {
		p, ok := s.(*proto.PropertyState)
		if !ok {
			continue
		}
		old, err := m.storedProperty(ctx, p.ID)
		if err != nil {
			return err
		}
		if err = apply(old, false); err != nil {
			return err
		}
		if err = apply(p, true); err != nil {
			return err
		}
	}
	for _, s := range changes.DeletedStates() {
		p, ok := s.(*proto.PropertyState)
		if !ok {
			continue
		}
		old, err := m.storedProperty(ctx, p.ID)
		if err != nil {
			return err
		}
		if old == nil {
			old = p
		}
		if err = apply(old, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) storedProperty(ctx context.Context, id proto.PropertyID) (*proto.PropertyState, error) {
	p, err := m.pm.LoadProperty(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchItemState) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// checkReferentialIntegrity rejects deleting a node that is still
// referenced and referencing a node that does not exist.
func (m *Manager) checkReferentialIntegrity(ctx context.Context, changes *proto.ChangeLog) error {
	for _, s := range changes.DeletedStates() {
		n, ok := s.(*proto.NodeState)
		if !ok {
			continue
		}
		refs, ok := changes.References(n.ID)
		if !ok {
			var err error
			if refs, err = m.loadReferences(ctx, n.ID); err != nil {
				return err
			}
		}
		if refs.HasReferences() {
			return errors.NewItemStateError("remove referenced node", n.ID, errors.ErrReferentialIntegrity)
		}
	}

	for _, refs := range changes.ModifiedRefs() {
		if !refs.HasReferences() {
			continue
		}
		_, deleted, ok := changes.Get(proto.NodeKey(refs.Target))
		if ok && !deleted {
			continue
		}
		if !ok {
			if m.cfg.External != nil && m.cfg.External(refs.Target) {
				continue
			}
			exists, err := m.pm.Exists(ctx, refs.Target)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
		}
		return errors.NewItemStateError("reference target", refs.Target, errors.ErrReferentialIntegrity)
	}
	return nil
}
