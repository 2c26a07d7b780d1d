package state

import (
	"context"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

type eventBuilder struct {
	ctx     context.Context
	m       *Manager
	changes *proto.ChangeLog
	userID  string
	events  []proto.EventState
}

// stored returns the persisted state of id, nil when there is none.
func (b *eventBuilder) stored(id proto.NodeID) (*proto.NodeState, error) {
	n, err := b.m.pm.Load(b.ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchItemState) {
			return nil, nil
		}
		return nil, err
	}
	return n, nil
}

// current returns the state of id after changes are applied.
func (b *eventBuilder) current(id proto.NodeID) (*proto.NodeState, error) {
	if s, deleted, ok := b.changes.Get(proto.NodeKey(id)); ok {
		if deleted {
			return nil, nil
		}
		return s.(*proto.NodeState), nil
	}
	return b.stored(id)
}

func childName(parent *proto.NodeState, id proto.NodeID) proto.Name {
	if parent == nil {
		return proto.Name{}
	}
	e, _ := parent.ChildNodeEntryByID(id)
	return e.Name
}

func (b *eventBuilder) add(typ proto.EventType, parent, child proto.NodeID, name, nodeType proto.Name) {
	b.events = append(b.events, proto.EventState{
		Type:         typ,
		ParentID:     parent,
		ChildID:      child,
		ChildName:    name,
		NodeTypeName: nodeType,
		UserID:       b.userID,
	})
}

func (b *eventBuilder) nodeAdded(n *proto.NodeState, parentID proto.NodeID) error {
	parent, err := b.current(parentID)
	if err != nil {
		return err
	}
	b.add(proto.EventNodeAdded, parentID, n.ID, childName(parent, n.ID), n.NodeTypeName)
	return nil
}

func (b *eventBuilder) nodeRemoved(n *proto.NodeState, parentID proto.NodeID) error {
	parent, err := b.stored(parentID)
	if err != nil {
		return err
	}
	b.add(proto.EventNodeRemoved, parentID, n.ID, childName(parent, n.ID), n.NodeTypeName)
	return nil
}

func (b *eventBuilder) propertyEvent(typ proto.EventType, p *proto.PropertyState) error {
	var nodeType proto.Name
	owner, err := b.current(p.ID.ParentID)
	if err != nil {
		return err
	}
	if owner == nil {
		if owner, err = b.stored(p.ID.ParentID); err != nil {
			return err
		}
	}
	if owner != nil {
		nodeType = owner.NodeTypeName
	}
	b.add(typ, p.ID.ParentID, proto.NodeID{}, p.ID.Name, nodeType)
	return nil
}

func containsID(ids []proto.NodeID, id proto.NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// createEvents derives the observation events of changes against the
// stored states. A moved node yields a remove and an add. Property events
// of removed nodes are left out.
func (m *Manager) createEvents(ctx context.Context, changes *proto.ChangeLog, userID string) ([]proto.EventState, error) {
	b := &eventBuilder{ctx: ctx, m: m, changes: changes, userID: userID}

	for _, s := range changes.DeletedStates() {
		if n, ok := s.(*proto.NodeState); ok && !n.ParentID.IsNil() {
			if err := b.nodeRemoved(n, n.ParentID); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range changes.AddedStates() {
		if n, ok := s.(*proto.NodeState); ok && !n.ParentID.IsNil() {
			if err := b.nodeAdded(n, n.ParentID); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range changes.ModifiedStates() {
		n, ok := s.(*proto.NodeState)
		if !ok {
			continue
		}
		old, err := b.stored(n.ID)
		if err != nil {
			return nil, err
		}
		if old == nil {
			continue
		}
		if old.ParentID != n.ParentID {
			if !old.ParentID.IsNil() && !containsID(n.SharedSet, old.ParentID) {
				if err = b.nodeRemoved(old, old.ParentID); err != nil {
					return nil, err
				}
			}
			if !n.ParentID.IsNil() && !containsID(old.SharedSet, n.ParentID) {
				if err = b.nodeAdded(n, n.ParentID); err != nil {
					return nil, err
				}
			}
		}
		for _, p := range old.SharedSet {
			if !containsID(n.SharedSet, p) && p != n.ParentID {
				if err = b.nodeRemoved(old, p); err != nil {
					return nil, err
				}
			}
		}
		for _, p := range n.SharedSet {
			if !containsID(old.SharedSet, p) && p != old.ParentID {
				if err = b.nodeAdded(n, p); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, s := range changes.AddedStates() {
		if p, ok := s.(*proto.PropertyState); ok {
			if err := b.propertyEvent(proto.EventPropertyAdded, p); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range changes.ModifiedStates() {
		if p, ok := s.(*proto.PropertyState); ok {
			if err := b.propertyEvent(proto.EventPropertyChanged, p); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range changes.DeletedStates() {
		p, ok := s.(*proto.PropertyState)
		if !ok || changes.IsDeleted(proto.NodeKey(p.ID.ParentID)) {
			continue
		}
		if err := b.propertyEvent(proto.EventPropertyRemoved, p); err != nil {
			return nil, err
		}
	}
	return b.events, nil
}
