package bundle

import (
	"github.com/cubefs/itemdb/proto"
)

// NodePropBundle is the persisted unit of one node: its node state and the
// states of all its properties.
type NodePropBundle struct {
	ID             proto.NodeID
	ParentID       proto.NodeID
	NodeTypeName   proto.Name
	MixinTypeNames []proto.Name
	ChildEntries   []proto.ChildNodeEntry
	Properties     []*PropertyEntry
	Shareable      bool
	SharedSet      []proto.NodeID
	DefinitionID   string
	ModCount       uint16

	// Size is the serialized size seen by the last read or write.
	Size int
}

type PropertyEntry struct {
	ID           proto.PropertyID
	Type         proto.PropertyType
	MultiValued  bool
	Values       []proto.Value
	DefinitionID string
	ModCount     uint16

	// BlobIDs holds, per value, the blob the value lives in or "" when the
	// value is inlined.
	BlobIDs []string
}

func New(state *proto.NodeState) *NodePropBundle {
	b := &NodePropBundle{ID: state.ID}
	b.Update(state)
	return b
}

// Update copies the node level fields of state into the bundle. Properties
// are left alone.
func (b *NodePropBundle) Update(state *proto.NodeState) {
	b.ParentID = state.ParentID
	b.NodeTypeName = state.NodeTypeName
	b.MixinTypeNames = append([]proto.Name(nil), state.MixinTypeNames...)
	b.ChildEntries = append([]proto.ChildNodeEntry(nil), state.ChildEntries...)
	b.Shareable = state.Shareable
	b.SharedSet = append([]proto.NodeID(nil), state.SharedSet...)
	b.DefinitionID = state.DefinitionID
	b.ModCount = state.ModCount
}

// NodeState rebuilds the node state. Property names follow bundle order.
func (b *NodePropBundle) NodeState() *proto.NodeState {
	n := &proto.NodeState{
		ID:             b.ID,
		ParentID:       b.ParentID,
		NodeTypeName:   b.NodeTypeName,
		MixinTypeNames: append([]proto.Name(nil), b.MixinTypeNames...),
		ChildEntries:   append([]proto.ChildNodeEntry(nil), b.ChildEntries...),
		Shareable:      b.Shareable,
		SharedSet:      append([]proto.NodeID(nil), b.SharedSet...),
		DefinitionID:   b.DefinitionID,
		ModCount:       b.ModCount,
	}
	for _, p := range b.Properties {
		n.PropertyNames = append(n.PropertyNames, p.ID.Name)
	}
	return n
}

func (b *NodePropBundle) Property(name proto.Name) *PropertyEntry {
	for _, p := range b.Properties {
		if p.ID.Name == name {
			return p
		}
	}
	return nil
}

// SetProperty adds or replaces the entry for state. Blob ids of a replaced
// entry are kept for values at the same index.
func (b *NodePropBundle) SetProperty(state *proto.PropertyState) *PropertyEntry {
	entry := &PropertyEntry{
		ID:           proto.NewPropertyID(b.ID, state.ID.Name),
		Type:         state.Type,
		MultiValued:  state.MultiValued,
		Values:       make([]proto.Value, len(state.Values)),
		DefinitionID: state.DefinitionID,
		ModCount:     state.ModCount,
		BlobIDs:      make([]string, len(state.Values)),
	}
	for i := range state.Values {
		entry.Values[i] = state.Values[i].Clone()
	}
	for i, p := range b.Properties {
		if p.ID.Name == state.ID.Name {
			copy(entry.BlobIDs, p.BlobIDs)
			b.Properties[i] = entry
			return entry
		}
	}
	b.Properties = append(b.Properties, entry)
	return entry
}

func (b *NodePropBundle) RemoveProperty(name proto.Name) *PropertyEntry {
	for i, p := range b.Properties {
		if p.ID.Name == name {
			b.Properties = append(b.Properties[:i], b.Properties[i+1:]...)
			return p
		}
	}
	return nil
}

func (b *NodePropBundle) Clone() *NodePropBundle {
	c := *b
	c.MixinTypeNames = append([]proto.Name(nil), b.MixinTypeNames...)
	c.ChildEntries = append([]proto.ChildNodeEntry(nil), b.ChildEntries...)
	c.SharedSet = append([]proto.NodeID(nil), b.SharedSet...)
	c.Properties = make([]*PropertyEntry, len(b.Properties))
	for i, p := range b.Properties {
		c.Properties[i] = p.Clone()
	}
	return &c
}

func (p *PropertyEntry) PropertyState() *proto.PropertyState {
	s := &proto.PropertyState{
		ID:           p.ID,
		Type:         p.Type,
		MultiValued:  p.MultiValued,
		Values:       make([]proto.Value, len(p.Values)),
		DefinitionID: p.DefinitionID,
		ModCount:     p.ModCount,
	}
	for i := range p.Values {
		s.Values[i] = p.Values[i].Clone()
	}
	return s
}

func (p *PropertyEntry) Clone() *PropertyEntry {
	c := *p
	c.Values = make([]proto.Value, len(p.Values))
	for i := range p.Values {
		c.Values[i] = p.Values[i].Clone()
	}
	c.BlobIDs = append([]string(nil), p.BlobIDs...)
	return &c
}
