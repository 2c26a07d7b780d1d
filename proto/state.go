package proto

import (
	"fmt"
	"sort"
)

// ItemState is either a *NodeState or a *PropertyState.
type ItemState interface {
	// Key is unique across nodes and properties.
	Key() string
	IsNode() bool
	GetModCount() uint16
}

type ChildNodeEntry struct {
	Name  Name   `msgpack:"n"`
	ID    NodeID `msgpack:"i"`
	Index int    `msgpack:"x"`
}

type NodeState struct {
	ID             NodeID           `msgpack:"id"`
	ParentID       NodeID           `msgpack:"parent"`
	NodeTypeName   Name             `msgpack:"type"`
	MixinTypeNames []Name           `msgpack:"mixins"`
	ChildEntries   []ChildNodeEntry `msgpack:"children"`
	PropertyNames  []Name           `msgpack:"props"`
	Shareable      bool             `msgpack:"shareable"`
	SharedSet      []NodeID         `msgpack:"shares"`
	DefinitionID   string           `msgpack:"def"`
	ModCount       uint16           `msgpack:"mod"`
}

func NewNodeState(id NodeID, nodeType Name, parent NodeID) *NodeState {
	return &NodeState{ID: id, NodeTypeName: nodeType, ParentID: parent}
}

func NodeKey(id NodeID) string { return "n:" + id.String() }

func PropertyKey(id PropertyID) string { return "p:" + id.String() }

func (n *NodeState) Key() string         { return NodeKey(n.ID) }
func (n *NodeState) IsNode() bool        { return true }
func (n *NodeState) GetModCount() uint16 { return n.ModCount }

func (n *NodeState) HasMixin(name Name) bool {
	for _, m := range n.MixinTypeNames {
		if m == name {
			return true
		}
	}
	return false
}

func (n *NodeState) AddMixin(name Name) bool {
	if n.HasMixin(name) {
		return false
	}
	n.MixinTypeNames = append(n.MixinTypeNames, name)
	return true
}

func (n *NodeState) HasPropertyName(name Name) bool {
	for _, p := range n.PropertyNames {
		if p == name {
			return true
		}
	}
	return false
}

func (n *NodeState) AddPropertyName(name Name) {
	if !n.HasPropertyName(name) {
		n.PropertyNames = append(n.PropertyNames, name)
	}
}

func (n *NodeState) RemovePropertyName(name Name) bool {
	for i, p := range n.PropertyNames {
		if p == name {
			n.PropertyNames = append(n.PropertyNames[:i], n.PropertyNames[i+1:]...)
			return true
		}
	}
	return false
}

// AddChildNodeEntry appends an entry; its same-name-sibling index is one more
// than the number of existing entries with that name.
func (n *NodeState) AddChildNodeEntry(name Name, id NodeID) ChildNodeEntry {
	return n.InsertChildNodeEntry(len(n.ChildEntries), name, id)
}

// InsertChildNodeEntry inserts an entry at pos and renumbers siblings.
func (n *NodeState) InsertChildNodeEntry(pos int, name Name, id NodeID) ChildNodeEntry {
	if pos < 0 || pos > len(n.ChildEntries) {
		pos = len(n.ChildEntries)
	}
	n.ChildEntries = append(n.ChildEntries, ChildNodeEntry{})
	copy(n.ChildEntries[pos+1:], n.ChildEntries[pos:])
	n.ChildEntries[pos] = ChildNodeEntry{Name: name, ID: id}
	n.reindex()
	return n.ChildEntries[pos]
}

// RemoveChildNodeEntry removes the entry for id and returns its former
// position, or -1 if there was none.
func (n *NodeState) RemoveChildNodeEntry(id NodeID) int {
	for i := range n.ChildEntries {
		if n.ChildEntries[i].ID == id {
			n.ChildEntries = append(n.ChildEntries[:i], n.ChildEntries[i+1:]...)
			n.reindex()
			return i
		}
	}
	return -1
}

func (n *NodeState) ChildNodeEntryByID(id NodeID) (ChildNodeEntry, bool) {
	for _, e := range n.ChildEntries {
		if e.ID == id {
			return e, true
		}
	}
	return ChildNodeEntry{}, false
}

func (n *NodeState) ChildNodeEntry(name Name, index int) (ChildNodeEntry, bool) {
	for _, e := range n.ChildEntries {
		if e.Name == name && e.Index == index {
			return e, true
		}
	}
	return ChildNodeEntry{}, false
}

func (n *NodeState) HasChildNodeEntries(name Name) bool {
	for _, e := range n.ChildEntries {
		if e.Name == name {
			return true
		}
	}
	return false
}

func (n *NodeState) reindex() {
	counts := make(map[Name]int, len(n.ChildEntries))
	for i := range n.ChildEntries {
		counts[n.ChildEntries[i].Name]++
		n.ChildEntries[i].Index = counts[n.ChildEntries[i].Name]
	}
}

// Reindex recomputes same-name-sibling indexes from entry order.
func (n *NodeState) Reindex() { n.reindex() }

func (n *NodeState) AddShare(parent NodeID) bool {
	if parent == n.ParentID {
		return false
	}
	for _, p := range n.SharedSet {
		if p == parent {
			return false
		}
	}
	n.SharedSet = append(n.SharedSet, parent)
	return true
}

func (n *NodeState) RemoveShare(parent NodeID) bool {
	for i, p := range n.SharedSet {
		if p == parent {
			n.SharedSet = append(n.SharedSet[:i], n.SharedSet[i+1:]...)
			return true
		}
	}
	return false
}

func (n *NodeState) IsShared() bool { return len(n.SharedSet) > 0 }

func (n *NodeState) Clone() *NodeState {
	c := *n
	c.MixinTypeNames = append([]Name(nil), n.MixinTypeNames...)
	c.ChildEntries = append([]ChildNodeEntry(nil), n.ChildEntries...)
	c.PropertyNames = append([]Name(nil), n.PropertyNames...)
	c.SharedSet = append([]NodeID(nil), n.SharedSet...)
	return &c
}

type PropertyState struct {
	ID           PropertyID   `msgpack:"id"`
	Type         PropertyType `msgpack:"type"`
	MultiValued  bool         `msgpack:"multi"`
	Values       []Value      `msgpack:"values"`
	DefinitionID string       `msgpack:"def"`
	ModCount     uint16       `msgpack:"mod"`
}

func NewPropertyState(id PropertyID, typ PropertyType, multiValued bool) *PropertyState {
	return &PropertyState{ID: id, Type: typ, MultiValued: multiValued}
}

func (p *PropertyState) Key() string         { return PropertyKey(p.ID) }
func (p *PropertyState) IsNode() bool        { return false }
func (p *PropertyState) GetModCount() uint16 { return p.ModCount }

// SetValues replaces the values; every value must have the property type.
func (p *PropertyState) SetValues(values ...Value) error {
	if !p.MultiValued && len(values) != 1 {
		return fmt.Errorf("single valued property %s given %d values", p.ID, len(values))
	}
	for _, v := range values {
		if v.Type != p.Type {
			return fmt.Errorf("property %s of type %s given %s value", p.ID, p.Type, v.Type)
		}
	}
	p.Values = values
	return nil
}

func (p *PropertyState) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("property %s has invalid type %d", p.ID, p.Type)
	}
	if !p.MultiValued && len(p.Values) != 1 {
		return fmt.Errorf("single valued property %s holds %d values", p.ID, len(p.Values))
	}
	return nil
}

func (p *PropertyState) Clone() *PropertyState {
	c := *p
	c.Values = make([]Value, len(p.Values))
	for i := range p.Values {
		c.Values[i] = p.Values[i].Clone()
	}
	return &c
}

// NodeReferences is the set of reference properties pointing at Target.
type NodeReferences struct {
	Target     NodeID       `msgpack:"target"`
	References []PropertyID `msgpack:"refs"`
}

func NewNodeReferences(target NodeID) *NodeReferences {
	return &NodeReferences{Target: target}
}

func (r *NodeReferences) Has(id PropertyID) bool {
	for _, ref := range r.References {
		if ref == id {
			return true
		}
	}
	return false
}

func (r *NodeReferences) Add(id PropertyID) {
	if !r.Has(id) {
		r.References = append(r.References, id)
	}
}

func (r *NodeReferences) Remove(id PropertyID) bool {
	for i, ref := range r.References {
		if ref == id {
			r.References = append(r.References[:i], r.References[i+1:]...)
			return true
		}
	}
	return false
}

func (r *NodeReferences) HasReferences() bool { return len(r.References) > 0 }

func (r *NodeReferences) Clone() *NodeReferences {
	return &NodeReferences{Target: r.Target, References: append([]PropertyID(nil), r.References...)}
}

// SortedReferences returns the references in a stable order.
func (r *NodeReferences) SortedReferences() []PropertyID {
	refs := append([]PropertyID(nil), r.References...)
	sort.Slice(refs, func(i, j int) bool {
		if c := refs[i].ParentID.Compare(refs[j].ParentID); c != 0 {
			return c < 0
		}
		return CompareNames(refs[i].Name, refs[j].Name) < 0
	})
	return refs
}
