package proto

// ChangeLog collects the item states added, modified and deleted by one
// update together with the reverse-reference records it touched. Insertion
// order is kept so that replaying a change log is deterministic.
type ChangeLog struct {
	added        *stateSet
	modified     *stateSet
	deleted      *stateSet
	modifiedRefs map[NodeID]*NodeReferences
	refsOrder    []NodeID
}

func NewChangeLog() *ChangeLog {
	return &ChangeLog{
		added:        newStateSet(),
		modified:     newStateSet(),
		deleted:      newStateSet(),
		modifiedRefs: make(map[NodeID]*NodeReferences),
	}
}

// Added records a new state. A state deleted earlier in the same change log
// and added again becomes a modification.
func (c *ChangeLog) Added(s ItemState) {
	if c.deleted.remove(s.Key()) {
		c.modified.put(s)
		return
	}
	c.added.put(s)
}

// Modified records a changed state. Modifying a state added in the same
// change log keeps it added.
func (c *ChangeLog) Modified(s ItemState) {
	if c.added.has(s.Key()) {
		c.added.put(s)
		return
	}
	c.modified.put(s)
}

// Deleted records a removed state. Deleting a state added in the same change
// log drops it entirely.
func (c *ChangeLog) Deleted(s ItemState) {
	if c.added.remove(s.Key()) {
		return
	}
	c.modified.remove(s.Key())
	c.deleted.put(s)
}

func (c *ChangeLog) ModifiedReferences(refs *NodeReferences) {
	if _, ok := c.modifiedRefs[refs.Target]; !ok {
		c.refsOrder = append(c.refsOrder, refs.Target)
	}
	c.modifiedRefs[refs.Target] = refs
}

func (c *ChangeLog) AddedStates() []ItemState    { return c.added.list() }
func (c *ChangeLog) ModifiedStates() []ItemState { return c.modified.list() }
func (c *ChangeLog) DeletedStates() []ItemState  { return c.deleted.list() }

func (c *ChangeLog) ModifiedRefs() []*NodeReferences {
	ret := make([]*NodeReferences, 0, len(c.refsOrder))
	for _, id := range c.refsOrder {
		ret = append(ret, c.modifiedRefs[id])
	}
	return ret
}

func (c *ChangeLog) References(target NodeID) (*NodeReferences, bool) {
	r, ok := c.modifiedRefs[target]
	return r, ok
}

// Get looks a state up by key. deleted is true when the change log removes
// the item.
func (c *ChangeLog) Get(key string) (s ItemState, deleted bool, ok bool) {
	if s, ok := c.added.get(key); ok {
		return s, false, true
	}
	if s, ok := c.modified.get(key); ok {
		return s, false, true
	}
	if s, ok := c.deleted.get(key); ok {
		return s, true, true
	}
	return nil, false, false
}

func (c *ChangeLog) IsAdded(key string) bool { return c.added.has(key) }

func (c *ChangeLog) IsDeleted(key string) bool { return c.deleted.has(key) }

func (c *ChangeLog) Empty() bool {
	return c.added.len() == 0 && c.modified.len() == 0 && c.deleted.len() == 0 && len(c.refsOrder) == 0
}

func (c *ChangeLog) Reset() {
	*c = *NewChangeLog()
}

type stateSet struct {
	index map[string]int
	items []ItemState
}

func newStateSet() *stateSet {
	return &stateSet{index: make(map[string]int)}
}

func (s *stateSet) put(st ItemState) {
	if i, ok := s.index[st.Key()]; ok {
		s.items[i] = st
		return
	}
	s.index[st.Key()] = len(s.items)
	s.items = append(s.items, st)
}

func (s *stateSet) get(key string) (ItemState, bool) {
	i, ok := s.index[key]
	if !ok {
		return nil, false
	}
	return s.items[i], true
}

func (s *stateSet) has(key string) bool {
	_, ok := s.index[key]
	return ok
}

func (s *stateSet) remove(key string) bool {
	i, ok := s.index[key]
	if !ok {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.index, key)
	for j := i; j < len(s.items); j++ {
		s.index[s.items[j].Key()] = j
	}
	return true
}

func (s *stateSet) list() []ItemState {
	return append([]ItemState(nil), s.items...)
}

func (s *stateSet) len() int { return len(s.items) }
