package proto

type EventType uint32

const (
	EventNodeAdded       EventType = 1
	EventNodeRemoved     EventType = 2
	EventPropertyAdded   EventType = 4
	EventPropertyRemoved EventType = 8
	EventPropertyChanged EventType = 16
)

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "NodeAdded"
	case EventNodeRemoved:
		return "NodeRemoved"
	case EventPropertyAdded:
		return "PropertyAdded"
	case EventPropertyRemoved:
		return "PropertyRemoved"
	case EventPropertyChanged:
		return "PropertyChanged"
	}
	return "Unknown"
}

// EventState is one observation event generated by an update. For node
// events ChildID is the affected node; for property events ChildName is the
// property name and ParentID its owner.
type EventState struct {
	Type         EventType `msgpack:"type"`
	ParentID     NodeID    `msgpack:"parent"`
	ChildID      NodeID    `msgpack:"child"`
	ChildName    Name      `msgpack:"name"`
	NodeTypeName Name      `msgpack:"ntype"`
	UserID       string    `msgpack:"user"`
	External     bool      `msgpack:"-"`
}
