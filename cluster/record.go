package cluster

import (
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

// producerID tags every record the cluster node writes to the journal.
const producerID = "JR"

type RecordKind uint8

const (
	RecordChangeLog RecordKind = iota + 1
	RecordLock
	RecordNamespace
	RecordNodeType
	RecordWorkspace
)

func (k RecordKind) String() string {
	switch k {
	case RecordChangeLog:
		return "changelog"
	case RecordLock:
		return "lock"
	case RecordNamespace:
		return "namespace"
	case RecordNodeType:
		return "nodetype"
	case RecordWorkspace:
		return "workspace"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

type envelope struct {
	Kind      RecordKind `msgpack:"kind"`
	Workspace string     `msgpack:"ws"`
	Body      []byte     `msgpack:"body"`
}

func encodeEnvelope(kind RecordKind, workspace string, body interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(body)
	if err != nil {
		return nil, errors.Info(err, "msgpack marshal record body failed", kind)
	}
	return msgpack.Marshal(&envelope{Kind: kind, Workspace: workspace, Body: b})
}

func decodeEnvelope(data []byte) (*envelope, error) {
	env := &envelope{}
	if err := msgpack.Unmarshal(data, env); err != nil {
		return nil, errors.Info(fmt.Errorf("%w: %w", errors.ErrCorruptData, err), "msgpack unmarshal record failed")
	}
	return env, nil
}

func (e *envelope) decodeBody(v interface{}) error {
	if err := msgpack.Unmarshal(e.Body, v); err != nil {
		return errors.Info(fmt.Errorf("%w: %w", errors.ErrCorruptData, err), "msgpack unmarshal record body failed", e.Kind)
	}
	return nil
}

type itemEntry struct {
	Node     *proto.NodeState     `msgpack:"node,omitempty"`
	Property *proto.PropertyState `msgpack:"prop,omitempty"`
}

func toEntries(states []proto.ItemState) []itemEntry {
	entries := make([]itemEntry, 0, len(states))
	for _, s := range states {
		switch st := s.(type) {
		case *proto.NodeState:
			entries = append(entries, itemEntry{Node: st})
		case *proto.PropertyState:
			entries = append(entries, itemEntry{Property: st})
		}
	}
	return entries
}

func (e itemEntry) state() (proto.ItemState, bool) {
	switch {
	case e.Node != nil:
		return e.Node, true
	case e.Property != nil:
		return e.Property, true
	}
	return nil, false
}

// changeLogRecord carries full item states so members apply it without
// reading the sender's storage.
type changeLogRecord struct {
	Added    []itemEntry             `msgpack:"added"`
	Modified []itemEntry             `msgpack:"modified"`
	Deleted  []itemEntry             `msgpack:"deleted"`
	Refs     []*proto.NodeReferences `msgpack:"refs"`
	Events   []proto.EventState      `msgpack:"events"`
	UserID   string                  `msgpack:"user"`
}

func newChangeLogRecord(u *Update) *changeLogRecord {
	return &changeLogRecord{
		Added:    toEntries(u.Changes.AddedStates()),
		Modified: toEntries(u.Changes.ModifiedStates()),
		Deleted:  toEntries(u.Changes.DeletedStates()),
		Refs:     u.Changes.ModifiedRefs(),
		Events:   u.Events,
		UserID:   u.UserID,
	}
}

func (r *changeLogRecord) changeLog() *proto.ChangeLog {
	changes := proto.NewChangeLog()
	for _, e := range r.Added {
		if s, ok := e.state(); ok {
			changes.Added(s)
		}
	}
	for _, e := range r.Modified {
		if s, ok := e.state(); ok {
			changes.Modified(s)
		}
	}
	for _, e := range r.Deleted {
		if s, ok := e.state(); ok {
			changes.Deleted(s)
		}
	}
	for _, refs := range r.Refs {
		changes.ModifiedReferences(refs)
	}
	return changes
}

func (r *changeLogRecord) events() []proto.EventState {
	events := make([]proto.EventState, len(r.Events))
	for i := range r.Events {
		events[i] = r.Events[i]
		events[i].External = true
		if events[i].UserID == "" {
			events[i].UserID = r.UserID
		}
	}
	return events
}

type lockRecord struct {
	NodeID proto.NodeID `msgpack:"node"`
	Lock   bool         `msgpack:"lock"`
	Deep   bool         `msgpack:"deep"`
	Owner  string       `msgpack:"owner"`
}

type namespaceRecord struct {
	OldPrefix string `msgpack:"old"`
	NewPrefix string `msgpack:"new"`
	URI       string `msgpack:"uri"`
}

type NodeTypeOp uint8

const (
	NodeTypeRegister NodeTypeOp = iota + 1
	NodeTypeReregister
	NodeTypeUnregister
)

type nodeTypeRecord struct {
	Op    NodeTypeOp           `msgpack:"op"`
	Defs  []*proto.NodeTypeDef `msgpack:"defs"`
	Names []proto.Name         `msgpack:"names"`
}

type workspaceRecord struct {
	Name string `msgpack:"name"`
}
