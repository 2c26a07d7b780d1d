package proto

import (
	"bytes"

	"github.com/google/uuid"
)

// NodeID identifies a node. The canonical form is the 36 character
// lower-case UUID string, and ordering of ids follows that string form.
type NodeID [16]byte

var (
	// RootNodeID is the fixed id of every workspace root node.
	RootNodeID = MustParseNodeID("cafebabe-cafe-babe-cafe-babecafebabe")

	NilNodeID NodeID
)

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilNodeID, err
	}
	return NodeID(u), nil
}

func MustParseNodeID(s string) NodeID {
	return NodeID(uuid.MustParse(s))
}

func NodeIDFromBytes(b []byte) (NodeID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NilNodeID, err
	}
	return NodeID(u), nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func (id NodeID) IsNil() bool {
	return id == NilNodeID
}

// Compare orders ids by their canonical string form. Lower-case hex digits
// sort the same way as the raw bytes, and the dashes sit at fixed positions,
// so comparing bytes gives the string order.
func (id NodeID) Compare(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

func (id NodeID) Less(other NodeID) bool {
	return id.Compare(other) < 0
}

// PropertyID is the (node, name) pair identifying a property.
type PropertyID struct {
	ParentID NodeID `msgpack:"p"`
	Name     Name   `msgpack:"n"`
}

func NewPropertyID(parent NodeID, name Name) PropertyID {
	return PropertyID{ParentID: parent, Name: name}
}

func (id PropertyID) String() string {
	return id.ParentID.String() + "/" + id.Name.String()
}
