package bundle

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cubefs/itemdb/proto"
)

const (
	refsTarget   protowire.Number = 1
	refsProperty protowire.Number = 2

	refNode protowire.Number = 1
	refName protowire.Number = 2
)

func MarshalReferences(refs *proto.NodeReferences) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, refsTarget, protowire.BytesType)
	buf = protowire.AppendBytes(buf, refs.Target[:])
	for _, ref := range refs.References {
		var msg []byte
		msg = protowire.AppendTag(msg, refNode, protowire.BytesType)
		msg = protowire.AppendBytes(msg, ref.ParentID[:])
		msg = appendName(msg, refName, ref.Name)
		buf = protowire.AppendTag(buf, refsProperty, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}
	return buf
}

// UnmarshalReferences parses a references record stored for target.
func UnmarshalReferences(data []byte, target proto.NodeID) (*proto.NodeReferences, error) {
	refs := proto.NewNodeReferences(target)
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch num {
		case refsTarget:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			stored, err := proto.NodeIDFromBytes(v)
			if err == nil && stored != target {
				err = fmt.Errorf("references record of %s stored for %s", stored, target)
			}
			return n, err
		case refsProperty:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			var id proto.PropertyID
			err = consumeFields(v, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
				switch num {
				case refNode:
					d, c, err := consumeBytes(typ, buf)
					if err != nil {
						return 0, err
					}
					id.ParentID, err = proto.NodeIDFromBytes(d)
					return c, err
				case refName:
					d, c, err := consumeBytes(typ, buf)
					if err != nil {
						return 0, err
					}
					id.Name, err = decodeName(d)
					return c, err
				}
				return 0, nil
			})
			refs.References = append(refs.References, id)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, corrupt("read references", target, err)
	}
	return refs, nil
}
