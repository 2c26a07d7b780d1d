package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cubefs/itemdb/blob"
	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/fs"
	"github.com/cubefs/itemdb/proto"
)

const (
	bundleVersion = 1

	DefaultMinBlobSize = 4096
)

// bundle fields
const (
	fieldVersion    protowire.Number = 1
	fieldNodeType   protowire.Number = 2
	fieldParent     protowire.Number = 3
	fieldMixin      protowire.Number = 4
	fieldProperty   protowire.Number = 5
	fieldChild      protowire.Number = 6
	fieldShareable  protowire.Number = 7
	fieldShare      protowire.Number = 8
	fieldModCount   protowire.Number = 9
	fieldDefinition protowire.Number = 10
)

// property fields
const (
	propName       protowire.Number = 1
	propType       protowire.Number = 2
	propMulti      protowire.Number = 3
	propDefinition protowire.Number = 4
	propModCount   protowire.Number = 5
	propValue      protowire.Number = 6
)

// value, name and child entry fields
const (
	valueInline protowire.Number = 1
	valueBlob   protowire.Number = 2

	nameURI   protowire.Number = 1
	nameLocal protowire.Number = 2

	childName protowire.Number = 1
	childID   protowire.Number = 2
)

var errWireType = fmt.Errorf("unexpected wire type")

// Binding converts bundles to and from bytes. Values whose encoding is at
// least minBlobSize bytes long are moved to the blob store.
type Binding struct {
	blobStore     blob.Store
	minBlobSize   int
	errorHandling ErrorHandling
}

func NewBinding(store blob.Store, minBlobSize int, eh ErrorHandling) *Binding {
	if minBlobSize <= 0 {
		minBlobSize = DefaultMinBlobSize
	}
	return &Binding{blobStore: store, minBlobSize: minBlobSize, errorHandling: eh}
}

func (bd *Binding) MinBlobSize() int { return bd.minBlobSize }

func (bd *Binding) BlobStore() blob.Store { return bd.blobStore }

func (bd *Binding) WriteBundle(ctx context.Context, w io.Writer, b *NodePropBundle) error {
	data, err := bd.Marshal(ctx, b)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (bd *Binding) ReadBundle(ctx context.Context, r io.Reader, id proto.NodeID) (*NodePropBundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.NewItemStateError("read bundle", id, err)
	}
	return bd.Unmarshal(ctx, data, id)
}

// Marshal serializes b. Blob values are written as a side effect and the
// entries' BlobIDs are updated; blobs no longer referenced are left alone.
func (bd *Binding) Marshal(ctx context.Context, b *NodePropBundle) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = protowire.AppendTag(buf, fieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, bundleVersion)
	buf = appendName(buf, fieldNodeType, b.NodeTypeName)
	if !b.ParentID.IsNil() {
		buf = protowire.AppendTag(buf, fieldParent, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.ParentID[:])
	}
	for _, m := range b.MixinTypeNames {
		buf = appendName(buf, fieldMixin, m)
	}
	for _, p := range b.Properties {
		msg, err := bd.marshalProperty(ctx, b.ID, p)
		if err != nil {
			return nil, errors.NewItemStateError("write bundle", b.ID, err)
		}
		buf = protowire.AppendTag(buf, fieldProperty, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}
	for _, e := range b.ChildEntries {
		var msg []byte
		msg = appendName(msg, childName, e.Name)
		msg = protowire.AppendTag(msg, childID, protowire.BytesType)
		msg = protowire.AppendBytes(msg, e.ID[:])
		buf = protowire.AppendTag(buf, fieldChild, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}
	if b.Shareable {
		buf = protowire.AppendTag(buf, fieldShareable, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	for _, s := range b.SharedSet {
		buf = protowire.AppendTag(buf, fieldShare, protowire.BytesType)
		buf = protowire.AppendBytes(buf, s[:])
	}
	buf = protowire.AppendTag(buf, fieldModCount, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.ModCount))
	if b.DefinitionID != "" {
		buf = protowire.AppendTag(buf, fieldDefinition, protowire.BytesType)
		buf = protowire.AppendString(buf, b.DefinitionID)
	}
	b.Size = len(buf)
	return buf, nil
}

func (bd *Binding) marshalProperty(ctx context.Context, node proto.NodeID, p *PropertyEntry) ([]byte, error) {
	var msg []byte
	msg = appendName(msg, propName, p.ID.Name)
	msg = protowire.AppendTag(msg, propType, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(p.Type))
	if p.MultiValued {
		msg = protowire.AppendTag(msg, propMulti, protowire.VarintType)
		msg = protowire.AppendVarint(msg, 1)
	}
	if p.DefinitionID != "" {
		msg = protowire.AppendTag(msg, propDefinition, protowire.BytesType)
		msg = protowire.AppendString(msg, p.DefinitionID)
	}
	msg = protowire.AppendTag(msg, propModCount, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(p.ModCount))

	if len(p.BlobIDs) != len(p.Values) {
		blobIDs := make([]string, len(p.Values))
		copy(blobIDs, p.BlobIDs)
		p.BlobIDs = blobIDs
	}
	for i, v := range p.Values {
		var vmsg []byte
		if len(v.Data) >= bd.minBlobSize {
			blobID := bd.blobStore.CreateID(proto.NewPropertyID(node, p.ID.Name), i)
			if err := bd.blobStore.Put(ctx, blobID, bytes.NewReader(v.Data), int64(len(v.Data))); err != nil {
				return nil, errors.Info(err, "put blob", blobID)
			}
			p.BlobIDs[i] = blobID
			vmsg = protowire.AppendTag(vmsg, valueBlob, protowire.BytesType)
			vmsg = protowire.AppendString(vmsg, blobID)
		} else {
			p.BlobIDs[i] = ""
			vmsg = protowire.AppendTag(vmsg, valueInline, protowire.BytesType)
			vmsg = protowire.AppendBytes(vmsg, v.Data)
		}
		msg = protowire.AppendTag(msg, propValue, protowire.BytesType)
		msg = protowire.AppendBytes(msg, vmsg)
	}
	return msg, nil
}

// Unmarshal parses a bundle. Unknown fields are skipped. Any other problem
// fails the whole bundle with ErrCorruptData unless the error handling policy
// allows a substitute.
func (bd *Binding) Unmarshal(ctx context.Context, data []byte, id proto.NodeID) (*NodePropBundle, error) {
	b := &NodePropBundle{ID: id, Size: len(data)}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch num {
		case fieldVersion:
			v, n, err := consumeVarint(typ, buf)
			if err == nil && v == 0 {
				err = fmt.Errorf("invalid bundle version 0")
			}
			return n, err
		case fieldNodeType:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			b.NodeTypeName, err = decodeName(v)
			return n, err
		case fieldParent:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			b.ParentID, err = proto.NodeIDFromBytes(v)
			return n, err
		case fieldMixin:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			name, err := decodeName(v)
			b.MixinTypeNames = append(b.MixinTypeNames, name)
			return n, err
		case fieldProperty:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			p, err := bd.unmarshalProperty(ctx, id, v)
			if p != nil {
				b.Properties = append(b.Properties, p)
			}
			return n, err
		case fieldChild:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			e, err := decodeChild(v)
			b.ChildEntries = append(b.ChildEntries, e)
			return n, err
		case fieldShareable:
			v, n, err := consumeVarint(typ, buf)
			b.Shareable = v != 0
			return n, err
		case fieldShare:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			parent, err := proto.NodeIDFromBytes(v)
			b.SharedSet = append(b.SharedSet, parent)
			return n, err
		case fieldModCount:
			v, n, err := consumeVarint(typ, buf)
			b.ModCount = uint16(v)
			return n, err
		case fieldDefinition:
			v, n, err := consumeBytes(typ, buf)
			b.DefinitionID = string(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, corrupt("read bundle", id, err)
	}
	if b.NodeTypeName.IsZero() {
		return nil, corrupt("read bundle", id, fmt.Errorf("missing node type"))
	}

	counts := make(map[proto.Name]int, len(b.ChildEntries))
	for i := range b.ChildEntries {
		counts[b.ChildEntries[i].Name]++
		b.ChildEntries[i].Index = counts[b.ChildEntries[i].Name]
	}
	return b, nil
}

func (bd *Binding) unmarshalProperty(ctx context.Context, node proto.NodeID, data []byte) (*PropertyEntry, error) {
	span := trace.SpanFromContextSafe(ctx)
	p := &PropertyEntry{}
	type rawValue struct {
		inline []byte
		blobID string
		isBlob bool
	}
	var raw []rawValue

	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch num {
		case propName:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			name, err := decodeName(v)
			p.ID = proto.NewPropertyID(node, name)
			return n, err
		case propType:
			v, n, err := consumeVarint(typ, buf)
			p.Type = proto.PropertyType(v)
			return n, err
		case propMulti:
			v, n, err := consumeVarint(typ, buf)
			p.MultiValued = v != 0
			return n, err
		case propDefinition:
			v, n, err := consumeBytes(typ, buf)
			p.DefinitionID = string(v)
			return n, err
		case propModCount:
			v, n, err := consumeVarint(typ, buf)
			p.ModCount = uint16(v)
			return n, err
		case propValue:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			var rv rawValue
			err = consumeFields(v, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
				switch num {
				case valueInline:
					d, n, err := consumeBytes(typ, buf)
					rv.inline = append([]byte{}, d...)
					return n, err
				case valueBlob:
					d, n, err := consumeBytes(typ, buf)
					rv.blobID = string(d)
					rv.isBlob = true
					return n, err
				}
				return 0, nil
			})
			raw = append(raw, rv)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if p.ID.Name.IsZero() {
		return nil, fmt.Errorf("property without name")
	}
	if !p.Type.Valid() {
		if bd.errorHandling.IgnoreInvalidValues() {
			span.Warnf("bundle %s: dropping property %s with unknown type %d", node, p.ID.Name, p.Type)
			return nil, nil
		}
		return nil, fmt.Errorf("property %s has unknown type %d", p.ID.Name, p.Type)
	}

	p.Values = make([]proto.Value, len(raw))
	p.BlobIDs = make([]string, len(raw))
	for i, rv := range raw {
		v := proto.Value{Type: p.Type, Data: rv.inline}
		if rv.isBlob {
			p.BlobIDs[i] = rv.blobID
			data, err := bd.readBlob(ctx, rv.blobID)
			if err != nil {
				if !bd.errorHandling.IgnoreMissingBlobs() {
					return nil, errors.Info(err, "read blob of property", p.ID.Name, "value", i)
				}
				span.Warnf("bundle %s: blob %s of property %s unreadable, using default: %s", node, rv.blobID, p.ID.Name, err)
				p.Values[i] = proto.DefaultValue(p.Type)
				continue
			}
			v.Data = data
		}
		if err := v.Validate(); err != nil {
			if !bd.errorHandling.IgnoreInvalidValues() {
				return nil, errors.Info(err, "validate property", p.ID.Name, "value", i)
			}
			span.Warnf("bundle %s: invalid value %d of property %s, using default: %s", node, i, p.ID.Name, err)
			v = proto.DefaultValue(p.Type)
		}
		p.Values[i] = v
	}
	if !p.MultiValued && len(p.Values) != 1 {
		if !bd.errorHandling.IgnoreInvalidValues() || len(p.Values) == 0 {
			return nil, fmt.Errorf("single valued property %s has %d values", p.ID.Name, len(p.Values))
		}
		p.Values = p.Values[:1]
		p.BlobIDs = p.BlobIDs[:1]
	}
	return p, nil
}

func (bd *Binding) readBlob(ctx context.Context, blobID string) ([]byte, error) {
	r, err := bd.blobStore.Get(ctx, blobID)
	if err != nil {
		if fs.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s missing", blobID)
		}
		return nil, errors.Info(err, "get blob", blobID)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Info(err, "read blob", blobID)
	}
	return data, nil
}

// RemoveBlobs deletes the blobs of p. Failures are logged only.
func (bd *Binding) RemoveBlobs(ctx context.Context, p *PropertyEntry) {
	span := trace.SpanFromContextSafe(ctx)
	for _, blobID := range p.BlobIDs {
		if blobID == "" {
			continue
		}
		if _, err := bd.blobStore.Remove(ctx, blobID); err != nil {
			span.Warnf("remove blob %s of property %s failed: %s", blobID, p.ID, errors.Detail(err))
		}
	}
}

func corrupt(op string, id proto.NodeID, err error) error {
	return errors.NewItemStateError(op, id, fmt.Errorf("%w: %w", errors.ErrCorruptData, err))
}

func appendName(b []byte, num protowire.Number, n proto.Name) []byte {
	var msg []byte
	if n.URI != "" {
		msg = protowire.AppendTag(msg, nameURI, protowire.BytesType)
		msg = protowire.AppendString(msg, n.URI)
	}
	msg = protowire.AppendTag(msg, nameLocal, protowire.BytesType)
	msg = protowire.AppendString(msg, n.Local)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func decodeName(data []byte) (proto.Name, error) {
	var n proto.Name
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch num {
		case nameURI:
			v, c, err := consumeBytes(typ, buf)
			n.URI = string(v)
			return c, err
		case nameLocal:
			v, c, err := consumeBytes(typ, buf)
			n.Local = string(v)
			return c, err
		}
		return 0, nil
	})
	return n, err
}

func decodeChild(data []byte) (proto.ChildNodeEntry, error) {
	var e proto.ChildNodeEntry
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch num {
		case childName:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			e.Name, err = decodeName(v)
			return n, err
		case childID:
			v, n, err := consumeBytes(typ, buf)
			if err != nil {
				return 0, err
			}
			e.ID, err = proto.NodeIDFromBytes(v)
			return n, err
		}
		return 0, nil
	})
	return e, err
}

// consumeFields calls fn for every field in b. fn returns the number of
// bytes it consumed, or 0 to have an unknown field skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, buf []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
