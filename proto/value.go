package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

type PropertyType uint8

const (
	PropertyTypeUndefined PropertyType = iota
	PropertyTypeString
	PropertyTypeBinary
	PropertyTypeLong
	PropertyTypeDouble
	PropertyTypeDate
	PropertyTypeBoolean
	PropertyTypeName
	PropertyTypePath
	PropertyTypeReference
)

var propertyTypeNames = [...]string{
	"undefined", "String", "Binary", "Long", "Double", "Date", "Boolean", "Name", "Path", "Reference",
}

func (t PropertyType) String() string {
	if int(t) < len(propertyTypeNames) {
		return propertyTypeNames[t]
	}
	return "PropertyType(" + strconv.Itoa(int(t)) + ")"
}

func (t PropertyType) Valid() bool {
	return t > PropertyTypeUndefined && t <= PropertyTypeReference
}

// Value is an internal property value: its type plus the canonical byte
// encoding of the value. Two values are equal iff type and bytes are equal.
type Value struct {
	Type PropertyType `msgpack:"t"`
	Data []byte       `msgpack:"d"`
}

const dateLayout = time.RFC3339Nano

func StringValue(s string) Value { return Value{Type: PropertyTypeString, Data: []byte(s)} }

func BinaryValue(b []byte) Value {
	data := make([]byte, len(b))
	copy(data, b)
	return Value{Type: PropertyTypeBinary, Data: data}
}

func LongValue(v int64) Value {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(v))
	return Value{Type: PropertyTypeLong, Data: data}
}

func DoubleValue(v float64) Value {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, math.Float64bits(v))
	return Value{Type: PropertyTypeDouble, Data: data}
}

func DateValue(t time.Time) Value {
	return Value{Type: PropertyTypeDate, Data: []byte(t.UTC().Format(dateLayout))}
}

func BooleanValue(b bool) Value {
	if b {
		return Value{Type: PropertyTypeBoolean, Data: []byte{1}}
	}
	return Value{Type: PropertyTypeBoolean, Data: []byte{0}}
}

func NameValue(n Name) Value { return Value{Type: PropertyTypeName, Data: []byte(n.String())} }

func PathValue(p string) Value { return Value{Type: PropertyTypePath, Data: []byte(p)} }

func ReferenceValue(id NodeID) Value {
	data := make([]byte, 16)
	copy(data, id[:])
	return Value{Type: PropertyTypeReference, Data: data}
}

// Validate reports whether the bytes are a well formed encoding for the type.
func (v Value) Validate() error {
	switch v.Type {
	case PropertyTypeString, PropertyTypeBinary, PropertyTypePath:
		return nil
	case PropertyTypeLong, PropertyTypeDouble:
		if len(v.Data) != 8 {
			return fmt.Errorf("%s value has %d bytes", v.Type, len(v.Data))
		}
	case PropertyTypeBoolean:
		if len(v.Data) != 1 || v.Data[0] > 1 {
			return fmt.Errorf("malformed boolean value")
		}
	case PropertyTypeDate:
		if _, err := time.Parse(dateLayout, string(v.Data)); err != nil {
			return err
		}
	case PropertyTypeName:
		if _, err := ParseName(string(v.Data)); err != nil {
			return err
		}
	case PropertyTypeReference:
		if len(v.Data) != 16 {
			return fmt.Errorf("reference value has %d bytes", len(v.Data))
		}
	default:
		return fmt.Errorf("unknown property type %d", v.Type)
	}
	return nil
}

// DefaultValue is the value substituted for unreadable data of type t when
// lenient error handling is configured.
func DefaultValue(t PropertyType) Value {
	switch t {
	case PropertyTypeLong:
		return LongValue(0)
	case PropertyTypeDouble:
		return DoubleValue(0)
	case PropertyTypeBoolean:
		return BooleanValue(false)
	case PropertyTypeDate:
		return DateValue(time.Unix(0, 0))
	case PropertyTypeName:
		return NameValue(Name{Local: "undefined"})
	case PropertyTypeReference:
		return ReferenceValue(NilNodeID)
	default:
		return Value{Type: t, Data: []byte{}}
	}
}

func (v Value) String() string {
	switch v.Type {
	case PropertyTypeLong:
		return strconv.FormatInt(v.Long(), 10)
	case PropertyTypeDouble:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	case PropertyTypeBoolean:
		return strconv.FormatBool(v.Boolean())
	case PropertyTypeReference:
		return v.Reference().String()
	default:
		return string(v.Data)
	}
}

func (v Value) Long() int64 {
	if len(v.Data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v.Data))
}

func (v Value) Double() float64 {
	if len(v.Data) != 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(v.Data))
}

func (v Value) Boolean() bool {
	return len(v.Data) == 1 && v.Data[0] == 1
}

func (v Value) Date() time.Time {
	t, _ := time.Parse(dateLayout, string(v.Data))
	return t
}

func (v Value) Name() Name {
	n, _ := ParseName(string(v.Data))
	return n
}

func (v Value) Reference() NodeID {
	var id NodeID
	copy(id[:], v.Data)
	return id
}

func (v Value) Equal(other Value) bool {
	return v.Type == other.Type && bytes.Equal(v.Data, other.Data)
}

func (v Value) Clone() Value {
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return Value{Type: v.Type, Data: data}
}
