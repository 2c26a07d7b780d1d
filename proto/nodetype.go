package proto

// ItemDef declares a child node or property allowed by a node type. Name
// AnyName declares a residual definition.
type ItemDef struct {
	Name         Name         `msgpack:"name"`
	RequiredType PropertyType `msgpack:"rtype,omitempty"`
	DefaultType  Name         `msgpack:"dtype,omitempty"`
	Multiple     bool         `msgpack:"multi,omitempty"`
	Protected    bool         `msgpack:"protected,omitempty"`
	Mandatory    bool         `msgpack:"mandatory,omitempty"`
	AutoCreated  bool         `msgpack:"auto,omitempty"`
}

type NodeTypeDef struct {
	Name          Name      `msgpack:"name"`
	Supertypes    []Name    `msgpack:"supers"`
	Mixin         bool      `msgpack:"mixin"`
	Orderable     bool      `msgpack:"orderable"`
	ChildNodeDefs []ItemDef `msgpack:"children"`
	PropertyDefs  []ItemDef `msgpack:"props"`
}

func (d *NodeTypeDef) Clone() *NodeTypeDef {
	c := *d
	c.Supertypes = append([]Name(nil), d.Supertypes...)
	c.ChildNodeDefs = append([]ItemDef(nil), d.ChildNodeDefs...)
	c.PropertyDefs = append([]ItemDef(nil), d.PropertyDefs...)
	return &c
}
