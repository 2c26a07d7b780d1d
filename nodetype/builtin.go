package nodetype

import "github.com/cubefs/itemdb/proto"

var residualChildren = proto.ItemDef{Name: proto.AnyName, DefaultType: proto.NTUnstructured, Multiple: true}

var residualProperties = []proto.ItemDef{
	{Name: proto.AnyName},
	{Name: proto.AnyName, Multiple: true},
}

func builtins() []*proto.NodeTypeDef {
	return []*proto.NodeTypeDef{
		{
			Name: proto.NTBase,
			PropertyDefs: []proto.ItemDef{
				{Name: proto.JCRPrimaryType, RequiredType: proto.PropertyTypeName, Protected: true, Mandatory: true, AutoCreated: true},
				{Name: proto.JCRMixinTypes, RequiredType: proto.PropertyTypeName, Protected: true, Multiple: true},
			},
		},
		{
			Name:          proto.NTUnstructured,
			Supertypes:    []proto.Name{proto.NTBase},
			Orderable:     true,
			ChildNodeDefs: []proto.ItemDef{residualChildren},
			PropertyDefs:  residualProperties,
		},
		{
			Name:          proto.RepRoot,
			Supertypes:    []proto.Name{proto.NTUnstructured},
			Orderable:     true,
			ChildNodeDefs: []proto.ItemDef{residualChildren},
		},
		{
			Name:       proto.NTVersionHistory,
			Supertypes: []proto.Name{proto.NTBase, proto.MixReferenceable},
			ChildNodeDefs: []proto.ItemDef{
				{Name: proto.JCRRootVersion, DefaultType: proto.NTVersion, Protected: true, Mandatory: true, AutoCreated: true},
				{Name: proto.AnyName, DefaultType: proto.NTVersion, Protected: true},
			},
			PropertyDefs: []proto.ItemDef{
				{Name: proto.JCRVersionableID, RequiredType: proto.PropertyTypeString, Protected: true, Mandatory: true, AutoCreated: true},
			},
		},
		{
			Name:       proto.NTVersion,
			Supertypes: []proto.Name{proto.NTBase, proto.MixReferenceable},
			PropertyDefs: []proto.ItemDef{
				{Name: proto.JCRCreated, RequiredType: proto.PropertyTypeDate, Protected: true, Mandatory: true, AutoCreated: true},
				{Name: proto.JCRPredecessors, RequiredType: proto.PropertyTypeReference, Protected: true, Multiple: true},
			},
		},
		{
			Name:  proto.MixReferenceable,
			Mixin: true,
			PropertyDefs: []proto.ItemDef{
				{Name: proto.JCRUUID, RequiredType: proto.PropertyTypeString, Protected: true, Mandatory: true, AutoCreated: true},
			},
		},
		{
			Name:       proto.MixVersionable,
			Mixin:      true,
			Supertypes: []proto.Name{proto.MixReferenceable},
			PropertyDefs: []proto.ItemDef{
				{Name: proto.JCRVersionHistory, RequiredType: proto.PropertyTypeReference, Protected: true, Mandatory: true},
				{Name: proto.JCRBaseVersion, RequiredType: proto.PropertyTypeReference, Protected: true, Mandatory: true},
				{Name: proto.JCRPredecessors, RequiredType: proto.PropertyTypeReference, Protected: true, Mandatory: true, Multiple: true},
				{Name: proto.JCRIsCheckedOut, RequiredType: proto.PropertyTypeBoolean, Protected: true, Mandatory: true, AutoCreated: true},
			},
		},
		{
			Name:       proto.MixShareable,
			Mixin:      true,
			Supertypes: []proto.Name{proto.MixReferenceable},
		},
		{
			Name:  proto.MixLockable,
			Mixin: true,
		},
	}
}
