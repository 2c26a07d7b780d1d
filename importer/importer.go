// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package importer

import (
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/state"
	"github.com/cubefs/itemdb/version"
)

// UUIDBehavior selects what happens when an imported node carries the id
// of a node that already exists.
type UUIDBehavior int

const (
	// CreateNew gives the imported node a fresh id and rewrites imported
	// references to the old one.
	CreateNew UUIDBehavior = iota
	// CollisionThrow fails, unless the existing node is shareable, in which
	// case a share is added.
	CollisionThrow
	// CollisionRemoveExisting removes the existing node first.
	CollisionRemoveExisting
	// CollisionReplaceExisting puts the imported node in place of the
	// existing one, below the existing node's parent.
	CollisionReplaceExisting
)

func (b UUIDBehavior) String() string {
	switch b {
	case CreateNew:
		return "create_new"
	case CollisionThrow:
		return "throw"
	case CollisionRemoveExisting:
		return "remove_existing"
	case CollisionReplaceExisting:
		return "replace_existing"
	}
	return fmt.Sprintf("UUIDBehavior(%d)", int(b))
}

type (
	NodeInfo struct {
		Name proto.Name
		// NodeTypeName may be empty to use the default type of the child
		// definition.
		NodeTypeName proto.Name
		Mixins       []proto.Name
		// ID may be nil to assign a new id.
		ID proto.NodeID
	}
	PropInfo struct {
		Name        proto.Name
		Type        proto.PropertyType
		MultiValued bool
		Values      []proto.Value
	}
)

type (
	NodeTypes interface {
		Has(name proto.Name) bool
		IsNodeType(primary proto.Name, mixins []proto.Name, want proto.Name) bool
		ChildNodeDef(primary proto.Name, mixins []proto.Name, name proto.Name) (proto.ItemDef, error)
		PropertyDef(primary proto.Name, mixins []proto.Name, name proto.Name, multiple bool) (proto.ItemDef, error)
	}
	VersionStore interface {
		CreateVersionHistory(ctx context.Context, versionableID proto.NodeID, userID string) (*version.History, bool, error)
		RemoveVersionHistory(ctx context.Context, versionableID proto.NodeID, userID string) error
	}
)

type Config struct {
	UUIDBehavior UUIDBehavior
	UserID       string
}

type frameKind int

const (
	frameActive frameKind = iota
	frameSkipped
)

// frame is one level of the import stack: the node being filled or a
// skipped subtree.
type frame struct {
	kind frameKind
	node *proto.NodeState
}

func active(n *proto.NodeState) frame { return frame{kind: frameActive, node: n} }

var skipped = frame{kind: frameSkipped}

const (
	statusNew = iota
	statusStarted
	statusAborted
	statusDone
)

// Importer applies a stream of nodes below a target node as one batch.
// Any failure aborts the import and drops the whole batch; later calls of
// StartNode and EndNode are no-ops and End reports the abort.
type Importer struct {
	cfg      Config
	state    *state.Manager
	types    NodeTypes
	versions VersionStore
	targetID proto.NodeID

	status int
	batch  *state.Batch
	stack  []frame

	remapped     map[proto.NodeID]proto.NodeID
	references   []proto.PropertyID
	versionables []proto.NodeID
}

func New(sm *state.Manager, types NodeTypes, versions VersionStore, targetID proto.NodeID, cfg Config) *Importer {
	return &Importer{
		cfg:      cfg,
		state:    sm,
		types:    types,
		versions: versions,
		targetID: targetID,
		remapped: make(map[proto.NodeID]proto.NodeID),
	}
}

// Remapped returns the new id given to an imported id under CreateNew.
func (im *Importer) Remapped(id proto.NodeID) (proto.NodeID, bool) {
	n, ok := im.remapped[id]
	return n, ok
}

func (im *Importer) Aborted() bool { return im.status == statusAborted }

// Cancel aborts a started import, for callers whose own input failed.
func (im *Importer) Cancel(ctx context.Context) {
	if im.status == statusStarted {
		im.abort(ctx, errors.ErrImportAborted)
	}
}

func (im *Importer) abort(ctx context.Context, err error) error {
	trace.SpanFromContextSafe(ctx).Warnf("import below %s aborted: %s", im.targetID, errors.Detail(err))
	im.status = statusAborted
	if im.batch != nil {
		im.batch.Cancel()
	}
	im.stack = nil
	return err
}

func (im *Importer) Start(ctx context.Context) error {
	if im.status != statusNew {
		return errors.ErrIllegalState
	}
	im.status = statusStarted
	im.batch = im.state.NewBatch(im.cfg.UserID)
	target, err := im.batch.Get(ctx, im.targetID)
	if err == nil {
		// keep the target in the batch so every later lookup sees the
		// same state
		err = im.batch.Store(target)
	}
	if err != nil {
		return im.abort(ctx, err)
	}
	im.stack = []frame{active(target)}
	return nil
}

func (im *Importer) StartNode(ctx context.Context, info *NodeInfo, props []*PropInfo) error {
	switch im.status {
	case statusAborted:
		return nil
	case statusStarted:
	default:
		return errors.ErrIllegalState
	}
	f, err := im.startNode(ctx, info, props)
	if err != nil {
		return im.abort(ctx, err)
	}
	im.stack = append(im.stack, f)
	return nil
}

func (im *Importer) EndNode(ctx context.Context, info *NodeInfo) error {
	switch im.status {
	case statusAborted:
		return nil
	case statusStarted:
	default:
		return errors.ErrIllegalState
	}
	if len(im.stack) <= 1 {
		return im.abort(ctx, fmt.Errorf("%w: unbalanced end of node %s", errors.ErrIllegalState, info.Name))
	}
	im.stack = im.stack[:len(im.stack)-1]
	return nil
}

// End fixes up references, creates the version histories of imported
// versionable nodes and commits the batch.
func (im *Importer) End(ctx context.Context) error {
	switch im.status {
	case statusAborted:
		return errors.ErrImportAborted
	case statusStarted:
	default:
		return errors.ErrIllegalState
	}
	if len(im.stack) != 1 {
		return im.abort(ctx, fmt.Errorf("%w: %d nodes still open", errors.ErrIllegalState, len(im.stack)-1))
	}
	if err := im.fixReferences(ctx); err != nil {
		return im.abort(ctx, errors.Info(err, "fix references failed"))
	}
	created, err := im.createVersionHistories(ctx)
	if err == nil {
		if err = im.batch.Commit(ctx); err != nil {
			err = errors.Info(err, "commit import below", im.targetID)
		}
	}
	if err != nil {
		im.removeVersionHistories(ctx, created)
		return im.abort(ctx, err)
	}
	im.status = statusDone
	im.stack = nil
	trace.SpanFromContextSafe(ctx).Debugf("import below %s committed, %d ids remapped", im.targetID, len(im.remapped))
	return nil
}

func (im *Importer) startNode(ctx context.Context, info *NodeInfo, props []*PropInfo) (frame, error) {
	span := trace.SpanFromContextSafe(ctx)
	top := im.stack[len(im.stack)-1]
	if top.kind == frameSkipped {
		return skipped, nil
	}
	parent := top.node

	def, err := im.types.ChildNodeDef(parent.NodeTypeName, parent.MixinTypeNames, info.Name)
	if err != nil {
		return frame{}, err
	}
	if def.Protected {
		span.Debugf("skipping protected node %s below %s", info.Name, parent.ID)
		return skipped, nil
	}
	nodeType := info.NodeTypeName
	if nodeType.IsZero() {
		nodeType = def.DefaultType
	}
	if nodeType.IsZero() {
		return frame{}, fmt.Errorf("%w: no node type for %s", errors.ErrConstraintViolation, info.Name)
	}
	for _, name := range append([]proto.Name{nodeType}, info.Mixins...) {
		if !im.types.Has(name) {
			return frame{}, fmt.Errorf("%w: %s", errors.ErrNodeTypeNotFound, name)
		}
	}

	var node *proto.NodeState
	if !info.ID.IsNil() {
		exists, err := im.batch.Has(ctx, info.ID)
		if err != nil {
			return frame{}, err
		}
		if exists {
			f, err := im.resolveConflict(ctx, parent, info, nodeType)
			if err != nil || f.kind == frameSkipped {
				return f, err
			}
			node = f.node
		}
	}
	if node == nil {
		id := info.ID
		if id.IsNil() {
			id = proto.NewNodeID()
		}
		if node, err = im.createNode(ctx, parent, info, id, nodeType, -1); err != nil {
			return frame{}, err
		}
	}

	if err = im.setProperties(ctx, node, props); err != nil {
		return frame{}, err
	}
	if err = im.postProcess(ctx, node); err != nil {
		return frame{}, err
	}
	return active(node), nil
}

func (im *Importer) resolveConflict(ctx context.Context, parent *proto.NodeState, info *NodeInfo, nodeType proto.Name) (frame, error) {
	span := trace.SpanFromContextSafe(ctx)
	existing, err := im.batch.Get(ctx, info.ID)
	if err != nil {
		return frame{}, err
	}

	switch im.cfg.UUIDBehavior {
	case CreateNew:
		id := proto.NewNodeID()
		im.remapped[info.ID] = id
		n, err := im.createNode(ctx, parent, info, id, nodeType, -1)
		if err != nil {
			return frame{}, err
		}
		return active(n), nil

	case CollisionThrow:
		if !existing.Shareable || !existing.AddShare(parent.ID) {
			return frame{}, errors.NewItemStateError("import node", info.ID, errors.ErrItemExists)
		}
		parent.AddChildNodeEntry(info.Name, existing.ID)
		if err = im.batch.Store(parent); err != nil {
			return frame{}, err
		}
		if err = im.batch.Store(existing); err != nil {
			return frame{}, err
		}
		span.Debugf("added share of %s below %s", existing.ID, parent.ID)
		return skipped, nil

	case CollisionRemoveExisting:
		if err = im.checkRemovable(ctx, existing); err != nil {
			return frame{}, err
		}
		if err = im.batch.RemoveNode(ctx, existing.ID, existing.ParentID); err != nil {
			return frame{}, err
		}
		n, err := im.createNode(ctx, parent, info, info.ID, nodeType, -1)
		if err != nil {
			return frame{}, err
		}
		return active(n), nil

	case CollisionReplaceExisting:
		if err = im.checkRemovable(ctx, existing); err != nil {
			return frame{}, err
		}
		origParent, err := im.batch.Get(ctx, existing.ParentID)
		if err != nil {
			return frame{}, err
		}
		pos := -1
		for i, e := range origParent.ChildEntries {
			if e.ID == existing.ID {
				pos = i
				break
			}
		}
		if err = im.batch.RemoveNode(ctx, existing.ID, existing.ParentID); err != nil {
			return frame{}, err
		}
		// the removal stored its own copy of the parent
		if origParent, err = im.batch.Get(ctx, existing.ParentID); err != nil {
			return frame{}, err
		}
		n, err := im.createNode(ctx, origParent, info, info.ID, nodeType, pos)
		if err != nil {
			return frame{}, err
		}
		return active(n), nil
	}
	return frame{}, fmt.Errorf("%w: unknown uuid behavior %s", errors.ErrIllegalState, im.cfg.UUIDBehavior)
}

// checkRemovable refuses to remove the import target or one of its
// ancestors.
func (im *Importer) checkRemovable(ctx context.Context, existing *proto.NodeState) error {
	if existing.ParentID.IsNil() || existing.ID == im.targetID {
		return errors.NewItemStateError("remove existing", existing.ID, errors.ErrConstraintViolation)
	}
	ancestor, err := im.batch.IsAncestor(ctx, existing.ID, im.targetID)
	if err != nil {
		return err
	}
	if ancestor {
		return errors.NewItemStateError("remove ancestor of import target", existing.ID, errors.ErrConstraintViolation)
	}
	return nil
}

// createNode adds a node with its system properties below parent at pos,
// -1 appends.
func (im *Importer) createNode(ctx context.Context, parent *proto.NodeState, info *NodeInfo, id proto.NodeID, nodeType proto.Name, pos int) (*proto.NodeState, error) {
	n, err := im.batch.CreateNode(ctx, id, nodeType, parent.ID)
	if err != nil {
		return nil, err
	}
	for _, mixin := range info.Mixins {
		n.AddMixin(mixin)
	}
	n.Shareable = im.types.IsNodeType(nodeType, n.MixinTypeNames, proto.MixShareable)

	parent.InsertChildNodeEntry(pos, info.Name, id)
	if err = im.batch.Store(parent); err != nil {
		return nil, err
	}

	if err = im.setSystemProperty(ctx, n, proto.JCRPrimaryType, false, proto.NameValue(nodeType)); err != nil {
		return nil, err
	}
	if len(n.MixinTypeNames) > 0 {
		values := make([]proto.Value, len(n.MixinTypeNames))
		for i, mixin := range n.MixinTypeNames {
			values[i] = proto.NameValue(mixin)
		}
		if err = im.setSystemProperty(ctx, n, proto.JCRMixinTypes, true, values...); err != nil {
			return nil, err
		}
	}
	if im.types.IsNodeType(nodeType, n.MixinTypeNames, proto.MixReferenceable) {
		if err = im.setSystemProperty(ctx, n, proto.JCRUUID, false, proto.StringValue(id.String())); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// setSystemProperty sets a property the importer owns, skipping the
// definition lookup.
func (im *Importer) setSystemProperty(ctx context.Context, n *proto.NodeState, name proto.Name, multi bool, values ...proto.Value) error {
	p, err := im.batch.CreateProperty(ctx, n.ID, name, values[0].Type, multi)
	if err != nil {
		return err
	}
	if err = p.SetValues(values...); err != nil {
		return errors.Info(fmt.Errorf("%w: %w", errors.ErrConstraintViolation, err), "set system property", name, "of", n.ID)
	}
	n.AddPropertyName(name)
	if err = im.batch.Store(p); err != nil {
		return err
	}
	return im.batch.Store(n)
}

func (im *Importer) setProperties(ctx context.Context, n *proto.NodeState, props []*PropInfo) error {
	span := trace.SpanFromContextSafe(ctx)
	for _, pi := range props {
		def, err := im.types.PropertyDef(n.NodeTypeName, n.MixinTypeNames, pi.Name, pi.MultiValued)
		if err != nil {
			return err
		}
		if def.Protected {
			span.Debugf("skipping protected property %s of %s", pi.Name, n.ID)
			continue
		}
		if def.RequiredType != proto.PropertyTypeUndefined && def.RequiredType != pi.Type {
			return fmt.Errorf("%w: property %s needs type %s, got %s", errors.ErrConstraintViolation, pi.Name, def.RequiredType, pi.Type)
		}

		id := proto.NewPropertyID(n.ID, pi.Name)
		var p *proto.PropertyState
		exists, err := im.batch.HasProperty(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			if p, err = im.batch.GetProperty(ctx, id); err != nil {
				return err
			}
			p.Type, p.MultiValued = pi.Type, pi.MultiValued
		} else if p, err = im.batch.CreateProperty(ctx, n.ID, pi.Name, pi.Type, pi.MultiValued); err != nil {
			return err
		}
		values := make([]proto.Value, len(pi.Values))
		for i := range pi.Values {
			values[i] = pi.Values[i].Clone()
		}
		if err = p.SetValues(values...); err != nil {
			return errors.Info(fmt.Errorf("%w: %w", errors.ErrConstraintViolation, err), "set property", pi.Name, "of", n.ID)
		}
		if err = im.batch.Store(p); err != nil {
			return err
		}
		n.AddPropertyName(pi.Name)
		if pi.Type == proto.PropertyTypeReference {
			im.references = append(im.references, id)
		}
	}
	return im.batch.Store(n)
}

// postProcess adds the checked-out flag of a versionable node and queues
// its version history. Properties already present are kept.
func (im *Importer) postProcess(ctx context.Context, n *proto.NodeState) error {
	if !im.types.IsNodeType(n.NodeTypeName, n.MixinTypeNames, proto.MixVersionable) {
		return nil
	}
	if !n.HasPropertyName(proto.JCRIsCheckedOut) {
		if err := im.setSystemProperty(ctx, n, proto.JCRIsCheckedOut, false, proto.BooleanValue(true)); err != nil {
			return err
		}
	}
	if !n.HasPropertyName(proto.JCRVersionHistory) {
		im.versionables = append(im.versionables, n.ID)
	}
	return nil
}

// fixReferences rewrites imported reference values pointing at remapped
// ids. It runs once all nodes are known so forward references resolve.
func (im *Importer) fixReferences(ctx context.Context) error {
	if len(im.remapped) == 0 {
		return nil
	}
	for _, id := range im.references {
		p, err := im.batch.GetProperty(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrNoSuchItemState) {
				continue
			}
			return err
		}
		changed := false
		for i, v := range p.Values {
			if v.Type != proto.PropertyTypeReference {
				continue
			}
			if to, ok := im.remapped[v.Reference()]; ok {
				p.Values[i] = proto.ReferenceValue(to)
				changed = true
			}
		}
		if changed {
			if err = im.batch.Store(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// createVersionHistories returns the versionable ids whose history was
// created here, so a failed commit can drop them again.
func (im *Importer) createVersionHistories(ctx context.Context) ([]proto.NodeID, error) {
	var created []proto.NodeID
	for _, id := range im.versionables {
		n, err := im.batch.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrNoSuchItemState) {
				continue
			}
			return created, err
		}
		if n.HasPropertyName(proto.JCRVersionHistory) {
			continue
		}
		if im.versions == nil {
			return created, fmt.Errorf("%w: no version storage for %s", errors.ErrIllegalState, id)
		}
		h, fresh, err := im.versions.CreateVersionHistory(ctx, id, im.cfg.UserID)
		if err != nil {
			return created, errors.Info(err, "create version history of", id)
		}
		if fresh {
			created = append(created, id)
		}
		if err = im.setSystemProperty(ctx, n, proto.JCRVersionHistory, false, proto.ReferenceValue(h.ID)); err != nil {
			return created, err
		}
		if err = im.setSystemProperty(ctx, n, proto.JCRBaseVersion, false, proto.ReferenceValue(h.RootVersionID)); err != nil {
			return created, err
		}
		if err = im.setSystemProperty(ctx, n, proto.JCRPredecessors, true, proto.ReferenceValue(h.RootVersionID)); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (im *Importer) removeVersionHistories(ctx context.Context, ids []proto.NodeID) {
	span := trace.SpanFromContextSafe(ctx)
	for _, id := range ids {
		if err := im.versions.RemoveVersionHistory(ctx, id, im.cfg.UserID); err != nil {
			span.Warnf("remove version history of %s: %s", id, errors.Detail(err))
		}
	}
}
