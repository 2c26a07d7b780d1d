package repository

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/importer"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/state"
)

// Clone copies the subtree at srcID of workspace src below dstParentID of
// workspace dst as name, keeping node ids. An id already present in dst
// fails the clone unless removeExisting is set, in which case the existing
// node is removed first.
//
// Only dst is written, as one batch. The source is read without a snapshot,
// so concurrent changes to it may be partially visible in the copy.
func (r *Repository) Clone(ctx context.Context, src string, srcID proto.NodeID, dst string, dstParentID proto.NodeID, name proto.Name, removeExisting bool, userID string) error {
	span := trace.SpanFromContextSafe(ctx)
	from, err := r.Workspace(ctx, src)
	if err != nil {
		return err
	}
	behavior := importer.CollisionThrow
	if removeExisting {
		behavior = importer.CollisionRemoveExisting
	}
	im, err := r.NewImporter(ctx, dst, dstParentID, importer.Config{UUIDBehavior: behavior, UserID: userID})
	if err != nil {
		return err
	}

	if err = im.Start(ctx); err != nil {
		return err
	}
	if err = cloneTree(ctx, from.state, im, srcID, name); err != nil {
		im.Cancel(ctx)
		return err
	}
	if err = im.End(ctx); err != nil {
		return err
	}
	span.Infof("cloned %s from %q to %q below %s", srcID, src, dst, dstParentID)
	return nil
}

func cloneTree(ctx context.Context, sm *state.Manager, im *importer.Importer, id proto.NodeID, name proto.Name) error {
	n, err := sm.Get(ctx, id)
	if err != nil {
		return err
	}
	props := make([]*importer.PropInfo, 0, len(n.PropertyNames))
	for _, pname := range n.PropertyNames {
		p, err := sm.GetProperty(ctx, proto.NewPropertyID(id, pname))
		if err != nil {
			return err
		}
		props = append(props, &importer.PropInfo{
			Name:        pname,
			Type:        p.Type,
			MultiValued: p.MultiValued,
			Values:      p.Values,
		})
	}

	info := &importer.NodeInfo{
		Name:         name,
		NodeTypeName: n.NodeTypeName,
		Mixins:       n.MixinTypeNames,
		ID:           n.ID,
	}
	if err = im.StartNode(ctx, info, props); err != nil {
		return err
	}
	for _, e := range n.ChildEntries {
		if err = cloneTree(ctx, sm, im, e.ID, e.Name); err != nil {
			return err
		}
	}
	return im.EndNode(ctx, info)
}
