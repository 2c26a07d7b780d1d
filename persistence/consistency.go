package persistence

import (
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

type InconsistencyKind string

const (
	MissingChild      InconsistencyKind = "missing-child"
	MissingParent     InconsistencyKind = "missing-parent"
	UnlinkedChild     InconsistencyKind = "unlinked-child"
	DanglingReference InconsistencyKind = "dangling-reference"
	StaleReference    InconsistencyKind = "stale-reference"
)

type Inconsistency struct {
	NodeID proto.NodeID
	Kind   InconsistencyKind
	Detail string
	Fixed  bool
}

type ConsistencyOptions struct {
	// Fix repairs what can be repaired without guessing: child entries of
	// missing nodes are dropped and stale entries of reference records are
	// removed.
	Fix bool
	// External reports targets that live outside this workspace, such as
	// version histories; references to them are not checked.
	External func(proto.NodeID) bool
}

// CheckConsistency walks all bundles and reference records and reports
// broken parent/child links and references.
func (m *Manager) CheckConsistency(ctx context.Context, opts ConsistencyOptions) ([]Inconsistency, error) {
	span := trace.SpanFromContextSafe(ctx)

	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkInitialized(); err != nil {
		return nil, err
	}

	var nodes, targets []proto.NodeID
	err := m.walk(proto.NilNodeID, func(name string) (bool, error) {
		if id, ok := parseFileName(name, nodeFileSuffix); ok {
			nodes = append(nodes, id)
		} else if id, ok := parseFileName(name, refsFileSuffix); ok {
			targets = append(targets, id)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var report []Inconsistency
	add := func(id proto.NodeID, kind InconsistencyKind, fixed bool, format string, a ...interface{}) {
		report = append(report, Inconsistency{NodeID: id, Kind: kind, Detail: fmt.Sprintf(format, a...), Fixed: fixed})
	}
	exists := func(id proto.NodeID) (bool, error) {
		return m.existsBundle(id)
	}

	for _, id := range nodes {
		b, err := m.loadBundle(ctx, id)
		if err != nil {
			span.Warnf("consistency check: bundle %s unreadable: %s", id, errors.Detail(err))
			continue
		}

		var missing []proto.NodeID
		for _, child := range b.ChildEntries {
			ok, err := exists(child.ID)
			if err != nil {
				return nil, errors.Info(err, "check child", child.ID, "of", b.ID)
			}
			if !ok {
				missing = append(missing, child.ID)
			}
		}
		if len(missing) > 0 {
			fixed := false
			if opts.Fix {
				nb := b.Clone()
				state := nb.NodeState()
				for _, c := range missing {
					state.RemoveChildNodeEntry(c)
				}
				nb.Update(state)
				if err = m.storeBundle(ctx, nb); err != nil {
					return nil, errors.Info(err, "fix child entries of", b.ID)
				}
				fixed = true
			}
			for _, c := range missing {
				add(id, MissingChild, fixed, "child %s does not exist", c)
			}
		}

		if !b.ParentID.IsNil() {
			parent, err := m.loadBundle(ctx, b.ParentID)
			switch {
			case errors.Is(err, errors.ErrNoSuchItemState):
				add(id, MissingParent, false, "parent %s does not exist", b.ParentID)
			case err != nil:
				span.Warnf("consistency check: parent %s of %s unreadable: %s", b.ParentID, id, errors.Detail(err))
			default:
				linked := false
				for _, c := range parent.ChildEntries {
					if c.ID == id {
						linked = true
						break
					}
				}
				if !linked {
					add(id, UnlinkedChild, false, "parent %s has no child entry for it", b.ParentID)
				}
			}
		}

		for _, p := range b.Properties {
			if p.Type != proto.PropertyTypeReference {
				continue
			}
			for _, v := range p.Values {
				target := v.Reference()
				if opts.External != nil && opts.External(target) {
					continue
				}
				ok, err := exists(target)
				if err != nil {
					return nil, err
				}
				if !ok {
					add(id, DanglingReference, false, "property %s references missing node %s", p.ID.Name, target)
				}
			}
		}
	}

	for _, target := range targets {
		refs, err := m.loadReferences(target)
		if err != nil {
			span.Warnf("consistency check: references of %s unreadable: %s", target, errors.Detail(err))
			continue
		}
		var stale []proto.PropertyID
		for _, ref := range refs.References {
			ok, err := m.referencesTarget(ctx, ref, target)
			if err != nil {
				return nil, err
			}
			if !ok {
				stale = append(stale, ref)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if opts.Fix {
			for _, ref := range stale {
				refs.Remove(ref)
			}
			if refs.HasReferences() {
				err = m.storeReferences(refs)
			} else {
				err = m.destroyReferences(ctx, target)
			}
			if err != nil {
				return nil, errors.Info(err, "fix references of", target)
			}
		}
		for _, ref := range stale {
			add(target, StaleReference, opts.Fix, "property %s no longer references it", ref)
		}
	}

	span.Infof("consistency check of workspace %q: %d bundles, %d reference records, %d problems",
		m.cfg.Workspace, len(nodes), len(targets), len(report))
	return report, nil
}

func (m *Manager) referencesTarget(ctx context.Context, ref proto.PropertyID, target proto.NodeID) (bool, error) {
	b, err := m.loadBundle(ctx, ref.ParentID)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchItemState) {
			return false, nil
		}
		return false, err
	}
	p := b.Property(ref.Name)
	if p == nil || p.Type != proto.PropertyTypeReference {
		return false, nil
	}
	for _, v := range p.Values {
		if v.Reference() == target {
			return true, nil
		}
	}
	return false, nil
}
