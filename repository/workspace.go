package repository

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/cluster"
	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/lock"
	"github.com/cubefs/itemdb/persistence"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/state"
)

// Workspace is one online workspace: its persistence, shared item state
// and locks.
type Workspace struct {
	name    string
	pm      *persistence.Manager
	state   *state.Manager
	locks   *lock.Manager
	updates *cluster.UpdateChannel
	lockCh  *cluster.LockChannel
}

func (w *Workspace) Name() string                      { return w.name }
func (w *Workspace) State() *state.Manager             { return w.state }
func (w *Workspace) Locks() *lock.Manager              { return w.locks }
func (w *Workspace) Persistence() *persistence.Manager { return w.pm }

// openWorkspace brings workspace name up and attaches it to node, which
// may be nil.
func openWorkspace(ctx context.Context, cfg *Config, name string, external func(proto.NodeID) bool, node *cluster.Node) (w *Workspace, err error) {
	pcfg := cfg.Persistence
	pcfg.Workspace = name
	pcfg.Dir = cfg.workspaceDir(name)
	pm := persistence.New(pcfg)
	if err = pm.Init(ctx); err != nil {
		return nil, errors.Info(err, "init persistence of workspace", name)
	}
	defer func() {
		if err != nil {
			pm.Close()
		}
	}()

	sm := state.New(state.Config{Workspace: name, External: external}, pm)
	if err = sm.EnsureRoot(ctx, proto.RootNodeID, proto.RepRoot); err != nil {
		return nil, errors.Info(err, "ensure root of workspace", name)
	}
	w = &Workspace{name: name, pm: pm, state: sm, locks: lock.New(name, sm)}
	if node == nil {
		return w, nil
	}

	w.updates = node.UpdateChannel(name)
	if err = w.updates.SetListener(sm); err != nil {
		return nil, err
	}
	w.lockCh = node.LockChannel(name)
	if err = w.lockCh.SetListener(w.locks); err != nil {
		w.updates.RemoveListener()
		return nil, err
	}
	sm.SetUpdateChannel(w.updates)
	w.locks.SetChannel(w.lockCh)
	trace.SpanFromContextSafe(ctx).Debugf("workspace %q attached to cluster node %s", name, node.ID())
	return w, nil
}

func (w *Workspace) close() error {
	if w.updates != nil {
		w.updates.RemoveListener()
	}
	if w.lockCh != nil {
		w.lockCh.RemoveListener()
	}
	return w.pm.Close()
}
