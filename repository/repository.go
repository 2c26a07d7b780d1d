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

package repository

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/cluster"
	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/importer"
	"github.com/cubefs/itemdb/journal"
	"github.com/cubefs/itemdb/journal/remote"
	"github.com/cubefs/itemdb/namespace"
	"github.com/cubefs/itemdb/nodetype"
	"github.com/cubefs/itemdb/persistence"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/state"
	"github.com/cubefs/itemdb/version"
)

// Repository assembles the workspaces, the registries, version storage and
// the optional cluster node of one repository home.
type Repository struct {
	cfg Config

	namespaces *namespace.Registry
	nodeTypes  *nodetype.Registry
	versionPM  *persistence.Manager
	versions   *version.Manager
	versionCh  *cluster.UpdateChannel
	node       *cluster.Node
	kvLog      *journal.KVLog

	lock       sync.Mutex
	workspaces map[string]*Workspace
	// created remembers workspaces of an in-memory repository, on disk the
	// workspace directory tells.
	created map[string]struct{}
	closed  bool
}

func Open(ctx context.Context, cfg Config) (r *Repository, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if err = cfg.checkAndFix(); err != nil {
		return nil, err
	}
	if cfg.Home != "" {
		if err = os.MkdirAll(cfg.path("workspaces"), 0o755); err != nil {
			return nil, errors.Info(err, "mkdir", cfg.path("workspaces"))
		}
	}

	r = &Repository{
		cfg:        cfg,
		workspaces: make(map[string]*Workspace),
		created:    make(map[string]struct{}),
	}
	defer func() {
		if err != nil {
			r.close(ctx)
		}
	}()

	if r.namespaces, err = namespace.New(namespace.Config{Path: cfg.path("namespaces.json")}); err != nil {
		return nil, errors.Info(err, "open namespace registry failed")
	}
	if r.nodeTypes, err = nodetype.New(nodetype.Config{Path: cfg.path("nodetypes.msgpack")}); err != nil {
		return nil, errors.Info(err, "open node type registry failed")
	}

	pcfg := cfg.Persistence
	pcfg.Workspace = version.Workspace
	pcfg.Dir = cfg.path("version")
	r.versionPM = persistence.New(pcfg)
	if err = r.versionPM.Init(ctx); err != nil {
		return nil, errors.Info(err, "init version persistence", pcfg.Dir)
	}
	r.versions = version.New(state.New(state.Config{Workspace: version.Workspace}, r.versionPM))
	if err = r.versions.Init(ctx); err != nil {
		return nil, errors.Info(err, "init version storage failed")
	}

	if cfg.Cluster != nil {
		if r.node, err = cluster.New(*cfg.Cluster, r.openBackend, r); err != nil {
			return nil, errors.Info(err, "new cluster node", cfg.Cluster.ID)
		}
		r.namespaces.SetReplicator(r.node)
		r.nodeTypes.SetReplicator(r.node)
		r.node.SetNamespaceListener(r.namespaces)
		r.node.SetNodeTypeListener(r.nodeTypes)
		r.node.SetWorkspaceListener(r)

		r.versionCh = r.node.UpdateChannel(version.Workspace)
		if err = r.versionCh.SetListener(r.versions.State()); err != nil {
			return nil, err
		}
		r.versions.State().SetUpdateChannel(r.versionCh)
	}

	if err = r.online(ctx, cfg.DefaultWorkspace, true); err != nil {
		return nil, errors.Info(err, "bring default workspace online", cfg.DefaultWorkspace)
	}
	if r.node != nil {
		if err = r.node.Start(ctx); err != nil {
			return nil, errors.Info(err, "start cluster node", r.node.ID())
		}
	}
	span.Infof("repository %q opened with default workspace %q", cfg.Home, cfg.DefaultWorkspace)
	return r, nil
}

func (r *Repository) openBackend(id string) (journal.Backend, error) {
	jc := r.cfg.Journal
	switch jc.Type {
	case JournalMemory:
		log := jc.MemoryLog
		if log == nil {
			log = journal.NewMemoryLog()
		}
		return journal.NewMemoryBackend(log), nil
	case JournalFile:
		return journal.NewFileBackend(id, jc.File)
	case JournalKV:
		_, ctx := trace.StartSpanFromContext(context.Background(), "")
		log, err := journal.OpenKVLog(ctx, jc.KV)
		if err != nil {
			return nil, errors.Info(err, "open kv journal of", id)
		}
		r.kvLog = log
		return journal.NewKVBackend(log, id), nil
	case JournalRemote:
		return remote.Open(id, jc.Remote)
	}
	return nil, fmt.Errorf("%w: unknown journal type %q", errors.ErrIllegalState, jc.Type)
}

func (r *Repository) Namespaces() *namespace.Registry { return r.namespaces }
func (r *Repository) NodeTypes() *nodetype.Registry   { return r.nodeTypes }
func (r *Repository) Versions() *version.Manager      { return r.versions }

// Node returns the cluster node, nil for a standalone repository.
func (r *Repository) Node() *cluster.Node { return r.node }

func (r *Repository) external(id proto.NodeID) bool {
	_, ctx := trace.StartSpanFromContext(context.Background(), "")
	ok, err := r.versions.Contains(ctx, id)
	return err == nil && ok
}

// exists reports a created workspace, online or not. Caller holds r.lock.
func (r *Repository) exists(name string) (bool, error) {
	if _, ok := r.workspaces[name]; ok {
		return true, nil
	}
	if r.cfg.Home == "" {
		_, ok := r.created[name]
		return ok, nil
	}
	_, err := os.Stat(r.cfg.workspaceDir(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// online brings a workspace up, creating it when create is set.
func (r *Repository) online(ctx context.Context, name string, create bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.onlineLocked(ctx, name, create)
}

func (r *Repository) onlineLocked(ctx context.Context, name string, create bool) error {
	if r.closed {
		return errors.ErrClosed
	}
	if _, ok := r.workspaces[name]; ok {
		return nil
	}
	ok, err := r.exists(name)
	if err != nil {
		return err
	}
	if !ok && !create {
		return fmt.Errorf("%w: %s", errors.ErrWorkspaceNotFound, name)
	}

	w, err := openWorkspace(ctx, &r.cfg, name, r.external, r.node)
	if err != nil {
		return err
	}
	r.workspaces[name] = w
	r.created[name] = struct{}{}
	trace.SpanFromContextSafe(ctx).Infof("workspace %q online", name)
	return nil
}

// WorkspaceOnline brings an existing workspace up. The cluster node calls
// it when a record arrives for a workspace nobody opened yet.
func (r *Repository) WorkspaceOnline(ctx context.Context, name string) error {
	return r.online(ctx, name, false)
}

// Workspace returns the online workspace name, bringing it up on first
// use.
func (r *Repository) Workspace(ctx context.Context, name string) (*Workspace, error) {
	if name == "" {
		name = r.cfg.DefaultWorkspace
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.onlineLocked(ctx, name, false); err != nil {
		return nil, err
	}
	return r.workspaces[name], nil
}

// WorkspaceNames lists the created workspaces.
func (r *Repository) WorkspaceNames() ([]string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	names := make(map[string]struct{}, len(r.created))
	for name := range r.created {
		names[name] = struct{}{}
	}
	if r.cfg.Home != "" {
		entries, err := os.ReadDir(r.cfg.path("workspaces"))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				names[e.Name()] = struct{}{}
			}
		}
	}
	ret := make([]string, 0, len(names))
	for name := range names {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret, nil
}

// CreateWorkspace creates and brings up workspace name on every cluster
// member.
func (r *Repository) CreateWorkspace(ctx context.Context, name string) error {
	if err := checkWorkspaceName(name); err != nil {
		return err
	}
	apply := func() error {
		r.lock.Lock()
		defer r.lock.Unlock()
		ok, err := r.exists(name)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", errors.ErrWorkspaceExists, name)
		}
		return r.onlineLocked(ctx, name, true)
	}
	if r.node != nil {
		return r.node.WorkspaceCreated(ctx, name, apply)
	}
	return apply()
}

// ExternalWorkspaceAdded creates a workspace another member created.
func (r *Repository) ExternalWorkspaceAdded(ctx context.Context, name string) error {
	if err := checkWorkspaceName(name); err != nil {
		return err
	}
	return r.online(ctx, name, true)
}

// NewImporter returns an importer below targetID of workspace name.
func (r *Repository) NewImporter(ctx context.Context, workspace string, targetID proto.NodeID, cfg importer.Config) (*importer.Importer, error) {
	w, err := r.Workspace(ctx, workspace)
	if err != nil {
		return nil, err
	}
	return importer.New(w.state, r.nodeTypes, r.versions, targetID, cfg), nil
}

func (r *Repository) Close(ctx context.Context) error {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil
	}
	r.lock.Unlock()
	return r.close(ctx)
}

func (r *Repository) close(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// stop deliveries before the workspaces go away
	if r.node != nil {
		keep(r.node.Stop(ctx))
	}

	r.lock.Lock()
	r.closed = true
	workspaces := r.workspaces
	r.workspaces = make(map[string]*Workspace)
	r.lock.Unlock()
	for name, w := range workspaces {
		if err := w.close(); err != nil {
			span.Warnf("close workspace %q: %s", name, errors.Detail(err))
			keep(err)
		}
	}

	if r.versionCh != nil {
		r.versionCh.RemoveListener()
	}
	if r.versionPM != nil {
		keep(r.versionPM.Close())
	}
	if r.kvLog != nil {
		r.kvLog.Close()
	}
	return firstErr
}
