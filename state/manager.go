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

package state

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/cluster"
	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/persistence"
	"github.com/cubefs/itemdb/proto"
)

type (
	// UpdateChannel replicates committed updates. *cluster.UpdateChannel
	// implements it.
	UpdateChannel interface {
		UpdateCreated(ctx context.Context, u *cluster.Update) error
		UpdatePrepared(ctx context.Context, u *cluster.Update) error
		UpdateCommitted(ctx context.Context, u *cluster.Update)
		UpdateCancelled(ctx context.Context, u *cluster.Update)
	}
	// EventDispatcher receives the events of every stored update, local or
	// external.
	EventDispatcher interface {
		Dispatch(ctx context.Context, events []proto.EventState)
	}
	// IndexQueue receives every stored change log for index maintenance.
	IndexQueue interface {
		Enqueue(ctx context.Context, changes *proto.ChangeLog)
	}
)

type Config struct {
	Workspace string
	// External reports reference targets kept outside this workspace, they
	// are exempt from the integrity check.
	External func(id proto.NodeID) bool
}

// Manager is the shared item state of one workspace. All writes go through
// Update or ExternalUpdate, which serialize on the manager lock.
type Manager struct {
	cfg Config
	pm  *persistence.Manager

	lock sync.RWMutex

	listenerLock sync.RWMutex
	channel      UpdateChannel
	dispatchers  []EventDispatcher
	index        IndexQueue
}

func New(cfg Config, pm *persistence.Manager) *Manager {
	if cfg.Workspace == "" {
		cfg.Workspace = pm.Config().Workspace
	}
	return &Manager{cfg: cfg, pm: pm}
}

func (m *Manager) Workspace() string { return m.cfg.Workspace }

func (m *Manager) Persistence() *persistence.Manager { return m.pm }

func (m *Manager) SetUpdateChannel(ch UpdateChannel) {
	m.listenerLock.Lock()
	m.channel = ch
	m.listenerLock.Unlock()
}

func (m *Manager) AddEventDispatcher(d EventDispatcher) {
	m.listenerLock.Lock()
	m.dispatchers = append(m.dispatchers, d)
	m.listenerLock.Unlock()
}

func (m *Manager) SetIndexQueue(q IndexQueue) {
	m.listenerLock.Lock()
	m.index = q
	m.listenerLock.Unlock()
}

func (m *Manager) updateChannel() UpdateChannel {
	m.listenerLock.RLock()
	defer m.listenerLock.RUnlock()
	return m.channel
}

func (m *Manager) Get(ctx context.Context, id proto.NodeID) (*proto.NodeState, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.pm.Load(ctx, id)
}

func (m *Manager) GetProperty(ctx context.Context, id proto.PropertyID) (*proto.PropertyState, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.pm.LoadProperty(ctx, id)
}

func (m *Manager) Has(ctx context.Context, id proto.NodeID) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.pm.Exists(ctx, id)
}

func (m *Manager) HasProperty(ctx context.Context, id proto.PropertyID) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.pm.ExistsProperty(ctx, id)
}

// GetReferences returns the references to target, an empty set when there
// are none.
func (m *Manager) GetReferences(ctx context.Context, target proto.NodeID) (*proto.NodeReferences, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.loadReferences(ctx, target)
}

func (m *Manager) loadReferences(ctx context.Context, target proto.NodeID) (*proto.NodeReferences, error) {
	refs, err := m.pm.LoadReferences(ctx, target)
	if err != nil {
		if errors.Is(err, errors.ErrNoSuchItemState) {
			return proto.NewNodeReferences(target), nil
		}
		return nil, err
	}
	return refs, nil
}

// EnsureRoot creates the root node of the workspace when it is missing.
// Every member bootstraps its own root, so the write is not replicated.
func (m *Manager) EnsureRoot(ctx context.Context, id proto.NodeID, nodeType proto.Name) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	ok, err := m.pm.Exists(ctx, id)
	if err != nil || ok {
		return err
	}
	root := proto.NewNodeState(id, nodeType, proto.NodeID{})
	root.AddPropertyName(proto.JCRPrimaryType)
	primary := proto.NewPropertyState(proto.NewPropertyID(id, proto.JCRPrimaryType), proto.PropertyTypeName, false)
	primary.Values = []proto.Value{proto.NameValue(nodeType)}

	changes := proto.NewChangeLog()
	changes.Added(root)
	changes.Added(primary)
	if err = m.pm.Store(ctx, changes); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("workspace %q created root node %s", m.cfg.Workspace, id)
	return nil
}

// Update stores a local change log. The journal is locked and synced before
// the manager lock is taken, the record is written while the manager lock
// is held and appended after the states are stored. A replication failure
// never fails the local update.
func (m *Manager) Update(ctx context.Context, changes *proto.ChangeLog, userID string) error {
	span := trace.SpanFromContextSafe(ctx)
	u := &cluster.Update{Changes: changes, UserID: userID}

	ch := m.updateChannel()
	if ch != nil {
		if err := ch.UpdateCreated(ctx, u); err != nil {
			span.Warnf("workspace %q update will not be replicated: %s", m.cfg.Workspace, errors.Detail(err))
		}
	}

	err := m.store(ctx, u, ch)
	if err != nil {
		if ch != nil {
			ch.UpdateCancelled(ctx, u)
		}
		return err
	}
	if ch != nil {
		ch.UpdateCommitted(ctx, u)
	}
	m.dispatch(ctx, changes, u.Events)
	return nil
}

func (m *Manager) store(ctx context.Context, u *cluster.Update, ch UpdateChannel) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.updateReferences(ctx, u.Changes); err != nil {
		return err
	}
	if err := m.checkReferentialIntegrity(ctx, u.Changes); err != nil {
		return err
	}
	events, err := m.createEvents(ctx, u.Changes, u.UserID)
	if err != nil {
		return err
	}
	u.Events = events

	if ch != nil {
		if err = ch.UpdatePrepared(ctx, u); err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("workspace %q update will not be replicated: %s", m.cfg.Workspace, errors.Detail(err))
		}
	}
	return m.pm.Store(ctx, u.Changes)
}

// ExternalUpdate applies a change log replicated from another member. The
// record already carries the reference records, so states are stored as
// they are.
func (m *Manager) ExternalUpdate(ctx context.Context, changes *proto.ChangeLog, events []proto.EventState) error {
	m.lock.Lock()
	err := m.pm.Store(ctx, changes)
	m.lock.Unlock()
	if err != nil {
		return err
	}
	m.dispatch(ctx, changes, events)
	return nil
}

func (m *Manager) dispatch(ctx context.Context, changes *proto.ChangeLog, events []proto.EventState) {
	m.listenerLock.RLock()
	dispatchers := append([]EventDispatcher(nil), m.dispatchers...)
	index := m.index
	m.listenerLock.RUnlock()

	if len(events) > 0 {
		for _, d := range dispatchers {
			d.Dispatch(ctx, events)
		}
	}
	if index != nil {
		index.Enqueue(ctx, changes)
	}
}
