package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

type (
	// Channel replicates lock operations of one workspace.
	// *cluster.LockChannel implements it.
	Channel interface {
		Lock(ctx context.Context, id proto.NodeID, deep bool, owner string, apply func() error) error
		Unlock(ctx context.Context, id proto.NodeID, apply func() error) error
	}
	// ItemSource resolves the parent chain of a node.
	ItemSource interface {
		Get(ctx context.Context, id proto.NodeID) (*proto.NodeState, error)
	}
)

type Info struct {
	NodeID  proto.NodeID
	Deep    bool
	Owner   string
	Token   string
	Created time.Time
	// External locks were taken by another cluster member and carry no
	// token.
	External bool
}

// Manager keeps the locks of one workspace.
type Manager struct {
	workspace string
	items     ItemSource

	lock    sync.Mutex
	locks   map[proto.NodeID]*Info
	channel Channel
}

func New(workspace string, items ItemSource) *Manager {
	return &Manager{
		workspace: workspace,
		items:     items,
		locks:     make(map[proto.NodeID]*Info),
	}
}

func (m *Manager) SetChannel(ch Channel) {
	m.lock.Lock()
	m.channel = ch
	m.lock.Unlock()
}

// ancestors returns the primary parent chain of id, nearest first.
func (m *Manager) ancestors(ctx context.Context, id proto.NodeID) ([]proto.NodeID, error) {
	var ret []proto.NodeID
	for {
		n, err := m.items.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if n.ParentID.IsNil() {
			return ret, nil
		}
		ret = append(ret, n.ParentID)
		id = n.ParentID
	}
}

// holder returns the lock applying to id: its own lock or a deep lock of
// an ancestor.
func (m *Manager) holder(id proto.NodeID, ancestors []proto.NodeID) *Info {
	if info, ok := m.locks[id]; ok {
		return info
	}
	for _, a := range ancestors {
		if info, ok := m.locks[a]; ok && info.Deep {
			return info
		}
	}
	return nil
}

func (m *Manager) checkLockable(ctx context.Context, id proto.NodeID, deep bool, ancestors []proto.NodeID) error {
	if info := m.holder(id, ancestors); info != nil {
		return fmt.Errorf("%w: %s held by %s on %s", errors.ErrLocked, id, info.Owner, info.NodeID)
	}
	if !deep {
		return nil
	}
	for other := range m.locks {
		chain, err := m.ancestors(ctx, other)
		if err != nil {
			if errors.Is(err, errors.ErrNoSuchItemState) {
				continue
			}
			return err
		}
		for _, a := range chain {
			if a == id {
				return fmt.Errorf("%w: descendant %s of %s", errors.ErrLocked, other, id)
			}
		}
	}
	return nil
}

// Lock locks node id for owner. A deep lock covers the subtree and fails
// when a node below is locked.
func (m *Manager) Lock(ctx context.Context, id proto.NodeID, deep bool, owner string) (*Info, error) {
	ancestors, err := m.ancestors(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &Info{NodeID: id, Deep: deep, Owner: owner, Token: uuid.NewString(), Created: time.Now()}
	apply := func() error {
		m.lock.Lock()
		defer m.lock.Unlock()
		if err := m.checkLockable(ctx, id, deep, ancestors); err != nil {
			return err
		}
		m.locks[id] = info
		return nil
	}

	m.lock.Lock()
	ch := m.channel
	m.lock.Unlock()
	if ch != nil {
		err = ch.Lock(ctx, id, deep, owner, apply)
	} else {
		err = apply()
	}
	if err != nil {
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Debugf("workspace %q locked %s deep=%v for %s", m.workspace, id, deep, owner)
	c := *info
	return &c, nil
}

// Unlock releases the lock on id held by owner.
func (m *Manager) Unlock(ctx context.Context, id proto.NodeID, owner string) error {
	apply := func() error {
		m.lock.Lock()
		defer m.lock.Unlock()
		info, ok := m.locks[id]
		if !ok || info.Owner != owner {
			return fmt.Errorf("%w: %s", errors.ErrNotLockHolder, id)
		}
		delete(m.locks, id)
		return nil
	}

	m.lock.Lock()
	ch := m.channel
	m.lock.Unlock()
	if ch != nil {
		return ch.Unlock(ctx, id, apply)
	}
	return apply()
}

// GetLock returns the lock applying to id, ErrNotLockHolder when there is
// none.
func (m *Manager) GetLock(ctx context.Context, id proto.NodeID) (*Info, error) {
	ancestors, err := m.ancestors(ctx, id)
	if err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	info := m.holder(id, ancestors)
	if info == nil {
		return nil, fmt.Errorf("%w: %s is not locked", errors.ErrNotLockHolder, id)
	}
	c := *info
	return &c, nil
}

func (m *Manager) IsLocked(ctx context.Context, id proto.NodeID) (bool, error) {
	_, err := m.GetLock(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errors.ErrNotLockHolder) {
		return false, nil
	}
	return false, err
}

// CheckWrite fails when id is locked by someone other than owner.
func (m *Manager) CheckWrite(ctx context.Context, id proto.NodeID, owner string) error {
	info, err := m.GetLock(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrNotLockHolder) {
			return nil
		}
		return err
	}
	if info.Owner != owner {
		return fmt.Errorf("%w: %s held by %s", errors.ErrLocked, id, info.Owner)
	}
	return nil
}

func (m *Manager) ExternalLock(ctx context.Context, id proto.NodeID, deep bool, owner string) error {
	m.lock.Lock()
	m.locks[id] = &Info{NodeID: id, Deep: deep, Owner: owner, Created: time.Now(), External: true}
	m.lock.Unlock()
	return nil
}

func (m *Manager) ExternalUnlock(ctx context.Context, id proto.NodeID) error {
	m.lock.Lock()
	delete(m.locks, id)
	m.lock.Unlock()
	return nil
}
