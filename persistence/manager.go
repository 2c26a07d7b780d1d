package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/itemdb/blob"
	"github.com/cubefs/itemdb/bundle"
	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/fs"
	"github.com/cubefs/itemdb/metrics"
	"github.com/cubefs/itemdb/proto"
	"github.com/cubefs/itemdb/util"
)

const (
	statusUninitialized int32 = iota
	statusInitialized
	statusClosed
)

// Manager stores the items of one workspace as bundles in a virtual
// filesystem. Reads share a read lock, every write holds the write lock.
type Manager struct {
	cfg    Config
	status int32

	lock      sync.RWMutex
	itemFS    fs.FileSystem
	blobStore blob.Store
	binding   *bundle.Binding
	cache     *lru.Cache[proto.NodeID, *bundle.NodePropBundle]
	loads     singleflight.Group
}

func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) Init(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	m.lock.Lock()
	defer m.lock.Unlock()
	switch atomic.LoadInt32(&m.status) {
	case statusInitialized:
		return errors.ErrAlreadyInitialized
	case statusClosed:
		return errors.ErrClosed
	}

	eh, err := bundle.ParseErrorHandling(m.cfg.ErrorHandling)
	if err != nil {
		return err
	}
	cacheSize := m.cfg.BundleCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultBundleCacheSize
	}
	cache, err := lru.New[proto.NodeID, *bundle.NodePropBundle](cacheSize)
	if err != nil {
		return errors.Info(err, "new bundle cache of size", cacheSize)
	}

	itemFS := m.cfg.FS
	if itemFS == nil {
		if m.cfg.Dir == "" {
			itemFS = fs.NewMemory()
		} else if itemFS, err = fs.NewLocal(filepath.Join(m.cfg.Dir, "data")); err != nil {
			return errors.Info(err, "open item filesystem", m.cfg.Dir)
		}
	}

	var blobFS fs.FileSystem
	switch {
	case m.cfg.BlobFSBlockSize > 0:
		blobFS = fs.Sub(itemFS, blobFolder)
	case m.cfg.Dir == "":
		blobFS = fs.NewMemory()
	default:
		if blobFS, err = fs.NewLocal(filepath.Join(m.cfg.Dir, blobFolder)); err != nil {
			itemFS.Close()
			return errors.Info(err, "open blob filesystem", m.cfg.Dir)
		}
	}

	m.itemFS = itemFS
	m.blobStore = blob.NewStore(blobFS, blob.Config{BlockSize: m.cfg.BlobFSBlockSize})
	m.binding = bundle.NewBinding(m.blobStore, m.cfg.MinBlobSize, eh)
	m.cache = cache
	atomic.StoreInt32(&m.status, statusInitialized)
	span.Infof("persistence of workspace %q initialized, dir %q, blob block size %d, error handling [%s]",
		m.cfg.Workspace, m.cfg.Dir, m.cfg.BlobFSBlockSize, eh)
	return nil
}

// Close releases the filesystems. Closing twice is an error.
func (m *Manager) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	switch atomic.LoadInt32(&m.status) {
	case statusUninitialized:
		return errors.ErrNotInitialized
	case statusClosed:
		return errors.ErrClosed
	}
	atomic.StoreInt32(&m.status, statusClosed)
	m.cache.Purge()

	err := m.blobStore.Close()
	if m.cfg.FS == nil {
		if e := m.itemFS.Close(); err == nil {
			err = e
		}
	}
	return err
}

func (m *Manager) checkInitialized() error {
	switch atomic.LoadInt32(&m.status) {
	case statusUninitialized:
		return errors.ErrNotInitialized
	case statusClosed:
		return errors.ErrClosed
	}
	return nil
}

func (m *Manager) Binding() *bundle.Binding { return m.binding }

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) record(op string, err error) {
	if errors.Is(err, errors.ErrNoSuchItemState) {
		err = nil
	}
	metrics.BundleOps.WithLabelValues(m.cfg.Workspace, op, metrics.Result(err)).Inc()
}

// LoadBundle returns a private copy of the bundle of id. A missing bundle is
// reported as ErrNoSuchItemState.
func (m *Manager) LoadBundle(ctx context.Context, id proto.NodeID) (*bundle.NodePropBundle, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if err := m.checkInitialized(); err != nil {
		return nil, err
	}
	b, err := m.loadBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// loadBundle returns the shared cached copy; callers must hold the lock and
// must not modify the result.
func (m *Manager) loadBundle(ctx context.Context, id proto.NodeID) (*bundle.NodePropBundle, error) {
	if b, ok := m.cache.Get(id); ok {
		metrics.BundleCache.WithLabelValues(m.cfg.Workspace, "hit").Inc()
		return b, nil
	}
	metrics.BundleCache.WithLabelValues(m.cfg.Workspace, "miss").Inc()

	v, err, _ := m.loads.Do(id.String(), func() (interface{}, error) {
		b, err := m.readBundle(ctx, id)
		m.record("load", err)
		if err != nil {
			return nil, err
		}
		m.cache.Add(id, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*bundle.NodePropBundle), nil
}

func (m *Manager) readBundle(ctx context.Context, id proto.NodeID) (*bundle.NodePropBundle, error) {
	r, err := m.itemFS.Open(BuildNodeFilePath(id))
	if err != nil {
		if fs.IsNotExist(err) {
			return nil, errors.NewItemStateError("load bundle", id, errors.ErrNoSuchItemState)
		}
		return nil, errors.NewItemStateError("load bundle", id, err)
	}
	defer r.Close()

	buf := util.GetBufferWriter(4096)
	defer util.PutBufferWriter(buf)
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, errors.NewItemStateError("load bundle", id, err)
	}
	b, err := m.binding.Unmarshal(ctx, buf.Bytes(), id)
	if err != nil {
		return nil, err
	}
	metrics.BundleBytes.WithLabelValues(m.cfg.Workspace).Observe(float64(b.Size))
	return b, nil
}

func (m *Manager) ExistsBundle(ctx context.Context, id proto.NodeID) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if err := m.checkInitialized(); err != nil {
		return false, err
	}
	return m.existsBundle(id)
}

func (m *Manager) existsBundle(id proto.NodeID) (bool, error) {
	if m.cache.Contains(id) {
		return true, nil
	}
	return m.itemFS.Exists(BuildNodeFilePath(id))
}

// StoreBundle writes b as one atomic file replacement.
func (m *Manager) StoreBundle(ctx context.Context, b *bundle.NodePropBundle) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkInitialized(); err != nil {
		return err
	}
	return m.storeBundle(ctx, b.Clone())
}

// storeBundle takes ownership of b.
func (m *Manager) storeBundle(ctx context.Context, b *bundle.NodePropBundle) (err error) {
	defer func() { m.record("store", err) }()

	m.cache.Remove(b.ID)
	data, err := m.binding.Marshal(ctx, b)
	if err != nil {
		return err
	}
	if err = m.itemFS.WriteFile(BuildNodeFilePath(b.ID), data); err != nil {
		return errors.NewItemStateError("store bundle", b.ID, err)
	}
	metrics.BundleBytes.WithLabelValues(m.cfg.Workspace).Observe(float64(b.Size))
	m.cache.Add(b.ID, b)
	return nil
}

// DestroyBundle deletes the bundle file and the blobs of its properties.
// Destroying an absent bundle fails with ErrNoSuchItemState.
func (m *Manager) DestroyBundle(ctx context.Context, b *bundle.NodePropBundle) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkInitialized(); err != nil {
		return err
	}
	return m.destroyBundle(ctx, b)
}

func (m *Manager) destroyBundle(ctx context.Context, b *bundle.NodePropBundle) (err error) {
	defer func() { m.record("destroy", err) }()

	m.cache.Remove(b.ID)
	p := BuildNodeFilePath(b.ID)
	if err = m.itemFS.Delete(p); err != nil {
		if fs.IsNotExist(err) {
			return errors.NewItemStateError("destroy bundle", b.ID, errors.ErrNoSuchItemState)
		}
		return errors.NewItemStateError("destroy bundle", b.ID, err)
	}
	for _, prop := range b.Properties {
		m.binding.RemoveBlobs(ctx, prop)
	}
	m.cleanupFolder(ctx, fs.Parent(p))
	return nil
}

// cleanupFolder removes empty fan-out folders bottom up. It is best effort.
func (m *Manager) cleanupFolder(ctx context.Context, dir string) {
	span := trace.SpanFromContextSafe(ctx)
	for dir != "" {
		names, err := m.itemFS.List(dir)
		if err != nil || len(names) > 0 {
			return
		}
		if err = m.itemFS.DeleteFolder(dir); err != nil {
			span.Warnf("remove empty folder %s failed: %s", dir, errors.Detail(err))
			return
		}
		dir = fs.Parent(dir)
	}
}

// LoadReferences returns the references record of target. A missing record
// is reported as ErrNoSuchItemState.
func (m *Manager) LoadReferences(ctx context.Context, target proto.NodeID) (*proto.NodeReferences, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if err := m.checkInitialized(); err != nil {
		return nil, err
	}
	return m.loadReferences(target)
}

func (m *Manager) loadReferences(target proto.NodeID) (refs *proto.NodeReferences, err error) {
	defer func() { m.record("load_refs", err) }()

	data, err := m.itemFS.ReadFile(BuildReferencesFilePath(target))
	if err != nil {
		if fs.IsNotExist(err) {
			return nil, errors.NewItemStateError("load references", target, errors.ErrNoSuchItemState)
		}
		return nil, errors.NewItemStateError("load references", target, err)
	}
	return bundle.UnmarshalReferences(data, target)
}

func (m *Manager) ExistsReferences(ctx context.Context, target proto.NodeID) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if err := m.checkInitialized(); err != nil {
		return false, err
	}
	return m.itemFS.Exists(BuildReferencesFilePath(target))
}

func (m *Manager) StoreReferences(ctx context.Context, refs *proto.NodeReferences) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkInitialized(); err != nil {
		return err
	}
	return m.storeReferences(refs)
}

func (m *Manager) storeReferences(refs *proto.NodeReferences) (err error) {
	defer func() { m.record("store_refs", err) }()
	if err = m.itemFS.WriteFile(BuildReferencesFilePath(refs.Target), bundle.MarshalReferences(refs)); err != nil {
		return errors.NewItemStateError("store references", refs.Target, err)
	}
	return nil
}

func (m *Manager) DestroyReferences(ctx context.Context, target proto.NodeID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkInitialized(); err != nil {
		return err
	}
	return m.destroyReferences(ctx, target)
}

func (m *Manager) destroyReferences(ctx context.Context, target proto.NodeID) (err error) {
	defer func() { m.record("destroy_refs", err) }()

	p := BuildReferencesFilePath(target)
	if err = m.itemFS.Delete(p); err != nil {
		if fs.IsNotExist(err) {
			return errors.NewItemStateError("destroy references", target, errors.ErrNoSuchItemState)
		}
		return errors.NewItemStateError("destroy references", target, err)
	}
	m.cleanupFolder(ctx, fs.Parent(p))
	return nil
}

// GetAllNodeIDs lists stored node ids in ascending order, starting after
// after unless it is the nil id. maxCount <= 0 means no limit.
func (m *Manager) GetAllNodeIDs(ctx context.Context, after proto.NodeID, maxCount int) ([]proto.NodeID, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if err := m.checkInitialized(); err != nil {
		return nil, err
	}

	var ids []proto.NodeID
	err := m.walk(after, func(name string) (bool, error) {
		id, ok := parseFileName(name, nodeFileSuffix)
		if !ok || (!after.IsNil() && !after.Less(id)) {
			return true, nil
		}
		ids = append(ids, id)
		return maxCount <= 0 || len(ids) < maxCount, nil
	})
	return ids, err
}

// walk visits the file names of the fan-out folders in order, skipping
// folders that sort before the folder of after. fn returns false to stop.
func (m *Manager) walk(after proto.NodeID, fn func(name string) (bool, error)) error {
	var first, second string
	if !after.IsNil() {
		s := after.String()
		first, second = s[0:2], s[2:4]
	}

	tops, err := m.itemFS.ListFolders("")
	if err != nil {
		if fs.IsNotExist(err) {
			return nil
		}
		return errors.Info(err, "list bundle folders failed")
	}
	for _, top := range tops {
		if !isFanOutFolder(top) || top < first {
			continue
		}
		subs, err := m.itemFS.ListFolders(top)
		if err != nil {
			return errors.Info(err, "list bundle folder", top)
		}
		for _, sub := range subs {
			if !isFanOutFolder(sub) || (top == first && sub < second) {
				continue
			}
			names, err := m.itemFS.ListFiles(fs.Join(top, sub))
			if err != nil {
				return errors.Info(err, "list bundle folder", fs.Join(top, sub))
			}
			for _, name := range names {
				more, err := fn(name)
				if err != nil || !more {
					return err
				}
			}
		}
	}
	return nil
}
