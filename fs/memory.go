package fs

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

const memoryDegree = 32

type memEntry struct {
	name   string
	folder bool
	data   []byte
}

func (e *memEntry) Less(than btree.Item) bool {
	return e.name < than.(*memEntry).name
}

func (e *memEntry) Copy() btree.Item {
	c := *e
	return &c
}

// memoryFS keeps every file and folder in one ordered tree keyed by name,
// so listing a folder is a range scan.
type memoryFS struct {
	lock   sync.RWMutex
	tree   *btree.BTree
	closed bool
}

func NewMemory() FileSystem {
	m := &memoryFS{tree: btree.New(memoryDegree)}
	m.tree.ReplaceOrInsert(&memEntry{name: "", folder: true})
	return m
}

func (m *memoryFS) get(name string) *memEntry {
	item := m.tree.Get(&memEntry{name: name})
	if item == nil {
		return nil
	}
	return item.(*memEntry)
}

func (m *memoryFS) Exists(name string) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.get(clean(name)) != nil, nil
}

func (m *memoryFS) IsFile(name string) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	e := m.get(clean(name))
	return e != nil && !e.folder, nil
}

func (m *memoryFS) IsFolder(name string) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	e := m.get(clean(name))
	return e != nil && e.folder, nil
}

func (m *memoryFS) Length(name string) (int64, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	e := m.get(clean(name))
	if e == nil || e.folder {
		return 0, notExist("length", name)
	}
	return int64(len(e.data)), nil
}

func (m *memoryFS) ReadFile(name string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	e := m.get(clean(name))
	if e == nil || e.folder {
		return nil, notExist("read", name)
	}
	ret := make([]byte, len(e.data))
	copy(ret, e.data)
	return ret, nil
}

func (m *memoryFS) Open(name string) (io.ReadCloser, error) {
	data, err := m.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryFS) WriteFile(name string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	name = clean(name)
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.mkdirs(Parent(name)); err != nil {
		return err
	}
	if e := m.get(name); e != nil && e.folder {
		return fmt.Errorf("write %s: is a folder", name)
	}
	m.tree.ReplaceOrInsert(&memEntry{name: name, data: buf})
	return nil
}

func (m *memoryFS) Create(name string) (File, error) {
	return &memFile{fs: m, name: name}, nil
}

func (m *memoryFS) Delete(name string) error {
	name = clean(name)
	m.lock.Lock()
	defer m.lock.Unlock()
	e := m.get(name)
	if e == nil {
		return notExist("delete", name)
	}
	if e.folder {
		return fmt.Errorf("delete %s: is a folder", name)
	}
	m.tree.Delete(e)
	return nil
}

func (m *memoryFS) DeleteFolder(name string) error {
	name = clean(name)
	m.lock.Lock()
	defer m.lock.Unlock()
	e := m.get(name)
	if e == nil {
		return notExist("delete folder", name)
	}
	if !e.folder {
		return fmt.Errorf("delete folder %s: not a folder", name)
	}

	var doomed []btree.Item
	prefix := name + Separator
	m.tree.AscendGreaterOrEqual(&memEntry{name: prefix}, func(i btree.Item) bool {
		if !strings.HasPrefix(i.(*memEntry).name, prefix) {
			return false
		}
		doomed = append(doomed, i)
		return true
	})
	for _, i := range doomed {
		m.tree.Delete(i)
	}
	if name != "" {
		m.tree.Delete(e)
	}
	return nil
}

func (m *memoryFS) CreateFolder(name string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.mkdirs(clean(name))
}

func (m *memoryFS) mkdirs(name string) error {
	for {
		e := m.get(name)
		if e != nil {
			if !e.folder {
				return fmt.Errorf("mkdir %s: is a file", name)
			}
			return nil
		}
		m.tree.ReplaceOrInsert(&memEntry{name: name, folder: true})
		if name == "" {
			return nil
		}
		name = Parent(name)
	}
}

func (m *memoryFS) List(dir string) ([]string, error) {
	return m.list(dir, func(*memEntry) bool { return true })
}

func (m *memoryFS) ListFiles(dir string) ([]string, error) {
	return m.list(dir, func(e *memEntry) bool { return !e.folder })
}

func (m *memoryFS) ListFolders(dir string) ([]string, error) {
	return m.list(dir, func(e *memEntry) bool { return e.folder })
}

func (m *memoryFS) list(dir string, filter func(*memEntry) bool) ([]string, error) {
	dir = clean(dir)
	m.lock.RLock()
	defer m.lock.RUnlock()
	e := m.get(dir)
	if e == nil || !e.folder {
		return nil, notExist("list", dir)
	}

	prefix := ""
	if dir != "" {
		prefix = dir + Separator
	}
	var ret []string
	m.tree.AscendGreaterOrEqual(&memEntry{name: prefix}, func(i btree.Item) bool {
		entry := i.(*memEntry)
		if !strings.HasPrefix(entry.name, prefix) {
			return false
		}
		rest := entry.name[len(prefix):]
		if rest == "" || strings.Contains(rest, Separator) {
			return true
		}
		if filter(entry) {
			ret = append(ret, rest)
		}
		return true
	})
	return ret, nil
}

func (m *memoryFS) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return fmt.Errorf("memory filesystem already closed")
	}
	m.closed = true
	return nil
}

type memFile struct {
	fs   *memoryFS
	name string
	buf  bytes.Buffer
}

func (f *memFile) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

func (f *memFile) Commit() error {
	return f.fs.WriteFile(f.name, f.buf.Bytes())
}

func (f *memFile) Abort() error {
	f.buf.Reset()
	return nil
}
