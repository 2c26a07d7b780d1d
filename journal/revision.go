package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"

	"github.com/cubefs/itemdb/errors"
)

// InstanceRevision stores the revision up to which this instance has
// applied the journal.
type InstanceRevision interface {
	Get(ctx context.Context) (int64, error)
	Set(ctx context.Context, rev int64) error
	Close() error
}

type fileRevision struct {
	lock sync.Mutex
	path string
	rev  int64
}

// OpenFileRevision reads the revision kept in path, 0 when the file does
// not exist yet. Updates replace the file atomically.
func OpenFileRevision(path string) (InstanceRevision, error) {
	rev, err := readRevisionFile(path)
	if err != nil {
		return nil, err
	}
	return &fileRevision{path: path, rev: rev}, nil
}

func (f *fileRevision) Get(ctx context.Context) (int64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rev, nil
}

func (f *fileRevision) Set(ctx context.Context, rev int64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := writeRevisionFile(f.path, rev); err != nil {
		return err
	}
	f.rev = rev
	return nil
}

func (f *fileRevision) Close() error { return nil }

func readRevisionFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Info(err, "read revision file", path)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("revision file %s has %d bytes", path, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func writeRevisionFile(path string, rev int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Info(err, "mkdir", filepath.Dir(path))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(rev))
	if err := renameio.WriteFile(path, buf[:], 0o644); err != nil {
		return errors.Info(err, "write revision file", path)
	}
	return nil
}

type memoryRevision struct {
	lock sync.Mutex
	rev  int64
}

func NewMemoryRevision() InstanceRevision {
	return &memoryRevision{}
}

func (m *memoryRevision) Get(ctx context.Context) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.rev, nil
}

func (m *memoryRevision) Set(ctx context.Context, rev int64) error {
	m.lock.Lock()
	m.rev = rev
	m.lock.Unlock()
	return nil
}

func (m *memoryRevision) Close() error { return nil }
