package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

type localFS struct {
	root string
}

// NewLocal returns a FileSystem rooted at dir on the OS filesystem. Writes go
// to a temporary file that is renamed over the target.
func NewLocal(dir string) (FileSystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &localFS{root: dir}, nil
}

func (l *localFS) osPath(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(clean(name)))
}

func (l *localFS) Exists(name string) (bool, error) {
	_, err := os.Stat(l.osPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *localFS) IsFile(name string) (bool, error) {
	info, err := os.Stat(l.osPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (l *localFS) IsFolder(name string) (bool, error) {
	info, err := os.Stat(l.osPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (l *localFS) Length(name string) (int64, error) {
	info, err := os.Stat(l.osPath(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (l *localFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(l.osPath(name))
}

func (l *localFS) Open(name string) (io.ReadCloser, error) {
	return os.Open(l.osPath(name))
}

func (l *localFS) WriteFile(name string, data []byte) error {
	p := l.osPath(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(p, data, 0o644)
}

func (l *localFS) Create(name string) (File, error) {
	p := l.osPath(name)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := renameio.TempFile(dir, p)
	if err != nil {
		return nil, err
	}
	return &localFile{f: f}, nil
}

func (l *localFS) Delete(name string) error {
	p := l.osPath(name)
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("delete %s: is a folder", name)
	}
	return os.Remove(p)
}

func (l *localFS) DeleteFolder(name string) error {
	p := l.osPath(name)
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("delete folder %s: not a folder", name)
	}
	return os.RemoveAll(p)
}

func (l *localFS) CreateFolder(name string) error {
	return os.MkdirAll(l.osPath(name), 0o755)
}

func (l *localFS) List(dir string) ([]string, error) {
	return l.list(dir, func(os.DirEntry) bool { return true })
}

func (l *localFS) ListFiles(dir string) ([]string, error) {
	return l.list(dir, func(e os.DirEntry) bool { return e.Type().IsRegular() })
}

func (l *localFS) ListFolders(dir string) ([]string, error) {
	return l.list(dir, func(e os.DirEntry) bool { return e.IsDir() })
}

func (l *localFS) list(dir string, filter func(os.DirEntry) bool) ([]string, error) {
	entries, err := os.ReadDir(l.osPath(dir))
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(entries))
	for _, e := range entries {
		// pending renameio temp files
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if filter(e) {
			ret = append(ret, e.Name())
		}
	}
	return ret, nil
}

func (l *localFS) Close() error {
	return nil
}

type localFile struct {
	f *renameio.PendingFile
}

func (f *localFile) Write(p []byte) (int, error) {
	return f.f.Write(p)
}

func (f *localFile) Commit() error {
	return f.f.CloseAtomicallyReplace()
}

func (f *localFile) Abort() error {
	return f.f.Cleanup()
}
