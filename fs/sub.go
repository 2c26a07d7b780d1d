package fs

import "io"

type subFS struct {
	parent FileSystem
	prefix string
}

// Sub returns a view of the folder prefix of parent. Closing the view does
// not close parent.
func Sub(parent FileSystem, prefix string) FileSystem {
	return &subFS{parent: parent, prefix: clean(prefix)}
}

func (s *subFS) name(n string) string { return Join(s.prefix, n) }

func (s *subFS) Exists(n string) (bool, error)       { return s.parent.Exists(s.name(n)) }
func (s *subFS) IsFile(n string) (bool, error)       { return s.parent.IsFile(s.name(n)) }
func (s *subFS) IsFolder(n string) (bool, error)     { return s.parent.IsFolder(s.name(n)) }
func (s *subFS) Length(n string) (int64, error)      { return s.parent.Length(s.name(n)) }
func (s *subFS) ReadFile(n string) ([]byte, error)   { return s.parent.ReadFile(s.name(n)) }
func (s *subFS) Open(n string) (io.ReadCloser, error) { return s.parent.Open(s.name(n)) }
func (s *subFS) WriteFile(n string, data []byte) error {
	return s.parent.WriteFile(s.name(n), data)
}
func (s *subFS) Create(n string) (File, error)          { return s.parent.Create(s.name(n)) }
func (s *subFS) Delete(n string) error                  { return s.parent.Delete(s.name(n)) }
func (s *subFS) DeleteFolder(n string) error            { return s.parent.DeleteFolder(s.name(n)) }
func (s *subFS) CreateFolder(n string) error            { return s.parent.CreateFolder(s.name(n)) }
func (s *subFS) List(dir string) ([]string, error)      { return s.parent.List(s.name(dir)) }
func (s *subFS) ListFiles(dir string) ([]string, error) { return s.parent.ListFiles(s.name(dir)) }
func (s *subFS) ListFolders(dir string) ([]string, error) {
	return s.parent.ListFolders(s.name(dir))
}
func (s *subFS) Close() error { return nil }
