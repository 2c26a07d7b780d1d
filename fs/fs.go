package fs

import (
	"errors"
	"io"
	"os"
	"path"
	"strings"
)

const Separator = "/"

type (
	// FileSystem is the virtual filesystem bundles, references and blobs are
	// stored in. Names are "/" separated and relative to the filesystem root.
	// Missing files and folders are reported with errors matching
	// os.ErrNotExist.
	FileSystem interface {
		Exists(name string) (bool, error)
		IsFile(name string) (bool, error)
		IsFolder(name string) (bool, error)
		Length(name string) (int64, error)
		ReadFile(name string) ([]byte, error)
		Open(name string) (io.ReadCloser, error)
		// WriteFile replaces the content of name atomically, creating parent
		// folders as needed.
		WriteFile(name string, data []byte) error
		// Create returns a writer whose content replaces name on Commit.
		Create(name string) (File, error)
		Delete(name string) error
		DeleteFolder(name string) error
		CreateFolder(name string) error
		// List returns the sorted names of the files and folders in dir.
		List(dir string) ([]string, error)
		ListFiles(dir string) ([]string, error)
		ListFolders(dir string) ([]string, error)
		Close() error
	}
	File interface {
		io.Writer
		Commit() error
		Abort() error
	}
)

// Join builds a filesystem name from elements.
func Join(elem ...string) string {
	return clean(path.Join(elem...))
}

// Parent returns the folder containing name, "" for top level names.
func Parent(name string) string {
	name = clean(name)
	i := strings.LastIndex(name, Separator)
	if i < 0 {
		return ""
	}
	return name[:i]
}

func clean(name string) string {
	return strings.Trim(path.Clean(Separator+name), Separator)
}

func notExist(op, name string) error {
	return &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
}

// IsNotExist reports whether err says a file or folder is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
