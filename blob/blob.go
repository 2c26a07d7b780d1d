package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/fs"
	"github.com/cubefs/itemdb/metrics"
	"github.com/cubefs/itemdb/proto"
)

// Store keeps property values that are too large to be inlined in a bundle.
// Blob ids are derived from the property id and the value index, so storing
// a value again under the same id replaces it.
type Store interface {
	CreateID(id proto.PropertyID, index int) string
	Put(ctx context.Context, blobID string, r io.Reader, size int64) error
	Get(ctx context.Context, blobID string) (io.ReadCloser, error)
	Remove(ctx context.Context, blobID string) (bool, error)
	Close() error
}

type Config struct {
	// BlockSize 0 stores each blob as one file; a positive size splits blobs
	// into files of at most BlockSize bytes.
	BlockSize int `json:"block_size"`
}

type fsStore struct {
	fs        fs.FileSystem
	blockSize int
}

// NewStore returns a blob store on top of a virtual filesystem.
func NewStore(f fs.FileSystem, cfg Config) Store {
	if cfg.BlockSize > 0 {
		return &chunkedStore{fsStore{fs: f, blockSize: cfg.BlockSize}}
	}
	return &fsStore{fs: f}
}

// CreateID fans out by the first two bytes of the owning node id, then names
// the blob after node id, escaped property name and value index.
func (s *fsStore) CreateID(id proto.PropertyID, index int) string {
	node := id.ParentID.String()
	var sb strings.Builder
	sb.WriteString(node[0:2])
	sb.WriteString(fs.Separator)
	sb.WriteString(node[2:4])
	sb.WriteString(fs.Separator)
	sb.WriteString(node)
	sb.WriteByte('.')
	sb.WriteString(url.PathEscape(id.Name.String()))
	sb.WriteByte('.')
	sb.WriteString(strconv.Itoa(index))
	return sb.String()
}

func (s *fsStore) Put(ctx context.Context, blobID string, r io.Reader, size int64) error {
	span := trace.SpanFromContextSafe(ctx)
	f, err := s.fs.Create(blobID)
	if err != nil {
		return errors.Info(err, "create blob", blobID)
	}
	n, err := io.Copy(f, r)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("blob %s: wrote %d bytes, expected %d", blobID, n, size)
	}
	if err != nil {
		if aerr := f.Abort(); aerr != nil {
			span.Warnf("abort blob %s failed: %s", blobID, aerr)
		}
		return errors.Info(err, "write blob", blobID)
	}
	metrics.BlobBytes.WithLabelValues("write").Add(float64(n))
	if err = f.Commit(); err != nil {
		return errors.Info(err, "commit blob", blobID)
	}
	return nil
}

func (s *fsStore) Get(ctx context.Context, blobID string) (io.ReadCloser, error) {
	r, err := s.fs.Open(blobID)
	if err != nil {
		return nil, errors.Info(err, "open blob", blobID)
	}
	return &countingReader{r: r}, nil
}

func (s *fsStore) Remove(ctx context.Context, blobID string) (bool, error) {
	err := s.fs.Delete(blobID)
	if err != nil {
		if fs.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fsStore) Close() error {
	return s.fs.Close()
}

// chunkedStore turns a blob id into a folder holding numbered block files.
type chunkedStore struct {
	fsStore
}

func chunkName(blobID string, n int) string {
	return fs.Join(blobID, fmt.Sprintf("%08d", n))
}

func (s *chunkedStore) Put(ctx context.Context, blobID string, r io.Reader, size int64) error {
	if _, err := s.Remove(ctx, blobID); err != nil {
		return err
	}
	if err := s.fs.CreateFolder(blobID); err != nil {
		return errors.Info(err, "create blob folder", blobID)
	}

	buf := make([]byte, s.blockSize)
	var total int64
	for n := 0; ; n++ {
		read, err := io.ReadFull(r, buf)
		if read > 0 {
			if werr := s.fs.WriteFile(chunkName(blobID, n), buf[:read]); werr != nil {
				return errors.Info(werr, "write blob block", chunkName(blobID, n))
			}
			total += int64(read)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return errors.Info(err, "read blob source", blobID)
		}
	}
	if size >= 0 && total != size {
		return fmt.Errorf("blob %s: wrote %d bytes, expected %d", blobID, total, size)
	}
	metrics.BlobBytes.WithLabelValues("write").Add(float64(total))
	return nil
}

func (s *chunkedStore) Get(ctx context.Context, blobID string) (io.ReadCloser, error) {
	chunks, err := s.fs.ListFiles(blobID)
	if err != nil {
		return nil, errors.Info(err, "list blob blocks", blobID)
	}
	return &countingReader{r: &chunkReader{fs: s.fs, blobID: blobID, chunks: chunks}}, nil
}

func (s *chunkedStore) Remove(ctx context.Context, blobID string) (bool, error) {
	err := s.fs.DeleteFolder(blobID)
	if err != nil {
		if fs.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// chunkReader opens block files one at a time.
type chunkReader struct {
	fs      fs.FileSystem
	blobID  string
	chunks  []string
	current io.ReadCloser
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for {
		if c.current == nil {
			if len(c.chunks) == 0 {
				return 0, io.EOF
			}
			r, err := c.fs.Open(fs.Join(c.blobID, c.chunks[0]))
			if err != nil {
				return 0, err
			}
			c.chunks = c.chunks[1:]
			c.current = r
		}
		n, err := c.current.Read(p)
		if err == io.EOF {
			c.current.Close()
			c.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *chunkReader) Close() error {
	if c.current != nil {
		return c.current.Close()
	}
	return nil
}

type countingReader struct {
	r io.ReadCloser
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	metrics.BlobBytes.WithLabelValues("read").Add(float64(n))
	return n, err
}

func (c *countingReader) Close() error {
	return c.r.Close()
}
