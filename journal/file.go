package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/cubefs/itemdb/errors"
)

const (
	lockFileName     = "journal.lock"
	revisionFileName = "journal.revision"
	segmentDir       = "segments"
	segmentSuffix    = ".log"
	frameHeaderSize  = 8

	defaultMaxSegmentSize = 4 << 20
	defaultLockRetry      = 50 * time.Millisecond
)

type FileConfig struct {
	// Dir is shared by all members of the cluster.
	Dir string `json:"dir"`
	// RevisionFile keeps this member's watermark, by default
	// Dir/instances/<journal id>.
	RevisionFile   string `json:"revision_file"`
	MaxSegmentSize int64  `json:"max_segment_size"`
	// RetainSegments bounds the number of segment files, 0 keeps all.
	RetainSegments int `json:"retain_segments"`
	LockRetryMs    int `json:"lock_retry_ms"`
}

func (cfg *FileConfig) checkAndFix(journalID string) error {
	if cfg.Dir == "" {
		return fmt.Errorf("file journal: empty dir")
	}
	if cfg.RevisionFile == "" {
		cfg.RevisionFile = filepath.Join(cfg.Dir, "instances", journalID)
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultMaxSegmentSize
	}
	return nil
}

// fileBackend stores records as crc checked frames in segment files named
// after their first revision. The global revision file is the commit point:
// frames beyond it are leftovers of a failed append and are overwritten.
type fileBackend struct {
	cfg       FileConfig
	lock      *flock.Flock
	lockRetry time.Duration

	locked    bool
	lockedRev int64

	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewFileBackend(journalID string, cfg FileConfig) (Backend, error) {
	if err := cfg.checkAndFix(journalID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, segmentDir), 0o755); err != nil {
		return nil, errors.Info(err, "mkdir", filepath.Join(cfg.Dir, segmentDir))
	}
	f := &fileBackend{
		cfg:       cfg,
		lock:      flock.New(filepath.Join(cfg.Dir, lockFileName)),
		lockRetry: defaultLockRetry,
		changes:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if cfg.LockRetryMs > 0 {
		f.lockRetry = time.Duration(cfg.LockRetryMs) * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Info(err, "new fsnotify watcher failed")
	}
	if err = watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, errors.Info(err, "watch journal dir", cfg.Dir)
	}
	f.watcher = watcher
	f.wg.Add(1)
	go f.watch()
	return f, nil
}

func (f *fileBackend) watch() {
	defer f.wg.Done()
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != revisionFileName || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case f.changes <- struct{}{}:
			default:
			}
		case _, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
		case <-f.done:
			return
		}
	}
}

func (f *fileBackend) Changes() <-chan struct{} { return f.changes }

func (f *fileBackend) revisionPath() string {
	return filepath.Join(f.cfg.Dir, revisionFileName)
}

func (f *fileBackend) Lock(ctx context.Context) (int64, error) {
	ok, err := f.lock.TryLockContext(ctx, f.lockRetry)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %v", errors.ErrLockTimeout, err)
		}
		return 0, errors.Info(err, "flock", f.lock.Path())
	}
	if !ok {
		return 0, errors.ErrLockTimeout
	}
	rev, err := readRevisionFile(f.revisionPath())
	if err != nil {
		f.lock.Unlock()
		return 0, err
	}
	f.locked = true
	f.lockedRev = rev
	return rev, nil
}

func (f *fileBackend) Append(ctx context.Context, rec *Record) (int64, error) {
	if !f.locked {
		return 0, errors.ErrNotLocked
	}
	rev := f.lockedRev + 1
	stored := *rec
	stored.Revision = rev
	payload, err := encodeRecord(&stored)
	if err != nil {
		return 0, err
	}

	segments, err := f.segments()
	if err != nil {
		return 0, err
	}
	var (
		name   string
		offset int64
	)
	if len(segments) > 0 {
		name = segments[len(segments)-1]
		if offset, err = f.validEnd(name); err != nil {
			return 0, err
		}
	}
	if name == "" || offset >= f.cfg.MaxSegmentSize {
		name, offset = segmentName(rev), 0
	}

	if err = f.writeFrame(name, offset, payload); err != nil {
		return 0, errors.Info(err, "write frame of revision", rev, "to segment", name)
	}
	if err = writeRevisionFile(f.revisionPath(), rev); err != nil {
		return 0, err
	}
	f.lockedRev = rev
	f.retain()
	return rev, nil
}

func (f *fileBackend) writeFrame(name string, offset int64, payload []byte) error {
	file, err := os.OpenFile(filepath.Join(f.cfg.Dir, segmentDir, name), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Info(err, "open segment", name)
	}
	defer file.Close()
	if err = file.Truncate(offset); err != nil {
		return errors.Info(err, "truncate segment", name, "at", offset)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)
	if _, err = file.WriteAt(frame, offset); err != nil {
		return err
	}
	return file.Sync()
}

// validEnd returns the offset behind the last committed frame of a segment.
func (f *fileBackend) validEnd(name string) (int64, error) {
	file, err := os.Open(filepath.Join(f.cfg.Dir, segmentDir, name))
	if err != nil {
		return 0, errors.Info(err, "open segment", name)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var end int64
	for {
		rec, n, err := readFrame(r)
		if err != nil {
			if err == io.EOF || err == errTornFrame {
				return end, nil
			}
			return 0, errors.Info(err, "scan segment", name, "at", end)
		}
		if rec.Revision > f.lockedRev {
			return end, nil
		}
		end += n
	}
}

// retain drops the oldest segments beyond RetainSegments. Failures leave
// the files for the next append.
func (f *fileBackend) retain() {
	if f.cfg.RetainSegments <= 0 {
		return
	}
	segments, err := f.segments()
	if err != nil {
		return
	}
	for len(segments) > f.cfg.RetainSegments {
		if err = os.Remove(filepath.Join(f.cfg.Dir, segmentDir, segments[0])); err != nil {
			return
		}
		segments = segments[1:]
	}
}

func (f *fileBackend) Unlock(ctx context.Context, successful bool) error {
	if !f.locked {
		return errors.ErrNotLocked
	}
	f.locked = false
	return f.lock.Unlock()
}

func (f *fileBackend) segments() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.cfg.Dir, segmentDir))
	if err != nil {
		return nil, errors.Info(err, "list segments", f.cfg.Dir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segmentSuffix) {
			if _, ok := segmentFirstRevision(e.Name()); ok {
				names = append(names, e.Name())
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fileBackend) Records(ctx context.Context, after int64) (RecordIterator, error) {
	limit, err := readRevisionFile(f.revisionPath())
	if err != nil {
		return nil, err
	}
	segments, err := f.segments()
	if err != nil {
		return nil, err
	}
	start := 0
	for i, name := range segments {
		if first, _ := segmentFirstRevision(name); first <= after+1 {
			start = i
		}
	}
	return &fileIterator{
		dir:      filepath.Join(f.cfg.Dir, segmentDir),
		segments: segments[start:],
		after:    after,
		limit:    limit,
	}, nil
}

func (f *fileBackend) InstanceRevision(ctx context.Context) (InstanceRevision, error) {
	return OpenFileRevision(f.cfg.RevisionFile)
}

func (f *fileBackend) Close() error {
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	if f.locked {
		f.locked = false
		f.lock.Unlock()
	}
	return err
}

func segmentName(first int64) string {
	return fmt.Sprintf("%020d%s", first, segmentSuffix)
}

func segmentFirstRevision(name string) (int64, bool) {
	rev, err := strconv.ParseInt(strings.TrimSuffix(name, segmentSuffix), 10, 64)
	return rev, err == nil
}

var errTornFrame = errors.New("torn journal frame")

// readFrame returns the record and the frame length. A short or corrupt
// frame is reported as errTornFrame.
func readFrame(r *bufio.Reader) (*Record, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, 0, errTornFrame
		}
		return nil, 0, err
	}
	size := binary.BigEndian.Uint32(header[0:4])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, errTornFrame
		}
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(header[4:8]) {
		return nil, 0, errTornFrame
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return nil, 0, errTornFrame
	}
	return rec, int64(frameHeaderSize) + int64(size), nil
}

type fileIterator struct {
	dir      string
	segments []string
	after    int64
	limit    int64

	file   *os.File
	reader *bufio.Reader
}

func (it *fileIterator) Next() (*Record, error) {
	for {
		if it.file == nil {
			if len(it.segments) == 0 {
				return nil, io.EOF
			}
			file, err := os.Open(filepath.Join(it.dir, it.segments[0]))
			it.segments = it.segments[1:]
			if err != nil {
				if os.IsNotExist(err) {
					// removed by retention
					continue
				}
				return nil, err
			}
			it.file = file
			it.reader = bufio.NewReader(file)
		}

		rec, _, err := readFrame(it.reader)
		if err == io.EOF || err == errTornFrame {
			it.closeFile()
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Revision > it.limit {
			it.segments = nil
			it.closeFile()
			return nil, io.EOF
		}
		if rec.Revision <= it.after {
			continue
		}
		return rec, nil
	}
}

func (it *fileIterator) closeFile() {
	if it.file != nil {
		it.file.Close()
		it.file = nil
		it.reader = nil
	}
}

func (it *fileIterator) Close() error {
	it.segments = nil
	it.closeFile()
	return nil
}
