package errors

import (
	"errors"
	"fmt"

	cerrors "github.com/cubefs/cubefs/blobstore/util/errors"
)

var (
	ErrNoSuchItemState      = errors.New("no such item state")
	ErrItemStateExists      = errors.New("item state already exists")
	ErrCorruptData          = errors.New("corrupt data")
	ErrIllegalState         = errors.New("illegal state")
	ErrNotInitialized       = fmt.Errorf("%w: not initialized", ErrIllegalState)
	ErrAlreadyInitialized   = fmt.Errorf("%w: already initialized", ErrIllegalState)
	ErrClosed               = fmt.Errorf("%w: closed", ErrIllegalState)
	ErrImportAborted        = fmt.Errorf("%w: import aborted", ErrIllegalState)
	ErrItemExists           = errors.New("item exists")
	ErrConstraintViolation  = errors.New("constraint violation")
	ErrReferentialIntegrity = errors.New("referential integrity violated")
	ErrInvalidItemState     = errors.New("invalid item state")

	ErrJournal         = errors.New("journal error")
	ErrLockTimeout     = errors.New("lock acquisition timed out")
	ErrNotLocked       = errors.New("journal not locked")
	ErrLeaseExpired    = errors.New("lock lease expired")
	ErrDuplicateID     = errors.New("duplicate registration id")
	ErrUnknownRecord   = errors.New("unknown record kind")
	ErrNoListener      = errors.New("no listener registered")
	ErrClusterStopped  = errors.New("cluster node stopped")
	ErrInvalidRevision = errors.New("invalid revision")

	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrWorkspaceExists   = errors.New("workspace already exists")
	ErrNodeTypeNotFound  = errors.New("node type not found")
	ErrNodeTypeExists    = errors.New("node type already registered")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrNamespaceExists   = errors.New("namespace prefix already mapped")
	ErrLocked            = errors.New("node is locked")
	ErrNotLockHolder     = errors.New("node is not locked by caller")
)

// ItemStateError carries the id of the item an operation failed on.
type ItemStateError struct {
	Op  string
	ID  string
	Err error
}

func (e *ItemStateError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *ItemStateError) Unwrap() error { return e.Err }

// Details keeps the annotations of Err visible to Detail.
func (e *ItemStateError) Details() string {
	return " --> " + e.Op + " " + e.ID + ":" + cerrors.Detail(e.Err)
}

func NewItemStateError(op string, id fmt.Stringer, err error) error {
	return &ItemStateError{Op: op, ID: id.String(), Err: err}
}

// JournalError is returned for every journal failure, so that lock timeouts
// and storage failures are handled the same way by callers.
type JournalError struct {
	Op  string
	Err error
}

func (e *JournalError) Error() string {
	return fmt.Sprintf("journal %s: %v", e.Op, e.Err)
}

func (e *JournalError) Unwrap() error { return e.Err }

func (e *JournalError) Details() string {
	return " --> journal " + e.Op + ":" + cerrors.Detail(e.Err)
}

func (e *JournalError) Is(target error) bool { return target == ErrJournal }

func NewJournalError(op string, err error) error {
	if err == nil {
		return nil
	}
	var je *JournalError
	if errors.As(err, &je) {
		return err
	}
	return &JournalError{Op: op, Err: err}
}

func New(text string) error { return errors.New(text) }

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

// Info annotates err with the caller's position and a message shown by
// Detail. Error() and errors.Is still see err.
func Info(err error, a ...interface{}) error { return cerrors.InfoEx(3, err, a...) }

// Detail renders err with its annotation chain for logging.
func Detail(err error) string { return cerrors.Detail(err) }
