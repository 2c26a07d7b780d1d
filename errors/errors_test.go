package errors

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfoKeepsCause(t *testing.T) {
	cause := &ItemStateError{Op: "load bundle", ID: "n1", Err: ErrNoSuchItemState}
	err := Info(cause, "read blob of property", "title", "value", 0)

	require.ErrorIs(t, err, ErrNoSuchItemState)
	var ise *ItemStateError
	require.True(t, As(err, &ise))
	require.Equal(t, "n1", ise.ID)
	require.Equal(t, cause.Error(), err.Error())

	detail := Detail(err)
	require.Contains(t, detail, "errors_test.go:")
	require.Contains(t, detail, "read blob of property title value 0")
}

func TestInfoChain(t *testing.T) {
	err := Info(Info(os.ErrNotExist, "open blob", "b1"), "put blob", "b1")
	require.ErrorIs(t, err, os.ErrNotExist)
	detail := Detail(err)
	require.Equal(t, 2, strings.Count(detail, "errors_test.go:"))
	require.Less(t, strings.Index(detail, "put blob"), strings.Index(detail, "open blob"))
}

func TestDetailThroughTypedErrors(t *testing.T) {
	inner := Info(os.ErrPermission, "put blob", "b1")
	err := NewJournalError("append", &ItemStateError{Op: "write bundle", ID: "n1", Err: inner})
	require.ErrorIs(t, err, os.ErrPermission)
	detail := Detail(err)
	require.Contains(t, detail, "journal append:")
	require.Contains(t, detail, "write bundle n1:")
	require.Contains(t, detail, "put blob b1")
}

func TestNewJournalError(t *testing.T) {
	require.NoError(t, NewJournalError("sync", nil))
	err := NewJournalError("sync", ErrNotLocked)
	require.ErrorIs(t, err, ErrJournal)
	require.ErrorIs(t, err, ErrNotLocked)
	require.Equal(t, err, NewJournalError("unlock", err))
}
