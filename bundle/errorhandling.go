package bundle

import (
	"fmt"
	"strings"
)

const (
	IgnoreMissingBlobs  = "IGN_MISSING_BLOBS"
	IgnoreInvalidValues = "IGN_INVALID_VALUES"
	Lenient             = "lenient"
)

// ErrorHandling decides what a bundle read does with data it cannot use.
// The zero value is strict: every problem is an error.
type ErrorHandling struct {
	ignoreMissingBlobs  bool
	ignoreInvalidValues bool
}

// ParseErrorHandling accepts a comma or pipe separated list of flags;
// "lenient" turns all of them on.
func ParseErrorHandling(s string) (ErrorHandling, error) {
	var eh ErrorHandling
	for _, flag := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' || r == ' ' }) {
		switch flag {
		case IgnoreMissingBlobs:
			eh.ignoreMissingBlobs = true
		case IgnoreInvalidValues:
			eh.ignoreInvalidValues = true
		case Lenient:
			eh.ignoreMissingBlobs = true
			eh.ignoreInvalidValues = true
		default:
			return ErrorHandling{}, fmt.Errorf("unknown error handling flag %q", flag)
		}
	}
	return eh, nil
}

func (e ErrorHandling) IgnoreMissingBlobs() bool  { return e.ignoreMissingBlobs }
func (e ErrorHandling) IgnoreInvalidValues() bool { return e.ignoreInvalidValues }

func (e ErrorHandling) String() string {
	var flags []string
	if e.ignoreMissingBlobs {
		flags = append(flags, IgnoreMissingBlobs)
	}
	if e.ignoreInvalidValues {
		flags = append(flags, IgnoreInvalidValues)
	}
	return strings.Join(flags, ",")
}
