package remote

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cubefs/itemdb/errors"
)

var codeErrors = []struct {
	err  error
	code codes.Code
}{
	{errors.ErrLockTimeout, codes.DeadlineExceeded},
	{errors.ErrNotLocked, codes.FailedPrecondition},
	{errors.ErrLeaseExpired, codes.Aborted},
	{errors.ErrCorruptData, codes.DataLoss},
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return status.Error(ce.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus maps a call error back to the journal sentinels. Cancelled and
// expired calls count as lock timeouts so callers retry them.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.ErrLockTimeout
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return errors.ErrLockTimeout
	case codes.Unavailable:
		return errors.Info(err, "journal server unavailable")
	}
	for _, ce := range codeErrors {
		if st.Code() == ce.code {
			return ce.err
		}
	}
	return err
}
