package remote

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clinikey.org/internal/identity"
)

// ErrNotFound is returned when the service has no such user or record.
var ErrNotFound = errors.New("remote: not found")

// mapError translates a gRPC status into the identity error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", identity.ErrNetwork, err)
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", identity.ErrNetwork, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", identity.ErrNotAuthorized, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", identity.ErrServer, st.Code(), st.Message())
	}
}
