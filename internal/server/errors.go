package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/encacl/internal/registry"
	"github.com/wolfeidau/encacl/internal/rpc"
)

var kindCodes = map[string]connect.Code{
	registry.KindNotFound:           connect.CodeNotFound,
	registry.KindNotOwner:           connect.CodePermissionDenied,
	registry.KindAlreadyRevoked:     connect.CodeFailedPrecondition,
	registry.KindInvalidProof:       connect.CodeInvalidArgument,
	registry.KindTypeMismatch:       connect.CodeInvalidArgument,
	registry.KindArityMismatch:      connect.CodeInvalidArgument,
	registry.KindEvaluationNotFound: connect.CodeNotFound,
}

// toConnectError maps a registry error onto a connect code and records its
// kind in the error metadata. Internal errors are logged and their detail is
// not returned to the caller.
func toConnectError(ctx context.Context, err error) error {
	kind := registry.Kind(err)

	var cerr *connect.Error
	switch {
	case kind == registry.KindCanceled:
		code := connect.CodeCanceled
		if errors.Is(err, context.DeadlineExceeded) {
			code = connect.CodeDeadlineExceeded
		}
		cerr = connect.NewError(code, err)
	case kind == registry.KindInternal:
		zerolog.Ctx(ctx).Error().Err(err).Msg("Internal registry error")
		cerr = connect.NewError(connect.CodeInternal, errors.New("internal error"))
	default:
		cerr = connect.NewError(kindCodes[kind], err)
	}

	cerr.Meta().Set(rpc.ErrorKindHeader, kind)
	return cerr
}
