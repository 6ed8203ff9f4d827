// Package service serves the in-process dev coprocessor over connect so that
// clients can encrypt inputs and decrypt results against a dev server.
package service

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/coprocessor/mock"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/rpc"
)

var _ rpc.CoprocessorServiceHandler = (*Service)(nil)

// Service implements rpc.CoprocessorServiceHandler over a mock coprocessor.
// Encrypt and UserDecrypt act for the authenticated caller; the remaining
// operations are open to any authenticated caller.
type Service struct {
	cop *mock.Coprocessor
}

// New creates a service backed by cop.
func New(cop *mock.Coprocessor) *Service {
	return &Service{cop: cop}
}

func (s *Service) Encrypt(ctx context.Context, req *connect.Request[rpc.EncryptRequest]) (*connect.Response[rpc.EncryptResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	if len(req.Msg.Values) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("values are required"))
	}

	types := make([]ciphertext.Type, len(req.Msg.Values))
	plaintexts := make([][]byte, len(req.Msg.Values))
	for i, v := range req.Msg.Values {
		types[i] = v.Type
		plaintexts[i] = v.Plaintext
	}

	in, err := s.cop.EncryptValues(req.Msg.ContractAddress, caller, types, plaintexts)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("caller", caller.String()).
		Str("contract", req.Msg.ContractAddress.String()).
		Int("values", len(in.Handles)).
		Msg("Encrypted input")

	return connect.NewResponse(&rpc.EncryptResponse{Handles: in.Handles, InputProof: in.Proof}), nil
}

func (s *Service) VerifyAndDecode(ctx context.Context, req *connect.Request[rpc.VerifyAndDecodeRequest]) (*connect.Response[rpc.VerifyAndDecodeResponse], error) {
	handles, err := s.cop.VerifyAndDecode(ctx, req.Msg.Handles, req.Msg.InputProof, coprocessor.Context{
		ContractAddress: req.Msg.ContractAddress,
		Caller:          req.Msg.Caller,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&rpc.VerifyAndDecodeResponse{Handles: handles}), nil
}

func (s *Service) Equal(ctx context.Context, req *connect.Request[rpc.EqualRequest]) (*connect.Response[rpc.EqualResponse], error) {
	result, err := s.cop.Equal(ctx, req.Msg.A, req.Msg.B)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&rpc.EqualResponse{Result: result}), nil
}

func (s *Service) Allow(ctx context.Context, req *connect.Request[rpc.AllowRequest]) (*connect.Response[rpc.AllowResponse], error) {
	if err := s.cop.Allow(ctx, req.Msg.Handle, req.Msg.Account); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&rpc.AllowResponse{}), nil
}

func (s *Service) UserDecrypt(ctx context.Context, req *connect.Request[rpc.UserDecryptRequest]) (*connect.Response[rpc.UserDecryptResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.cop.UserDecrypt(ctx, req.Msg.Handle, caller)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&rpc.UserDecryptResponse{Plaintext: plaintext}), nil
}

func callerFrom(ctx context.Context) (models.Address, error) {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return models.Address{}, connect.NewError(connect.CodeUnauthenticated, errors.New("caller not authenticated"))
	}
	return caller, nil
}

func toConnectError(err error) error {
	var code connect.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, coprocessor.ErrInvalidProof), errors.Is(err, coprocessor.ErrOperandType):
		code = connect.CodeInvalidArgument
	case errors.Is(err, coprocessor.ErrUnknownHandle):
		code = connect.CodeNotFound
	case errors.Is(err, coprocessor.ErrDecryptForbidden):
		code = connect.CodePermissionDenied
	default:
		code = connect.CodeInternal
	}

	cerr := connect.NewError(code, err)
	if kind := coprocessor.ErrorKind(err); kind != "" {
		cerr.Meta().Set(rpc.ErrorKindHeader, kind)
	}
	return cerr
}
