package client

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/registry"
	"github.com/wolfeidau/encacl/internal/rpc"
)

// Registry is a typed client for the registry service. Failed calls return
// errors that match the registry sentinels with errors.Is.
type Registry struct {
	unary  *rpc.RegistryServiceClient
	stream *rpc.RegistryServiceClient
}

// NewRegistry creates a registry client. streamHTTP serves StreamEvents and
// should not carry a request timeout.
func NewRegistry(httpClient, streamHTTP connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Registry {
	return &Registry{
		unary:  rpc.NewRegistryServiceClient(httpClient, baseURL, opts...),
		stream: rpc.NewRegistryServiceClient(streamHTTP, baseURL, opts...),
	}
}

// Info returns the registry contract address and the caller as the server
// sees it.
func (r *Registry) Info(ctx context.Context) (*rpc.InfoResponse, error) {
	resp, err := r.unary.Info(ctx, connect.NewRequest(&rpc.InfoRequest{}))
	if err != nil {
		return nil, FromError(err)
	}
	return resp.Msg, nil
}

// Grant stores a permission from an encrypted input produced for the registry
// contract and the caller.
func (r *Registry) Grant(ctx context.Context, resourceID models.ResourceID, grantee, level ciphertext.Handle, proof []byte) (uint64, error) {
	resp, err := r.unary.Grant(ctx, connect.NewRequest(&rpc.GrantRequest{
		ResourceID:       resourceID,
		EncryptedGrantee: grantee,
		EncryptedLevel:   level,
		InputProof:       proof,
	}))
	if err != nil {
		return 0, FromError(err)
	}
	return resp.Msg.PermissionID, nil
}

func (r *Registry) Get(ctx context.Context, id uint64) (*rpc.Permission, error) {
	resp, err := r.unary.GetPermission(ctx, connect.NewRequest(&rpc.GetPermissionRequest{PermissionID: id}))
	if err != nil {
		return nil, FromError(err)
	}
	return resp.Msg.Permission, nil
}

// ListByOwner lists the permissions created by owner; a zero owner means the
// caller.
func (r *Registry) ListByOwner(ctx context.Context, owner models.Address) ([]uint64, error) {
	resp, err := r.unary.ListOwnerPermissions(ctx, connect.NewRequest(&rpc.ListOwnerPermissionsRequest{Owner: owner}))
	if err != nil {
		return nil, FromError(err)
	}
	return resp.Msg.PermissionIDs, nil
}

func (r *Registry) ListByResource(ctx context.Context, resourceID models.ResourceID) ([]uint64, error) {
	resp, err := r.unary.ListResourcePermissions(ctx, connect.NewRequest(&rpc.ListResourcePermissionsRequest{ResourceID: resourceID}))
	if err != nil {
		return nil, FromError(err)
	}
	return resp.Msg.PermissionIDs, nil
}

func (r *Registry) Evaluate(ctx context.Context, id uint64, candidate ciphertext.Handle, proof []byte) (ciphertext.Handle, error) {
	resp, err := r.unary.Evaluate(ctx, connect.NewRequest(&rpc.EvaluateRequest{
		PermissionID:       id,
		EncryptedCandidate: candidate,
		InputProof:         proof,
	}))
	if err != nil {
		return ciphertext.Zero, FromError(err)
	}
	return resp.Msg.Result, nil
}

// GetEvaluationResult reads the last result requester obtained; a zero
// requester means the caller.
func (r *Registry) GetEvaluationResult(ctx context.Context, id uint64, requester models.Address) (*rpc.GetEvaluationResultResponse, error) {
	resp, err := r.unary.GetEvaluationResult(ctx, connect.NewRequest(&rpc.GetEvaluationResultRequest{
		PermissionID: id,
		Requester:    requester,
	}))
	if err != nil {
		return nil, FromError(err)
	}
	return resp.Msg, nil
}

func (r *Registry) UpdateLevel(ctx context.Context, id uint64, level ciphertext.Handle, proof []byte) error {
	_, err := r.unary.UpdateLevel(ctx, connect.NewRequest(&rpc.UpdateLevelRequest{
		PermissionID:   id,
		EncryptedLevel: level,
		InputProof:     proof,
	}))
	return FromError(err)
}

func (r *Registry) Revoke(ctx context.Context, id uint64) error {
	_, err := r.unary.Revoke(ctx, connect.NewRequest(&rpc.RevokeRequest{PermissionID: id}))
	return FromError(err)
}

// StreamEvents calls fn for every event after from until ctx is done, fn
// returns an error or the server ends the stream.
func (r *Registry) StreamEvents(ctx context.Context, from uint64, fn func(*rpc.Event) error) error {
	stream, err := r.stream.StreamEvents(ctx, connect.NewRequest(&rpc.StreamEventsRequest{FromSequence: from}))
	if err != nil {
		return FromError(err)
	}
	defer stream.Close()

	for stream.Receive() {
		if err := fn(stream.Msg()); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return FromError(err)
	}
	return nil
}

// FromError restores the registry sentinel carried in a connect error's kind
// metadata. Other errors are returned unchanged.
func FromError(err error) error {
	if err == nil {
		return nil
	}

	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return err
	}

	if sentinel := registry.KindError(cerr.Meta().Get(rpc.ErrorKindHeader)); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, cerr.Message())
	}
	return err
}
