package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/registry"
	"github.com/wolfeidau/encacl/internal/rpc"
)

var _ rpc.RegistryServiceHandler = &RegistryServer{}

// RegistryServer exposes the registry over connect. The caller of every
// operation is the authenticated token subject.
type RegistryServer struct {
	registry *registry.Registry
	events   *events.Log
}

func NewRegistryServer(reg *registry.Registry, eventLog *events.Log) *RegistryServer {
	return &RegistryServer{
		registry: reg,
		events:   eventLog,
	}
}

func (s *RegistryServer) Info(ctx context.Context, _ *connect.Request[rpc.InfoRequest]) (*connect.Response[rpc.InfoResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&rpc.InfoResponse{
		ContractAddress: s.registry.Address(),
		Caller:          caller,
	}), nil
}

func (s *RegistryServer) Grant(ctx context.Context, req *connect.Request[rpc.GrantRequest]) (*connect.Response[rpc.GrantResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	id, err := s.registry.Grant(ctx, registry.GrantInput{
		ResourceID:       req.Msg.ResourceID,
		EncryptedGrantee: req.Msg.EncryptedGrantee,
		EncryptedLevel:   req.Msg.EncryptedLevel,
		Proof:            req.Msg.InputProof,
		Caller:           caller,
	})
	if err != nil {
		return nil, toConnectError(ctx, err)
	}

	return connect.NewResponse(&rpc.GrantResponse{PermissionID: id}), nil
}

func (s *RegistryServer) GetPermission(ctx context.Context, req *connect.Request[rpc.GetPermissionRequest]) (*connect.Response[rpc.GetPermissionResponse], error) {
	p, err := s.registry.Get(ctx, req.Msg.PermissionID)
	if err != nil {
		return nil, toConnectError(ctx, err)
	}
	return connect.NewResponse(&rpc.GetPermissionResponse{Permission: rpc.PermissionFromModel(p)}), nil
}

func (s *RegistryServer) ListOwnerPermissions(ctx context.Context, req *connect.Request[rpc.ListOwnerPermissionsRequest]) (*connect.Response[rpc.ListOwnerPermissionsResponse], error) {
	owner := req.Msg.Owner
	if owner.IsZero() {
		caller, err := callerFrom(ctx)
		if err != nil {
			return nil, err
		}
		owner = caller
	}

	ids, err := s.registry.ListByOwner(ctx, owner)
	if err != nil {
		return nil, toConnectError(ctx, err)
	}
	return connect.NewResponse(&rpc.ListOwnerPermissionsResponse{PermissionIDs: ids}), nil
}

func (s *RegistryServer) ListResourcePermissions(ctx context.Context, req *connect.Request[rpc.ListResourcePermissionsRequest]) (*connect.Response[rpc.ListResourcePermissionsResponse], error) {
	ids, err := s.registry.ListByResource(ctx, req.Msg.ResourceID)
	if err != nil {
		return nil, toConnectError(ctx, err)
	}
	return connect.NewResponse(&rpc.ListResourcePermissionsResponse{PermissionIDs: ids}), nil
}

func (s *RegistryServer) Evaluate(ctx context.Context, req *connect.Request[rpc.EvaluateRequest]) (*connect.Response[rpc.EvaluateResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.registry.Evaluate(ctx, registry.EvaluateInput{
		PermissionID:       req.Msg.PermissionID,
		EncryptedCandidate: req.Msg.EncryptedCandidate,
		Proof:              req.Msg.InputProof,
		Caller:             caller,
	})
	if err != nil {
		return nil, toConnectError(ctx, err)
	}

	return connect.NewResponse(&rpc.EvaluateResponse{Result: result}), nil
}

func (s *RegistryServer) GetEvaluationResult(ctx context.Context, req *connect.Request[rpc.GetEvaluationResultRequest]) (*connect.Response[rpc.GetEvaluationResultResponse], error) {
	requester := req.Msg.Requester
	if requester.IsZero() {
		caller, err := callerFrom(ctx)
		if err != nil {
			return nil, err
		}
		requester = caller
	}

	res, err := s.registry.GetEvaluationResult(ctx, req.Msg.PermissionID, requester)
	if err != nil {
		return nil, toConnectError(ctx, err)
	}

	return connect.NewResponse(&rpc.GetEvaluationResultResponse{
		Result:      res.Result,
		EvaluatedAt: res.EvaluatedAt,
	}), nil
}

func (s *RegistryServer) UpdateLevel(ctx context.Context, req *connect.Request[rpc.UpdateLevelRequest]) (*connect.Response[rpc.UpdateLevelResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	err = s.registry.UpdateLevel(ctx, registry.UpdateLevelInput{
		PermissionID:   req.Msg.PermissionID,
		EncryptedLevel: req.Msg.EncryptedLevel,
		Proof:          req.Msg.InputProof,
		Caller:         caller,
	})
	if err != nil {
		return nil, toConnectError(ctx, err)
	}

	return connect.NewResponse(&rpc.UpdateLevelResponse{}), nil
}

func (s *RegistryServer) Revoke(ctx context.Context, req *connect.Request[rpc.RevokeRequest]) (*connect.Response[rpc.RevokeResponse], error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.registry.Revoke(ctx, req.Msg.PermissionID, caller); err != nil {
		return nil, toConnectError(ctx, err)
	}

	return connect.NewResponse(&rpc.RevokeResponse{}), nil
}

// StreamEvents replays retained events after FromSequence and then follows
// the log until the client disconnects. A subscriber that falls behind is cut
// off with CodeResourceExhausted and should reconnect from its last sequence.
func (s *RegistryServer) StreamEvents(ctx context.Context, req *connect.Request[rpc.StreamEventsRequest], stream *connect.ServerStream[rpc.Event]) error {
	sub := s.events.Subscribe(ctx, req.Msg.FromSequence)
	defer sub.Close()

	for _, ev := range sub.Backlog {
		if err := stream.Send(rpc.EventFromModel(&ev)); err != nil {
			return err
		}
	}

	zerolog.Ctx(ctx).Debug().
		Uint64("from_sequence", req.Msg.FromSequence).
		Int("backlog", len(sub.Backlog)).
		Msg("Event stream following live events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return connect.NewError(connect.CodeResourceExhausted, errors.New("event subscriber fell behind"))
			}
			if err := stream.Send(rpc.EventFromModel(&ev)); err != nil {
				return err
			}
		}
	}
}

func callerFrom(ctx context.Context) (models.Address, error) {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return models.Address{}, connect.NewError(connect.CodeUnauthenticated, errors.New("caller not authenticated"))
	}
	return caller, nil
}
