package rpc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/models"
)

// RegistryServiceName is the fully-qualified name of the registry service.
const RegistryServiceName = "registry.v1.RegistryService"

// Registry procedure paths.
const (
	RegistryServiceInfoProcedure                    = "/registry.v1.RegistryService/Info"
	RegistryServiceGrantProcedure                   = "/registry.v1.RegistryService/Grant"
	RegistryServiceGetPermissionProcedure           = "/registry.v1.RegistryService/GetPermission"
	RegistryServiceListOwnerPermissionsProcedure    = "/registry.v1.RegistryService/ListOwnerPermissions"
	RegistryServiceListResourcePermissionsProcedure = "/registry.v1.RegistryService/ListResourcePermissions"
	RegistryServiceEvaluateProcedure                = "/registry.v1.RegistryService/Evaluate"
	RegistryServiceGetEvaluationResultProcedure     = "/registry.v1.RegistryService/GetEvaluationResult"
	RegistryServiceUpdateLevelProcedure             = "/registry.v1.RegistryService/UpdateLevel"
	RegistryServiceRevokeProcedure                  = "/registry.v1.RegistryService/Revoke"
	RegistryServiceStreamEventsProcedure            = "/registry.v1.RegistryService/StreamEvents"
)

// ErrorKindHeader carries the registry error kind on failed calls so clients can
// tell apart errors that share a connect code.
const ErrorKindHeader = "Registry-Error-Kind"

type InfoRequest struct{}

type InfoResponse struct {
	ContractAddress models.Address `json:"contract_address"`
	Caller          models.Address `json:"caller"`
}

type GrantRequest struct {
	ResourceID       models.ResourceID `json:"resource_id"`
	EncryptedGrantee ciphertext.Handle `json:"encrypted_grantee"`
	EncryptedLevel   ciphertext.Handle `json:"encrypted_level"`
	InputProof       []byte            `json:"input_proof"`
}

type GrantResponse struct {
	PermissionID uint64 `json:"permission_id"`
}

type Permission struct {
	ID               uint64            `json:"id"`
	ResourceID       models.ResourceID `json:"resource_id"`
	Owner            models.Address    `json:"owner"`
	EncryptedGrantee ciphertext.Handle `json:"encrypted_grantee"`
	EncryptedLevel   ciphertext.Handle `json:"encrypted_level"`
	Revoked          bool              `json:"revoked"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// PermissionFromModel converts a stored permission into its wire form.
func PermissionFromModel(p *models.Permission) *Permission {
	return &Permission{
		ID:               p.ID,
		ResourceID:       p.ResourceID,
		Owner:            p.Owner,
		EncryptedGrantee: p.EncryptedGrantee,
		EncryptedLevel:   p.EncryptedLevel,
		Revoked:          p.Revoked,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

type GetPermissionRequest struct {
	PermissionID uint64 `json:"permission_id"`
}

type GetPermissionResponse struct {
	Permission *Permission `json:"permission"`
}

// ListOwnerPermissionsRequest lists permissions created by Owner. A zero owner
// means the caller.
type ListOwnerPermissionsRequest struct {
	Owner models.Address `json:"owner"`
}

type ListOwnerPermissionsResponse struct {
	PermissionIDs []uint64 `json:"permission_ids"`
}

type ListResourcePermissionsRequest struct {
	ResourceID models.ResourceID `json:"resource_id"`
}

type ListResourcePermissionsResponse struct {
	PermissionIDs []uint64 `json:"permission_ids"`
}

type EvaluateRequest struct {
	PermissionID       uint64            `json:"permission_id"`
	EncryptedCandidate ciphertext.Handle `json:"encrypted_candidate"`
	InputProof         []byte            `json:"input_proof"`
}

type EvaluateResponse struct {
	Result ciphertext.Handle `json:"result"`
}

// GetEvaluationResultRequest reads the last evaluation of PermissionID by
// Requester. A zero requester means the caller.
type GetEvaluationResultRequest struct {
	PermissionID uint64         `json:"permission_id"`
	Requester    models.Address `json:"requester"`
}

type GetEvaluationResultResponse struct {
	Result      ciphertext.Handle `json:"result"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

type UpdateLevelRequest struct {
	PermissionID   uint64            `json:"permission_id"`
	EncryptedLevel ciphertext.Handle `json:"encrypted_level"`
	InputProof     []byte            `json:"input_proof"`
}

type UpdateLevelResponse struct{}

type RevokeRequest struct {
	PermissionID uint64 `json:"permission_id"`
}

type RevokeResponse struct{}

// StreamEventsRequest replays events with a sequence greater than FromSequence
// and then follows new ones.
type StreamEventsRequest struct {
	FromSequence uint64 `json:"from_sequence"`
}

type Event struct {
	Sequence     uint64             `json:"sequence"`
	ID           string             `json:"id"`
	Kind         string             `json:"kind"`
	PermissionID uint64             `json:"permission_id"`
	Actor        models.Address     `json:"actor"`
	ResourceID   *models.ResourceID `json:"resource_id,omitempty"`
	Time         time.Time          `json:"time"`
}

// EventFromModel converts a registry event into its wire form.
func EventFromModel(ev *events.Event) *Event {
	return &Event{
		Sequence:     ev.Sequence,
		ID:           ev.ID.String(),
		Kind:         string(ev.Kind),
		PermissionID: ev.PermissionID,
		Actor:        ev.Actor,
		ResourceID:   ev.ResourceID,
		Time:         ev.Time,
	}
}

// RegistryServiceHandler is implemented by the registry server.
type RegistryServiceHandler interface {
	Info(context.Context, *connect.Request[InfoRequest]) (*connect.Response[InfoResponse], error)
	Grant(context.Context, *connect.Request[GrantRequest]) (*connect.Response[GrantResponse], error)
	GetPermission(context.Context, *connect.Request[GetPermissionRequest]) (*connect.Response[GetPermissionResponse], error)
	ListOwnerPermissions(context.Context, *connect.Request[ListOwnerPermissionsRequest]) (*connect.Response[ListOwnerPermissionsResponse], error)
	ListResourcePermissions(context.Context, *connect.Request[ListResourcePermissionsRequest]) (*connect.Response[ListResourcePermissionsResponse], error)
	Evaluate(context.Context, *connect.Request[EvaluateRequest]) (*connect.Response[EvaluateResponse], error)
	GetEvaluationResult(context.Context, *connect.Request[GetEvaluationResultRequest]) (*connect.Response[GetEvaluationResultResponse], error)
	UpdateLevel(context.Context, *connect.Request[UpdateLevelRequest]) (*connect.Response[UpdateLevelResponse], error)
	Revoke(context.Context, *connect.Request[RevokeRequest]) (*connect.Response[RevokeResponse], error)
	StreamEvents(context.Context, *connect.Request[StreamEventsRequest], *connect.ServerStream[Event]) error
}

// NewRegistryServiceHandler builds an HTTP handler for the registry service and
// returns the path to mount it on.
func NewRegistryServiceHandler(svc RegistryServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec)}, opts...)
	readOpts := append(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))

	handlers := map[string]http.Handler{
		RegistryServiceInfoProcedure:                    connect.NewUnaryHandler(RegistryServiceInfoProcedure, svc.Info, readOpts...),
		RegistryServiceGrantProcedure:                   connect.NewUnaryHandler(RegistryServiceGrantProcedure, svc.Grant, opts...),
		RegistryServiceGetPermissionProcedure:           connect.NewUnaryHandler(RegistryServiceGetPermissionProcedure, svc.GetPermission, readOpts...),
		RegistryServiceListOwnerPermissionsProcedure:    connect.NewUnaryHandler(RegistryServiceListOwnerPermissionsProcedure, svc.ListOwnerPermissions, readOpts...),
		RegistryServiceListResourcePermissionsProcedure: connect.NewUnaryHandler(RegistryServiceListResourcePermissionsProcedure, svc.ListResourcePermissions, readOpts...),
		RegistryServiceEvaluateProcedure:                connect.NewUnaryHandler(RegistryServiceEvaluateProcedure, svc.Evaluate, opts...),
		RegistryServiceGetEvaluationResultProcedure:     connect.NewUnaryHandler(RegistryServiceGetEvaluationResultProcedure, svc.GetEvaluationResult, readOpts...),
		RegistryServiceUpdateLevelProcedure:             connect.NewUnaryHandler(RegistryServiceUpdateLevelProcedure, svc.UpdateLevel, opts...),
		RegistryServiceRevokeProcedure:                  connect.NewUnaryHandler(RegistryServiceRevokeProcedure, svc.Revoke, opts...),
		RegistryServiceStreamEventsProcedure:            connect.NewServerStreamHandler(RegistryServiceStreamEventsProcedure, svc.StreamEvents, opts...),
	}

	return "/" + RegistryServiceName + "/", serviceMux(handlers)
}

// RegistryServiceClient is a client for the registry service.
type RegistryServiceClient struct {
	info                    *connect.Client[InfoRequest, InfoResponse]
	grant                   *connect.Client[GrantRequest, GrantResponse]
	getPermission           *connect.Client[GetPermissionRequest, GetPermissionResponse]
	listOwnerPermissions    *connect.Client[ListOwnerPermissionsRequest, ListOwnerPermissionsResponse]
	listResourcePermissions *connect.Client[ListResourcePermissionsRequest, ListResourcePermissionsResponse]
	evaluate                *connect.Client[EvaluateRequest, EvaluateResponse]
	getEvaluationResult     *connect.Client[GetEvaluationResultRequest, GetEvaluationResultResponse]
	updateLevel             *connect.Client[UpdateLevelRequest, UpdateLevelResponse]
	revoke                  *connect.Client[RevokeRequest, RevokeResponse]
	streamEvents            *connect.Client[StreamEventsRequest, Event]
}

// NewRegistryServiceClient constructs a client for the registry service at
// baseURL.
func NewRegistryServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *RegistryServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec)}, opts...)

	return &RegistryServiceClient{
		info:                    connect.NewClient[InfoRequest, InfoResponse](httpClient, baseURL+RegistryServiceInfoProcedure, opts...),
		grant:                   connect.NewClient[GrantRequest, GrantResponse](httpClient, baseURL+RegistryServiceGrantProcedure, opts...),
		getPermission:           connect.NewClient[GetPermissionRequest, GetPermissionResponse](httpClient, baseURL+RegistryServiceGetPermissionProcedure, opts...),
		listOwnerPermissions:    connect.NewClient[ListOwnerPermissionsRequest, ListOwnerPermissionsResponse](httpClient, baseURL+RegistryServiceListOwnerPermissionsProcedure, opts...),
		listResourcePermissions: connect.NewClient[ListResourcePermissionsRequest, ListResourcePermissionsResponse](httpClient, baseURL+RegistryServiceListResourcePermissionsProcedure, opts...),
		evaluate:                connect.NewClient[EvaluateRequest, EvaluateResponse](httpClient, baseURL+RegistryServiceEvaluateProcedure, opts...),
		getEvaluationResult:     connect.NewClient[GetEvaluationResultRequest, GetEvaluationResultResponse](httpClient, baseURL+RegistryServiceGetEvaluationResultProcedure, opts...),
		updateLevel:             connect.NewClient[UpdateLevelRequest, UpdateLevelResponse](httpClient, baseURL+RegistryServiceUpdateLevelProcedure, opts...),
		revoke:                  connect.NewClient[RevokeRequest, RevokeResponse](httpClient, baseURL+RegistryServiceRevokeProcedure, opts...),
		streamEvents:            connect.NewClient[StreamEventsRequest, Event](httpClient, baseURL+RegistryServiceStreamEventsProcedure, opts...),
	}
}

func (c *RegistryServiceClient) Info(ctx context.Context, req *connect.Request[InfoRequest]) (*connect.Response[InfoResponse], error) {
	return c.info.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) Grant(ctx context.Context, req *connect.Request[GrantRequest]) (*connect.Response[GrantResponse], error) {
	return c.grant.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) GetPermission(ctx context.Context, req *connect.Request[GetPermissionRequest]) (*connect.Response[GetPermissionResponse], error) {
	return c.getPermission.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) ListOwnerPermissions(ctx context.Context, req *connect.Request[ListOwnerPermissionsRequest]) (*connect.Response[ListOwnerPermissionsResponse], error) {
	return c.listOwnerPermissions.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) ListResourcePermissions(ctx context.Context, req *connect.Request[ListResourcePermissionsRequest]) (*connect.Response[ListResourcePermissionsResponse], error) {
	return c.listResourcePermissions.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) Evaluate(ctx context.Context, req *connect.Request[EvaluateRequest]) (*connect.Response[EvaluateResponse], error) {
	return c.evaluate.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) GetEvaluationResult(ctx context.Context, req *connect.Request[GetEvaluationResultRequest]) (*connect.Response[GetEvaluationResultResponse], error) {
	return c.getEvaluationResult.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) UpdateLevel(ctx context.Context, req *connect.Request[UpdateLevelRequest]) (*connect.Response[UpdateLevelResponse], error) {
	return c.updateLevel.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) Revoke(ctx context.Context, req *connect.Request[RevokeRequest]) (*connect.Response[RevokeResponse], error) {
	return c.revoke.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) StreamEvents(ctx context.Context, req *connect.Request[StreamEventsRequest]) (*connect.ServerStreamForClient[Event], error) {
	return c.streamEvents.CallServerStream(ctx, req)
}

func serviceMux(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}
