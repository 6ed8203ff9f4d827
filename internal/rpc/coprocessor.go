package rpc

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
)

// CoprocessorServiceName is the fully-qualified name of the coprocessor service.
const CoprocessorServiceName = "coprocessor.v1.CoprocessorService"

// Coprocessor procedure paths.
const (
	CoprocessorServiceEncryptProcedure         = "/coprocessor.v1.CoprocessorService/Encrypt"
	CoprocessorServiceVerifyAndDecodeProcedure = "/coprocessor.v1.CoprocessorService/VerifyAndDecode"
	CoprocessorServiceEqualProcedure           = "/coprocessor.v1.CoprocessorService/Equal"
	CoprocessorServiceAllowProcedure           = "/coprocessor.v1.CoprocessorService/Allow"
	CoprocessorServiceUserDecryptProcedure     = "/coprocessor.v1.CoprocessorService/UserDecrypt"
)

type PlaintextValue struct {
	Type      ciphertext.Type `json:"type"`
	Plaintext []byte          `json:"plaintext"`
}

// EncryptRequest encrypts Values for the contract. The caller binding comes from
// the authenticated principal.
type EncryptRequest struct {
	ContractAddress models.Address   `json:"contract_address"`
	Values          []PlaintextValue `json:"values"`
}

type EncryptResponse struct {
	Handles    []ciphertext.Handle `json:"handles"`
	InputProof []byte              `json:"input_proof"`
}

type VerifyAndDecodeRequest struct {
	Handles         []ciphertext.Handle `json:"handles"`
	InputProof      []byte              `json:"input_proof"`
	ContractAddress models.Address      `json:"contract_address"`
	Caller          models.Address      `json:"caller"`
}

type VerifyAndDecodeResponse struct {
	Handles []ciphertext.Handle `json:"handles"`
}

type EqualRequest struct {
	A ciphertext.Handle `json:"a"`
	B ciphertext.Handle `json:"b"`
}

type EqualResponse struct {
	Result ciphertext.Handle `json:"result"`
}

type AllowRequest struct {
	Handle  ciphertext.Handle `json:"handle"`
	Account models.Address    `json:"account"`
}

type AllowResponse struct{}

// UserDecryptRequest decrypts Handle for the authenticated principal.
type UserDecryptRequest struct {
	Handle ciphertext.Handle `json:"handle"`
}

type UserDecryptResponse struct {
	Plaintext []byte `json:"plaintext"`
}

// CoprocessorServiceHandler is implemented by the dev coprocessor service.
type CoprocessorServiceHandler interface {
	Encrypt(context.Context, *connect.Request[EncryptRequest]) (*connect.Response[EncryptResponse], error)
	VerifyAndDecode(context.Context, *connect.Request[VerifyAndDecodeRequest]) (*connect.Response[VerifyAndDecodeResponse], error)
	Equal(context.Context, *connect.Request[EqualRequest]) (*connect.Response[EqualResponse], error)
	Allow(context.Context, *connect.Request[AllowRequest]) (*connect.Response[AllowResponse], error)
	UserDecrypt(context.Context, *connect.Request[UserDecryptRequest]) (*connect.Response[UserDecryptResponse], error)
}

// NewCoprocessorServiceHandler builds an HTTP handler for the coprocessor
// service and returns the path to mount it on.
func NewCoprocessorServiceHandler(svc CoprocessorServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec)}, opts...)

	handlers := map[string]http.Handler{
		CoprocessorServiceEncryptProcedure:         connect.NewUnaryHandler(CoprocessorServiceEncryptProcedure, svc.Encrypt, opts...),
		CoprocessorServiceVerifyAndDecodeProcedure: connect.NewUnaryHandler(CoprocessorServiceVerifyAndDecodeProcedure, svc.VerifyAndDecode, opts...),
		CoprocessorServiceEqualProcedure:           connect.NewUnaryHandler(CoprocessorServiceEqualProcedure, svc.Equal, opts...),
		CoprocessorServiceAllowProcedure:           connect.NewUnaryHandler(CoprocessorServiceAllowProcedure, svc.Allow, opts...),
		CoprocessorServiceUserDecryptProcedure:     connect.NewUnaryHandler(CoprocessorServiceUserDecryptProcedure, svc.UserDecrypt, opts...),
	}

	return "/" + CoprocessorServiceName + "/", serviceMux(handlers)
}

// CoprocessorServiceClient is a client for the coprocessor service.
type CoprocessorServiceClient struct {
	encrypt         *connect.Client[EncryptRequest, EncryptResponse]
	verifyAndDecode *connect.Client[VerifyAndDecodeRequest, VerifyAndDecodeResponse]
	equal           *connect.Client[EqualRequest, EqualResponse]
	allow           *connect.Client[AllowRequest, AllowResponse]
	userDecrypt     *connect.Client[UserDecryptRequest, UserDecryptResponse]
}

// NewCoprocessorServiceClient constructs a client for the coprocessor service
// at baseURL.
func NewCoprocessorServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *CoprocessorServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec)}, opts...)

	return &CoprocessorServiceClient{
		encrypt:         connect.NewClient[EncryptRequest, EncryptResponse](httpClient, baseURL+CoprocessorServiceEncryptProcedure, opts...),
		verifyAndDecode: connect.NewClient[VerifyAndDecodeRequest, VerifyAndDecodeResponse](httpClient, baseURL+CoprocessorServiceVerifyAndDecodeProcedure, opts...),
		equal:           connect.NewClient[EqualRequest, EqualResponse](httpClient, baseURL+CoprocessorServiceEqualProcedure, opts...),
		allow:           connect.NewClient[AllowRequest, AllowResponse](httpClient, baseURL+CoprocessorServiceAllowProcedure, opts...),
		userDecrypt:     connect.NewClient[UserDecryptRequest, UserDecryptResponse](httpClient, baseURL+CoprocessorServiceUserDecryptProcedure, opts...),
	}
}

func (c *CoprocessorServiceClient) Encrypt(ctx context.Context, req *connect.Request[EncryptRequest]) (*connect.Response[EncryptResponse], error) {
	return c.encrypt.CallUnary(ctx, req)
}

func (c *CoprocessorServiceClient) VerifyAndDecode(ctx context.Context, req *connect.Request[VerifyAndDecodeRequest]) (*connect.Response[VerifyAndDecodeResponse], error) {
	return c.verifyAndDecode.CallUnary(ctx, req)
}

func (c *CoprocessorServiceClient) Equal(ctx context.Context, req *connect.Request[EqualRequest]) (*connect.Response[EqualResponse], error) {
	return c.equal.CallUnary(ctx, req)
}

func (c *CoprocessorServiceClient) Allow(ctx context.Context, req *connect.Request[AllowRequest]) (*connect.Response[AllowResponse], error) {
	return c.allow.CallUnary(ctx, req)
}

func (c *CoprocessorServiceClient) UserDecrypt(ctx context.Context, req *connect.Request[UserDecryptRequest]) (*connect.Response[UserDecryptResponse], error) {
	return c.userDecrypt.CallUnary(ctx, req)
}
