package remote

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/coprocessor/mock"
	"github.com/wolfeidau/encacl/internal/coprocessor/service"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/rpc"
)

var contract = models.Address{0xc0}

// flaky answers 503 to the first failures requests.
type flaky struct {
	next     http.Handler
	mu       sync.Mutex
	failures int
	requests int
}

func (f *flaky) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	f.next.ServeHTTP(w, r)
}

func (f *flaky) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func newServer(t *testing.T) (*httptest.Server, *flaky) {
	t.Helper()

	cop, err := mock.New([]byte("remote-test"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	path, handler := rpc.NewCoprocessorServiceHandler(service.New(cop))
	mux.Handle(path, handler)

	f := &flaky{next: auth.NewVerifier("", time.Hour).Middleware().Wrap(mux)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv, f
}

func newClient(t *testing.T, url string) (*Client, *ecdsa.PrivateKey, models.Address) {
	t.Helper()

	key, err := auth.GenerateKey()
	require.NoError(t, err)
	address, err := models.AddressFromPublicKey(&key.PublicKey)
	require.NoError(t, err)

	c, err := New(Config{
		URL: url,
		Key: key,
		Retry: RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
			MaxTries:        4,
		},
	})
	require.NoError(t, err)
	return c, key, address
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t)
	alice, _, aliceAddr := newClient(t, srv.URL)
	_, _, bobAddr := newClient(t, srv.URL)

	handles, proof, err := alice.Encrypt(ctx, contract, AddressValue(bobAddr), Uint8Value(3))
	require.NoError(t, err)
	require.Len(t, handles, 2)

	admitted, err := alice.VerifyAndDecode(ctx, handles, proof, coprocessor.Context{ContractAddress: contract, Caller: aliceAddr})
	require.NoError(t, err)
	assert.Equal(t, handles, admitted)

	_, err = alice.VerifyAndDecode(ctx, handles, proof, coprocessor.Context{ContractAddress: contract, Caller: bobAddr})
	require.ErrorIs(t, err, coprocessor.ErrInvalidProof)

	_, err = alice.Equal(ctx, handles[0], handles[1])
	require.ErrorIs(t, err, coprocessor.ErrOperandType)

	_, err = alice.UserDecrypt(ctx, handles[1])
	require.ErrorIs(t, err, coprocessor.ErrDecryptForbidden)

	require.NoError(t, alice.Allow(ctx, handles[1], aliceAddr))
	plaintext, err := alice.UserDecrypt(ctx, handles[1])
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, plaintext)

	err = alice.Allow(ctx, ciphertext.New([]byte{9}, ciphertext.TypeUint8), aliceAddr)
	require.ErrorIs(t, err, coprocessor.ErrUnknownHandle)
}

func TestClient_RetriesUnavailable(t *testing.T) {
	ctx := context.Background()
	srv, f := newServer(t)
	c, _, _ := newClient(t, srv.URL)

	f.mu.Lock()
	f.failures = 2
	f.mu.Unlock()

	handles, _, err := c.Encrypt(ctx, contract, Uint8Value(1))
	require.NoError(t, err)
	assert.Len(t, handles, 1)
	assert.Equal(t, 3, f.calls())
}

func TestClient_GivesUpAfterMaxTries(t *testing.T) {
	srv, f := newServer(t)
	c, _, _ := newClient(t, srv.URL)

	f.mu.Lock()
	f.failures = 10
	f.mu.Unlock()

	_, err := c.Equal(context.Background(), ciphertext.Zero, ciphertext.Zero)
	require.Error(t, err)
	assert.Equal(t, 4, f.calls())
}

func TestClient_DomainErrorsAreNotRetried(t *testing.T) {
	srv, f := newServer(t)
	c, _, _ := newClient(t, srv.URL)

	_, err := c.Equal(context.Background(), ciphertext.Zero, ciphertext.Zero)
	require.ErrorIs(t, err, coprocessor.ErrUnknownHandle)
	assert.Equal(t, 1, f.calls())
}

// truncating drops the last handle from Encrypt and VerifyAndDecode answers.
type truncating struct {
	*service.Service
}

func (s truncating) Encrypt(ctx context.Context, req *connect.Request[rpc.EncryptRequest]) (*connect.Response[rpc.EncryptResponse], error) {
	resp, err := s.Service.Encrypt(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Msg.Handles = resp.Msg.Handles[:len(resp.Msg.Handles)-1]
	return resp, nil
}

func (s truncating) VerifyAndDecode(ctx context.Context, req *connect.Request[rpc.VerifyAndDecodeRequest]) (*connect.Response[rpc.VerifyAndDecodeResponse], error) {
	resp, err := s.Service.VerifyAndDecode(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Msg.Handles = resp.Msg.Handles[:len(resp.Msg.Handles)-1]
	return resp, nil
}

func TestClient_RejectsShortResponses(t *testing.T) {
	ctx := context.Background()
	cop, err := mock.New([]byte("remote-test"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	path, handler := rpc.NewCoprocessorServiceHandler(truncating{Service: service.New(cop)})
	mux.Handle(path, handler)
	srv := httptest.NewServer(auth.NewVerifier("", time.Hour).Middleware().Wrap(mux))
	t.Cleanup(srv.Close)

	c, _, address := newClient(t, srv.URL)

	_, _, err = c.Encrypt(ctx, contract, AddressValue(address), Uint8Value(3))
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Contains(t, err.Error(), "2 values")

	in, err := cop.NewInput(contract, address).AddAddress(address).Add8(3).Encrypt()
	require.NoError(t, err)
	_, err = c.VerifyAndDecode(ctx, in.Handles, in.Proof, coprocessor.Context{ContractAddress: contract, Caller: address})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{URL: "http://localhost"})
	require.Error(t, err)
}
