package service

import (
	"context"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/coprocessor/mock"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/rpc"
)

var (
	contract = models.Address{0xc0}
	alice    = models.Address{0xa1}
	bob      = models.Address{0xb0}
)

func newService(t *testing.T) (*Service, *mock.Coprocessor) {
	t.Helper()
	cop, err := mock.New([]byte("service-test"))
	require.NoError(t, err)
	return New(cop), cop
}

func TestEncrypt(t *testing.T) {
	svc, cop := newService(t)
	ctx := auth.ContextWithCaller(context.Background(), alice)

	resp, err := svc.Encrypt(ctx, connect.NewRequest(&rpc.EncryptRequest{
		ContractAddress: contract,
		Values: []rpc.PlaintextValue{
			{Type: ciphertext.TypeAddress, Plaintext: bob.Bytes()},
			{Type: ciphertext.TypeUint8, Plaintext: []byte{3}},
		},
	}))
	require.NoError(t, err)
	require.Len(t, resp.Msg.Handles, 2)

	// the proof is bound to the authenticated caller
	_, err = cop.VerifyAndDecode(ctx, resp.Msg.Handles, resp.Msg.InputProof, coprocessor.Context{ContractAddress: contract, Caller: alice})
	require.NoError(t, err)
	_, err = cop.VerifyAndDecode(ctx, resp.Msg.Handles, resp.Msg.InputProof, coprocessor.Context{ContractAddress: contract, Caller: bob})
	require.ErrorIs(t, err, coprocessor.ErrInvalidProof)

	t.Run("unauthenticated", func(t *testing.T) {
		_, err := svc.Encrypt(context.Background(), connect.NewRequest(&rpc.EncryptRequest{
			ContractAddress: contract,
			Values:          []rpc.PlaintextValue{{Type: ciphertext.TypeUint8, Plaintext: []byte{1}}},
		}))
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
	})

	t.Run("bad values", func(t *testing.T) {
		tests := []struct {
			name   string
			values []rpc.PlaintextValue
		}{
			{"empty", nil},
			{"wrong width", []rpc.PlaintextValue{{Type: ciphertext.TypeAddress, Plaintext: []byte{1}}}},
			{"unknown type", []rpc.PlaintextValue{{Type: ciphertext.Type(9), Plaintext: []byte{1}}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.Encrypt(ctx, connect.NewRequest(&rpc.EncryptRequest{ContractAddress: contract, Values: tt.values}))
				assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
			})
		}
	})
}

func TestUserDecrypt(t *testing.T) {
	svc, cop := newService(t)
	bg := context.Background()

	in, err := cop.NewInput(contract, alice).Add8(7).Encrypt()
	require.NoError(t, err)
	h := in.Handles[0]

	_, err = svc.UserDecrypt(auth.ContextWithCaller(bg, alice), connect.NewRequest(&rpc.UserDecryptRequest{Handle: h}))
	require.Error(t, err)
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	var cerr *connect.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, coprocessor.KindDecryptForbidden, cerr.Meta().Get(rpc.ErrorKindHeader))

	_, err = svc.Allow(bg, connect.NewRequest(&rpc.AllowRequest{Handle: h, Account: alice}))
	require.NoError(t, err)

	resp, err := svc.UserDecrypt(auth.ContextWithCaller(bg, alice), connect.NewRequest(&rpc.UserDecryptRequest{Handle: h}))
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, resp.Msg.Plaintext)

	_, err = svc.UserDecrypt(bg, connect.NewRequest(&rpc.UserDecryptRequest{Handle: h}))
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}

func TestEqual(t *testing.T) {
	svc, cop := newService(t)
	ctx := context.Background()

	in, err := cop.NewInput(contract, alice).AddAddress(bob).AddAddress(bob).Add8(1).Encrypt()
	require.NoError(t, err)

	resp, err := svc.Equal(ctx, connect.NewRequest(&rpc.EqualRequest{A: in.Handles[0], B: in.Handles[1]}))
	require.NoError(t, err)
	assert.Equal(t, ciphertext.TypeBool, resp.Msg.Result.Type())

	_, err = svc.Equal(ctx, connect.NewRequest(&rpc.EqualRequest{A: in.Handles[0], B: in.Handles[2]}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = svc.Equal(ctx, connect.NewRequest(&rpc.EqualRequest{A: in.Handles[0], B: ciphertext.New([]byte{1}, ciphertext.TypeAddress)}))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}
