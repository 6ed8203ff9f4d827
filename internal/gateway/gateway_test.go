package gateway

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/coprocessor/mock"
	"github.com/wolfeidau/encacl/internal/models"
)

// countingCoprocessor records whether proof verification was reached.
type countingCoprocessor struct {
	coprocessor.Coprocessor
	verifyCalls int
}

func (c *countingCoprocessor) VerifyAndDecode(ctx context.Context, raw []ciphertext.Handle, proof []byte, pc coprocessor.Context) ([]ciphertext.Handle, error) {
	c.verifyCalls++
	return c.Coprocessor.VerifyAndDecode(ctx, raw, proof, pc)
}

func TestAdmit(t *testing.T) {
	ctx := context.Background()
	contract := models.Address{0xc0}
	alice := models.Address{0xa1}
	bob := models.Address{0xb0}
	pc := coprocessor.Context{ContractAddress: contract, Caller: alice}

	cop, err := mock.New([]byte("secret"))
	require.NoError(t, err)

	grantInput, err := cop.NewInput(contract, alice).AddAddress(bob).Add8(3).Encrypt()
	require.NoError(t, err)

	swapped, err := cop.NewInput(contract, alice).Add8(3).AddAddress(bob).Encrypt()
	require.NoError(t, err)

	tampered := bytes.Clone(grantInput.Proof)
	tampered[0] ^= 0xff

	grantTypes := []ciphertext.Type{ciphertext.TypeAddress, ciphertext.TypeUint8}

	tests := []struct {
		name       string
		raw        []ciphertext.Handle
		proof      []byte
		expected   []ciphertext.Type
		pc         coprocessor.Context
		wantErr    error
		wantVerify int
	}{
		{
			name:       "valid input",
			raw:        grantInput.Handles,
			proof:      grantInput.Proof,
			expected:   grantTypes,
			pc:         pc,
			wantVerify: 1,
		},
		{
			name:     "too few handles",
			raw:      grantInput.Handles[:1],
			proof:    grantInput.Proof,
			expected: grantTypes,
			pc:       pc,
			wantErr:  ErrArityMismatch,
		},
		{
			name:     "type mismatch checked before proof",
			raw:      swapped.Handles,
			proof:    []byte("garbage"),
			expected: grantTypes,
			pc:       pc,
			wantErr:  ErrTypeMismatch,
		},
		{
			name:       "proof for another caller",
			raw:        grantInput.Handles,
			proof:      grantInput.Proof,
			expected:   grantTypes,
			pc:         coprocessor.Context{ContractAddress: contract, Caller: bob},
			wantErr:    coprocessor.ErrInvalidProof,
			wantVerify: 1,
		},
		{
			name:       "tampered proof",
			raw:        grantInput.Handles,
			proof:      tampered,
			expected:   grantTypes,
			pc:         pc,
			wantErr:    coprocessor.ErrInvalidProof,
			wantVerify: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counting := &countingCoprocessor{Coprocessor: cop}
			g := New(counting)

			admitted, err := g.Admit(ctx, tt.raw, tt.proof, tt.expected, tt.pc)
			require.Equal(t, tt.wantVerify, counting.verifyCalls)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Nil(t, admitted)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.raw, admitted)
		})
	}
}
