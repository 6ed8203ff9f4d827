package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
)

func TestCodecEncodesHandlesAsHex(t *testing.T) {
	h := ciphertext.New([]byte{0xde, 0xad}, ciphertext.TypeAddress)
	req := &EvaluateRequest{PermissionID: 4, EncryptedCandidate: h, InputProof: []byte{1, 2}}

	data, err := Codec.Marshal(req)
	require.NoError(t, err)
	require.Contains(t, string(data), `"encrypted_candidate":"0xdead`)
	require.Contains(t, string(data), `"permission_id":4`)

	var out EvaluateRequest
	require.NoError(t, Codec.Unmarshal(data, &out))
	require.Equal(t, *req, out)
}

func TestCodecEmptyBody(t *testing.T) {
	var out RevokeResponse
	require.NoError(t, Codec.Unmarshal(nil, &out))
}

func TestCodecRejectsBadAddress(t *testing.T) {
	var out ListOwnerPermissionsRequest
	err := Codec.Unmarshal([]byte(`{"owner":"0x1234"}`), &out)
	require.ErrorIs(t, err, models.ErrInvalidAddress)
}
