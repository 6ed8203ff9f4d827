package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/models"
)

func TestCheckMutable(t *testing.T) {
	owner := models.Address{0x01}
	other := models.Address{0x02}

	tests := []struct {
		name    string
		revoked bool
		caller  models.Address
		wantErr error
	}{
		{name: "owner on active permission", caller: owner},
		{name: "non-owner on active permission", caller: other, wantErr: ErrNotOwner},
		{name: "owner on revoked permission", revoked: true, caller: owner, wantErr: ErrAlreadyRevoked},
		{name: "non-owner on revoked permission", revoked: true, caller: other, wantErr: ErrNotOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &models.Permission{ID: 1, Owner: owner, Revoked: tt.revoked}
			err := CheckMutable(p, tt.caller)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
