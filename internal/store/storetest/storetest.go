// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/store"
)

var (
	Owner    = models.Address{0x0a}
	Other    = models.Address{0x0b}
	Resource = models.HashResourceLabel("doc-1")
)

// Handle builds a distinct handle of type t for tests.
func Handle(n byte, t ciphertext.Type) ciphertext.Handle {
	return ciphertext.New([]byte{n}, t)
}

// Run exercises st. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("ids are dense from one", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		for want := uint64(1); want <= 3; want++ {
			id, err := st.Create(ctx, Resource, Owner, Handle(byte(want), ciphertext.TypeAddress), Handle(byte(want), ciphertext.TypeUint8), now)
			require.NoError(t, err)
			require.Equal(t, want, id)
		}
	})

	t.Run("get returns stored fields", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		grantee := Handle(1, ciphertext.TypeAddress)
		level := Handle(2, ciphertext.TypeUint8)
		id, err := st.Create(ctx, Resource, Owner, grantee, level, now)
		require.NoError(t, err)

		p, err := st.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, p.ID)
		require.Equal(t, Resource, p.ResourceID)
		require.Equal(t, Owner, p.Owner)
		require.Equal(t, grantee, p.EncryptedGrantee)
		require.Equal(t, level, p.EncryptedLevel)
		require.False(t, p.Revoked)
		require.True(t, now.Equal(p.CreatedAt))
		require.True(t, now.Equal(p.UpdatedAt))

		_, err = st.Get(ctx, id+1)
		require.ErrorIs(t, err, store.ErrPermissionNotFound)
		_, err = st.Get(ctx, 0)
		require.ErrorIs(t, err, store.ErrPermissionNotFound)
	})

	t.Run("set level", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		id, err := st.Create(ctx, Resource, Owner, Handle(1, ciphertext.TypeAddress), Handle(2, ciphertext.TypeUint8), now)
		require.NoError(t, err)

		later := now.Add(time.Minute)
		newLevel := Handle(3, ciphertext.TypeUint8)
		require.NoError(t, st.SetLevel(ctx, id, newLevel, later, Owner))

		p, err := st.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, newLevel, p.EncryptedLevel)
		require.True(t, later.Equal(p.UpdatedAt))
		require.True(t, now.Equal(p.CreatedAt))

		err = st.SetLevel(ctx, id, Handle(4, ciphertext.TypeUint8), later, Other)
		require.ErrorIs(t, err, store.ErrNotOwner)

		err = st.SetLevel(ctx, 99, newLevel, later, Owner)
		require.ErrorIs(t, err, store.ErrPermissionNotFound)

		p, err = st.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, newLevel, p.EncryptedLevel, "failed update must not change state")
	})

	t.Run("revoke", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		id, err := st.Create(ctx, Resource, Owner, Handle(1, ciphertext.TypeAddress), Handle(2, ciphertext.TypeUint8), now)
		require.NoError(t, err)

		require.ErrorIs(t, st.Revoke(ctx, id, Other), store.ErrNotOwner)
		require.NoError(t, st.Revoke(ctx, id, Owner))
		require.ErrorIs(t, st.Revoke(ctx, id, Owner), store.ErrAlreadyRevoked)
		require.ErrorIs(t, st.Revoke(ctx, id, Other), store.ErrNotOwner, "ownership is checked before revocation")
		require.ErrorIs(t, st.Revoke(ctx, 42, Owner), store.ErrPermissionNotFound)

		err = st.SetLevel(ctx, id, Handle(5, ciphertext.TypeUint8), now.Add(time.Hour), Owner)
		require.ErrorIs(t, err, store.ErrAlreadyRevoked)
		err = st.SetLevel(ctx, id, Handle(5, ciphertext.TypeUint8), now.Add(time.Hour), Other)
		require.ErrorIs(t, err, store.ErrNotOwner)

		p, err := st.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, p.Revoked)
		require.True(t, now.Equal(p.UpdatedAt), "revocation leaves updated_at alone")
	})

	t.Run("indices are ordered and append only", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		other := models.HashResourceLabel("doc-2")

		id1, err := st.Create(ctx, Resource, Owner, Handle(1, ciphertext.TypeAddress), Handle(1, ciphertext.TypeUint8), now)
		require.NoError(t, err)
		id2, err := st.Create(ctx, other, Other, Handle(2, ciphertext.TypeAddress), Handle(2, ciphertext.TypeUint8), now)
		require.NoError(t, err)
		id3, err := st.Create(ctx, Resource, Owner, Handle(3, ciphertext.TypeAddress), Handle(3, ciphertext.TypeUint8), now)
		require.NoError(t, err)

		require.NoError(t, st.Revoke(ctx, id1, Owner))

		ids, err := st.IDsByOwner(ctx, Owner)
		require.NoError(t, err)
		require.Equal(t, []uint64{id1, id3}, ids)

		ids, err = st.IDsByOwner(ctx, Other)
		require.NoError(t, err)
		require.Equal(t, []uint64{id2}, ids)

		ids, err = st.IDsByResource(ctx, Resource)
		require.NoError(t, err)
		require.Equal(t, []uint64{id1, id3}, ids)

		ids, err = st.IDsByOwner(ctx, models.Address{0xff})
		require.NoError(t, err)
		require.NotNil(t, ids)
		require.Empty(t, ids)

		ids, err = st.IDsByResource(ctx, models.HashResourceLabel("nothing"))
		require.NoError(t, err)
		require.NotNil(t, ids)
		require.Empty(t, ids)
	})

	t.Run("evaluation results are per pair and last write wins", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		id, err := st.Create(ctx, Resource, Owner, Handle(1, ciphertext.TypeAddress), Handle(1, ciphertext.TypeUint8), now)
		require.NoError(t, err)

		_, err = st.GetResult(ctx, id, Other)
		require.ErrorIs(t, err, store.ErrEvaluationNotFound)

		first := &models.EvaluationResult{PermissionID: id, Requester: Other, Result: Handle(10, ciphertext.TypeBool), EvaluatedAt: now}
		require.NoError(t, st.PutResult(ctx, first))

		ownerResult := &models.EvaluationResult{PermissionID: id, Requester: Owner, Result: Handle(11, ciphertext.TypeBool), EvaluatedAt: now}
		require.NoError(t, st.PutResult(ctx, ownerResult))

		second := &models.EvaluationResult{PermissionID: id, Requester: Other, Result: Handle(12, ciphertext.TypeBool), EvaluatedAt: now.Add(time.Second)}
		require.NoError(t, st.PutResult(ctx, second))

		got, err := st.GetResult(ctx, id, Other)
		require.NoError(t, err)
		require.Equal(t, second.Result, got.Result)
		require.True(t, second.EvaluatedAt.Equal(got.EvaluatedAt))

		got, err = st.GetResult(ctx, id, Owner)
		require.NoError(t, err)
		require.Equal(t, ownerResult.Result, got.Result)
	})
}
