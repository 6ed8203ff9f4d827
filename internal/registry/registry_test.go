package registry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/coprocessor/mock"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/gateway"
	"github.com/wolfeidau/encacl/internal/journal"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/store"
	"github.com/wolfeidau/encacl/internal/store/memory"
)

var (
	registryAddr = models.Address{0xc0, 0xff, 0xee}
	owner        = models.Address{0x01}
	delegate     = models.Address{0x0d}
	outsider     = models.Address{0x0e}
	doc1         = models.HashResourceLabel("doc-1")
	fixedTime    = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
)

type failingAllow struct {
	*mock.Coprocessor
	err error
}

func (f *failingAllow) Allow(ctx context.Context, h ciphertext.Handle, account models.Address) error {
	if f.err != nil {
		return f.err
	}
	return f.Coprocessor.Allow(ctx, h, account)
}

// hookedStore fails Create with err, or cancels the request context once the
// permission is stored, as a client hanging up mid-call would.
type hookedStore struct {
	*memory.Store
	err    error
	cancel context.CancelFunc
}

func (s *hookedStore) Create(ctx context.Context, resourceID models.ResourceID, owner models.Address, grantee, level ciphertext.Handle, now time.Time) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	id, err := s.Store.Create(ctx, resourceID, owner, grantee, level, now)
	if s.cancel != nil {
		s.cancel()
	}
	return id, err
}

type fixture struct {
	cop   *mock.Coprocessor
	store *memory.Store
	log   *events.Log
	reg   *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cop, err := mock.New([]byte("registry-test"))
	require.NoError(t, err)
	return newFixtureWith(t, cop, cop)
}

func newFixtureWith(t *testing.T, cop *mock.Coprocessor, backend coprocessor.Coprocessor) *fixture {
	t.Helper()
	st := memory.NewStore()
	l := events.NewLog()
	reg := New(st, backend, l, registryAddr, WithClock(func() time.Time { return fixedTime }))
	return &fixture{cop: cop, store: st, log: l, reg: reg}
}

func (f *fixture) grantInput(t *testing.T, caller, grantee models.Address, level uint8, resource models.ResourceID) GrantInput {
	t.Helper()
	in, err := f.cop.NewInput(registryAddr, caller).AddAddress(grantee).Add8(level).Encrypt()
	require.NoError(t, err)
	return GrantInput{
		ResourceID:       resource,
		EncryptedGrantee: in.Handles[0],
		EncryptedLevel:   in.Handles[1],
		Proof:            in.Proof,
		Caller:           caller,
	}
}

func (f *fixture) grant(t *testing.T, caller, grantee models.Address, level uint8) uint64 {
	t.Helper()
	id, err := f.reg.Grant(context.Background(), f.grantInput(t, caller, grantee, level, doc1))
	require.NoError(t, err)
	return id
}

func (f *fixture) evaluateInput(t *testing.T, id uint64, caller, candidate models.Address) EvaluateInput {
	t.Helper()
	in, err := f.cop.NewInput(registryAddr, caller).AddAddress(candidate).Encrypt()
	require.NoError(t, err)
	return EvaluateInput{PermissionID: id, EncryptedCandidate: in.Handles[0], Proof: in.Proof, Caller: caller}
}

func (f *fixture) levelInput(t *testing.T, id uint64, caller models.Address, level uint8) UpdateLevelInput {
	t.Helper()
	in, err := f.cop.NewInput(registryAddr, caller).Add8(level).Encrypt()
	require.NoError(t, err)
	return UpdateLevelInput{PermissionID: id, EncryptedLevel: in.Handles[0], Proof: in.Proof, Caller: caller}
}

func eventKinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func TestRegistry_Doc1Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.grant(t, owner, delegate, 3)
	require.Equal(t, uint64(1), id)

	p, err := f.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, owner, p.Owner)
	assert.Equal(t, doc1, p.ResourceID)
	assert.False(t, p.Revoked)
	assert.Equal(t, fixedTime, p.CreatedAt)

	// the owner can read the level, the registry can use the grantee
	level, err := f.cop.DecryptUint8(ctx, p.EncryptedLevel, owner)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), level)
	assert.True(t, f.cop.IsAllowed(p.EncryptedGrantee, registryAddr))
	assert.False(t, f.cop.IsAllowed(p.EncryptedGrantee, owner))

	match, err := f.reg.Evaluate(ctx, f.evaluateInput(t, id, delegate, delegate))
	require.NoError(t, err)
	v, err := f.cop.DecryptUint8(ctx, match, delegate)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v)

	miss, err := f.reg.Evaluate(ctx, f.evaluateInput(t, id, outsider, outsider))
	require.NoError(t, err)
	v, err = f.cop.DecryptUint8(ctx, miss, outsider)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), v)

	// results are only decryptable by their requester
	_, err = f.cop.DecryptUint8(ctx, match, outsider)
	require.ErrorIs(t, err, coprocessor.ErrDecryptForbidden)

	require.NoError(t, f.reg.UpdateLevel(ctx, f.levelInput(t, id, owner, 7)))
	p, err = f.reg.Get(ctx, id)
	require.NoError(t, err)
	level, err = f.cop.DecryptUint8(ctx, p.EncryptedLevel, owner)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), level)

	require.NoError(t, f.reg.Revoke(ctx, id, owner))
	p, err = f.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Revoked)

	err = f.reg.UpdateLevel(ctx, f.levelInput(t, id, owner, 9))
	require.ErrorIs(t, err, store.ErrAlreadyRevoked)

	assert.Equal(t, []events.Kind{
		events.KindPermissionGranted,
		events.KindPermissionEvaluated,
		events.KindPermissionEvaluated,
		events.KindPermissionLevelUpdated,
		events.KindPermissionRevoked,
	}, eventKinds(f.log.Since(0)))
}

func TestRegistry_DenseIDs(t *testing.T) {
	f := newFixture(t)
	for want := uint64(1); want <= 5; want++ {
		assert.Equal(t, want, f.grant(t, owner, delegate, uint8(want)))
	}
}

func TestRegistry_GrantEvent(t *testing.T) {
	f := newFixture(t)
	id := f.grant(t, owner, delegate, 1)

	evs := f.log.Since(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindPermissionGranted, evs[0].Kind)
	assert.Equal(t, id, evs[0].PermissionID)
	assert.Equal(t, owner, evs[0].Actor)
	require.NotNil(t, evs[0].ResourceID)
	assert.Equal(t, doc1, *evs[0].ResourceID)
}

func TestRegistry_RevokeTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.grant(t, owner, delegate, 1)

	require.NoError(t, f.reg.Revoke(ctx, id, owner))
	err := f.reg.Revoke(ctx, id, owner)
	require.ErrorIs(t, err, store.ErrAlreadyRevoked)
	assert.Equal(t, KindAlreadyRevoked, Kind(err))

	// only the successful revoke emitted
	assert.Equal(t, []events.Kind{events.KindPermissionGranted, events.KindPermissionRevoked}, eventKinds(f.log.Since(0)))
}

func TestRegistry_NonOwner(t *testing.T) {
	ctx := context.Background()

	t.Run("before revocation", func(t *testing.T) {
		f := newFixture(t)
		id := f.grant(t, owner, delegate, 1)

		err := f.reg.UpdateLevel(ctx, f.levelInput(t, id, outsider, 5))
		require.ErrorIs(t, err, store.ErrNotOwner)
		err = f.reg.Revoke(ctx, id, outsider)
		require.ErrorIs(t, err, store.ErrNotOwner)
	})

	t.Run("after revocation", func(t *testing.T) {
		f := newFixture(t)
		id := f.grant(t, owner, delegate, 1)
		require.NoError(t, f.reg.Revoke(ctx, id, owner))

		err := f.reg.UpdateLevel(ctx, f.levelInput(t, id, outsider, 5))
		require.ErrorIs(t, err, store.ErrNotOwner)
		err = f.reg.Revoke(ctx, id, outsider)
		require.ErrorIs(t, err, store.ErrNotOwner)
		assert.Equal(t, KindNotOwner, Kind(err))
	})

	t.Run("delegate cannot update", func(t *testing.T) {
		f := newFixture(t)
		id := f.grant(t, owner, delegate, 1)

		err := f.reg.UpdateLevel(ctx, f.levelInput(t, id, delegate, 5))
		require.ErrorIs(t, err, store.ErrNotOwner)

		p, err := f.reg.Get(ctx, id)
		require.NoError(t, err)
		level, err := f.cop.DecryptUint8(ctx, p.EncryptedLevel, owner)
		require.NoError(t, err)
		assert.Equal(t, uint8(1), level)
	})
}

func TestRegistry_EvaluateAfterRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.grant(t, owner, delegate, 1)
	require.NoError(t, f.reg.Revoke(ctx, id, owner))

	result, err := f.reg.Evaluate(ctx, f.evaluateInput(t, id, delegate, delegate))
	require.NoError(t, err)
	v, err := f.cop.DecryptUint8(ctx, result, delegate)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v)
}

func TestRegistry_EvaluationResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.grant(t, owner, delegate, 1)

	_, err := f.reg.GetEvaluationResult(ctx, id, delegate)
	require.ErrorIs(t, err, store.ErrEvaluationNotFound)
	assert.Equal(t, KindEvaluationNotFound, Kind(err))

	first, err := f.reg.Evaluate(ctx, f.evaluateInput(t, id, delegate, delegate))
	require.NoError(t, err)
	other, err := f.reg.Evaluate(ctx, f.evaluateInput(t, id, outsider, outsider))
	require.NoError(t, err)

	// a different requester never touches the delegate's result
	res, err := f.reg.GetEvaluationResult(ctx, id, delegate)
	require.NoError(t, err)
	assert.Equal(t, first, res.Result)
	assert.Equal(t, fixedTime, res.EvaluatedAt)

	res, err = f.reg.GetEvaluationResult(ctx, id, outsider)
	require.NoError(t, err)
	assert.Equal(t, other, res.Result)

	// the latest evaluation for the pair wins
	second, err := f.reg.Evaluate(ctx, f.evaluateInput(t, id, delegate, outsider))
	require.NoError(t, err)
	res, err = f.reg.GetEvaluationResult(ctx, id, delegate)
	require.NoError(t, err)
	assert.Equal(t, second, res.Result)
	v, err := f.cop.DecryptUint8(ctx, res.Result, delegate)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), v)

	_, err = f.reg.GetEvaluationResult(ctx, 42, delegate)
	require.ErrorIs(t, err, store.ErrPermissionNotFound)
}

func TestRegistry_Lists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := models.HashResourceLabel("doc-2")

	a := f.grant(t, owner, delegate, 1)
	_, err := f.reg.Grant(ctx, f.grantInput(t, outsider, delegate, 1, doc1))
	require.NoError(t, err)
	c, err := f.reg.Grant(ctx, f.grantInput(t, owner, outsider, 2, other))
	require.NoError(t, err)

	require.NoError(t, f.reg.Revoke(ctx, a, owner))

	ids, err := f.reg.ListByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, ids)
	assert.Equal(t, c, ids[1])

	ids, err = f.reg.ListByResource(ctx, doc1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids)

	ids, err = f.reg.ListByOwner(ctx, delegate)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotNil(t, ids)
}

func TestRegistry_RejectedInputsLeaveNoTrace(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		input func(t *testing.T, f *fixture) GrantInput
		err   error
		kind  string
	}{
		{
			name: "level where address expected",
			input: func(t *testing.T, f *fixture) GrantInput {
				in, err := f.cop.NewInput(registryAddr, owner).Add8(3).Add8(3).Encrypt()
				require.NoError(t, err)
				return GrantInput{ResourceID: doc1, EncryptedGrantee: in.Handles[0], EncryptedLevel: in.Handles[1], Proof: in.Proof, Caller: owner}
			},
			err:  gateway.ErrTypeMismatch,
			kind: KindTypeMismatch,
		},
		{
			name: "proof for another caller",
			input: func(t *testing.T, f *fixture) GrantInput {
				in := f.grantInput(t, outsider, delegate, 3, doc1)
				in.Caller = owner
				return in
			},
			err:  coprocessor.ErrInvalidProof,
			kind: KindInvalidProof,
		},
		{
			name: "tampered proof",
			input: func(t *testing.T, f *fixture) GrantInput {
				in := f.grantInput(t, owner, delegate, 3, doc1)
				in.Proof = bytes.Clone(in.Proof)
				in.Proof[0] ^= 0xff
				return in
			},
			err:  coprocessor.ErrInvalidProof,
			kind: KindInvalidProof,
		},
		{
			name: "proof for another registry",
			input: func(t *testing.T, f *fixture) GrantInput {
				in, err := f.cop.NewInput(models.Address{0xba, 0xd0}, owner).AddAddress(delegate).Add8(3).Encrypt()
				require.NoError(t, err)
				return GrantInput{ResourceID: doc1, EncryptedGrantee: in.Handles[0], EncryptedLevel: in.Handles[1], Proof: in.Proof, Caller: owner}
			},
			err:  coprocessor.ErrInvalidProof,
			kind: KindInvalidProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.reg.Grant(ctx, tt.input(t, f))
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.kind, Kind(err))

			ids, err := f.reg.ListByOwner(ctx, owner)
			require.NoError(t, err)
			assert.Empty(t, ids)
			assert.Empty(t, f.log.Since(0))

			// the id counter did not advance
			assert.Equal(t, uint64(1), f.grant(t, owner, delegate, 3))
		})
	}
}

func TestRegistry_EvaluateAndUpdateInputChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.grant(t, owner, delegate, 3)

	t.Run("evaluate with a level handle", func(t *testing.T) {
		in, err := f.cop.NewInput(registryAddr, delegate).Add8(1).Encrypt()
		require.NoError(t, err)
		_, err = f.reg.Evaluate(ctx, EvaluateInput{PermissionID: id, EncryptedCandidate: in.Handles[0], Proof: in.Proof, Caller: delegate})
		require.ErrorIs(t, err, gateway.ErrTypeMismatch)
	})

	t.Run("evaluate unknown permission", func(t *testing.T) {
		_, err := f.reg.Evaluate(ctx, f.evaluateInput(t, 99, delegate, delegate))
		require.ErrorIs(t, err, store.ErrPermissionNotFound)
		assert.Equal(t, KindNotFound, Kind(err))
	})

	t.Run("update with an address handle", func(t *testing.T) {
		in, err := f.cop.NewInput(registryAddr, owner).AddAddress(delegate).Encrypt()
		require.NoError(t, err)
		err = f.reg.UpdateLevel(ctx, UpdateLevelInput{PermissionID: id, EncryptedLevel: in.Handles[0], Proof: in.Proof, Caller: owner})
		require.ErrorIs(t, err, gateway.ErrTypeMismatch)
	})

	t.Run("update unknown permission", func(t *testing.T) {
		err := f.reg.UpdateLevel(ctx, f.levelInput(t, 99, owner, 1))
		require.ErrorIs(t, err, store.ErrPermissionNotFound)
	})

	assert.Equal(t, []events.Kind{events.KindPermissionGranted}, eventKinds(f.log.Since(0)))
}

func TestRegistry_CoprocessorFailureAborts(t *testing.T) {
	ctx := context.Background()
	cop, err := mock.New([]byte("registry-test"))
	require.NoError(t, err)
	backend := &failingAllow{Coprocessor: cop, err: errors.New("coprocessor unavailable")}
	f := newFixtureWith(t, cop, backend)

	_, err = f.reg.Grant(ctx, f.grantInput(t, owner, delegate, 3, doc1))
	require.ErrorContains(t, err, "coprocessor unavailable")
	assert.Equal(t, KindInternal, Kind(err))
	assert.Empty(t, f.log.Since(0))

	backend.err = nil
	id := f.grant(t, owner, delegate, 3)
	assert.Equal(t, uint64(1), id)

	backend.err = errors.New("coprocessor unavailable")
	err = f.reg.UpdateLevel(ctx, f.levelInput(t, id, owner, 7))
	require.Error(t, err)

	p, err := f.reg.Get(ctx, id)
	require.NoError(t, err)
	level, err := cop.DecryptUint8(ctx, p.EncryptedLevel, owner)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), level)
	assert.Equal(t, []events.Kind{events.KindPermissionGranted}, eventKinds(f.log.Since(0)))
}

func TestRegistry_StoreFailureAborts(t *testing.T) {
	ctx := context.Background()
	cop, err := mock.New([]byte("registry-test"))
	require.NoError(t, err)
	st := &hookedStore{Store: memory.NewStore(), err: errors.New("connection reset")}
	l := events.NewLog()
	reg := New(st, cop, l, registryAddr)
	f := &fixture{cop: cop, store: st.Store, log: l, reg: reg}

	in := f.grantInput(t, owner, delegate, 3, doc1)
	_, err = reg.Grant(ctx, in)
	require.ErrorContains(t, err, "connection reset")
	assert.Empty(t, l.Since(0))

	ids, err := reg.ListByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// rights were granted on the caller's own inputs only, nothing else can
	// reach those handles
	assert.True(t, cop.IsAllowed(in.EncryptedLevel, owner))
	assert.True(t, cop.IsAllowed(in.EncryptedGrantee, registryAddr))

	st.err = nil
	assert.Equal(t, uint64(1), f.grant(t, owner, delegate, 3))
}

func TestRegistry_JournalsCommittedGrantAfterCancel(t *testing.T) {
	cop, err := mock.New([]byte("registry-test"))
	require.NoError(t, err)

	cfg := &journal.Config{Dir: t.TempDir(), ArchiveDir: t.TempDir()}
	j, err := journal.Open(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &hookedStore{Store: memory.NewStore(), cancel: cancel}
	l := events.NewLog(events.WithSink(j))
	reg := New(st, cop, l, registryAddr)
	f := &fixture{cop: cop, store: st.Store, log: l, reg: reg}

	id, err := reg.Grant(ctx, f.grantInput(t, owner, delegate, 3, doc1))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.Equal(t, uint64(1), j.LastSequence())
	require.NoError(t, j.Close())

	reopened, err := journal.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	replayed := reopened.Replay()
	require.Len(t, replayed, 1)
	assert.Equal(t, events.KindPermissionGranted, replayed[0].Kind)
	assert.Equal(t, uint64(1), replayed[0].PermissionID)
	assert.Equal(t, uint64(1), reopened.LastSequence())
}

func TestRegistry_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	in := f.grantInput(t, owner, delegate, 3, doc1)
	cancel()

	_, err := f.reg.Grant(ctx, in)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, uint64(1), f.grant(t, owner, delegate, 3))
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindInternal, Kind(errors.New("boom")))
	assert.Equal(t, KindNotFound, Kind(store.ErrPermissionNotFound))
	assert.Equal(t, KindArityMismatch, Kind(gateway.ErrArityMismatch))

	for _, kind := range []string{KindNotFound, KindNotOwner, KindAlreadyRevoked, KindInvalidProof, KindTypeMismatch, KindArityMismatch, KindEvaluationNotFound} {
		assert.Equal(t, kind, Kind(KindError(kind)), kind)
	}
	assert.Nil(t, KindError("bogus"))
}
