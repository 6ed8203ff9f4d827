// Package registry is the entry point for every permission operation. It
// serializes mutations, admits encrypted inputs through the gateway, grants
// decryption rights on the coprocessor, applies the store mutation and emits
// exactly one event per successful call.
//
// Each mutating call runs its checks and coprocessor calls before touching
// the store, so a failure leaves no record, no index entry and no event.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/evaluation"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/gateway"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/store"
	"github.com/wolfeidau/encacl/internal/telemetry"
)

// GrantInput carries a new permission. The handles and proof come from the
// coprocessor's input encryption for (registry address, Caller).
type GrantInput struct {
	ResourceID       models.ResourceID
	EncryptedGrantee ciphertext.Handle
	EncryptedLevel   ciphertext.Handle
	Proof            []byte
	Caller           models.Address
}

// EvaluateInput asks whether Caller is the grantee of PermissionID.
type EvaluateInput struct {
	PermissionID       uint64
	EncryptedCandidate ciphertext.Handle
	Proof              []byte
	Caller             models.Address
}

// UpdateLevelInput replaces the level of a permission.
type UpdateLevelInput struct {
	PermissionID   uint64
	EncryptedLevel ciphertext.Handle
	Proof          []byte
	Caller         models.Address
}

var (
	grantTypes    = []ciphertext.Type{ciphertext.TypeAddress, ciphertext.TypeUint8}
	evaluateTypes = []ciphertext.Type{ciphertext.TypeAddress}
	levelTypes    = []ciphertext.Type{ciphertext.TypeUint8}
)

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the timestamp source for created_at, updated_at and
// evaluated_at.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the permission registry facade.
type Registry struct {
	mu sync.Mutex // serializes mutations

	store   store.Store
	cop     coprocessor.Coprocessor
	gateway *gateway.Gateway
	engine  *evaluation.Engine
	events  events.Emitter
	address models.Address
	now     func() time.Time
}

// New builds a registry acting as address: proofs must be bound to it and it
// keeps decryption rights on every handle it stores.
func New(st store.Store, cop coprocessor.Coprocessor, emitter events.Emitter, address models.Address, opts ...Option) *Registry {
	r := &Registry{
		store:   st,
		cop:     cop,
		gateway: gateway.New(cop),
		events:  emitter,
		address: address,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.engine = evaluation.NewEngine(st, st, cop, address).WithClock(r.now)
	return r
}

// Address returns the account the registry acts as.
func (r *Registry) Address() models.Address {
	return r.address
}

func (r *Registry) inputContext(caller models.Address) coprocessor.Context {
	return coprocessor.Context{ContractAddress: r.address, Caller: caller}
}

// Grant admits the encrypted grantee and level and stores a new permission
// owned by the caller.
func (r *Registry) Grant(ctx context.Context, in GrantInput) (uint64, error) {
	id, err := r.grant(ctx, in)
	if err != nil {
		return 0, r.fail(ctx, "grant", err)
	}
	return id, nil
}

func (r *Registry) grant(ctx context.Context, in GrantInput) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	admitted, err := r.gateway.Admit(ctx,
		[]ciphertext.Handle{in.EncryptedGrantee, in.EncryptedLevel},
		in.Proof, grantTypes, r.inputContext(in.Caller))
	if err != nil {
		return 0, err
	}
	grantee, level := admitted[0], admitted[1]

	// rights first: a failed Allow must not leave a stored permission behind
	if err := r.allow(ctx, grantee, r.address); err != nil {
		return 0, err
	}
	if err := r.allow(ctx, level, r.address, in.Caller); err != nil {
		return 0, err
	}

	id, err := r.store.Create(ctx, in.ResourceID, in.Caller, grantee, level, r.now())
	if err != nil {
		return 0, err
	}

	resourceID := in.ResourceID
	r.events.Emit(ctx, events.KindPermissionGranted, id, in.Caller, &resourceID)
	telemetry.GetMetrics().PermissionsGrantedTotal.Add(ctx, 1)

	log.Info().
		Uint64("permission_id", id).
		Str("owner", in.Caller.String()).
		Str("resource_id", in.ResourceID.String()).
		Msg("Permission granted")

	return id, nil
}

// Evaluate compares the caller's encrypted candidate with the grantee and
// returns the encrypted result. Revoked permissions are still evaluated.
func (r *Registry) Evaluate(ctx context.Context, in EvaluateInput) (ciphertext.Handle, error) {
	result, err := r.evaluate(ctx, in)
	if err != nil {
		return ciphertext.Zero, r.fail(ctx, "evaluate", err)
	}
	return result, nil
}

func (r *Registry) evaluate(ctx context.Context, in EvaluateInput) (ciphertext.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	admitted, err := r.gateway.Admit(ctx,
		[]ciphertext.Handle{in.EncryptedCandidate},
		in.Proof, evaluateTypes, r.inputContext(in.Caller))
	if err != nil {
		return ciphertext.Zero, err
	}

	result, err := r.engine.Evaluate(ctx, in.PermissionID, in.Caller, admitted[0])
	if err != nil {
		return ciphertext.Zero, err
	}

	r.events.Emit(ctx, events.KindPermissionEvaluated, in.PermissionID, in.Caller, nil)
	telemetry.GetMetrics().EvaluationsTotal.Add(ctx, 1)

	return result, nil
}

// UpdateLevel replaces the encrypted level. Only the owner may update, and
// only while the permission is not revoked.
func (r *Registry) UpdateLevel(ctx context.Context, in UpdateLevelInput) error {
	if err := r.updateLevel(ctx, in); err != nil {
		return r.fail(ctx, "update_level", err)
	}
	return nil
}

func (r *Registry) updateLevel(ctx context.Context, in UpdateLevelInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	admitted, err := r.gateway.Admit(ctx,
		[]ciphertext.Handle{in.EncryptedLevel},
		in.Proof, levelTypes, r.inputContext(in.Caller))
	if err != nil {
		return err
	}
	level := admitted[0]

	p, err := r.store.Get(ctx, in.PermissionID)
	if err != nil {
		return err
	}
	if err := store.CheckMutable(p, in.Caller); err != nil {
		return fmt.Errorf("%w: %d", err, in.PermissionID)
	}

	if err := r.allow(ctx, level, r.address, p.Owner); err != nil {
		return err
	}

	if err := r.store.SetLevel(ctx, in.PermissionID, level, r.now(), in.Caller); err != nil {
		return err
	}

	r.events.Emit(ctx, events.KindPermissionLevelUpdated, in.PermissionID, in.Caller, nil)
	telemetry.GetMetrics().LevelUpdatesTotal.Add(ctx, 1)

	log.Info().
		Uint64("permission_id", in.PermissionID).
		Str("owner", in.Caller.String()).
		Msg("Permission level updated")

	return nil
}

// Revoke permanently revokes the permission. A second revoke fails with
// store.ErrAlreadyRevoked.
func (r *Registry) Revoke(ctx context.Context, permissionID uint64, caller models.Address) error {
	if err := r.revoke(ctx, permissionID, caller); err != nil {
		return r.fail(ctx, "revoke", err)
	}
	return nil
}

func (r *Registry) revoke(ctx context.Context, permissionID uint64, caller models.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Revoke(ctx, permissionID, caller); err != nil {
		return err
	}

	r.events.Emit(ctx, events.KindPermissionRevoked, permissionID, caller, nil)
	telemetry.GetMetrics().RevocationsTotal.Add(ctx, 1)

	log.Info().
		Uint64("permission_id", permissionID).
		Str("owner", caller.String()).
		Msg("Permission revoked")

	return nil
}

// Get returns the permission with id.
func (r *Registry) Get(ctx context.Context, id uint64) (*models.Permission, error) {
	p, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, r.fail(ctx, "get", err)
	}
	return p, nil
}

// ListByOwner returns the ids owner has granted, oldest first, including
// revoked ones.
func (r *Registry) ListByOwner(ctx context.Context, owner models.Address) ([]uint64, error) {
	ids, err := r.store.IDsByOwner(ctx, owner)
	if err != nil {
		return nil, r.fail(ctx, "list_by_owner", err)
	}
	return ids, nil
}

// ListByResource returns the ids granted over resourceID, oldest first.
func (r *Registry) ListByResource(ctx context.Context, resourceID models.ResourceID) ([]uint64, error) {
	ids, err := r.store.IDsByResource(ctx, resourceID)
	if err != nil {
		return nil, r.fail(ctx, "list_by_resource", err)
	}
	return ids, nil
}

// GetEvaluationResult returns the latest result requester obtained for the
// permission.
func (r *Registry) GetEvaluationResult(ctx context.Context, permissionID uint64, requester models.Address) (*models.EvaluationResult, error) {
	if _, err := r.store.Get(ctx, permissionID); err != nil {
		return nil, r.fail(ctx, "get_evaluation_result", err)
	}
	res, err := r.store.GetResult(ctx, permissionID, requester)
	if err != nil {
		return nil, r.fail(ctx, "get_evaluation_result", err)
	}
	return res, nil
}

// allow grants each account decryption rights on h.
func (r *Registry) allow(ctx context.Context, h ciphertext.Handle, accounts ...models.Address) error {
	for _, account := range accounts {
		start := time.Now()
		err := r.cop.Allow(ctx, h, account)
		telemetry.RecordCoprocessorCall(ctx, "allow", time.Since(start), err)
		if err != nil {
			return fmt.Errorf("failed to allow handle for %s: %w", account, err)
		}
	}
	return nil
}

func (r *Registry) fail(ctx context.Context, op string, err error) error {
	kind := Kind(err)
	telemetry.RecordRegistryError(ctx, op, kind)

	ev := log.Debug()
	if kind == KindInternal {
		ev = log.Error()
	}
	ev.Err(err).Str("op", op).Str("kind", kind).Msg("Registry call failed")

	return err
}
