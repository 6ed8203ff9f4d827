package registry

import (
	"context"
	"errors"

	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/gateway"
	"github.com/wolfeidau/encacl/internal/store"
)

// Error kinds reported to clients alongside the transport status.
const (
	KindNotFound           = "not_found"
	KindNotOwner           = "not_owner"
	KindAlreadyRevoked     = "already_revoked"
	KindInvalidProof       = "invalid_proof"
	KindTypeMismatch       = "type_mismatch"
	KindArityMismatch      = "arity_mismatch"
	KindEvaluationNotFound = "evaluation_not_found"
	KindCanceled           = "canceled"
	KindInternal           = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{store.ErrPermissionNotFound, KindNotFound},
	{store.ErrNotOwner, KindNotOwner},
	{store.ErrAlreadyRevoked, KindAlreadyRevoked},
	{store.ErrEvaluationNotFound, KindEvaluationNotFound},
	{coprocessor.ErrInvalidProof, KindInvalidProof},
	{gateway.ErrTypeMismatch, KindTypeMismatch},
	{gateway.ErrArityMismatch, KindArityMismatch},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// KindError returns the sentinel for kind, nil for unknown kinds. Clients use
// it to turn a reported kind back into an error they can match with errors.Is.
func KindError(kind string) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
