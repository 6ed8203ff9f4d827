package coprocessor

import "errors"

// Error kinds carried across the wire so a remote client can restore the
// sentinel errors above.
const (
	KindInvalidProof     = "invalid_proof"
	KindUnknownHandle    = "unknown_handle"
	KindOperandType      = "operand_type"
	KindDecryptForbidden = "decrypt_forbidden"
)

var kinds = []struct {
	kind string
	err  error
}{
	{KindInvalidProof, ErrInvalidProof},
	{KindUnknownHandle, ErrUnknownHandle},
	{KindOperandType, ErrOperandType},
	{KindDecryptForbidden, ErrDecryptForbidden},
}

// ErrorKind returns the kind of err, or "" when err is not a coprocessor error.
func ErrorKind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// ErrorForKind returns the sentinel for kind, or nil.
func ErrorForKind(kind string) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
