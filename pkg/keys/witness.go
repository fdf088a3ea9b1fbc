package keys

import (
	"errors"
	"fmt"
)

var (
	// ErrWitnessMismatch is returned when a witness fails verification
	ErrWitnessMismatch = errors.New("witness does not verify")
)

// Witness authorizes a transaction for the account whose verification
// script it carries.
type Witness struct {
	Invocation   []byte `json:"invocation"`
	Verification []byte `json:"verification"`
}

// ScriptHash returns the account the witness speaks for
func (w Witness) ScriptHash() ScriptHash {
	return Hash160(w.Verification)
}

// Verify checks the witness against a signing hash. Multi-signature witnesses
// must carry exactly m signatures in key order.
func (w Witness) Verify(hash []byte) error {
	sigs, err := ParseInvocationScript(w.Invocation)
	if err != nil {
		return err
	}

	if pub, err := ParseSignatureScript(w.Verification); err == nil {
		if len(sigs) != 1 || !VerifySignature(pub, hash, sigs[0]) {
			return ErrWitnessMismatch
		}
		return nil
	}

	m, pubs, err := ParseMultiSigScript(w.Verification)
	if err != nil {
		return fmt.Errorf("unsupported verification script: %w", err)
	}
	if len(sigs) != m {
		return fmt.Errorf("%w: %d signatures for threshold %d", ErrWitnessMismatch, len(sigs), m)
	}

	// each signature must match a key strictly after the previous match
	k := 0
	for _, sig := range sigs {
		for k < len(pubs) && !VerifySignature(pubs[k], hash, sig) {
			k++
		}
		if k == len(pubs) {
			return ErrWitnessMismatch
		}
		k++
	}
	return nil
}
