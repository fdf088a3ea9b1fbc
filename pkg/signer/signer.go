// Package signer completes transaction witnesses for single-key and m-of-n
// accounts from the keys held across a network's wallets.
package signer

import (
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
)

// Signable is anything with a network-bound signing hash
type Signable interface {
	SigningHash(magic uint32) []byte
}

// Sign produces a complete witness for account over data. The account's own
// key is used first, then every private key in the topology whose public key
// belongs to the account's verification script, until the threshold is met.
// Anything short of the threshold fails with InsufficientSignaturesError and
// no witness.
func Sign(data Signable, account core.Account, topology *core.ChainTopology, magic uint32) (*keys.Witness, error) {
	sc, err := NewSigningContext(account.Contract.Script)
	if err != nil {
		return nil, err
	}
	hash := data.SigningHash(magic)

	try := func(acct *core.Account) error {
		key, err := acct.Key()
		if err != nil || key == nil {
			return err
		}
		pub := key.PublicKey()
		if !sc.Needs(pub) {
			return nil
		}
		sig, err := key.Sign(hash)
		if err != nil {
			return err
		}
		sc, err = sc.Add(pub, sig, hash)
		return err
	}

	if err := try(&account); err != nil {
		return nil, err
	}
	if topology != nil {
		for _, w := range topology.AllWallets() {
			for i := range w.Accounts {
				if sc.IsComplete() {
					return sc.Witness()
				}
				if err := try(&w.Accounts[i]); err != nil {
					return nil, err
				}
			}
		}
	}

	if !sc.IsComplete() {
		return nil, core.InsufficientSignaturesError{
			Account:   account.ScriptHash,
			Required:  sc.Required(),
			Collected: sc.Collected(),
		}
	}
	return sc.Witness()
}
