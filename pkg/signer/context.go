package signer

import (
	"bytes"
	"fmt"

	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
)

// SigningContext tracks the signatures collected for one verification script.
// It is a value: Add returns a new context and never modifies the receiver.
type SigningContext struct {
	script []byte
	m      int
	pubs   [][]byte
	sigs   map[int][]byte
}

// NewSigningContext starts an empty context for a single-key or m-of-n
// verification script
func NewSigningContext(script []byte) (SigningContext, error) {
	if pub, err := keys.ParseSignatureScript(script); err == nil {
		return SigningContext{script: script, m: 1, pubs: [][]byte{pub}}, nil
	}
	m, pubs, err := keys.ParseMultiSigScript(script)
	if err != nil {
		return SigningContext{}, core.ErrInvalid("verification script is neither single-key nor multi-sig")
	}
	return SigningContext{script: script, m: m, pubs: pubs}, nil
}

// Needs reports whether pub belongs to the script and has not signed yet
func (c SigningContext) Needs(pub []byte) bool {
	i := c.index(pub)
	if i < 0 {
		return false
	}
	_, ok := c.sigs[i]
	return !ok
}

// Add folds a signature by pub over hash into the context. Signatures by
// keys outside the script, or that fail to verify, are rejected. A repeated
// key leaves the context unchanged.
func (c SigningContext) Add(pub, sig, hash []byte) (SigningContext, error) {
	i := c.index(pub)
	if i < 0 {
		return c, fmt.Errorf("public key %x is not part of the verification script", pub)
	}
	if !keys.VerifySignature(pub, hash, sig) {
		return c, fmt.Errorf("signature by %x does not verify", pub)
	}
	if _, ok := c.sigs[i]; ok {
		return c, nil
	}

	next := c
	next.sigs = make(map[int][]byte, len(c.sigs)+1)
	for k, v := range c.sigs {
		next.sigs[k] = v
	}
	next.sigs[i] = append([]byte{}, sig...)
	return next, nil
}

func (c SigningContext) Required() int  { return c.m }
func (c SigningContext) Collected() int { return len(c.sigs) }

// IsComplete reports whether the threshold is met
func (c SigningContext) IsComplete() bool {
	return c.m > 0 && len(c.sigs) >= c.m
}

// Witness assembles the first m signatures in public key order
func (c SigningContext) Witness() (*keys.Witness, error) {
	if !c.IsComplete() {
		return nil, core.InsufficientSignaturesError{
			Account:   keys.Hash160(c.script),
			Required:  c.m,
			Collected: len(c.sigs),
		}
	}
	sigs := make([][]byte, 0, c.m)
	for i := range c.pubs {
		if sig, ok := c.sigs[i]; ok {
			sigs = append(sigs, sig)
			if len(sigs) == c.m {
				break
			}
		}
	}
	return &keys.Witness{
		Invocation:   keys.InvocationScript(sigs...),
		Verification: append([]byte{}, c.script...),
	}, nil
}

func (c SigningContext) index(pub []byte) int {
	for i, p := range c.pubs {
		if bytes.Equal(p, pub) {
			return i
		}
	}
	return -1
}
