package keys

import (
	"errors"
	"fmt"

	"github.com/luxfi/go-bip32"
	"github.com/luxfi/go-bip39"
)

// BIP-44 path m/44'/888'/0'/0/{index}
const (
	purposeIndex  = 44
	coinTypeIndex = 888
	accountIndex  = 0
	changeIndex   = 0
)

var errInvalidMnemonic = errors.New("invalid mnemonic")

// NewMnemonic generates a fresh 24-word mnemonic
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives the private key at the given address index
func FromMnemonic(mnemonic string, index uint32) (*PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	path := []uint32{
		bip32.FirstHardenedChild + purposeIndex,
		bip32.FirstHardenedChild + coinTypeIndex,
		bip32.FirstHardenedChild + accountIndex,
		changeIndex,
		index,
	}
	for _, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child %d: %w", child, err)
		}
	}
	return PrivateKeyFromBytes(key.Key)
}
