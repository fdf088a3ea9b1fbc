package core

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/luxfi/express/pkg/keys"
)

const (
	// DefaultAddressVersion is the address version byte used by new topologies
	DefaultAddressVersion byte = 0x35
	// DefaultBasePort is the first port block handed to consensus nodes
	DefaultBasePort uint16 = 50000

	// GenesisAccountName resolves to the consensus multi-signature account
	GenesisAccountName = "genesis"

	signatureParameter = "Signature"
	consensusLabel     = "Consensus MultiSigContract"
)

// reservedMagics are network ids of public networks a dev chain must never reuse
var reservedMagics = map[uint32]bool{
	0:          true,
	7630401:    true, // legacy mainnet
	1953787457: true, // legacy testnet
	860833102:  true, // mainnet
	894710606:  true, // testnet
}

// ChainTopology is the static description of a private network
type ChainTopology struct {
	Magic          uint32          `json:"magic"`
	AddressVersion byte            `json:"address-version"`
	Nodes          []ConsensusNode `json:"consensus-nodes"`
	Wallets        []Wallet        `json:"wallets"`
}

// ConsensusNode is one validator of the network
type ConsensusNode struct {
	Wallet        Wallet `json:"wallet"`
	P2PPort       uint16 `json:"tcp-port"`
	WebSocketPort uint16 `json:"ws-port"`
	RPCPort       uint16 `json:"rpc-port"`
}

// Contract holds an account's verification script and its parameter list
type Contract struct {
	Script     hexutil.Bytes `json:"script"`
	Parameters []string      `json:"parameters"`
}

// Account is a wallet entry. PrivateKey is empty for watch-only accounts.
type Account struct {
	ScriptHash keys.ScriptHash `json:"script-hash"`
	PrivateKey hexutil.Bytes   `json:"private-key,omitempty"`
	Contract   Contract        `json:"contract"`
	IsDefault  bool            `json:"is-default"`
	Label      string          `json:"label,omitempty"`
}

// Wallet groups accounts under a unique name
type Wallet struct {
	Name     string    `json:"name"`
	Accounts []Account `json:"accounts"`
}

// TopologyOptions controls NewTopology
type TopologyOptions struct {
	Nodes          int
	Mnemonic       string
	AddressVersion byte
	BasePort       uint16
}

// ConsensusThreshold returns m for an n-node committee
func ConsensusThreshold(n int) int {
	return n*2/3 + 1
}

// ValidNodeCount reports whether n is a supported committee size
func ValidNodeCount(n int) bool {
	return n == 1 || n == 4 || n == 7
}

// IsReservedMagic reports whether magic belongs to a public network
func IsReservedMagic(magic uint32) bool {
	return reservedMagics[magic]
}

// GenerateMagic returns a random network id outside the reserved set
func GenerateMagic() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if magic := binary.LittleEndian.Uint32(b[:]); !IsReservedMagic(magic) {
			return magic, nil
		}
	}
}

// NewSignatureAccount builds a single-key account holding key
func NewSignatureAccount(key *keys.PrivateKey, label string) Account {
	return Account{
		ScriptHash: key.ScriptHash(),
		PrivateKey: key.Bytes(),
		Contract: Contract{
			Script:     key.SignatureScript(),
			Parameters: []string{signatureParameter},
		},
		Label: label,
	}
}

// NewMultiSigAccount builds an m-of-n account. key may be nil for a
// watch-only account, otherwise it must be one of pubs.
func NewMultiSigAccount(m int, pubs [][]byte, key *keys.PrivateKey, label string) (Account, error) {
	script, err := keys.MultiSigScript(m, pubs)
	if err != nil {
		return Account{}, err
	}
	params := make([]string, m)
	for i := range params {
		params[i] = signatureParameter
	}
	acct := Account{
		ScriptHash: keys.Hash160(script),
		Contract:   Contract{Script: script, Parameters: params},
		Label:      label,
	}
	if key != nil {
		acct.PrivateKey = key.Bytes()
	}
	return acct, nil
}

// NewTopology creates a network of opts.Nodes consensus nodes
func NewTopology(opts TopologyOptions) (*ChainTopology, error) {
	if !ValidNodeCount(opts.Nodes) {
		return nil, ErrInvalidf("invalid node count %d, must be 1, 4 or 7", opts.Nodes)
	}
	if opts.AddressVersion == 0 {
		opts.AddressVersion = DefaultAddressVersion
	}
	if opts.BasePort == 0 {
		opts.BasePort = DefaultBasePort
	}

	magic, err := GenerateMagic()
	if err != nil {
		return nil, fmt.Errorf("failed to generate magic: %w", err)
	}

	nodeKeys := make([]*keys.PrivateKey, opts.Nodes)
	pubs := make([][]byte, opts.Nodes)
	for i := range nodeKeys {
		var key *keys.PrivateKey
		if opts.Mnemonic != "" {
			key, err = keys.FromMnemonic(opts.Mnemonic, uint32(i))
		} else {
			key, err = keys.GenerateKey()
		}
		if err != nil {
			return nil, err
		}
		nodeKeys[i] = key
		pubs[i] = key.PublicKey()
	}

	m := ConsensusThreshold(opts.Nodes)
	topo := &ChainTopology{
		Magic:          magic,
		AddressVersion: opts.AddressVersion,
		Nodes:          make([]ConsensusNode, opts.Nodes),
	}
	for i, key := range nodeKeys {
		name := fmt.Sprintf("node%d", i+1)
		single := NewSignatureAccount(key, name)
		single.IsDefault = true
		multi, err := NewMultiSigAccount(m, pubs, key, consensusLabel)
		if err != nil {
			return nil, err
		}

		base := opts.BasePort + uint16((i+1)*10)
		topo.Nodes[i] = ConsensusNode{
			Wallet:        Wallet{Name: name, Accounts: []Account{single, multi}},
			P2PPort:       base + 1,
			WebSocketPort: base + 2,
			RPCPort:       base + 3,
		}
	}
	return topo, nil
}

// ConsensusScript returns the committee's m-of-n verification script
func (t *ChainTopology) ConsensusScript() ([]byte, error) {
	pubs := make([][]byte, len(t.Nodes))
	for i := range t.Nodes {
		def, ok := t.Nodes[i].Wallet.DefaultAccount()
		if !ok {
			return nil, ErrInvalidf("node %d wallet has no default account", i)
		}
		pub, err := keys.ParseSignatureScript(def.Contract.Script)
		if err != nil {
			return nil, ErrInvalidf("node %d default account is not a single-key account", i)
		}
		pubs[i] = pub
	}
	return keys.MultiSigScript(ConsensusThreshold(len(t.Nodes)), pubs)
}

// GenesisScriptHash identifies the chain: the committee's multi-sig script hash
func (t *ChainTopology) GenesisScriptHash() (keys.ScriptHash, error) {
	script, err := t.ConsensusScript()
	if err != nil {
		return keys.ScriptHash{}, err
	}
	return keys.Hash160(script), nil
}

// ConsensusAccount returns the committee account as held by the first node
func (t *ChainTopology) ConsensusAccount() (Wallet, Account, error) {
	hash, err := t.GenesisScriptHash()
	if err != nil {
		return Wallet{}, Account{}, err
	}
	if len(t.Nodes) == 0 {
		return Wallet{}, Account{}, ErrInvalid("topology has no consensus nodes")
	}
	w := t.Nodes[0].Wallet
	acct, ok := w.Account(hash)
	if !ok {
		return Wallet{}, Account{}, ErrInvalid("first node wallet lacks the consensus account")
	}
	return w, *acct, nil
}

// AllWallets returns node wallets followed by user wallets
func (t *ChainTopology) AllWallets() []*Wallet {
	out := make([]*Wallet, 0, len(t.Nodes)+len(t.Wallets))
	for i := range t.Nodes {
		out = append(out, &t.Nodes[i].Wallet)
	}
	for i := range t.Wallets {
		out = append(out, &t.Wallets[i])
	}
	return out
}

// FindWallet looks up a wallet by case-insensitive name
func (t *ChainTopology) FindWallet(name string) (*Wallet, bool) {
	for _, w := range t.AllWallets() {
		if strings.EqualFold(w.Name, name) {
			return w, true
		}
	}
	return nil, false
}

// AddWallet registers a new empty user wallet
func (t *ChainTopology) AddWallet(name string) (*Wallet, error) {
	if name == "" || strings.EqualFold(name, GenesisAccountName) {
		return nil, ErrInvalidf("invalid wallet name %q", name)
	}
	if _, exists := t.FindWallet(name); exists {
		return nil, ErrConflictf("wallet %s already exists", name)
	}
	t.Wallets = append(t.Wallets, Wallet{Name: name})
	return &t.Wallets[len(t.Wallets)-1], nil
}

// ResolveAccount maps "genesis", a wallet name or an address to a wallet and
// account. Addresses unknown to every wallet resolve to a watch-only account.
func (t *ChainTopology) ResolveAccount(name string) (Wallet, Account, error) {
	if strings.EqualFold(name, GenesisAccountName) {
		return t.ConsensusAccount()
	}
	if w, ok := t.FindWallet(name); ok {
		def, ok := w.DefaultAccount()
		if !ok {
			return Wallet{}, Account{}, ErrInvalidf("wallet %s has no default account", name)
		}
		return *w, *def, nil
	}

	hash, err := keys.ParseAddress(name, t.AddressVersion)
	if err != nil {
		if hash, err = keys.ParseScriptHash(name); err != nil {
			return Wallet{}, Account{}, ErrInvalidf("unknown account %q", name)
		}
	}
	for _, w := range t.AllWallets() {
		if acct, ok := w.Account(hash); ok {
			return *w, *acct, nil
		}
	}
	return Wallet{}, Account{ScriptHash: hash}, nil
}

// Validate enforces the topology invariants
func (t *ChainTopology) Validate() error {
	if IsReservedMagic(t.Magic) {
		return ErrInvalidf("magic %d is reserved", t.Magic)
	}
	if !ValidNodeCount(len(t.Nodes)) {
		return ErrInvalidf("invalid node count %d, must be 1, 4 or 7", len(t.Nodes))
	}

	ports := make(map[uint16]int)
	for i, node := range t.Nodes {
		for _, p := range []uint16{node.P2PPort, node.WebSocketPort, node.RPCPort} {
			if p == 0 {
				return ErrInvalidf("node %d has an unset port", i)
			}
			if owner, dup := ports[p]; dup {
				return ErrInvalidf("port %d used by node %d and node %d", p, owner, i)
			}
			ports[p] = i
		}
	}

	names := make(map[string]bool)
	for _, w := range t.AllWallets() {
		key := strings.ToLower(w.Name)
		if key == "" || key == GenesisAccountName || names[key] {
			return ErrInvalidf("wallet name %q is empty, reserved or duplicated", w.Name)
		}
		names[key] = true
		if err := w.Validate(t.AddressVersion); err != nil {
			return err
		}
	}

	script, err := t.ConsensusScript()
	if err != nil {
		return err
	}
	consensus := keys.Hash160(script)
	for i, node := range t.Nodes {
		multi := 0
		for _, acct := range node.Wallet.Accounts {
			if !keys.IsMultiSigScript(acct.Contract.Script) {
				continue
			}
			multi++
			if acct.ScriptHash != consensus {
				return ErrInvalidf("node %d multi-sig account does not match the committee", i)
			}
		}
		if multi != 1 {
			return ErrInvalidf("node %d wallet must hold exactly one multi-sig account, found %d", i, multi)
		}
	}
	return nil
}

// DefaultAccount returns the account flagged as default
func (w *Wallet) DefaultAccount() (*Account, bool) {
	for i := range w.Accounts {
		if w.Accounts[i].IsDefault {
			return &w.Accounts[i], true
		}
	}
	return nil, false
}

// Account looks up an account by script hash
func (w *Wallet) Account(hash keys.ScriptHash) (*Account, bool) {
	for i := range w.Accounts {
		if w.Accounts[i].ScriptHash == hash {
			return &w.Accounts[i], true
		}
	}
	return nil, false
}

// AddAccount appends acct. The first account of a wallet becomes its default.
func (w *Wallet) AddAccount(acct Account) error {
	if _, exists := w.Account(acct.ScriptHash); exists {
		return ErrConflictf("account %s already in wallet %s", acct.ScriptHash, w.Name)
	}
	if acct.IsDefault {
		for i := range w.Accounts {
			w.Accounts[i].IsDefault = false
		}
	}
	if len(w.Accounts) == 0 {
		acct.IsDefault = true
	}
	w.Accounts = append(w.Accounts, acct)
	return nil
}

// Validate checks per-wallet invariants
func (w *Wallet) Validate(version byte) error {
	if len(w.Accounts) == 0 {
		return nil
	}
	defaults := 0
	for _, acct := range w.Accounts {
		if acct.IsDefault {
			defaults++
		}
		if keys.Hash160(acct.Contract.Script) != acct.ScriptHash {
			return ErrInvalidf("wallet %s account %s does not match its script", w.Name, acct.ScriptHash.Address(version))
		}
		if len(acct.PrivateKey) > 0 {
			if _, err := acct.Key(); err != nil {
				return ErrInvalidf("wallet %s account %s: %v", w.Name, acct.ScriptHash.Address(version), err)
			}
		}
	}
	if defaults != 1 {
		return ErrInvalidf("wallet %s must have exactly one default account, found %d", w.Name, defaults)
	}
	return nil
}

// Key returns the account's private key, or nil for watch-only accounts
func (a *Account) Key() (*keys.PrivateKey, error) {
	if len(a.PrivateKey) == 0 {
		return nil, nil
	}
	return keys.PrivateKeyFromBytes(a.PrivateKey)
}

// IsMultiSig reports whether the account is an m-of-n account
func (a *Account) IsMultiSig() bool {
	return keys.IsMultiSigScript(a.Contract.Script)
}
