package simchain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/ripemd160"
)

// messagePrefix is prepended to signed messages so that a message signature
// can never be confused with any other signed payload.
const messagePrefix = "SpaceXpanse Signed Message:\n"

// PremineSeed is the publicly known regtest key controlling the genesis coin.
// Anyone can import it and sweep the premine, which is the intended way for
// tests to obtain a balance.
const PremineSeed = "2zgkFk7ZcHiP9MBSejzpAEqpLhSWT9SqYvkEBQ5bZ6qr6dP2mK"

// Wallet holds the node's signing keys.
// It is embedded in Chain and shares its lock discipline:
// the exported methods lock the wallet themselves and must not be called
// with the chain mutex held in ways that would recurse.
type Wallet struct {
	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey // address -> key
}

func newWallet() *Wallet {
	return &Wallet{keys: make(map[string]ed25519.PrivateKey)}
}

// AddressForSeed derives the address controlled by the given seed string.
func AddressForSeed(seed string) string {
	return addressForKey(keyForSeed(seed).Public().(ed25519.PublicKey))
}

func keyForSeed(seed string) ed25519.PrivateKey {
	sum := sha256.Sum256([]byte(seed))
	return ed25519.NewKeyFromSeed(sum[:])
}

func addressForKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	r := ripemd160.New()
	r.Write(sum[:])
	return "sx" + hex.EncodeToString(r.Sum(nil))
}

// NewAddress creates a fresh key and returns its address.
func (w *Wallet) NewAddress() string {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(fmt.Errorf("failed to generate wallet key: %w", err))
	}

	addr := addressForKey(priv.Public().(ed25519.PublicKey))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys[addr] = priv
	return addr
}

// ImportSeed adds the key derived from seed to the wallet
// and returns its address.
func (w *Wallet) ImportSeed(seed string) string {
	priv := keyForSeed(seed)
	addr := addressForKey(priv.Public().(ed25519.PublicKey))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys[addr] = priv
	return addr
}

// Owns reports whether the wallet holds the key for addr.
func (w *Wallet) Owns(addr string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.keys[addr]
	return ok
}

// Addresses returns all wallet addresses in a stable order.
func (w *Wallet) Addresses() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	addrs := make([]string, 0, len(w.keys))
	for a := range w.keys {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}

// SignMessage signs msg with the key for addr,
// returning the base64-encoded signature.
func (w *Wallet) SignMessage(addr, msg string) (string, error) {
	w.mu.Lock()
	priv, ok := w.keys[addr]
	w.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("address %s not in wallet", addr)
	}

	sig := ed25519.Sign(priv, []byte(messagePrefix+msg))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyMessage checks a signature produced by [Wallet.SignMessage].
// Verification requires the wallet to know the public key for addr,
// which holds on regtest where all participants share the node wallet.
func (w *Wallet) VerifyMessage(addr, sig, msg string) (bool, error) {
	w.mu.Lock()
	priv, ok := w.keys[addr]
	w.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("address %s not in wallet", addr)
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("malformed signature: %w", err)
	}

	pub := priv.Public().(ed25519.PublicKey)
	return ed25519.Verify(pub, []byte(messagePrefix+msg), raw), nil
}
